package errors

import (
	stderrors "errors"
	"fmt"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// Agent-specific error constructors

// ConfigurationError reports a push server that cannot be built as configured.
func ConfigurationError(serverKey, reason string) *AppError {
	return New(ErrorTypeConfiguration, "CONFIGURATION_ERROR", fmt.Sprintf("Configuration error for server %q: %s", serverKey, reason)).
		WithSeverity(SeverityCritical).
		WithServer(serverKey)
}

// InvalidFilterError reports a filter that cannot be converted to wire form.
func InvalidFilterError(subID, reason string) *AppError {
	return New(ErrorTypeInvalidFilter, "INVALID_FILTER", fmt.Sprintf("Filter validation failed: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("Subscription ID: %s", subID))
}

// NotInitializedError reports an operation attempted before its links or server exist.
func NotInitializedError(operation, reason string) *AppError {
	return New(ErrorTypeNotInitialized, "NOT_INITIALIZED", fmt.Sprintf("%s attempted before initialization: %s", operation, reason)).
		WithSeverity(SeverityLow)
}

// AuthError reports a NIP-42 challenge that could not be answered.
func AuthError(relayURL, reason string, cause error) *AppError {
	var e *AppError
	if cause != nil {
		e = Wrap(cause, ErrorTypeAuth, "AUTH_FAILED", fmt.Sprintf("Authentication failed: %s", reason))
	} else {
		e = New(ErrorTypeAuth, "AUTH_FAILED", fmt.Sprintf("Authentication failed: %s", reason))
	}
	return e.WithSeverity(SeverityMedium).WithRelay(relayURL)
}

// NoIdentityError is the AuthError raised when the key store has no signing identity.
func NoIdentityError(relayURL string) *AppError {
	e := AuthError(relayURL, "no signing identity available", nil)
	e.Code = "AUTH_NO_IDENTITY"
	return e
}

// TransportError classifies a link-level failure for one relay.
func TransportError(relayURL, operation string, cause error) *AppError {
	code := "TRANSPORT_ERROR"

	switch {
	case cause == nil:
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code = "WS_NORMAL_CLOSURE"
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case stderrors.Is(cause, websocket.ErrBadHandshake):
		code = "WS_BAD_HANDSHAKE"
	default:
		code = classifyNetError(cause)
	}

	var e *AppError
	if cause != nil {
		e = Wrap(cause, ErrorTypeTransport, code, fmt.Sprintf("Relay %s failed", operation))
	} else {
		e = New(ErrorTypeTransport, code, fmt.Sprintf("Relay %s failed", operation))
	}
	return e.WithSeverity(SeverityMedium).WithRelay(relayURL)
}

func classifyNetError(cause error) string {
	if opErr, ok := cause.(*net.OpError); ok {
		switch opErr.Op {
		case "dial":
			return "NETWORK_DIAL_FAILED"
		case "read":
			return "NETWORK_READ_FAILED"
		case "write":
			return "NETWORK_WRITE_FAILED"
		}
	}
	if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
		return "NETWORK_TIMEOUT"
	}
	if errno, ok := cause.(syscall.Errno); ok {
		switch errno {
		case syscall.ECONNREFUSED:
			return "CONNECTION_REFUSED"
		case syscall.ECONNRESET:
			return "CONNECTION_RESET"
		case syscall.ETIMEDOUT:
			return "CONNECTION_TIMEOUT"
		}
	}
	return "NETWORK_UNKNOWN"
}

// IsRecoverable determines if an error is worth retrying (reconnect, resubscribe).
func IsRecoverable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTransport:
		return true
	case ErrorTypeAuth:
		// a later challenge may succeed once an identity is configured
		return appErr.Code != "AUTH_NO_IDENTITY"
	default:
		return false
	}
}
