package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeInvalidFilter  ErrorType = "invalid_filter"
	ErrorTypeNotInitialized ErrorType = "not_initialized"
	ErrorTypeAuth           ErrorType = "auth"
	ErrorTypeTransport      ErrorType = "transport"
)

// ErrorSeverity represents the severity level of errors
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"      // Affects one subscription attempt
	SeverityMedium   ErrorSeverity = "medium"   // Affects one relay link
	SeverityHigh     ErrorSeverity = "high"     // Affects a whole push server
	SeverityCritical ErrorSeverity = "critical" // The agent cannot run as configured
)

// AppError represents a structured agent error
type AppError struct {
	Type      ErrorType     `json:"type"`
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Details   string        `json:"details,omitempty"`
	Severity  ErrorSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	Server    string        `json:"server,omitempty"`
	Relay     string        `json:"relay,omitempty"`
	Cause     error         `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap implements the Unwrap interface for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on error type so errors.Is(err, &AppError{Type: ...}) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Code == "" || t.Code == e.Code)
}

// New creates a new AppError
func New(errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errorType ErrorType, code string, message string) *AppError {
	appErr := New(errorType, code, message)
	appErr.Cause = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// WithSeverity sets the severity level of an error
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithDetails adds additional details to an error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithServer tags the error with the push server it belongs to.
func (e *AppError) WithServer(serverKey string) *AppError {
	e.Server = serverKey
	return e
}

// WithRelay tags the error with the relay endpoint it belongs to.
func (e *AppError) WithRelay(relayURL string) *AppError {
	e.Relay = relayURL
	return e
}

// As extracts the *AppError from an error chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// TypeOf returns the error type of err, or "" for foreign errors.
func TypeOf(err error) ErrorType {
	if appErr, ok := As(err); ok {
		return appErr.Type
	}
	return ""
}

func IsConfiguration(err error) bool  { return TypeOf(err) == ErrorTypeConfiguration }
func IsInvalidFilter(err error) bool  { return TypeOf(err) == ErrorTypeInvalidFilter }
func IsNotInitialized(err error) bool { return TypeOf(err) == ErrorTypeNotInitialized }
func IsAuth(err error) bool           { return TypeOf(err) == ErrorTypeAuth }
func IsTransport(err error) bool      { return TypeOf(err) == ErrorTypeTransport }
