package constants

import "time"

// Relay→client and client→relay frame labels
const (
	FrameEvent  = "EVENT"
	FrameReq    = "REQ"
	FrameClose  = "CLOSE"
	FrameAuth   = "AUTH"
	FrameEOSE   = "EOSE"
	FrameOK     = "OK"
	FrameClosed = "CLOSED"
	FrameNotice = "NOTICE"
	FrameCount  = "COUNT"
)

// AuthRequiredPrefix marks CLOSED/OK reasons that ask the client to authenticate first.
const AuthRequiredPrefix = "auth-required:"

const (
	// DefaultReconnectDelay is the fixed delay before a failed server is retried.
	DefaultReconnectDelay = 5 * time.Second

	// HealthCheckTimeout bounds one /health evaluation, in seconds.
	HealthCheckTimeout = 5

	// MaxSubscriptionIDLength is the longest id relays are expected to accept.
	MaxSubscriptionIDLength = 64
)

// Agent metadata
const (
	AgentSoftware  = "nopu-agent"
	AgentUserAgent = "nopu-agent (+https://nopu.sh)"
)
