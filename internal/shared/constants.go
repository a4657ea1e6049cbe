package shared

import "time"

// HTTP Client Configuration
const (
	DefaultHTTPTimeout          = 180 * time.Second
	DefaultRequestTimeout       = 120 * time.Second
	DefaultStreamRequestTimeout = 30 * time.Second
	DefaultShutdownTimeout      = 2 * time.Minute
)

// Cache Configuration
const (
	UserInfoCacheTTL = 1 * time.Minute
)

// API Configuration
const (
	APIKeyLength = 32
)

// Guardrail Configuration
const (
	GuardrailMaxInputLength = 5000
	GuardrailMaxMessageSize = 64 * 1024
	GuardrailTimeout        = 8 * time.Second
	GuardrailVolumeLimit    = 10
	GuardrailVolumeWindow   = 1 * time.Hour
)

// Stream Configuration
const (
	HeartbeatInterval  = 15 * time.Second
	ChunkSize          = 20
	ChunkDelay         = 15 * time.Millisecond
	TitleTimeout       = 5 * time.Second
	MaxTitleLength     = 50
	MaxHistoryMessages = 20
)

// Fanout Configuration
const (
	WSRecoveryWindow    = 2 * time.Minute
	WSSendBuffer        = 32
	WSWriteTimeout      = 5 * time.Second
	WSMaxMissedMessages = 50
	ShutdownNoticeDelay = 2 * time.Second
	ReconnectDelay      = 5 * time.Second
)

// Bucket Configuration
const (
	BucketFlushInterval = 1 * time.Minute
	BucketRetryDelay    = 30 * time.Second
	MaxFlushRetries     = 3
)
