// Package ctx
package ctx

import (
	"fmt"
	"time"

	"ally-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in base middleware
	RequestID       string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in user middleware
	UserID string
	Role   string

	// Added by chat routes
	ConversationID   string
	GuardrailKind    string
	AllowanceSource  string
	Committed        bool
	StreamEventCount int

	// Override log Log Level
	// useful for streaming where status code is sent before errors from
	// mid-stream or post processing occur
	LogLevel string

	// Added dynamically
	Error error
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
// Log level is determined by the status code of the request
func (c *ContextLogValues) AddError(err error) {
	if err == nil {
		return
	}
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.UserID != "" {
		enc.AddString("user_id", c.UserID)
		enc.AddString("role", c.Role)
	}
	if c.ConversationID != "" {
		enc.AddString("conversation_id", c.ConversationID)
	}
	if c.GuardrailKind != "" {
		enc.AddString("guardrail_kind", c.GuardrailKind)
	}
	if c.AllowanceSource != "" {
		enc.AddString("allowance_source", c.AllowanceSource)
		enc.AddBool("committed", c.Committed)
	}
	if c.StreamEventCount != 0 {
		enc.AddInt("stream_events", c.StreamEventCount)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	enc.AddString("path", c.Path)
	return nil
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	User      *shared.UserMetadata
	LogValues *ContextLogValues
}
