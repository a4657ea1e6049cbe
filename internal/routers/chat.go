package routers

import (
	"context"
	"errors"
	"time"

	"ally-api/internal/ctx"
	"ally-api/internal/guardrail"
	"ally-api/internal/handlers/chat"
	"ally-api/internal/ledger"
	"ally-api/internal/middleware"
	"ally-api/internal/shared"
	"ally-api/internal/stream"

	"github.com/labstack/echo/v4"
)

type ChatRouter struct {
	ch     *chat.ChatHandler
	ledger *ledger.Ledger
}

func RegisterChatRoutes(e *echo.Group, ch *chat.ChatHandler, l *ledger.Ledger, umw *middleware.UserMiddleware, limiter *middleware.RateLimiter) {
	cr := ChatRouter{ch: ch, ledger: l}

	v1 := e.Group("/v1")
	requireUser := v1.Group("", umw.ExtractUser, umw.RequireUser)
	limited := requireUser.Group("")
	if limiter != nil {
		limited.Use(limiter.Middleware)
	}

	limited.POST("/chat/stream", cr.StreamChat)
	limited.POST("/chat/stream/:conversation_id", cr.StreamChat)
	requireUser.GET("/usage", cr.GetUsage)
}

func (cr *ChatRouter) StreamChat(cc echo.Context) error {
	c := cc.(*ctx.Context)
	var body shared.ChatRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, errors.Join(shared.ErrInvalidRequest, err), "")
	}

	conversationID := c.Param("conversation_id")
	c.LogValues.ConversationID = conversationID

	out, err := cr.ch.StreamChat(chat.StreamChatInput{
		Ctx:            c.Request().Context(),
		User:           *c.User,
		RequestID:      c.Reqid,
		ConversationID: conversationID,
		Message:        body.Message,
		Open: func() *stream.Writer {
			return stream.Open(c.Response())
		},
		Log: c.Log,
	})

	if out != nil {
		if out.ConversationID != "" {
			c.LogValues.ConversationID = out.ConversationID
		}
		if out.Verdict.Kind != "" && out.Verdict.Kind != guardrail.KindNone {
			c.LogValues.GuardrailKind = string(out.Verdict.Kind)
		}
		c.LogValues.AllowanceSource = string(out.Source)
		c.LogValues.Committed = out.Committed
		c.LogValues.StreamEventCount = out.Events
	}
	if err == nil {
		return nil
	}

	// Headers are gone, the client already got the error event
	if out != nil && out.Streamed {
		c.LogValues.AddError(err)
		if !errors.Is(err, context.Canceled) {
			c.LogValues.LogLevel = "ERROR"
		}
		return nil
	}
	violation := ""
	if out != nil && !out.Verdict.Safe && out.Verdict.Kind != "" {
		violation = string(out.Verdict.Kind)
	}
	return errorJSON(c, err, violation)
}

func (cr *ChatRouter) GetUsage(cc echo.Context) error {
	c := cc.(*ctx.Context)
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	snap, err := cr.ledger.Snapshot(reqCtx, c.User.UserID)
	if err != nil {
		return errorJSON(c, errors.Join(shared.ErrInternalServerError, shared.ErrLedgerUnavailable, err), "")
	}
	return c.JSON(200, snap)
}
