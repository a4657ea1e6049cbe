package routers

import (
	"errors"
	"time"

	"ally-api/internal/ctx"
	"ally-api/internal/fanout"
	"ally-api/internal/middleware"
	"ally-api/internal/shared"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
)

type FanoutRouter struct {
	hub      *fanout.Hub
	notifier fanout.Notifier
	origins  []string
}

// RegisterFanoutRoutes serves the notification socket. notifier is the relay
// in multi instance deployments and the hub itself otherwise.
func RegisterFanoutRoutes(e *echo.Group, hub *fanout.Hub, notifier fanout.Notifier, umw *middleware.UserMiddleware, origins []string) {
	fr := FanoutRouter{hub: hub, notifier: notifier, origins: origins}

	v1 := e.Group("/v1")
	requireUser := v1.Group("", umw.ExtractUser, umw.RequireUser)
	requireAdmin := v1.Group("", umw.ExtractUser, umw.RequireAdmin)

	requireUser.GET("/ws", fr.Connect)
	requireAdmin.POST("/notifications", fr.PublishNotification)
}

func (fr *FanoutRouter) Connect(cc echo.Context) error {
	c := cc.(*ctx.Context)
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: fr.origins,
	})
	if err != nil {
		// Accept already wrote the response
		c.LogValues.AddError(err)
		return nil
	}
	fr.hub.Serve(c.Request().Context(), c.User.UserID, c.QueryParam("session_id"), conn, c.Log)
	return nil
}

type NotificationRequest struct {
	UserID  string                  `json:"user_id"`
	Type    fanout.NotificationType `json:"type"`
	Title   string                  `json:"title"`
	Message string                  `json:"message"`
	Data    any                     `json:"data,omitempty"`
}

// NotificationResponse reports whether a session connected to this instance
// received the notification. Sessions on other instances are reached through
// the relay and are not reflected here.
type NotificationResponse struct {
	Delivered bool `json:"delivered"`
}

func (fr *FanoutRouter) PublishNotification(cc echo.Context) error {
	c := cc.(*ctx.Context)
	var body NotificationRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, errors.Join(shared.ErrInvalidRequest, err), "")
	}
	if body.Type == "" {
		body.Type = fanout.NotificationSystem
	}
	if body.UserID == "" || body.Message == "" || !body.Type.Valid() {
		return errorJSON(c, shared.ErrBadRequest, "")
	}

	delivered := fr.notifier.Notify(c.Request().Context(), body.UserID, fanout.Notification{
		Type:      body.Type,
		Title:     body.Title,
		Message:   body.Message,
		Data:      body.Data,
		Timestamp: time.Now(),
	})
	return c.JSON(200, NotificationResponse{Delivered: delivered})
}
