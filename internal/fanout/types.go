// Package fanout tracks live WebSocket sessions per user and delivers
// notifications to every one of them.
package fanout

import (
	"context"
	"time"
)

type NotificationType string

const (
	NotificationEventCreated  NotificationType = "event_created"
	NotificationEventUpdated  NotificationType = "event_updated"
	NotificationConflictAlert NotificationType = "conflict_alert"
	NotificationSystem        NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationEventCreated, NotificationEventUpdated, NotificationConflictAlert, NotificationSystem:
		return true
	}
	return false
}

type Notification struct {
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      any              `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type ShutdownNotice struct {
	Message          string `json:"message"`
	ReconnectDelayMs int64  `json:"reconnectDelayMs"`
}

const (
	FrameNotification = "notification"
	FrameShutdown     = "server-shutdown"
	FrameSession      = "session"
	FramePing         = "ping"
	FramePong         = "pong"
)

// Frame is one message on the socket in either direction
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type SessionInfo struct {
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed"`
	Replayed  int    `json:"replayed"`
}

// Conn is one live client session. Send must not block.
type Conn interface {
	ID() string
	Send(f Frame) bool
	Close(reason string)
}

// Notifier delivers a notification to all of a user's sessions and reports
// whether any local session received it.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) bool
}
