package chat

import (
	"strings"

	"ally-api/internal/agent"
	"ally-api/internal/fanout"
)

const statusConflict = "conflict"

// notificationFor maps a finished calendar tool to the notification other
// sessions should see. Read-only tools produce nothing.
func notificationFor(step agent.Step) (fanout.Notification, bool) {
	data := map[string]string{"tool": step.Tool}
	if step.Status == statusConflict {
		return fanout.Notification{
			Type:    fanout.NotificationConflictAlert,
			Title:   "Scheduling Conflict",
			Message: "A change made in chat conflicts with another event.",
			Data:    data,
		}, true
	}
	if !succeeded(step.Status) {
		return fanout.Notification{}, false
	}

	name := strings.ToLower(step.Tool)
	switch {
	case strings.Contains(name, "create_event"), strings.Contains(name, "insert_event"):
		return fanout.Notification{
			Type:    fanout.NotificationEventCreated,
			Title:   "Event Created",
			Message: "An event was added to your calendar from chat.",
			Data:    data,
		}, true
	case strings.Contains(name, "update_event"), strings.Contains(name, "move_event"):
		return fanout.Notification{
			Type:    fanout.NotificationEventUpdated,
			Title:   "Event Updated",
			Message: "An event in your calendar was changed from chat.",
			Data:    data,
		}, true
	}
	return fanout.Notification{}, false
}

func succeeded(status string) bool {
	switch status {
	case "", "success", "completed", "ok":
		return true
	}
	return false
}
