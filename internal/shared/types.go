package shared

import "time"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of both chat stream endpoints
type ChatRequest struct {
	Message string `json:"message"`
}

// ErrorResponse is returned for every failure that happens before a stream opens
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Violation string `json:"violation,omitempty"`
}

type UserMetadata struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	APIKey string `json:"-"`
}

func (u *UserMetadata) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}

// InteractionRecord is the analytics row written for every committed chat
type InteractionRecord struct {
	UserID           string
	RequestID        string
	ConversationID   string
	Source           string
	ToolCalls        int
	TimeToFirstDelta time.Duration
	TotalTime        time.Duration
	CreatedAt        time.Time
}
