// Package conversation persists chat transcripts per user.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"ally-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
)

var ErrNotFound = errors.New("conversation not found")

type Conversation struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Title     string               `json:"title"`
	Messages  []shared.ChatMessage `json:"messages"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type Store interface {
	// Get returns ErrNotFound when the conversation does not exist or belongs
	// to someone else
	Get(ctx context.Context, userID, id string) (*Conversation, error)
	Create(ctx context.Context, userID string, messages []shared.ChatMessage) (*Conversation, error)
	Append(ctx context.Context, userID, id string, messages ...shared.ChatMessage) error
	SetTitle(ctx context.Context, userID, id, title string) error
}

func NewID() (string, error) {
	id, err := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 11)
	if err != nil {
		return "", err
	}
	return "conv-" + id, nil
}

type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*Conversation
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: map[string]*Conversation{}, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, userID, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Messages = append([]shared.ChatMessage(nil), c.Messages...)
	return &cp, nil
}

func (m *MemoryStore) Create(_ context.Context, userID string, messages []shared.ChatMessage) (*Conversation, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c := &Conversation{
		ID:        id,
		UserID:    userID,
		Messages:  append([]shared.ChatMessage(nil), messages...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.convs[id] = c
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Append(_ context.Context, userID, id string, messages ...shared.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	c.Messages = append(c.Messages, messages...)
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetTitle(_ context.Context, userID, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	c.Title = title
	return nil
}
