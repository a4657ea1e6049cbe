package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ally-api/internal/database"
	"ally-api/internal/shared"
)

// MySQLStore keeps messages as a JSON column. Writes go to the write
// database, reads to the replica.
type MySQLStore struct {
	wdb *sql.DB
	rdb *sql.DB
}

func NewMySQLStore(wdb, rdb *sql.DB) *MySQLStore {
	return &MySQLStore{wdb: wdb, rdb: rdb}
}

func (s *MySQLStore) Get(ctx context.Context, userID, id string) (*Conversation, error) {
	var c Conversation
	var title sql.NullString
	var messages []byte
	err := s.rdb.QueryRowContext(ctx, `
		SELECT id, user_id, title, messages, created_at, updated_at
		FROM conversation
		WHERE id = ? AND user_id = ?`, id, userID).Scan(
		&c.ID, &c.UserID, &title, &messages, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	c.Title = title.String
	if err := json.Unmarshal(messages, &c.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return &c, nil
}

func (s *MySQLStore) Create(ctx context.Context, userID string, messages []shared.ChatMessage) (*Conversation, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []shared.ChatMessage{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.wdb.ExecContext(ctx, `
		INSERT INTO conversation (id, user_id, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, id, userID, data, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return &Conversation{ID: id, UserID: userID, Messages: messages, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *MySQLStore) Append(ctx context.Context, userID, id string, messages ...shared.ChatMessage) error {
	return database.ExecuteTransaction(ctx, s.wdb, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			var raw []byte
			err := tx.QueryRowContext(ctx, `SELECT messages FROM conversation WHERE id = ? AND user_id = ? FOR UPDATE`, id, userID).Scan(&raw)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var existing []shared.ChatMessage
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("failed to decode messages: %w", err)
			}
			data, err := json.Marshal(append(existing, messages...))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE conversation SET messages = ?, updated_at = ? WHERE id = ?`, data, time.Now().UTC(), id)
			return err
		},
	})
}

func (s *MySQLStore) SetTitle(ctx context.Context, userID, id, title string) error {
	_, err := s.wdb.ExecContext(ctx, `UPDATE conversation SET title = ? WHERE id = ? AND user_id = ?`, title, id, userID)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return nil
}
