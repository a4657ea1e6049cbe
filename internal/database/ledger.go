package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ally-api/internal/ledger"
)

// LedgerStore keeps plan access and usage counters in the user_usage table.
// Consume operations lock the row so concurrent commits serialize.
type LedgerStore struct {
	wdb *sql.DB
	rdb *sql.DB
}

func NewLedgerStore(wdb, rdb *sql.DB) *LedgerStore {
	return &LedgerStore{wdb: wdb, rdb: rdb}
}

func (s *LedgerStore) GetAccess(ctx context.Context, userID string) (ledger.Access, error) {
	var access ledger.Access
	var limit sql.NullInt64
	err := s.rdb.QueryRowContext(ctx, `
		SELECT has_access, plan_slug, subscription_status, interactions_limit
		FROM user_usage
		WHERE user_id = ?`, userID).Scan(
		&access.HasAccess, &access.PlanSlug, &access.SubscriptionStatus, &limit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Access{}, nil
	}
	if err != nil {
		return ledger.Access{}, fmt.Errorf("failed to get access: %w", err)
	}
	if limit.Valid {
		access.InteractionsLimit = &limit.Int64
	}
	return access, nil
}

func (s *LedgerStore) GetUsage(ctx context.Context, userID string) (ledger.Usage, error) {
	var usage ledger.Usage
	// Read from the writer so a fresh commit is always visible
	err := s.wdb.QueryRowContext(ctx, `
		SELECT interactions_used, credits_remaining
		FROM user_usage
		WHERE user_id = ?`, userID).Scan(&usage.InteractionsUsed, &usage.CreditsRemaining)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Usage{}, nil
	}
	if err != nil {
		return ledger.Usage{}, fmt.Errorf("failed to get usage: %w", err)
	}
	return usage, nil
}

func (s *LedgerStore) SetUsage(ctx context.Context, userID string, usage ledger.Usage) error {
	_, err := s.wdb.ExecContext(ctx, `
		INSERT INTO user_usage (user_id, interactions_used, credits_remaining)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			interactions_used = VALUES(interactions_used),
			credits_remaining = VALUES(credits_remaining)`,
		userID, usage.InteractionsUsed, usage.CreditsRemaining)
	if err != nil {
		return fmt.Errorf("failed to set usage: %w", err)
	}
	return nil
}

func (s *LedgerStore) ConsumeInteraction(ctx context.Context, userID string, limit *int64) (int64, error) {
	var used int64
	err := ExecuteTransaction(ctx, s.wdb, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, "SELECT interactions_used FROM user_usage WHERE user_id = ? FOR UPDATE", userID).Scan(&used)
			if errors.Is(err, sql.ErrNoRows) && limit != nil {
				return ledger.ErrAllowanceExhausted
			}
			if err != nil {
				return fmt.Errorf("failed to lock usage: %w", err)
			}
			if limit != nil && used >= *limit {
				return ledger.ErrAllowanceExhausted
			}
			used++
			_, err = tx.ExecContext(ctx, "UPDATE user_usage SET interactions_used = ? WHERE user_id = ?", used, userID)
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	return used, nil
}

func (s *LedgerStore) ConsumeCredit(ctx context.Context, userID string) (int64, error) {
	var credits int64
	err := ExecuteTransaction(ctx, s.wdb, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, "SELECT credits_remaining FROM user_usage WHERE user_id = ? FOR UPDATE", userID).Scan(&credits)
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.ErrInsufficientCredits
			}
			if err != nil {
				return fmt.Errorf("failed to lock credits: %w", err)
			}
			if credits <= 0 {
				return ledger.ErrInsufficientCredits
			}
			credits--
			_, err = tx.ExecContext(ctx, "UPDATE user_usage SET credits_remaining = ? WHERE user_id = ?", credits, userID)
			return err
		},
	})
	if err != nil {
		return 0, err
	}
	return credits, nil
}
