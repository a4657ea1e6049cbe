// Package ledger reserves and charges one chat interaction per request against
// a user's subscription allowance or credit pool.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type Source string

const (
	SourceSubscription Source = "subscription"
	SourceCredits      Source = "credits"
	SourceNone         Source = "none"
)

const statusTrialing = "trialing"

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotBegun            = errors.New("transaction has not begun")
	ErrRolledBack          = errors.New("transaction was rolled back")
	ErrNoAllowance         = errors.New("no allowance to charge")
	// ErrAllowanceExhausted is returned when the plan limit was reached
	// between Begin and Commit
	ErrAllowanceExhausted = errors.New("interaction allowance exhausted")
)

// Access is the plan side of a user's allowance. A nil InteractionsLimit means
// the plan is unmetered.
type Access struct {
	HasAccess          bool   `json:"has_access"`
	PlanSlug           string `json:"plan_slug"`
	SubscriptionStatus string `json:"subscription_status"`
	InteractionsLimit  *int64 `json:"interactions_limit"`
}

type Usage struct {
	InteractionsUsed int64 `json:"interactions_used"`
	CreditsRemaining int64 `json:"credits_remaining"`
}

// Store persists the counters. Consume operations must be atomic with respect
// to concurrent callers for the same user.
type Store interface {
	GetAccess(ctx context.Context, userID string) (Access, error)
	GetUsage(ctx context.Context, userID string) (Usage, error)
	SetUsage(ctx context.Context, userID string, usage Usage) error
	// ConsumeInteraction increments the period counter and returns the new
	// count. With a non-nil limit the increment only happens while the count is
	// below it, otherwise ErrAllowanceExhausted.
	ConsumeInteraction(ctx context.Context, userID string, limit *int64) (int64, error)
	// ConsumeCredit decrements the pool by one when it is positive and returns
	// the new balance, or ErrInsufficientCredits
	ConsumeCredit(ctx context.Context, userID string) (int64, error)
}

type Snapshot struct {
	HasAllowance     bool   `json:"has_allowance"`
	Remaining        int64  `json:"remaining"`
	Unlimited        bool   `json:"unlimited"`
	Source           Source `json:"source"`
	CreditsRemaining int64  `json:"credits_remaining"`
}

var noAllowance = Snapshot{Source: SourceNone}

type CommitResult struct {
	Success bool   `json:"success"`
	Source  Source `json:"source"`
	// NewBalance is what is left in the charged source, -1 when unmetered
	NewBalance int64 `json:"new_balance"`
}

type Ledger struct {
	store Store
	log   *zap.SugaredLogger
}

func New(store Store, log *zap.SugaredLogger) *Ledger {
	return &Ledger{store: store, log: log}
}

func (l *Ledger) NewTransaction(userID string) *Transaction {
	return &Transaction{ledger: l, userID: userID, state: StateUninitialized}
}

// Snapshot computes the current allowance without reserving anything
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	snap, _, err := l.read(ctx, userID)
	return snap, err
}

func (l *Ledger) read(ctx context.Context, userID string) (Snapshot, Access, error) {
	access, err := l.store.GetAccess(ctx, userID)
	if err != nil {
		return noAllowance, Access{}, fmt.Errorf("failed to get access: %w", err)
	}
	usage, err := l.store.GetUsage(ctx, userID)
	if err != nil {
		return noAllowance, Access{}, fmt.Errorf("failed to get usage: %w", err)
	}
	return computeSnapshot(access, usage), access, nil
}

func computeSnapshot(access Access, usage Usage) Snapshot {
	credits := max(0, usage.CreditsRemaining)
	if !access.HasAccess {
		return Snapshot{Source: SourceNone, CreditsRemaining: credits}
	}
	if access.SubscriptionStatus == statusTrialing || access.InteractionsLimit == nil {
		return Snapshot{
			HasAllowance:     true,
			Remaining:        -1,
			Unlimited:        true,
			Source:           SourceSubscription,
			CreditsRemaining: credits,
		}
	}

	subRemaining := max(0, *access.InteractionsLimit-usage.InteractionsUsed)
	switch {
	case subRemaining > 0:
		// Remaining includes the credit pool as a buffer for display
		return Snapshot{
			HasAllowance:     true,
			Remaining:        subRemaining + credits,
			Source:           SourceSubscription,
			CreditsRemaining: credits,
		}
	case credits > 0:
		return Snapshot{
			HasAllowance:     true,
			Remaining:        credits,
			Source:           SourceCredits,
			CreditsRemaining: credits,
		}
	}
	return Snapshot{Source: SourceNone}
}
