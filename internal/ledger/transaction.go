package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ally-api/internal/metrics"
)

type TxState int

const (
	StateUninitialized TxState = iota
	StateBegan
	StateCommitted
	StateRolledBack
)

func (s TxState) String() string {
	switch s {
	case StateBegan:
		return "began"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	}
	return "uninitialized"
}

// Transaction charges at most one unit. Begin reserves nothing in the store,
// it only records which source Commit will draw from.
type Transaction struct {
	mu       sync.Mutex
	ledger   *Ledger
	userID   string
	state    TxState
	snapshot Snapshot
	// limit is the plan cap read at Begin, nil when unmetered
	limit  *int64
	result CommitResult
}

func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

func (t *Transaction) Begin(ctx context.Context) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateUninitialized {
		return t.snapshot, nil
	}
	snap, access, err := t.ledger.read(ctx, t.userID)
	if err != nil {
		t.ledger.log.Errorw("Failed to begin ledger transaction", "error", err, "user_id", t.userID)
		metrics.LedgerTransactions.WithLabelValues(string(SourceNone), "begin_error").Inc()
		return noAllowance, err
	}
	t.snapshot = snap
	if !snap.Unlimited {
		t.limit = access.InteractionsLimit
	}
	t.state = StateBegan
	return snap, nil
}

// Commit deducts one unit from the source recorded at Begin. Calling it again
// after success returns the first result.
func (t *Transaction) Commit(ctx context.Context) (CommitResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateCommitted:
		return t.result, nil
	case StateUninitialized:
		return CommitResult{}, ErrNotBegun
	case StateRolledBack:
		return CommitResult{}, ErrRolledBack
	}

	store := t.ledger.store
	snap := t.snapshot
	var result CommitResult
	switch snap.Source {
	case SourceSubscription:
		used, err := store.ConsumeInteraction(ctx, t.userID, t.limit)
		if err != nil {
			if errors.Is(err, ErrAllowanceExhausted) {
				metrics.LedgerTransactions.WithLabelValues(string(snap.Source), "insufficient").Inc()
				return CommitResult{}, err
			}
			metrics.LedgerTransactions.WithLabelValues(string(snap.Source), "commit_error").Inc()
			return CommitResult{}, fmt.Errorf("failed to consume interaction: %w", err)
		}
		result = CommitResult{Success: true, Source: SourceSubscription, NewBalance: -1}
		if t.limit != nil {
			result.NewBalance = max(0, *t.limit-used)
		}
	case SourceCredits:
		balance, err := store.ConsumeCredit(ctx, t.userID)
		if err != nil {
			outcome := "commit_error"
			if errors.Is(err, ErrInsufficientCredits) {
				outcome = "insufficient"
			}
			metrics.LedgerTransactions.WithLabelValues(string(snap.Source), outcome).Inc()
			return CommitResult{}, err
		}
		result = CommitResult{Success: true, Source: SourceCredits, NewBalance: balance}
	default:
		return CommitResult{}, ErrNoAllowance
	}

	t.result = result
	t.state = StateCommitted
	metrics.LedgerTransactions.WithLabelValues(string(snap.Source), "committed").Inc()
	metrics.InteractionsCharged.WithLabelValues(string(snap.Source)).Inc()
	return result, nil
}

// Rollback abandons the reservation. Nothing was written at Begin so the
// store is untouched. No-op once committed.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCommitted || t.state == StateRolledBack {
		return
	}
	if t.state == StateBegan {
		metrics.LedgerTransactions.WithLabelValues(string(t.snapshot.Source), "rolled_back").Inc()
	}
	t.state = StateRolledBack
	t.snapshot = noAllowance
}
