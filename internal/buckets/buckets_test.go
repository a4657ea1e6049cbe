package buckets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ally-api/internal/shared"

	"go.uber.org/zap"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]shared.InteractionRecord
	fail    int
	flushed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{flushed: make(chan struct{}, 10)}
}

func (r *recorder) flush(_ context.Context, records []shared.InteractionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("db down")
	}
	r.batches = append(r.batches, records)
	r.flushed <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not happen")
	}
}

func newCache(r *recorder) *UsageCache {
	c := NewUsageCache(zap.NewNop().Sugar(), r.flush)
	c.RetryDelay = time.Millisecond
	return c
}

func TestFlushWhenNothingInflight(t *testing.T) {
	r := newRecorder()
	c := newCache(r)
	c.AddInteraction(shared.InteractionRecord{UserID: "u1", RequestID: "r1"})
	r.wait(t)
	if len(r.batches) != 1 || len(r.batches[0]) != 1 {
		t.Fatalf("unexpected batches %+v", r.batches)
	}
}

func TestBatchesWhileInflight(t *testing.T) {
	r := newRecorder()
	c := newCache(r)
	c.FlushInterval = time.Hour

	c.AddInFlightToBucket("u1")
	c.AddInFlightToBucket("u1")
	c.AddInteraction(shared.InteractionRecord{UserID: "u1", RequestID: "r1"})
	c.RemoveInFlightFromBucket("u1")
	select {
	case <-r.flushed:
		t.Fatal("flushed with a chat still inflight")
	case <-time.After(20 * time.Millisecond):
	}

	c.RemoveInFlightFromBucket("u1")
	c.AddInteraction(shared.InteractionRecord{UserID: "u1", RequestID: "r2"})
	r.wait(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) != 1 || len(r.batches[0]) != 2 {
		t.Fatalf("expected one batch of two, got %+v", r.batches)
	}
}

func TestFlushTimer(t *testing.T) {
	r := newRecorder()
	c := newCache(r)
	c.FlushInterval = 10 * time.Millisecond

	c.AddInFlightToBucket("u1")
	c.AddInteraction(shared.InteractionRecord{UserID: "u1", RequestID: "r1"})
	r.wait(t)
}

func TestFlushRetries(t *testing.T) {
	r := newRecorder()
	r.fail = 2
	c := newCache(r)
	c.AddInteraction(shared.InteractionRecord{UserID: "u1", RequestID: "r1"})
	r.wait(t)
}

func TestShutdownFlushesEverything(t *testing.T) {
	r := newRecorder()
	c := newCache(r)
	c.FlushInterval = time.Hour
	for _, u := range []string{"u1", "u2"} {
		c.AddInFlightToBucket(u)
		c.AddInteraction(shared.InteractionRecord{UserID: u, RequestID: "r-" + u})
		c.RemoveInFlightFromBucket(u)
	}
	c.Shutdown()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) != 2 {
		t.Fatalf("expected two batches, got %d", len(r.batches))
	}
}
