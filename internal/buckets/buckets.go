// Package buckets batches committed interaction records per user and flushes
// them to the analytics tables
package buckets

import (
	"context"
	"sync"
	"time"

	"ally-api/internal/metrics"
	"ally-api/internal/shared"

	"go.uber.org/zap"
)

// Flusher persists one user's batch
type Flusher func(ctx context.Context, records []shared.InteractionRecord) error

type UsageCache struct {
	buckets       map[string]*bucket
	killedBuckets map[string]*bucket
	mu            sync.Mutex
	log           *zap.SugaredLogger
	flush         Flusher

	FlushInterval time.Duration
	RetryDelay    time.Duration
}

type bucket struct {
	mu       sync.Mutex
	userID   string
	records  map[string]shared.InteractionRecord
	inflight uint64
	timer    *time.Timer
}

func NewUsageCache(log *zap.SugaredLogger, flush Flusher) *UsageCache {
	return &UsageCache{
		log:           log,
		flush:         flush,
		buckets:       map[string]*bucket{},
		killedBuckets: map[string]*bucket{},
		FlushInterval: shared.BucketFlushInterval,
		RetryDelay:    shared.BucketRetryDelay,
	}
}

// Shutdown waits for inflight chats to finish and flushes every bucket
func (c *UsageCache) Shutdown() {
	c.log.Info("Shutting down cache")
	for {
		c.mu.Lock()
		total := uint64(0)
		for _, b := range c.buckets {
			b.mu.Lock()
			if b.timer != nil {
				b.timer.Stop()
			}
			total += b.inflight
			b.mu.Unlock()
		}
		c.mu.Unlock()
		if total == 0 {
			break
		}
		time.Sleep(1 * time.Second)
	}
	c.mu.Lock()
	userIDs := make([]string, 0, len(c.buckets))
	for id := range c.buckets {
		userIDs = append(userIDs, id)
	}
	c.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, id := range userIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.flushWithRetry(id)
		}()
	}
	wg.Wait()
}

func (c *UsageCache) AddInFlightToBucket(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.getBucket(userID)
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
}

func (c *UsageCache) RemoveInFlightFromBucket(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.getBucket(userID)
	b.mu.Lock()
	if b.inflight > 0 {
		b.inflight--
	}
	b.mu.Unlock()
}

func (c *UsageCache) getBucket(userID string) *bucket {
	b, ok := c.buckets[userID]
	if !ok {
		b = &bucket{records: map[string]shared.InteractionRecord{}, userID: userID}
		c.buckets[userID] = b
	}
	return b
}

// AddInteraction queues a committed interaction. The bucket is flushed once
// the user has nothing inflight, or after FlushInterval otherwise.
func (c *UsageCache) AddInteraction(rec shared.InteractionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.getBucket(rec.UserID)
	b.mu.Lock()
	defer b.mu.Unlock()

	fresh := len(b.records) == 0
	b.records[rec.RequestID] = rec
	if rec.TimeToFirstDelta != 0 {
		metrics.TimeToFirstDelta.WithLabelValues("chat").Observe(rec.TimeToFirstDelta.Seconds())
	}

	// Still has inflight chats, wait for them or the timer
	if b.inflight >= 1 {
		if fresh && b.timer == nil {
			c.log.Debugw("Registering flush for bucket", "user_id", rec.UserID)
			b.timer = time.AfterFunc(c.FlushInterval, func() {
				c.flushWithRetry(rec.UserID)
			})
		}
		return
	}

	if b.timer != nil {
		if !b.timer.Stop() {
			c.log.Debugw("Flush is already executed", "user_id", rec.UserID)
			return
		}
	}
	go c.flushWithRetry(rec.UserID)
}

func (c *UsageCache) flushWithRetry(userID string) {
	retry := c.Flush(userID)
	for retry != 0 {
		c.log.Warn("Flush requested retry, waiting...")
		time.Sleep(retry)
		retry = c.Flush(userID)
	}
}

// Flush writes the user's bucket. A non zero return asks the caller to retry
// after that long because another flush for the user is running.
func (c *UsageCache) Flush(userID string) time.Duration {
	c.mu.Lock()
	b, ok := c.buckets[userID]
	if !ok {
		c.mu.Unlock()
		return 0
	}

	if _, ok := c.killedBuckets[userID]; ok {
		c.mu.Unlock()
		return c.RetryDelay
	}
	c.killedBuckets[userID] = b
	delete(c.buckets, userID)
	b.mu.Lock()
	if b.inflight != 0 {
		c.buckets[userID] = &bucket{
			userID:   userID,
			inflight: b.inflight,
			records:  map[string]shared.InteractionRecord{},
		}
	}
	records := make([]shared.InteractionRecord, 0, len(b.records))
	for _, r := range b.records {
		records = append(records, r)
	}
	b.mu.Unlock()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.killedBuckets, userID)
		c.mu.Unlock()
	}()

	if len(records) == 0 {
		return 0
	}

	var err error
	for attempt := range shared.MaxFlushRetries {
		err = c.flush(context.Background(), records)
		if err == nil {
			c.log.Infow("Flushed bucket", "user_id", userID, "interactions", len(records))
			return 0
		}
		c.log.Errorw("Failed to save interactions", "error", err, "attempt", attempt+1)
		if attempt+1 < shared.MaxFlushRetries {
			time.Sleep(c.RetryDelay)
		}
	}
	c.log.Errorw("Dropping interaction batch after retries", "error", err, "user_id", userID)
	metrics.ErrorCount.WithLabelValues("chat", "save_interactions").Inc()
	return 0
}
