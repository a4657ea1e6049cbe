package fanout

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = "ally:v1:fanout:notifications"

type envelope struct {
	Origin       string       `json:"origin"`
	UserID       string       `json:"user_id"`
	Notification Notification `json:"notification"`
}

// Relay spreads notifications across api instances over redis pub/sub. Each
// instance delivers to its own sessions.
type Relay struct {
	hub        *Hub
	redis      *redis.Client
	channel    string
	instanceID string
	log        *zap.SugaredLogger
}

func NewRelay(hub *Hub, client *redis.Client, log *zap.SugaredLogger) *Relay {
	id := uuid.NewString()
	return &Relay{
		hub:        hub,
		redis:      client,
		channel:    relayChannel,
		instanceID: id,
		log:        log.With("instance_id", id),
	}
}

// Notify delivers locally and publishes for the other instances. The return
// value only reflects local delivery: false does not mean the user is offline
// everywhere.
func (r *Relay) Notify(ctx context.Context, userID string, n Notification) bool {
	if n.Timestamp.IsZero() {
		n.Timestamp = r.hub.now().UTC()
	}
	delivered := r.hub.Publish(userID, n)
	data, err := json.Marshal(envelope{Origin: r.instanceID, UserID: userID, Notification: n})
	if err != nil {
		r.log.Errorw("Failed to encode notification", "error", err)
		return delivered
	}
	if err := r.redis.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.Warnw("Failed to relay notification", "error", err, "user_id", userID)
	}
	return delivered
}

// Run delivers notifications published by other instances until ctx is done.
// ready is closed once the subscription is active.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.redis.Subscribe(ctx, r.channel)
	defer func() {
		_ = sub.Close()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warnw("Dropping malformed relay message", "error", err)
				continue
			}
			if env.Origin == r.instanceID {
				continue
			}
			r.hub.Publish(env.UserID, env.Notification)
		}
	}
}
