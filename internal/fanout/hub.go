package fanout

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"ally-api/internal/metrics"
	"ally-api/internal/shared"

	"go.uber.org/zap"
)

var ErrShuttingDown = errors.New("hub is shutting down")

type parkedSession struct {
	userID   string
	expires  time.Time
	buffered []Notification
}

// Hub is the connection registry. Users with no connections are pruned.
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn
	down  bool

	parkMu sync.Mutex
	parked map[string]*parkedSession

	window      time.Duration
	maxBuffered int
	now         func() time.Time
	log         *zap.SugaredLogger
}

func NewHub(window time.Duration, log *zap.SugaredLogger) *Hub {
	if window <= 0 {
		window = shared.WSRecoveryWindow
	}
	return &Hub{
		users:       map[string]map[string]Conn{},
		parked:      map[string]*parkedSession{},
		window:      window,
		maxBuffered: shared.WSMaxMissedMessages,
		now:         time.Now,
		log:         log,
	}
}

func (h *Hub) Register(userID string, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return ErrShuttingDown
	}
	conns, ok := h.users[userID]
	if !ok {
		conns = map[string]Conn{}
		h.users[userID] = conns
	}
	if _, exists := conns[conn.ID()]; !exists {
		metrics.ActiveConnections.Inc()
	}
	conns[conn.ID()] = conn
	return nil
}

func (h *Hub) Unregister(userID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(userID, connID)
}

func (h *Hub) unregisterLocked(userID, connID string) bool {
	conns, ok := h.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	metrics.ActiveConnections.Dec()
	if len(conns) == 0 {
		delete(h.users, userID)
	}
	return true
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Connections returns the number of live connections of a user
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Publish sends n to every live connection of the user. It returns false when
// no connection took it. Parked sessions buffer it for replay on resume.
func (h *Hub) Publish(userID string, n Notification) bool {
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now().UTC()
	}
	frame := Frame{Event: FrameNotification, Data: n}

	delivered := false
	h.mu.RLock()
	for _, c := range h.users[userID] {
		if c.Send(frame) {
			delivered = true
		}
	}
	h.mu.RUnlock()

	h.parkMu.Lock()
	now := h.now()
	for id, p := range h.parked {
		if now.After(p.expires) {
			delete(h.parked, id)
			continue
		}
		if p.userID != userID {
			continue
		}
		p.buffered = append(p.buffered, n)
		if len(p.buffered) > h.maxBuffered {
			p.buffered = p.buffered[len(p.buffered)-h.maxBuffered:]
		}
	}
	h.parkMu.Unlock()

	metrics.NotificationsPublished.WithLabelValues(string(n.Type), strconv.FormatBool(delivered)).Inc()
	return delivered
}

func (h *Hub) Notify(_ context.Context, userID string, n Notification) bool {
	return h.Publish(userID, n)
}

// Park removes a connection that dropped without a close handshake and keeps
// its session resumable for the recovery window.
func (h *Hub) Park(userID string, conn Conn) {
	h.mu.Lock()
	removed := h.unregisterLocked(userID, conn.ID())
	down := h.down
	h.mu.Unlock()
	if !removed || down {
		return
	}

	h.parkMu.Lock()
	defer h.parkMu.Unlock()
	h.parked[conn.ID()] = &parkedSession{userID: userID, expires: h.now().Add(h.window)}
}

// Resume claims a parked session. The caller registers the new connection
// under sessionID and replays the returned notifications.
func (h *Hub) Resume(userID, sessionID string) ([]Notification, bool) {
	h.parkMu.Lock()
	defer h.parkMu.Unlock()
	p, ok := h.parked[sessionID]
	if !ok || p.userID != userID {
		return nil, false
	}
	delete(h.parked, sessionID)
	if h.now().After(p.expires) {
		return nil, false
	}
	return p.buffered, true
}

// aborter is implemented by connections that can be dropped without a close
// handshake
type aborter interface {
	abort()
}

// closeAll closes connections in parallel. Once ctx is done the stragglers
// are aborted so their handshakes stop waiting on the peer.
func (h *Hub) closeAll(ctx context.Context, all []Conn) {
	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close("server shutdown")
		}()
	}
	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()

	select {
	case <-closed:
	case <-ctx.Done():
		h.log.Warnw("Shutdown deadline reached, dropping remaining sockets", "connections", len(all))
		for _, c := range all {
			if a, ok := c.(aborter); ok {
				a.abort()
			}
		}
		<-closed
	}
}

// Shutdown tells every client to reconnect elsewhere, waits delay so the
// notice goes out, then closes everything and clears the registry.
func (h *Hub) Shutdown(ctx context.Context, notice ShutdownNotice, delay time.Duration) {
	h.mu.Lock()
	h.down = true
	var all []Conn
	for _, conns := range h.users {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	h.log.Infow("Notifying clients of shutdown", "connections", len(all))
	frame := Frame{Event: FrameShutdown, Data: notice}
	for _, c := range all {
		c.Send(frame)
	}

	if len(all) > 0 && delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	h.closeAll(ctx, all)

	h.mu.Lock()
	remaining := 0
	for _, conns := range h.users {
		remaining += len(conns)
	}
	metrics.ActiveConnections.Sub(float64(remaining))
	h.users = map[string]map[string]Conn{}
	h.mu.Unlock()

	h.parkMu.Lock()
	h.parked = map[string]*parkedSession{}
	h.parkMu.Unlock()
}
