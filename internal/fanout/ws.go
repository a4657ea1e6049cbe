package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"ally-api/internal/shared"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WSConn queues frames for a single write goroutine so a slow client never
// blocks Publish.
type WSConn struct {
	id        string
	conn      *websocket.Conn
	send      chan Frame
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	log       *zap.SugaredLogger
}

func NewWSConn(id string, conn *websocket.Conn, log *zap.SugaredLogger) *WSConn {
	return &WSConn{
		id:       id,
		conn:     conn,
		send:     make(chan Frame, shared.WSSendBuffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		log:      log,
	}
}

func (w *WSConn) ID() string {
	return w.id
}

func (w *WSConn) Send(f Frame) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.send <- f:
		return true
	default:
		w.log.Warnw("Dropping frame for slow connection", "conn_id", w.id, "event", f.Event)
		return false
	}
}

// sendWait blocks until the frame is queued, used for the replay burst
func (w *WSConn) sendWait(ctx context.Context, f Frame) bool {
	select {
	case w.send <- f:
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close lets the write pump flush what is queued, then does the close
// handshake.
func (w *WSConn) Close(reason string) {
	if !w.markDone() {
		return
	}
	t := time.NewTimer(shared.WSWriteTimeout)
	select {
	case <-w.pumpDone:
	case <-t.C:
	}
	t.Stop()
	_ = w.conn.Close(websocket.StatusNormalClosure, reason)
}

// markDone reports whether this call was the first to stop the connection
func (w *WSConn) markDone() bool {
	first := false
	w.closeOnce.Do(func() {
		close(w.done)
		first = true
	})
	return first
}

// abort drops the socket without a handshake. It also cuts short a Close
// still waiting on the pump or the peer.
func (w *WSConn) abort() {
	w.markDone()
	_ = w.conn.CloseNow()
}

func (w *WSConn) write(ctx context.Context, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, shared.WSWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, w.conn, f)
}

// writePump is the only writer on the socket. It runs until the connection
// is closed or a write fails.
func (w *WSConn) writePump(ctx context.Context) {
	defer close(w.pumpDone)
	for {
		select {
		case <-w.done:
			for {
				select {
				case f := <-w.send:
					if err := w.write(context.Background(), f); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case f := <-w.send:
			if err := w.write(ctx, f); err != nil {
				w.log.Debugw("Websocket write failed", "conn_id", w.id, "error", err)
				return
			}
		}
	}
}

// Serve runs one authenticated socket until it closes. A client passing the
// id of a parked session inside the recovery window gets it back along with
// the notifications it missed.
func (h *Hub) Serve(ctx context.Context, userID, sessionID string, conn *websocket.Conn, log *zap.SugaredLogger) {
	var replay []Notification
	resumed := false
	if sessionID != "" {
		replay, resumed = h.Resume(userID, sessionID)
	}
	id := sessionID
	if !resumed {
		id = uuid.NewString()
	}
	log = log.With("conn_id", id)

	wc := NewWSConn(id, conn, log)
	if err := h.Register(userID, wc); err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	log.Infow("Websocket connected", "resumed", resumed, "replayed", len(replay))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go wc.writePump(ctx)

	wc.sendWait(ctx, Frame{Event: FrameSession, Data: SessionInfo{SessionID: id, Resumed: resumed, Replayed: len(replay)}})
	for _, n := range replay {
		wc.sendWait(ctx, Frame{Event: FrameNotification, Data: n})
	}

	for {
		var in Frame
		err := wsjson.Read(ctx, conn, &in)
		if err != nil {
			status := websocket.CloseStatus(err)
			clean := status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
			select {
			case <-wc.done:
				// Closed by us, shutdown already cleared the registry
				h.Unregister(userID, id)
			default:
				if clean {
					h.Unregister(userID, id)
				} else {
					h.Park(userID, wc)
				}
				wc.abort()
			}
			if !errors.Is(err, context.Canceled) {
				log.Infow("Websocket disconnected", "status", status.String(), "clean", clean)
			}
			return
		}
		if in.Event == FramePing {
			wc.Send(Frame{Event: FramePong, Data: map[string]int64{"ts": time.Now().UnixMilli()}})
		}
	}
}
