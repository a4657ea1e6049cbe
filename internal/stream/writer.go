package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ally-api/internal/metrics"
)

var ErrClosed = errors.New("stream already closed")

// Writer emits events for one chat request. Writes are serialized and nothing
// is written after the first terminal event.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool
	full   strings.Builder
	events int
	first  time.Time
}

func NewWriter(w io.Writer, flush func()) *Writer {
	if flush == nil {
		flush = func() {}
	}
	return &Writer{w: w, flush: flush}
}

// Open sets the event stream headers and returns a writer over the response
func Open(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	sw := NewWriter(w, nil)
	if flusher != nil {
		sw.flush = flusher.Flush
	}
	sw.flush()
	return sw
}

func (s *Writer) write(t EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Event{Type: t, Data: data})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", frame); err != nil {
		return err
	}
	s.flush()
	s.events++
	metrics.StreamEvents.WithLabelValues(string(t)).Inc()
	return nil
}

func (s *Writer) emit(t EventType, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if t.Terminal() {
		s.closed = true
	}
	return s.write(t, payload)
}

// TextDelta appends delta to the running text and sends both
func (s *Writer) TextDelta(delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.first.IsZero() {
		s.first = time.Now()
	}
	s.full.WriteString(delta)
	return s.write(TypeTextDelta, TextDelta{Delta: delta, FullTextSoFar: s.full.String()})
}

func (s *Writer) ToolStart(toolName, agent string) error {
	return s.emit(TypeToolStart, ToolStart{ToolName: toolName, Agent: agent})
}

func (s *Writer) ToolComplete(toolName, status string) error {
	return s.emit(TypeToolComplete, ToolComplete{ToolName: toolName, Status: status})
}

func (s *Writer) AgentSwitch(from, to string) error {
	return s.emit(TypeAgentSwitch, AgentSwitch{From: from, To: to})
}

func (s *Writer) TitleGenerated(conversationID, title string) error {
	return s.emit(TypeTitleGenerated, TitleGenerated{ConversationID: conversationID, Title: title})
}

func (s *Writer) Heartbeat() error {
	return s.emit(TypeHeartbeat, Heartbeat{})
}

// Done terminates the stream. An empty fullResponse sends the accumulated text.
func (s *Writer) Done(conversationID, fullResponse string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if fullResponse == "" {
		fullResponse = s.full.String()
	}
	return s.write(TypeDone, Done{ConversationID: conversationID, FullResponse: fullResponse})
}

func (s *Writer) Error(message, code string) error {
	return s.emit(TypeError, Error{Message: message, Code: code})
}

// Close marks the stream finished without writing a terminal frame. Used when
// the client went away.
func (s *Writer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Writer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Writer) FullText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full.String()
}

func (s *Writer) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// FirstDeltaAt is zero until a text delta was written
func (s *Writer) FirstDeltaAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// StartHeartbeat sends a heartbeat every interval until stop is called or the
// stream is closed. stop waits for the goroutine to exit.
func (s *Writer) StartHeartbeat(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.Heartbeat(); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}
