package chat

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ally-api/internal/agent"
	"ally-api/internal/buckets"
	"ally-api/internal/conversation"
	"ally-api/internal/fanout"
	"ally-api/internal/guardrail"
	"ally-api/internal/ledger"
	"ally-api/internal/shared"
	"ally-api/internal/stream"

	"go.uber.org/zap"
)

type classifierFunc func(ctx context.Context, message string) (*guardrail.Classification, error)

func (f classifierFunc) Classify(ctx context.Context, message string) (*guardrail.Classification, error) {
	return f(ctx, message)
}

// keywordClassifier flags bulk deletes the way the model would
var keywordClassifier = classifierFunc(func(_ context.Context, message string) (*guardrail.Classification, error) {
	if strings.Contains(strings.ToLower(message), "delete all") {
		return &guardrail.Classification{
			ViolationType: guardrail.KindBulkDestructive,
			Reasoning:     "bulk delete",
			UserReply:     "I can only delete one event at a time.",
		}, nil
	}
	return &guardrail.Classification{IsSafe: true, ViolationType: guardrail.KindNone}, nil
})

// countingStore records how often the ledger touched the store
type countingStore struct {
	*ledger.MemoryStore
	mu       sync.Mutex
	reads    int
	failNext bool
	// racePlan spends the last plan unit from another request first
	racePlan bool
}

func (c *countingStore) ConsumeInteraction(ctx context.Context, userID string, limit *int64) (int64, error) {
	c.mu.Lock()
	race := c.racePlan
	c.mu.Unlock()
	if race {
		if _, err := c.MemoryStore.ConsumeInteraction(ctx, userID, limit); err != nil {
			return 0, err
		}
	}
	return c.MemoryStore.ConsumeInteraction(ctx, userID, limit)
}

func (c *countingStore) GetAccess(ctx context.Context, userID string) (ledger.Access, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.MemoryStore.GetAccess(ctx, userID)
}

func (c *countingStore) ConsumeCredit(ctx context.Context, userID string) (int64, error) {
	c.mu.Lock()
	fail := c.failNext
	c.mu.Unlock()
	if fail {
		return 0, ledger.ErrInsufficientCredits
	}
	return c.MemoryStore.ConsumeCredit(ctx, userID)
}

type notifierFunc func(userID string, n fanout.Notification)

func (f notifierFunc) Notify(_ context.Context, userID string, n fanout.Notification) bool {
	f(userID, n)
	return true
}

type harness struct {
	handler  *ChatHandler
	store    *countingStore
	convs    *conversation.MemoryStore
	rec      *httptest.ResponseRecorder
	opened   bool
	runs     int
	mu       sync.Mutex
	notified []fanout.Notification
	flushed  chan []shared.InteractionRecord
}

func newHarness(t *testing.T, credits int64, runtime agent.Runtime) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()
	h := &harness{
		store:   &countingStore{MemoryStore: ledger.NewMemoryStore()},
		convs:   conversation.NewMemoryStore(),
		rec:     httptest.NewRecorder(),
		flushed: make(chan []shared.InteractionRecord, 4),
	}
	ctx := context.Background()
	if err := h.store.SetAccess(ctx, "u1", ledger.Access{HasAccess: credits > 0, PlanSlug: "starter", InteractionsLimit: limit(0)}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetUsage(ctx, "u1", ledger.Usage{CreditsRemaining: credits}); err != nil {
		t.Fatal(err)
	}

	counted := agent.RuntimeFunc(func(ctx context.Context, req agent.Request, emit func(agent.Step) error) (string, error) {
		h.mu.Lock()
		h.runs++
		h.mu.Unlock()
		return runtime.Run(ctx, req, emit)
	})
	usage := buckets.NewUsageCache(log, func(_ context.Context, records []shared.InteractionRecord) error {
		h.flushed <- records
		return nil
	})
	h.handler = NewChatHandler(ChatHandler{
		Guardrail:     guardrail.New(keywordClassifier, nil, guardrail.Config{}, log),
		Ledger:        ledger.New(h.store, log),
		Runtime:       counted,
		Conversations: h.convs,
		Notifier: notifierFunc(func(_ string, n fanout.Notification) {
			h.mu.Lock()
			h.notified = append(h.notified, n)
			h.mu.Unlock()
		}),
		Usage: usage,
		Log:   log,
	})
	return h
}

func limit(n int64) *int64 { return &n }

func (h *harness) run(ctx context.Context, message string) (*StreamChatOutput, error) {
	return h.handler.StreamChat(StreamChatInput{
		Ctx:       ctx,
		User:      shared.UserMetadata{UserID: "u1"},
		RequestID: "req_1",
		Message:   message,
		Open: func() *stream.Writer {
			h.opened = true
			return stream.Open(h.rec)
		},
	})
}

func (h *harness) events(t *testing.T) []stream.Event {
	t.Helper()
	var events []stream.Event
	_, _ = stream.Consume(context.Background(), strings.NewReader(h.rec.Body.String()), func(ev stream.Event) error {
		if ev.Type != stream.TypeHeartbeat {
			events = append(events, ev)
		}
		return nil
	})
	return events
}

func (h *harness) credits(t *testing.T) int64 {
	t.Helper()
	usage, err := h.store.GetUsage(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	return usage.CreditsRemaining
}

var replyRuntime = agent.RuntimeFunc(func(ctx context.Context, req agent.Request, emit func(agent.Step) error) (string, error) {
	steps := []agent.Step{
		{Kind: agent.StepToolStart, Tool: "create_event", Agent: "calendar"},
		{Kind: agent.StepToolComplete, Tool: "create_event", Status: "success"},
		{Kind: agent.StepText, Text: "Booked "},
		{Kind: agent.StepText, Text: "lunch at noon."},
	}
	for _, s := range steps {
		if err := emit(s); err != nil {
			return "", err
		}
	}
	return "Booked lunch at noon.", nil
})

func TestBulkDeleteRejectedBeforeLedger(t *testing.T) {
	h := newHarness(t, 3, replyRuntime)
	out, err := h.run(context.Background(), "Delete all my meetings")

	var rerr *shared.RequestError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected request error, got %v", err)
	}
	if rerr.StatusCode != 400 || rerr.Code != shared.CodeGuardrailRejected {
		t.Fatalf("unexpected rejection %+v", rerr)
	}
	if out.Verdict.Kind != guardrail.KindBulkDestructive || out.Streamed {
		t.Fatalf("unexpected output %+v", out)
	}
	if h.opened || h.runs != 0 || h.store.reads != 0 {
		t.Fatalf("rejection must not open a stream, run the agent or read usage (opened=%v runs=%d reads=%d)", h.opened, h.runs, h.store.reads)
	}
	if h.credits(t) != 3 {
		t.Fatal("credits must be untouched")
	}
}

func TestNoAllowanceReturnsNoCredits(t *testing.T) {
	h := newHarness(t, 0, replyRuntime)
	_, err := h.run(context.Background(), "what do I have today?")
	var rerr *shared.RequestError
	if !errors.As(err, &rerr) || rerr.StatusCode != 402 || rerr.Code != shared.CodeNoCredits {
		t.Fatalf("expected 402 NO_CREDITS, got %v", err)
	}
	if h.opened || h.runs != 0 {
		t.Fatal("no stream or agent call expected")
	}
}

func TestEmptyMessage(t *testing.T) {
	h := newHarness(t, 3, replyRuntime)
	_, err := h.run(context.Background(), "   ")
	if !errors.Is(err, shared.ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
}

func TestUnknownConversation(t *testing.T) {
	h := newHarness(t, 3, replyRuntime)
	_, err := h.handler.StreamChat(StreamChatInput{
		Ctx:            context.Background(),
		User:           shared.UserMetadata{UserID: "u1"},
		ConversationID: "conv-missing",
		Message:        "hi",
		Open:           func() *stream.Writer { h.opened = true; return stream.Open(h.rec) },
	})
	if !errors.Is(err, shared.ErrNotFound) || h.opened {
		t.Fatalf("expected not found before stream, got %v", err)
	}
}

func TestSuccessfulChatCommitsAndStreams(t *testing.T) {
	h := newHarness(t, 3, replyRuntime)
	out, err := h.run(context.Background(), "Book lunch tomorrow at noon")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Committed || out.Source != ledger.SourceCredits {
		t.Fatalf("expected committed credits, got %+v", out)
	}
	if h.credits(t) != 2 {
		t.Fatalf("expected one credit charged, have %d", h.credits(t))
	}

	events := h.events(t)
	last := events[len(events)-1]
	if last.Type != stream.TypeDone {
		t.Fatalf("expected done last, got %s", last.Type)
	}
	var done stream.Done
	if err := last.Decode(&done); err != nil {
		t.Fatal(err)
	}
	if done.FullResponse != "Booked lunch at noon." || done.ConversationID != out.ConversationID {
		t.Fatalf("unexpected done %+v", done)
	}
	if events[len(events)-2].Type != stream.TypeTitleGenerated {
		t.Fatalf("expected title before done, got %s", events[len(events)-2].Type)
	}

	conv, err := h.convs.Get(context.Background(), "u1", out.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 2 || conv.Title == "" {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	h.mu.Lock()
	notified := h.notified
	h.mu.Unlock()
	if len(notified) != 1 || notified[0].Type != fanout.NotificationEventCreated {
		t.Fatalf("expected one event_created notification, got %+v", notified)
	}

	select {
	case records := <-h.flushed:
		if len(records) != 1 || records[0].ToolCalls != 1 || records[0].Source != "credits" {
			t.Fatalf("unexpected records %+v", records)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interaction was not flushed")
	}
}

func TestContinueConversationAppends(t *testing.T) {
	h := newHarness(t, 3, replyRuntime)
	conv, err := h.convs.Create(context.Background(), "u1", []shared.ChatMessage{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	var seen []shared.ChatMessage
	h.handler.Runtime = agent.RuntimeFunc(func(ctx context.Context, req agent.Request, emit func(agent.Step) error) (string, error) {
		seen = req.Context
		return "Sure.", emit(agent.Step{Kind: agent.StepText, Text: "Sure."})
	})
	_, err = h.handler.StreamChat(StreamChatInput{
		Ctx:            context.Background(),
		User:           shared.UserMetadata{UserID: "u1"},
		ConversationID: conv.ID,
		Message:        "and tomorrow?",
		Open:           func() *stream.Writer { return stream.Open(h.rec) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected history passed to runtime, got %d messages", len(seen))
	}
	got, _ := h.convs.Get(context.Background(), "u1", conv.ID)
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got.Messages))
	}
	for _, ev := range h.events(t) {
		if ev.Type == stream.TypeTitleGenerated {
			t.Fatal("existing conversations keep their title")
		}
	}
}

func TestRuntimeFailureRollsBack(t *testing.T) {
	failing := agent.RuntimeFunc(func(ctx context.Context, req agent.Request, emit func(agent.Step) error) (string, error) {
		_ = emit(agent.Step{Kind: agent.StepText, Text: "Let me"})
		return "", errors.New("model unavailable")
	})
	h := newHarness(t, 3, failing)
	out, err := h.run(context.Background(), "Book lunch")
	if err == nil || !out.Streamed || out.Committed {
		t.Fatalf("expected streamed failure, got %+v %v", out, err)
	}
	events := h.events(t)
	last := events[len(events)-1]
	var payload stream.Error
	if err := last.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if last.Type != stream.TypeError || payload.Code != shared.CodeStreamError {
		t.Fatalf("expected STREAM_ERROR terminal, got %s %+v", last.Type, payload)
	}
	if h.credits(t) != 3 {
		t.Fatal("failed chats must not be charged")
	}
}

func TestToolChangesNotifiedWhenRunFails(t *testing.T) {
	failing := agent.RuntimeFunc(func(ctx context.Context, req agent.Request, emit func(agent.Step) error) (string, error) {
		_ = emit(agent.Step{Kind: agent.StepToolStart, Tool: "create_event"})
		_ = emit(agent.Step{Kind: agent.StepToolComplete, Tool: "create_event", Status: "success"})
		return "", errors.New("model died after the tool ran")
	})
	h := newHarness(t, 3, failing)
	if _, err := h.run(context.Background(), "Book lunch"); err == nil {
		t.Fatal("expected run error")
	}
	if h.credits(t) != 3 {
		t.Fatal("failed chats must not be charged")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notified) != 1 || h.notified[0].Type != fanout.NotificationEventCreated {
		t.Fatalf("expected event_created despite the failure, got %+v", h.notified)
	}
}

func TestToolChangesNotifiedAfterAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	aborting := agent.RuntimeFunc(func(ctx context.Context, req agent.Request, emit func(agent.Step) error) (string, error) {
		_ = emit(agent.Step{Kind: agent.StepToolComplete, Tool: "update_event", Status: "success"})
		cancel()
		return "", ctx.Err()
	})
	h := newHarness(t, 3, aborting)
	if _, err := h.run(ctx, "Move lunch to 1pm"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notified) != 1 || h.notified[0].Type != fanout.NotificationEventUpdated {
		t.Fatalf("expected event_updated after abort, got %+v", h.notified)
	}
}

func TestEmptyResponse(t *testing.T) {
	empty := agent.RuntimeFunc(func(ctx context.Context, req agent.Request, emit func(agent.Step) error) (string, error) {
		return "  ", nil
	})
	h := newHarness(t, 3, empty)
	_, err := h.run(context.Background(), "Book lunch")
	if !errors.Is(err, errEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", err)
	}
	events := h.events(t)
	var payload stream.Error
	_ = events[len(events)-1].Decode(&payload)
	if payload.Code != shared.CodeEmptyResponse || h.credits(t) != 3 {
		t.Fatalf("expected EMPTY_RESPONSE and no charge, got %+v", payload)
	}
}

func TestAbortRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	aborting := agent.RuntimeFunc(func(ctx context.Context, req agent.Request, emit func(agent.Step) error) (string, error) {
		_ = emit(agent.Step{Kind: agent.StepText, Text: "Working on"})
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarness(t, 3, aborting)
	out, err := h.run(ctx, "Book lunch")
	if !errors.Is(err, context.Canceled) || out.Committed {
		t.Fatalf("expected canceled, got %+v %v", out, err)
	}
	for _, ev := range h.events(t) {
		if ev.Type.Terminal() {
			t.Fatalf("aborted streams end without a terminal event, got %s", ev.Type)
		}
	}
	if h.credits(t) != 3 {
		t.Fatal("aborted chats must not be charged")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notified) != 0 {
		t.Fatal("no tool ran, nothing to notify")
	}
}

func TestCommitRaceSendsInsufficientCredits(t *testing.T) {
	h := newHarness(t, 1, replyRuntime)
	h.store.failNext = true
	out, err := h.run(context.Background(), "Book lunch")
	if !errors.Is(err, ledger.ErrInsufficientCredits) || out.Committed {
		t.Fatalf("expected insufficient credits, got %+v %v", out, err)
	}
	events := h.events(t)
	last := events[len(events)-1]
	var payload stream.Error
	_ = last.Decode(&payload)
	if last.Type != stream.TypeError || payload.Code != shared.CodeInsufficientCredits {
		t.Fatalf("expected INSUFFICIENT_CREDITS, got %s %+v", last.Type, payload)
	}
}

func TestPlanRaceSendsInsufficientCredits(t *testing.T) {
	h := newHarness(t, 0, replyRuntime)
	ctx := context.Background()
	if err := h.store.SetAccess(ctx, "u1", ledger.Access{HasAccess: true, InteractionsLimit: limit(500)}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetUsage(ctx, "u1", ledger.Usage{InteractionsUsed: 499}); err != nil {
		t.Fatal(err)
	}
	h.store.racePlan = true

	out, err := h.run(ctx, "Book lunch")
	if !errors.Is(err, ledger.ErrAllowanceExhausted) || out.Committed || out.Source != ledger.SourceSubscription {
		t.Fatalf("expected exhausted plan, got %+v %v", out, err)
	}
	events := h.events(t)
	last := events[len(events)-1]
	var payload stream.Error
	_ = last.Decode(&payload)
	if last.Type != stream.TypeError || payload.Code != shared.CodeInsufficientCredits {
		t.Fatalf("expected INSUFFICIENT_CREDITS, got %s %+v", last.Type, payload)
	}
	usage, _ := h.store.GetUsage(ctx, "u1")
	if usage.InteractionsUsed != 500 {
		t.Fatalf("expected plan capped at 500, got %d", usage.InteractionsUsed)
	}
}

func TestNotificationFor(t *testing.T) {
	tests := []struct {
		step agent.Step
		want fanout.NotificationType
		ok   bool
	}{
		{agent.Step{Tool: "create_event", Status: "success"}, fanout.NotificationEventCreated, true},
		{agent.Step{Tool: "calendar.update_event"}, fanout.NotificationEventUpdated, true},
		{agent.Step{Tool: "update_event", Status: "conflict"}, fanout.NotificationConflictAlert, true},
		{agent.Step{Tool: "create_event", Status: "error"}, "", false},
		{agent.Step{Tool: "list_events", Status: "success"}, "", false},
	}
	for _, tt := range tests {
		n, ok := notificationFor(tt.step)
		if ok != tt.ok || n.Type != tt.want {
			t.Errorf("%+v: got %v %q", tt.step, ok, n.Type)
		}
	}
}
