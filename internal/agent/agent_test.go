package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ally-api/internal/llm"
	"ally-api/internal/shared"

	"go.uber.org/zap"
)

func newGateway(t *testing.T, h http.HandlerFunc) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return llm.NewClient(srv.URL, "k", zap.NewNop().Sugar())
}

func collect(steps *[]Step) func(Step) error {
	return func(s Step) error {
		*steps = append(*steps, s)
		return nil
	}
}

func TestHTTPRuntimeStreamsSteps(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"agent":"orchestrator","choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"create_event"}}]}}]}`,
			`{"agent":"calendar","tool_result":{"name":"create_event","status":"success"}}`,
			`{"agent":"calendar","choices":[{"delta":{"content":"Booked "}}]}`,
			`{"agent":"calendar","choices":[{"delta":{"content":"lunch"}}]}`,
			`[DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	})
	rt := NewHTTPRuntime(client, "m", true, zap.NewNop().Sugar())

	var steps []Step
	out, err := rt.Run(context.Background(), Request{UserMessage: "book lunch"}, collect(&steps))
	if err != nil {
		t.Fatal(err)
	}
	if out != "Booked lunch" {
		t.Fatalf("unexpected output %q", out)
	}
	want := []Step{
		{Kind: StepToolStart, Tool: "create_event", Agent: "orchestrator"},
		{Kind: StepAgentSwitch, PrevAgent: "orchestrator", Agent: "calendar"},
		{Kind: StepToolComplete, Tool: "create_event", Status: "success", Agent: "calendar"},
		{Kind: StepText, Text: "Booked "},
		{Kind: StepText, Text: "lunch"},
	}
	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %+v", len(want), steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d: got %+v, want %+v", i, steps[i], want[i])
		}
	}
}

func TestHTTPRuntimeIncompleteTool(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"name\":\"list_events\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	rt := NewHTTPRuntime(client, "m", true, zap.NewNop().Sugar())
	var steps []Step
	if _, err := rt.Run(context.Background(), Request{UserMessage: "x"}, collect(&steps)); err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[1].Kind != StepToolComplete || steps[1].Status != statusIncomplete {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestHTTPRuntimeNonStream(t *testing.T) {
	var got llm.CompletionRequest
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"You have 2 meetings today."}}]}`))
	})
	rt := NewChunked(NewHTTPRuntime(client, "m", false, zap.NewNop().Sugar()))
	rt.Delay = 0
	rt.Size = 10

	var steps []Step
	out, err := rt.Run(context.Background(), Request{SystemPrompt: "sys", UserMessage: "today?"}, collect(&steps))
	if err != nil {
		t.Fatal(err)
	}
	if out != "You have 2 meetings today." {
		t.Fatalf("unexpected output %q", out)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(steps))
	}
	var joined strings.Builder
	for _, s := range steps {
		joined.WriteString(s.Text)
	}
	if joined.String() != out {
		t.Fatalf("chunks do not rebuild output: %q", joined.String())
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "sys" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if got.Messages[1].Content != "<user_request>\ntoday?\n</user_request>" {
		t.Fatalf("expected wrapped user message, got %q", got.Messages[1].Content)
	}
	if got.Stream {
		t.Fatal("expected non streaming request")
	}
}

func TestChunkedPassesThroughStreamedText(t *testing.T) {
	inner := RuntimeFunc(func(ctx context.Context, req Request, emit func(Step) error) (string, error) {
		_ = emit(Step{Kind: StepToolStart, Tool: "t"})
		_ = emit(Step{Kind: StepText, Text: "hello"})
		return "hello", nil
	})
	var steps []Step
	out, err := NewChunked(inner).Run(context.Background(), Request{}, collect(&steps))
	if err != nil || out != "hello" {
		t.Fatalf("unexpected result %q %v", out, err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected no re-chunking, got %+v", steps)
	}
}

func TestChunkedReplaysFinalString(t *testing.T) {
	inner := RuntimeFunc(func(ctx context.Context, req Request, emit func(Step) error) (string, error) {
		_ = emit(Step{Kind: StepToolStart, Tool: "list_events"})
		return strings.Repeat("a", 45), nil
	})
	c := NewChunked(inner)
	c.Delay = time.Millisecond
	var steps []Step
	if _, err := c.Run(context.Background(), Request{}, collect(&steps)); err != nil {
		t.Fatal(err)
	}
	// tool step then 20 + 20 + 5
	if len(steps) != 4 || steps[1].Text != strings.Repeat("a", 20) || steps[3].Text != "aaaaa" {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestChunkedCancel(t *testing.T) {
	inner := RuntimeFunc(func(ctx context.Context, req Request, emit func(Step) error) (string, error) {
		return strings.Repeat("b", 100), nil
	})
	c := NewChunked(inner)
	c.Size = 1
	c.Delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	_, err := c.Run(ctx, Request{}, func(Step) error {
		count++
		if count == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
	if count != 3 {
		t.Fatalf("expected emission to stop at 3, got %d", count)
	}
}

func TestChunkedEmitError(t *testing.T) {
	inner := RuntimeFunc(func(ctx context.Context, req Request, emit func(Step) error) (string, error) {
		return "some text here", nil
	})
	stop := errors.New("closed")
	_, err := NewChunked(inner).Run(context.Background(), Request{}, func(Step) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected emit error, got %v", err)
	}
}

func TestSplitRunes(t *testing.T) {
	parts := Split("héllo wörld", 4)
	if len(parts) != 3 || parts[0] != "héll" || parts[2] != "rld" {
		t.Fatalf("unexpected split %q", parts)
	}
	if got := Split("", 4); len(got) != 0 {
		t.Fatalf("expected no parts, got %q", got)
	}
}

func TestBuildMessagesTrimsHistory(t *testing.T) {
	history := make([]shared.ChatMessage, shared.MaxHistoryMessages+5)
	for i := range history {
		history[i] = shared.ChatMessage{Role: "user", Content: fmt.Sprint(i)}
	}
	msgs := BuildMessages(Request{SystemPrompt: "sys", UserMessage: "hi", Context: history})
	if len(msgs) != shared.MaxHistoryMessages+2 {
		t.Fatalf("unexpected length %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Content != "5" {
		t.Fatalf("unexpected layout %+v", msgs[:2])
	}
	if msgs[len(msgs)-1].Content != WrapUserMessage("hi") {
		t.Fatalf("last message not wrapped: %q", msgs[len(msgs)-1].Content)
	}
}

func TestTitleGenerator(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"\"Lunch with Sam.\""}}]}`))
	})
	tg := NewTitleGenerator(client, "m", zap.NewNop().Sugar())
	if got := tg.Title(context.Background(), "book lunch with sam"); got != "Lunch with Sam" {
		t.Fatalf("unexpected title %q", got)
	}
}

func TestTitleGeneratorFallback(t *testing.T) {
	client := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	tg := NewTitleGenerator(client, "m", zap.NewNop().Sugar())
	msg := strings.Repeat("word ", 30)
	got := tg.Title(context.Background(), msg)
	if len([]rune(got)) != shared.MaxTitleLength || !strings.HasPrefix(got, "word word") {
		t.Fatalf("unexpected fallback %q", got)
	}
	if FallbackTitle("   ") != "New conversation" {
		t.Fatal("expected default title for blank message")
	}
}
