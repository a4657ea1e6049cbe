// Package chat runs one chat request through guardrail, ledger, agent runtime
// and stream, then fans state changes out to the user's other sessions.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"ally-api/internal/agent"
	"ally-api/internal/buckets"
	"ally-api/internal/conversation"
	"ally-api/internal/fanout"
	"ally-api/internal/guardrail"
	"ally-api/internal/ledger"
	"ally-api/internal/metrics"
	"ally-api/internal/shared"
	"ally-api/internal/stream"

	"go.uber.org/zap"
)

// Validator is satisfied by *guardrail.Guardrail
type Validator interface {
	Validate(ctx context.Context, userID, message string) guardrail.Verdict
}

type ChatHandler struct {
	Guardrail     Validator
	Ledger        *ledger.Ledger
	Runtime       agent.Runtime
	Titler        agent.Titler
	Conversations conversation.Store
	Notifier      fanout.Notifier
	Usage         *buckets.UsageCache
	Log           *zap.SugaredLogger

	HeartbeatInterval time.Duration
	Now               func() time.Time
}

func NewChatHandler(h ChatHandler) *ChatHandler {
	if h.HeartbeatInterval == 0 {
		h.HeartbeatInterval = shared.HeartbeatInterval
	}
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Log == nil {
		h.Log = zap.NewNop().Sugar()
	}
	return &h
}

type StreamChatInput struct {
	Ctx       context.Context
	User      shared.UserMetadata
	RequestID string
	// ConversationID is empty for a new conversation
	ConversationID string
	Message        string
	// Open starts the event stream. It is only called once every pre-stream
	// check passed.
	Open func() *stream.Writer
	Log  *zap.SugaredLogger
}

type StreamChatOutput struct {
	ConversationID string
	Verdict        guardrail.Verdict
	Source         ledger.Source
	Committed      bool
	// Streamed is true once headers were sent; errors after that point were
	// already reported to the client as an error event.
	Streamed     bool
	FullResponse string
	Events       int
}

var errEmptyResponse = errors.New("runtime returned an empty response")

// StreamChat returns a *shared.RequestError for every failure before the
// stream opens. Later failures are written as the terminal error event and
// returned for logging only.
func (h *ChatHandler) StreamChat(in StreamChatInput) (*StreamChatOutput, error) {
	log := in.Log
	if log == nil {
		log = h.Log
	}
	ctx := in.Ctx
	userID := in.User.UserID
	out := &StreamChatOutput{ConversationID: in.ConversationID}
	start := h.Now()

	message := strings.TrimSpace(in.Message)
	if message == "" {
		return out, shared.ErrEmptyMessage
	}

	verdict := h.Guardrail.Validate(ctx, userID, message)
	out.Verdict = verdict
	if !verdict.Safe {
		log.Infow("Guardrail rejected message", "kind", verdict.Kind, "stage", verdict.Stage, "reason", verdict.Reason)
		return out, &shared.RequestError{
			StatusCode: 400,
			Code:       shared.CodeGuardrailRejected,
			Err:        errors.New(verdict.Message()),
		}
	}

	var history []shared.ChatMessage
	if in.ConversationID != "" {
		conv, err := h.Conversations.Get(ctx, userID, in.ConversationID)
		if err != nil {
			if errors.Is(err, conversation.ErrNotFound) {
				return out, shared.ErrNotFound
			}
			return out, errors.Join(shared.ErrInternalServerError, shared.ErrConversationSave, err)
		}
		history = conv.Messages
	}

	tx := h.Ledger.NewTransaction(userID)
	snap, err := tx.Begin(ctx)
	out.Source = snap.Source
	if err != nil {
		return out, errors.Join(shared.ErrNoCredits, shared.ErrLedgerUnavailable, err)
	}
	if !snap.HasAllowance {
		return out, shared.ErrNoCredits
	}
	// Released on every path that does not commit
	defer tx.Rollback()

	h.Usage.AddInFlightToBucket(userID)
	metrics.InflightRequests.Inc()
	inflight := true
	release := func() {
		if inflight {
			inflight = false
			metrics.InflightRequests.Dec()
			h.Usage.RemoveInFlightFromBucket(userID)
		}
	}
	defer release()

	w := in.Open()
	out.Streamed = true
	stopHeartbeat := w.StartHeartbeat(h.HeartbeatInterval)
	defer stopHeartbeat()
	defer func() { out.Events = w.EventCount() }()

	// Tools may have changed the calendar even when the run later fails, so
	// other sessions hear about it whatever the ledger outcome
	var pending []fanout.Notification
	defer func() { h.publish(ctx, userID, pending) }()
	toolCalls := 0
	emit := func(step agent.Step) error {
		switch step.Kind {
		case agent.StepText:
			return w.TextDelta(step.Text)
		case agent.StepToolStart:
			toolCalls++
			return w.ToolStart(step.Tool, step.Agent)
		case agent.StepToolComplete:
			if n, ok := notificationFor(step); ok {
				pending = append(pending, n)
			}
			return w.ToolComplete(step.Tool, step.Status)
		case agent.StepAgentSwitch:
			return w.AgentSwitch(step.PrevAgent, step.Agent)
		}
		return nil
	}

	final, runErr := h.Runtime.Run(ctx, agent.Request{
		SystemPrompt: agent.SystemPrompt(h.Now()),
		UserMessage:  message,
		Context:      history,
		UserID:       userID,
	}, emit)

	if ctx.Err() != nil {
		return out, h.abort(w, stopHeartbeat, ctx.Err())
	}
	if runErr != nil {
		stopHeartbeat()
		tx.Rollback()
		_ = w.Error("Something went wrong while generating a response. Please try again.", shared.CodeStreamError)
		metrics.RequestDuration.WithLabelValues("chat", "stream_error").Observe(time.Since(start).Seconds())
		return out, runErr
	}

	full := strings.TrimSpace(final)
	if full == "" {
		full = strings.TrimSpace(w.FullText())
	}
	if full == "" {
		stopHeartbeat()
		tx.Rollback()
		_ = w.Error("The assistant returned an empty response. Please try again.", shared.CodeEmptyResponse)
		metrics.RequestDuration.WithLabelValues("chat", "empty").Observe(time.Since(start).Seconds())
		return out, errEmptyResponse
	}
	out.FullResponse = full

	var saveErr error
	out.ConversationID, saveErr = h.save(ctx, w, userID, in.ConversationID, message, full)
	if saveErr != nil {
		log.Warnw("Failed saving conversation", "error", saveErr)
	}

	if ctx.Err() != nil {
		return out, h.abort(w, stopHeartbeat, ctx.Err())
	}

	stopHeartbeat()
	result, err := tx.Commit(ctx)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, ledger.ErrInsufficientCredits) || errors.Is(err, ledger.ErrAllowanceExhausted) {
			_ = w.Error("No credits remaining. Please upgrade your plan or purchase credits.", shared.CodeInsufficientCredits)
		} else {
			_ = w.Error("Failed to record usage. Please try again.", shared.CodeStreamError)
		}
		metrics.RequestDuration.WithLabelValues("chat", "commit_error").Observe(time.Since(start).Seconds())
		return out, errors.Join(shared.ErrCommitFailed, err, saveErr)
	}
	out.Committed = result.Success
	_ = w.Done(out.ConversationID, full)

	total := time.Since(start)
	metrics.RequestDuration.WithLabelValues("chat", "success").Observe(total.Seconds())

	release()
	var ttfd time.Duration
	if first := w.FirstDeltaAt(); !first.IsZero() {
		ttfd = first.Sub(start)
	}
	h.Usage.AddInteraction(shared.InteractionRecord{
		UserID:           userID,
		RequestID:        in.RequestID,
		ConversationID:   out.ConversationID,
		Source:           string(result.Source),
		ToolCalls:        toolCalls,
		TimeToFirstDelta: ttfd,
		TotalTime:        total,
		CreatedAt:        start,
	})

	return out, saveErr
}

func (h *ChatHandler) publish(ctx context.Context, userID string, pending []fanout.Notification) {
	if h.Notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range pending {
		h.Notifier.Notify(ctx, userID, n)
	}
}

// abort handles a client disconnect: no error frame, no charge
func (h *ChatHandler) abort(w *stream.Writer, stopHeartbeat func(), cause error) error {
	stopHeartbeat()
	w.Close()
	metrics.CanceledRequests.Inc()
	return errors.Join(shared.ErrModelContext, cause)
}

// save stores both turns and, for a new conversation, names it. The returned
// id is empty when a new conversation could not be created.
func (h *ChatHandler) save(ctx context.Context, w *stream.Writer, userID, convID, message, reply string) (string, error) {
	turns := []shared.ChatMessage{
		{Role: "user", Content: message},
		{Role: "assistant", Content: reply},
	}
	if convID != "" {
		if err := h.Conversations.Append(ctx, userID, convID, turns...); err != nil {
			return convID, errors.Join(shared.ErrConversationSave, err)
		}
		return convID, nil
	}

	conv, err := h.Conversations.Create(ctx, userID, turns)
	if err != nil {
		return "", errors.Join(shared.ErrConversationSave, err)
	}
	title := agent.FallbackTitle(message)
	if h.Titler != nil {
		title = h.Titler.Title(ctx, message)
	}
	if err := h.Conversations.SetTitle(ctx, userID, conv.ID, title); err != nil {
		h.Log.Warnw("Failed saving title", "error", err, "conversation_id", conv.ID)
	}
	_ = w.TitleGenerated(conv.ID, title)
	return conv.ID, nil
}
