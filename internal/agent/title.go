package agent

import (
	"context"
	"strings"
	"time"

	"ally-api/internal/llm"
	"ally-api/internal/shared"

	"go.uber.org/zap"
)

const titlePrompt = `Write a title of at most 6 words for a conversation that starts with the user message below. Reply with the title only, no quotes or punctuation at the end.`

type Titler interface {
	Title(ctx context.Context, message string) string
}

// TitleGenerator never fails; on any model error it falls back to the start of
// the message.
type TitleGenerator struct {
	client  *llm.Client
	model   string
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewTitleGenerator(client *llm.Client, model string, log *zap.SugaredLogger) *TitleGenerator {
	return &TitleGenerator{client: client, model: model, timeout: shared.TitleTimeout, log: log}
}

func (t *TitleGenerator) Title(ctx context.Context, message string) string {
	if t.client == nil {
		return FallbackTitle(message)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.client.Complete(ctx, llm.CompletionRequest{
		Model: t.model,
		Messages: []shared.ChatMessage{
			{Role: "system", Content: titlePrompt},
			{Role: "user", Content: message},
		},
		MaxTokens:   20,
		Temperature: 0.2,
	})
	if err != nil {
		t.log.Warnw("Failed generating title", "error", err)
		return FallbackTitle(message)
	}
	title := CleanTitle(out)
	if title == "" {
		return FallbackTitle(message)
	}
	return title
}

func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`")
	s = strings.TrimRight(s, ".!")
	s = strings.Join(strings.Fields(s), " ")
	return shared.Truncate(s, shared.MaxTitleLength)
}

func FallbackTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return "New conversation"
	}
	return shared.Truncate(title, shared.MaxTitleLength)
}
