package agent

import (
	"context"
	"maps"
	"slices"
	"strings"

	"ally-api/internal/llm"

	"go.uber.org/zap"
)

const statusIncomplete = "incomplete"

// HTTPRuntime runs the agent behind an OpenAI compatible gateway. With
// Stream unset it returns only the final string.
type HTTPRuntime struct {
	client *llm.Client
	model  string
	Stream bool
	log    *zap.SugaredLogger
}

func NewHTTPRuntime(client *llm.Client, model string, stream bool, log *zap.SugaredLogger) *HTTPRuntime {
	return &HTTPRuntime{client: client, model: model, Stream: stream, log: log}
}

func (h *HTTPRuntime) Run(ctx context.Context, req Request, emit func(Step) error) (string, error) {
	body := llm.CompletionRequest{
		Model:       h.model,
		Messages:    BuildMessages(req),
		Temperature: 0.3,
		User:        req.UserID,
	}
	if !h.Stream {
		return h.client.Complete(ctx, body)
	}

	var full strings.Builder
	agent := ""
	pending := map[int]string{}
	err := h.client.Stream(ctx, body, func(ch llm.Chunk) error {
		if ch.Agent != "" && ch.Agent != agent {
			prev := agent
			agent = ch.Agent
			if prev != "" {
				if err := emit(Step{Kind: StepAgentSwitch, PrevAgent: prev, Agent: agent}); err != nil {
					return err
				}
			}
		}
		for _, tc := range ch.ToolCalls {
			if tc.Name == "" {
				continue
			}
			pending[tc.Index] = tc.Name
			if err := emit(Step{Kind: StepToolStart, Tool: tc.Name, Agent: agent}); err != nil {
				return err
			}
		}
		if ch.ToolResult != nil {
			for i, name := range pending {
				if name == ch.ToolResult.Name {
					delete(pending, i)
					break
				}
			}
			if err := emit(Step{Kind: StepToolComplete, Tool: ch.ToolResult.Name, Status: ch.ToolResult.Status, Agent: agent}); err != nil {
				return err
			}
		}
		if ch.Content != "" {
			full.WriteString(ch.Content)
			if err := emit(Step{Kind: StepText, Text: ch.Content}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return full.String(), err
	}
	for _, i := range slices.Sorted(maps.Keys(pending)) {
		name := pending[i]
		h.log.Debugw("Tool call never reported a result", "tool", name)
		if err := emit(Step{Kind: StepToolComplete, Tool: name, Status: statusIncomplete, Agent: agent}); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}
