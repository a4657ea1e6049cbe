// Package agent runs the assistant model and reports its progress as steps.
package agent

import (
	"context"

	"ally-api/internal/shared"
)

type StepKind int

const (
	StepText StepKind = iota
	StepToolStart
	StepToolComplete
	StepAgentSwitch
)

func (k StepKind) String() string {
	switch k {
	case StepToolStart:
		return "tool_start"
	case StepToolComplete:
		return "tool_complete"
	case StepAgentSwitch:
		return "agent_switch"
	}
	return "text"
}

// Step is one unit of runtime progress. Only the fields relevant to Kind are set.
type Step struct {
	Kind      StepKind
	Text      string
	Tool      string
	Agent     string
	PrevAgent string
	Status    string
}

type Request struct {
	SystemPrompt string
	UserMessage  string
	Context      []shared.ChatMessage
	UserID       string
}

// Runtime produces the assistant reply. Implementations may stream steps
// through emit or return only the final string. An error from emit must stop
// the run and be returned.
type Runtime interface {
	Run(ctx context.Context, req Request, emit func(Step) error) (string, error)
}

// RuntimeFunc adapts a function to Runtime
type RuntimeFunc func(ctx context.Context, req Request, emit func(Step) error) (string, error)

func (f RuntimeFunc) Run(ctx context.Context, req Request, emit func(Step) error) (string, error) {
	return f(ctx, req, emit)
}
