package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"ally-api/internal/shared"
)

// ToolCallDelta is one streamed fragment of a tool call. Name is only set on
// the first fragment of a call.
type ToolCallDelta struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ToolResult is sent by agent gateways that execute tools server side
type ToolResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Chunk is a parsed streaming line. Agent and ToolResult are gateway
// extensions and stay empty on plain completion endpoints.
type Chunk struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Agent        string
	ToolResult   *ToolResult
}

type streamLine struct {
	Agent      string      `json:"agent"`
	ToolResult *ToolResult `json:"tool_result"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream sends a streaming request and calls onChunk for every parsed line in
// order. A non nil error from onChunk stops reading and is returned.
func (c *Client) Stream(ctx context.Context, body CompletionRequest, onChunk func(Chunk) error) error {
	body.Stream = true

	// Handle cold starts; timer is stopped once the first line arrives
	var timeoutOccurred atomic.Bool
	rctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.FirstTokenTimeout, func() {
		timeoutOccurred.Store(true)
		cancel()
	})
	defer func() {
		timer.Stop()
		cancel()
	}()

	r, err := c.newRequest(rctx, body)
	if err != nil {
		return err
	}

	res, err := c.getHTTPClient(c.baseURL).Do(r)
	defer func() {
		if res != nil && res.Body != nil {
			if closeErr := res.Body.Close(); closeErr != nil {
				c.log.Warnw("Failed to close response body", "error", closeErr)
			}
		}
	}()

	if err != nil && timeoutOccurred.Load() {
		return errors.Join(&shared.RequestError{StatusCode: 503, Err: errors.New("cold start detected, please try again in a few minutes")}, shared.ErrColdStart)
	}
	if err != nil {
		return errors.Join(shared.ErrFailedModelReq, err)
	}
	if res.StatusCode != http.StatusOK {
		return errors.Join(&shared.RequestError{StatusCode: res.StatusCode, Err: errors.New("downstream request failed")}, shared.ErrFailedModelReqFromCode)
	}

	hasDone := false
	firstLine := true
	reader := bufio.NewScanner(res.Body)
	reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)

scanner:
	for reader.Scan() {
		if ctx.Err() != nil {
			break scanner
		}
		token := reader.Text()
		if token == "" {
			continue
		}
		if firstLine {
			firstLine = false
			timer.Stop()
		}

		jsonData, found := strings.CutPrefix(token, "data: ")
		if !found {
			continue
		}
		if jsonData == "[DONE]" {
			hasDone = true
			break scanner
		}

		var line streamLine
		if err := json.Unmarshal([]byte(jsonData), &line); err != nil {
			continue
		}
		if len(line.Choices) == 0 {
			if line.ToolResult == nil {
				continue
			}
			if err := onChunk(Chunk{Agent: line.Agent, ToolResult: line.ToolResult}); err != nil {
				return err
			}
			continue
		}
		choice := line.Choices[0]
		chunk := Chunk{Content: choice.Delta.Content, Agent: line.Agent, ToolResult: line.ToolResult}
		for _, tc := range choice.Delta.ToolCalls {
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{Index: tc.Index, ID: tc.ID, Name: tc.Function.Name})
		}
		if choice.FinishReason != nil {
			chunk.FinishReason = *choice.FinishReason
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return errors.Join(shared.ErrModelContext, ctx.Err())
	}
	if timeoutOccurred.Load() {
		return errors.Join(&shared.RequestError{StatusCode: 503, Err: errors.New("cold start detected, please try again in a few minutes")}, shared.ErrColdStart)
	}
	if err := reader.Err(); err != nil {
		return errors.Join(shared.ErrFailedReadingResponse, err)
	}
	if !hasDone {
		return shared.ErrMissingDoneToken
	}
	return nil
}
