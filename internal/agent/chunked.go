package agent

import (
	"context"
	"time"

	"ally-api/internal/shared"
)

// Chunked replays a final string as text steps when the wrapped runtime did
// not stream any text itself, so callers always see a fragment sequence.
type Chunked struct {
	Runtime Runtime
	Size    int
	Delay   time.Duration
}

func NewChunked(r Runtime) *Chunked {
	return &Chunked{Runtime: r, Size: shared.ChunkSize, Delay: shared.ChunkDelay}
}

func (c *Chunked) Run(ctx context.Context, req Request, emit func(Step) error) (string, error) {
	streamed := false
	final, err := c.Runtime.Run(ctx, req, func(s Step) error {
		if s.Kind == StepText {
			streamed = true
		}
		return emit(s)
	})
	if err != nil || streamed || final == "" {
		return final, err
	}

	chunks := Split(final, c.Size)
	for i, chunk := range chunks {
		if i > 0 && c.Delay > 0 {
			t := time.NewTimer(c.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return final, ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return final, err
		}
		if err := emit(Step{Kind: StepText, Text: chunk}); err != nil {
			return final, err
		}
	}
	return final, nil
}

// Split cuts s into slices of size runes, the last one possibly shorter
func Split(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	out := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		out = append(out, string(runes[i:end]))
	}
	return out
}
