// Package sink provides the consumers a pipeline dispatches finalized
// transcripts to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Func matches pipeline.Consumer without importing the pipeline package.
type Func func(ctx context.Context, text string) error

// Console prints each transcript on its own line.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Consume(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "Transcribed: %s\n", text); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// FanOut invokes every consumer in order for each transcript. A failing
// consumer does not prevent the rest from running; their errors are joined.
func FanOut(consumers ...Func) Func {
	return func(ctx context.Context, text string) error {
		var errs []error
		for _, consume := range consumers {
			if err := consume(ctx, text); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
