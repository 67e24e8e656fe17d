package agent

import (
	"context"
	"sync"

	"github.com/nugget/aki/internal/events"
	"github.com/nugget/aki/internal/llm"
)

// Turn is a turn running in the background.
type Turn struct {
	cancel context.CancelFunc
	done   chan struct{}

	once   sync.Once
	result *Result
	err    error
}

// Start runs a turn in its own goroutine. The caller must not touch st
// until Wait returns.
func (e *Engine) Start(ctx context.Context, st *State, input llm.Message, sink events.Sink) *Turn {
	ctx, cancel := context.WithCancel(ctx)
	t := &Turn{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = e.Run(ctx, st, input, sink)
	}()
	return t
}

// Stop asks the turn to finish early. It returns immediately; use Wait
// to observe the stopped result.
func (t *Turn) Stop() {
	t.once.Do(t.cancel)
}

// Done is closed when the turn has finished.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn finishes.
func (t *Turn) Wait() (*Result, error) {
	<-t.done
	return t.result, t.err
}
