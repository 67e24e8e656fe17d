package events

import (
	"context"
	"sync"
	"time"
)

// Sink receives the events of one turn in the order they happen.
type Sink interface {
	Emit(e TurnEvent)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(e TurnEvent)

// Emit implements Sink.
func (f SinkFunc) Emit(e TurnEvent) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(TurnEvent) {})

// Sequencer stamps turn events with consecutive sequence numbers and
// the turn's identity, then forwards them to a sink and a bus. It is
// safe for concurrent use; events are numbered in the order Emit is
// entered.
type Sequencer struct {
	conversationID string
	turnID         string
	next           Sink
	bus            *Bus

	mu  sync.Mutex
	seq uint64
}

// NewSequencer returns a sequencer for one turn. next may be nil and
// bus may be nil.
func NewSequencer(conversationID, turnID string, next Sink, bus *Bus) *Sequencer {
	if next == nil {
		next = Discard
	}
	return &Sequencer{
		conversationID: conversationID,
		turnID:         turnID,
		next:           next,
		bus:            bus,
	}
}

// Emit implements Sink.
func (s *Sequencer) Emit(e TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Seq = s.seq
	e.ConversationID = s.conversationID
	e.TurnID = s.turnID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.next.Emit(e)
	s.bus.Publish(e)
}

// Last returns the sequence number of the most recent event.
func (s *Sequencer) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Channel is a Sink that hands events to a reader over a channel.
// Unlike the bus it never drops: Emit waits for the reader, and gives up
// only when the channel's context is done.
type Channel struct {
	ctx context.Context
	ch  chan TurnEvent

	mu     sync.Mutex
	closed bool
}

// NewChannel returns a channel sink with the given buffer.
func NewChannel(ctx context.Context, buf int) *Channel {
	return &Channel{ctx: ctx, ch: make(chan TurnEvent, buf)}
}

// Events returns the receive side. It is closed by Close.
func (c *Channel) Events() <-chan TurnEvent { return c.ch }

// Emit implements Sink. Events emitted after Close are dropped.
func (c *Channel) Emit(e TurnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- e:
	case <-c.ctx.Done():
	}
}

// Close closes the event channel. It is safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
