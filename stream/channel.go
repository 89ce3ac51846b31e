// Package stream implements spec C9: an ordered, at-most-once, back-
// pressured delivery of PipelineEvents to a single consumer. Adapted
// from the gateway's disconnect-aware SSE writer
// (handler/stream.go's streamWithDisconnectDetection): the chunk/byte
// accounting there is repurposed here as event-count/latency accounting
// per stream, since there is no token billing in this domain.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/AlfredDev/queryengine/domain"
)

// Metrics tracks event-count and latency accounting for one stream,
// the query-engine analogue of the gateway's StreamMetrics.
type Metrics struct {
	mu               sync.Mutex
	EventsSent       int
	ClientDisconnect bool
	DisconnectAt     time.Time
	TotalDuration    time.Duration
	TerminalType     domain.PipelineEventType
}

func (m *Metrics) recordEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsSent++
}

func (m *Metrics) recordDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClientDisconnect = true
	m.DisconnectAt = time.Now().UTC()
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		EventsSent:       m.EventsSent,
		ClientDisconnect: m.ClientDisconnect,
		DisconnectAt:     m.DisconnectAt,
		TotalDuration:    m.TotalDuration,
		TerminalType:     m.TerminalType,
	}
}

// Channel is an owned output port for one ExecuteQuery invocation: the
// orchestrator emits into it, a single consumer (an HTTP handler or a
// batch-mode collector) drains it. No back-reference from Channel to the
// orchestrator is needed — the channel is passed in, used, and discarded.
type Channel struct {
	events  chan domain.PipelineEvent
	closed  chan struct{}
	once    sync.Once
	Metrics Metrics
	start   time.Time
}

// DefaultBufferSize is executor.progress_buffer's documented default.
const DefaultBufferSize = 16

// NewChannel creates a Channel with the given buffer depth (spec
// executor.progress_buffer, default 16).
func NewChannel(bufferSize int) *Channel {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Channel{
		events: make(chan domain.PipelineEvent, bufferSize),
		closed: make(chan struct{}),
		start:  time.Now(),
	}
}

// Emit delivers ev to the channel buffer, blocking until accepted or the
// consumer's ctx is cancelled, implementing the back-pressure contract of
// §4.9/§5: the orchestrator must not advance past this call until ev is
// accepted. Returns false if ctx was cancelled first — the caller (the
// orchestrator) must treat that as an observed disconnect and abort.
func (c *Channel) Emit(ctx context.Context, ev domain.PipelineEvent) bool {
	select {
	case c.events <- ev:
		c.Metrics.recordEvent()
		if ev.Type == domain.EventResult || ev.Type == domain.EventError {
			c.Metrics.mu.Lock()
			c.Metrics.TerminalType = ev.Type
			c.Metrics.TotalDuration = time.Since(c.start)
			c.Metrics.mu.Unlock()
			c.closeOnce()
		}
		return true
	case <-ctx.Done():
		c.Metrics.recordDisconnect()
		c.Metrics.mu.Lock()
		c.Metrics.TotalDuration = time.Since(c.start)
		c.Metrics.mu.Unlock()
		c.closeOnce()
		return false
	}
}

// Events returns the receive-only event stream for consumers to range
// over — a lazy, ordered sequence that ends once the channel is closed
// after a terminal event (or consumer cancellation).
func (c *Channel) Events() <-chan domain.PipelineEvent {
	return c.events
}

func (c *Channel) closeOnce() {
	c.once.Do(func() { close(c.events) })
}

// Drain reads every event from c until the channel closes, returning them
// in order. Used by batch callers who only want the terminal Result or
// Error — intermediate Progress events are dropped per §4.8's batch
// contract, but Drain itself is order-preserving; filtering is the
// caller's job (see DrainTerminal).
func (c *Channel) Drain(ctx context.Context) []domain.PipelineEvent {
	var out []domain.PipelineEvent
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-ctx.Done():
			return out
		}
	}
}

// DrainTerminal consumes events until the terminal Result or Error event
// and returns only that one, matching the batch-caller contract of
// §4.8 step 8 ("Batch callers receive only the terminal Result or Error").
func (c *Channel) DrainTerminal(ctx context.Context) (domain.PipelineEvent, bool) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return domain.PipelineEvent{}, false
			}
			if ev.Type == domain.EventResult || ev.Type == domain.EventError {
				return ev, true
			}
		case <-ctx.Done():
			return domain.PipelineEvent{}, false
		}
	}
}

// Discard consumes and drops every event on c until it closes. Used by
// batch callers (like httpapi's non-streaming handlers) that only care
// about ExecuteQuery's returned Response and must still keep the
// channel's buffer draining so Emit never blocks.
func Discard(c *Channel) {
	for range c.events {
	}
}
