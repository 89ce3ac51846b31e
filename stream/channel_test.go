package stream

import (
	"context"
	"testing"
	"time"

	"github.com/AlfredDev/queryengine/domain"
)

func TestChannel_OrderedDeliveryAndTerminalClose(t *testing.T) {
	c := NewChannel(4)
	ctx := context.Background()

	go func() {
		c.Emit(ctx, domain.PipelineEvent{Type: domain.EventConnection, StreamID: "s1"})
		c.Emit(ctx, domain.PipelineEvent{Type: domain.EventProgress, Step: "intent_detection", Progress: intp(10)})
		c.Emit(ctx, domain.PipelineEvent{Type: domain.EventResult, Progress: intp(100)})
	}()

	events := c.Drain(ctx)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != domain.EventConnection || events[2].Type != domain.EventResult {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if *events[1].Progress != 10 {
		t.Fatalf("expected progress 10, got %d", *events[1].Progress)
	}
}

func TestChannel_DrainTerminal_DropsProgress(t *testing.T) {
	c := NewChannel(4)
	ctx := context.Background()

	go func() {
		c.Emit(ctx, domain.PipelineEvent{Type: domain.EventProgress, Progress: intp(10)})
		c.Emit(ctx, domain.PipelineEvent{Type: domain.EventProgress, Progress: intp(50)})
		c.Emit(ctx, domain.PipelineEvent{Type: domain.EventResult, Progress: intp(100)})
	}()

	ev, ok := c.DrainTerminal(ctx)
	if !ok {
		t.Fatal("expected terminal event")
	}
	if ev.Type != domain.EventResult || *ev.Progress != 100 {
		t.Fatalf("unexpected terminal event: %+v", ev)
	}
}

func TestChannel_EmitObservesCancellation(t *testing.T) {
	c := NewChannel(1) // buffer of 1: the next Emit call blocks and must observe ctx
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the buffer first so the next Emit call blocks and must observe ctx.
	c.events <- domain.PipelineEvent{Type: domain.EventConnection}

	accepted := c.Emit(ctx, domain.PipelineEvent{Type: domain.EventProgress})
	if accepted {
		t.Fatal("expected Emit to observe cancellation and return false")
	}
	if !c.Metrics.Snapshot().ClientDisconnect {
		t.Fatal("expected disconnect to be recorded")
	}
}

func TestChannel_MetricsCountEvents(t *testing.T) {
	c := NewChannel(4)
	ctx := context.Background()
	c.Emit(ctx, domain.PipelineEvent{Type: domain.EventConnection})
	c.Emit(ctx, domain.PipelineEvent{Type: domain.EventResult})

	time.Sleep(time.Millisecond) // let closeOnce settle, harmless if not needed
	snap := c.Metrics.Snapshot()
	if snap.EventsSent != 2 {
		t.Fatalf("expected 2 events recorded, got %d", snap.EventsSent)
	}
	if snap.TerminalType != domain.EventResult {
		t.Fatalf("expected terminal type result, got %q", snap.TerminalType)
	}
}

func intp(v int) *int { return &v }
