package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/eventstore/memory"
	"github.com/terraskye/aggregate/fixtures"
)

const stream = "Order-order-1"

func history(n int) []aggregate.WireEvent {
	notes := make([]string, 0, n)
	for i := 1; i < n; i++ {
		notes = append(notes, "note")
	}
	return fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-1", false, notes...))
}

// Append Tests

func TestAppend_NewStream(t *testing.T) {
	recorded := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := memory.NewMemoryStore(memory.WithClock(func() time.Time { return recorded }))

	res, err := store.AppendEvents(context.Background(), stream, history(3), aggregate.NoStream{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.NextExpectedVersion != 3 {
		t.Errorf("expected NextExpectedVersion 3, got %d", res.NextExpectedVersion)
	}
	if res.LastGlobalPosition != 3 {
		t.Errorf("expected LastGlobalPosition 3, got %d", res.LastGlobalPosition)
	}
	for i, ev := range res.Recorded {
		if ev.GlobalPosition != uint64(i)+1 {
			t.Errorf("event %d: global position %d", i, ev.GlobalPosition)
		}
		if ev.RecordedTimeUnixMs != recorded.UnixMilli() {
			t.Errorf("event %d: recorded %d", i, ev.RecordedTimeUnixMs)
		}
	}
}

func TestAppend_EmptyBatch(t *testing.T) {
	store := memory.NewMemoryStore()
	res, err := store.AppendEvents(context.Background(), stream, nil, aggregate.Any{})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if res.NextExpectedVersion != 0 {
		t.Errorf("expected NextExpectedVersion 0, got %d", res.NextExpectedVersion)
	}
}

func TestAppend_ExpectedVersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	events := history(2)
	if _, err := store.AppendEvents(ctx, stream, events[:1], aggregate.ExplicitRevision(0)); err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, err := store.AppendEvents(ctx, stream, events[:1], aggregate.ExplicitRevision(0))
	var conflict *aggregate.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
	if conflict.ExpectedVersion != 0 || conflict.ActualVersion != 1 {
		t.Errorf("conflict = %+v", conflict)
	}

	if _, err := store.AppendEvents(ctx, stream, events[1:], aggregate.ExplicitRevision(1)); err != nil {
		t.Fatalf("append at version 1: %v", err)
	}
}

func TestAppend_StaleNonceWithAny(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	events := history(1)
	_, _ = store.AppendEvents(ctx, stream, events, aggregate.Any{})

	_, err := store.AppendEvents(ctx, stream, events, aggregate.Any{})
	if !aggregate.IsConcurrencyConflict(err) {
		t.Fatalf("expected conflict for stale nonce, got %v", err)
	}
}

func TestAppend_StreamExists(t *testing.T) {
	store := memory.NewMemoryStore()
	_, err := store.AppendEvents(context.Background(), stream, history(1), aggregate.StreamExists{})
	if !errors.Is(err, aggregate.ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestAppend_MixedStreams(t *testing.T) {
	store := memory.NewMemoryStore()
	events := history(2)
	events[1].AggregateID = "order-2"

	_, err := store.AppendEvents(context.Background(), stream, events, aggregate.Any{})
	if !errors.Is(err, aggregate.ErrInvalidEventBatch) {
		t.Fatalf("expected ErrInvalidEventBatch, got %v", err)
	}
	if ok, _ := store.StreamExists(context.Background(), stream); ok {
		t.Error("partial batch was stored")
	}
}

// Read Tests

func TestReadEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	_, _ = store.AppendEvents(ctx, stream, history(4), aggregate.NoStream{})

	tests := []struct {
		from      uint64
		wantFirst uint64
		wantLen   int
	}{
		{from: 0, wantFirst: 1, wantLen: 4},
		{from: 1, wantFirst: 1, wantLen: 4},
		{from: 3, wantFirst: 3, wantLen: 2},
		{from: 5, wantLen: 0},
	}
	for _, tt := range tests {
		got, err := store.ReadEvents(ctx, stream, tt.from)
		if err != nil {
			t.Fatalf("from %d: %v", tt.from, err)
		}
		if len(got) != tt.wantLen {
			t.Fatalf("from %d: got %d events, want %d", tt.from, len(got), tt.wantLen)
		}
		if tt.wantLen > 0 && got[0].AggregateNonce != tt.wantFirst {
			t.Errorf("from %d: first nonce %d, want %d", tt.from, got[0].AggregateNonce, tt.wantFirst)
		}
	}
}

func TestReadEvents_MissingStream(t *testing.T) {
	store := memory.NewMemoryStore()
	got, err := store.ReadEvents(context.Background(), "Order-missing", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty slice, got %v", got)
	}
}

func TestReadEvents_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	_, _ = store.AppendEvents(ctx, stream, history(1), aggregate.NoStream{})

	got, _ := store.ReadEvents(ctx, stream, 1)
	got[0].Payload[0] = 'X'
	again, _ := store.ReadEvents(ctx, stream, 1)
	if again[0].Payload[0] == 'X' {
		t.Error("stored payload was modified through a read result")
	}
}

func TestReadAll(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	_, _ = store.AppendEvents(ctx, stream, history(2), aggregate.NoStream{})
	other := fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-2", true))
	_, _ = store.AppendEvents(ctx, "Order-order-2", other, aggregate.NoStream{})

	all, err := store.ReadAll(ctx, 0)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d events, want 4", len(all))
	}
	for i, ev := range all {
		if ev.GlobalPosition != uint64(i)+1 {
			t.Errorf("event %d: global position %d", i, ev.GlobalPosition)
		}
	}
	tail, _ := store.ReadAll(ctx, 3)
	if len(tail) != 2 || tail[0].StreamName() != "Order-order-2" {
		t.Errorf("tail = %+v", tail)
	}
}

// Lifecycle Tests

func TestEventsChannel(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore(memory.WithBuffer(10))
	_, _ = store.AppendEvents(ctx, stream, history(2), aggregate.NoStream{})

	for want := uint64(1); want <= 2; want++ {
		select {
		case ev := <-store.Events():
			if ev.AggregateNonce != want {
				t.Errorf("nonce = %d, want %d", ev.AggregateNonce, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEventsChannel_DropsWhenFull(t *testing.T) {
	store := memory.NewMemoryStore(memory.WithBuffer(1))
	if _, err := store.AppendEvents(context.Background(), stream, history(3), aggregate.NoStream{}); err != nil {
		t.Fatalf("append with full channel: %v", err)
	}
	if len(store.Events()) != 1 {
		t.Errorf("buffered = %d, want 1", len(store.Events()))
	}
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore()
	_, _ = store.AppendEvents(ctx, stream, history(1), aggregate.NoStream{})

	if err := store.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := store.Disconnect(ctx); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if _, ok := <-store.Events(); ok {
		t.Error("events channel not closed")
	}
	if _, err := store.ReadEvents(ctx, stream, 1); !errors.Is(err, aggregate.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	if err := store.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ok, err := store.StreamExists(ctx, stream); err != nil || !ok {
		t.Errorf("StreamExists after reconnect = %v, %v", ok, err)
	}
}

func TestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := memory.NewMemoryStore()
	if _, err := store.AppendEvents(ctx, stream, history(1), aggregate.NoStream{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
