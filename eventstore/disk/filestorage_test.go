package disk_test

import (
	"context"
	"errors"
	"testing"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/eventstore/disk"
	"github.com/terraskye/aggregate/fixtures"
)

func openStore(t *testing.T, dir string) *disk.FileStore {
	t.Helper()
	store := disk.NewFileStore(dir)
	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Disconnect(context.Background()) })
	return store
}

func TestFileStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, t.TempDir())
	records := fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-1", true, "a"))

	res, err := store.AppendEvents(ctx, "Order-order-1", records, aggregate.NoStream{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.NextExpectedVersion != 3 || res.LastGlobalPosition != 3 {
		t.Errorf("result = %+v", res)
	}

	got, err := store.ReadEvents(ctx, "Order-order-1", 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.AggregateNonce != uint64(i)+1 || ev.EventID != records[i].EventID {
			t.Errorf("event %d = nonce %d id %s", i, ev.AggregateNonce, ev.EventID)
		}
		if ev.RecordedTimeUnixMs == 0 {
			t.Errorf("event %d: recorded time not set", i)
		}
	}

	tail, _ := store.ReadEvents(ctx, "Order-order-1", 3)
	if len(tail) != 1 || tail[0].EventType != fixtures.OrderCancelledType {
		t.Errorf("tail = %+v", tail)
	}
}

func TestFileStore_Conflict(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, t.TempDir())
	records := fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-1", false, "a"))

	if _, err := store.AppendEvents(ctx, "Order-order-1", records[:1], aggregate.ExplicitRevision(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := store.AppendEvents(ctx, "Order-order-1", records[1:], aggregate.ExplicitRevision(0))
	if !aggregate.IsConcurrencyConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := store.ReadEvents(ctx, "Order-order-1", 1)
	if len(got) != 1 {
		t.Errorf("got %d events after conflict, want 1", len(got))
	}
}

func TestFileStore_ReopenKeepsGlobalSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	registry := fixtures.NewOrderRegistry()

	first := openStore(t, dir)
	_, _ = first.AppendEvents(ctx, "Order-order-1", fixtures.WireHistory(registry, fixtures.OrderHistory("order-1", false)), aggregate.NoStream{})
	_ = first.Disconnect(ctx)

	second := openStore(t, dir)
	res, err := second.AppendEvents(ctx, "Order-order-2", fixtures.WireHistory(registry, fixtures.OrderHistory("order-2", false)), aggregate.NoStream{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.LastGlobalPosition != 2 {
		t.Errorf("global position = %d, want 2", res.LastGlobalPosition)
	}

	all, err := second.ReadAll(ctx, 1)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 2 || all[0].StreamName() != "Order-order-1" || all[1].StreamName() != "Order-order-2" {
		t.Errorf("all = %+v", all)
	}
	if ok, _ := second.StreamExists(ctx, "Order-order-2"); !ok {
		t.Error("stream should exist")
	}
}

func TestFileStore_NotConnected(t *testing.T) {
	store := disk.NewFileStore(t.TempDir())
	if _, err := store.ReadEvents(context.Background(), "Order-1", 1); !errors.Is(err, aggregate.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestFileStore_WithRepository(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, t.TempDir())
	repo := aggregate.NewRepository(fixtures.OrderDefinition, store, fixtures.NewOrderRegistry())

	root := repo.New()
	_ = root.HandleCommand(ctx, fixtures.NewSubmitOrder().Build())
	_ = root.HandleCommand(ctx, fixtures.AddNote{OrderID: "order-1", Note: "n"})
	if err := repo.Save(ctx, root); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := repo.Load(ctx, "order-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version() != 2 || len(loaded.State().Notes) != 1 {
		t.Errorf("loaded version %d state %+v", loaded.Version(), loaded.State())
	}
}
