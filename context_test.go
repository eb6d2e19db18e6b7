package aggregate

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestContextGetters(t *testing.T) {
	emptyCtx := t.Context()
	tests := []struct {
		name string
		get  func(ctx context.Context) string
		set  func(ctx context.Context, v string) context.Context
	}{
		{"CorrelationID", CorrelationIDFromContext, WithCorrelationID},
		{"CausationID", CausationIDFromContext, WithCausationID},
		{"ActorID", ActorIDFromContext, WithActorID},
		{"TenantID", TenantIDFromContext, WithTenantID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.get(emptyCtx); got != "" {
				t.Errorf("empty context = %q, want empty", got)
			}
			if got := tt.get(tt.set(emptyCtx, "v-1")); got != "v-1" {
				t.Errorf("got %q, want v-1", got)
			}
		})
	}
}

func TestWithHeadersMerges(t *testing.T) {
	ctx := WithHeaders(t.Context(), map[string]string{"a": "1", "b": "1"})
	parent := ctx
	ctx = WithHeaders(ctx, map[string]string{"b": "2", "c": "3"})

	h := HeadersFromContext(ctx)
	if h["a"] != "1" || h["b"] != "2" || h["c"] != "3" {
		t.Errorf("headers = %v", h)
	}
	if HeadersFromContext(parent)["b"] != "1" {
		t.Error("parent headers modified")
	}
	if HeadersFromContext(t.Context()) != nil {
		t.Error("expected nil headers on empty context")
	}
}

func TestWithEnvelope(t *testing.T) {
	eventID := uuid.Must(uuid.NewV7())
	env := NewEnvelope(nil, Metadata{EventID: eventID, ActorID: "user-1", TenantID: "tenant-1"})

	ctx := WithEnvelope(t.Context(), env)
	if CausationIDFromContext(ctx) != eventID.String() {
		t.Errorf("causation = %q", CausationIDFromContext(ctx))
	}
	if CorrelationIDFromContext(ctx) != eventID.String() {
		t.Errorf("correlation should default to the event id, got %q", CorrelationIDFromContext(ctx))
	}
	if ActorIDFromContext(ctx) != "user-1" || TenantIDFromContext(ctx) != "tenant-1" {
		t.Error("actor or tenant not carried over")
	}

	env = NewEnvelope(nil, Metadata{EventID: eventID, CorrelationID: "corr-1"})
	if got := CorrelationIDFromContext(WithEnvelope(t.Context(), env)); got != "corr-1" {
		t.Errorf("correlation = %q, want corr-1", got)
	}
}

func TestMetadataFromContextCopiesHeaders(t *testing.T) {
	ctx := WithHeaders(t.Context(), map[string]string{"a": "1"})
	var md Metadata
	metadataFromContext(ctx, &md)
	md.Headers["a"] = "changed"
	if HeadersFromContext(ctx)["a"] != "1" {
		t.Error("metadata shares the context header map")
	}
}
