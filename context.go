package aggregate

import (
	"context"
	"maps"
)

type ctxKey string

// Define constants for context keys
const (
	correlationIDKey ctxKey = "correlationID"
	causationIDKey   ctxKey = "causationID"
	actorIDKey       ctxKey = "actorID"
	tenantIDKey      ctxKey = "tenantID"
	headersKey       ctxKey = "headers"
)

// WithCorrelationID stores the correlation id applied to events raised under ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// WithCausationID stores the causation id applied to events raised under ctx.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey, id)
}

// WithActorID stores the id of the actor issuing commands under ctx.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorIDKey, id)
}

// WithTenantID stores the tenant the commands under ctx are executed for.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithHeaders merges headers into the headers already present in ctx.
func WithHeaders(ctx context.Context, headers map[string]string) context.Context {
	merged := maps.Clone(HeadersFromContext(ctx))
	if merged == nil {
		merged = make(map[string]string, len(headers))
	}
	maps.Copy(merged, headers)
	return context.WithValue(ctx, headersKey, merged)
}

// WithEnvelope prepares ctx for handling work caused by env: the event becomes
// the cause, and correlation, actor and tenant are carried over.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	md := env.metadata
	correlation := md.CorrelationID
	if correlation == "" {
		correlation = md.EventID.String()
	}
	ctx = WithCorrelationID(ctx, correlation)
	ctx = WithCausationID(ctx, md.EventID.String())
	if md.ActorID != "" {
		ctx = WithActorID(ctx, md.ActorID)
	}
	if md.TenantID != "" {
		ctx = WithTenantID(ctx, md.TenantID)
	}
	return ctx
}

// CorrelationIDFromContext returns the correlation id or "" if not present
func CorrelationIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, correlationIDKey)
}

// CausationIDFromContext returns the causation id or "" if not present
func CausationIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, causationIDKey)
}

// ActorIDFromContext returns the actor id or "" if not present
func ActorIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, actorIDKey)
}

// TenantIDFromContext returns the tenant id or "" if not present
func TenantIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, tenantIDKey)
}

// HeadersFromContext returns the headers or nil if not present. The returned
// map must not be modified.
func HeadersFromContext(ctx context.Context) map[string]string {
	if v := ctx.Value(headersKey); v != nil {
		if h, ok := v.(map[string]string); ok {
			return h
		}
	}
	return nil
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// metadataFromContext seeds event metadata with the causality fields found in ctx.
func metadataFromContext(ctx context.Context, md *Metadata) {
	md.CorrelationID = CorrelationIDFromContext(ctx)
	md.CausationID = CausationIDFromContext(ctx)
	md.ActorID = ActorIDFromContext(ctx)
	md.TenantID = TenantIDFromContext(ctx)
	if h := HeadersFromContext(ctx); len(h) > 0 {
		md.Headers = maps.Clone(h)
	}
}
