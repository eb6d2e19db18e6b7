package aggregate

import (
	"errors"
	"testing"
)

func TestStreamName(t *testing.T) {
	if got := StreamName("Order", "order-1"); got != "Order-order-1" {
		t.Errorf("StreamName = %q", got)
	}
}

func TestParseStreamName(t *testing.T) {
	tests := []struct {
		stream  string
		want    Identity
		wantErr bool
	}{
		{stream: "Order-order-1", want: Identity{Type: "Order", ID: "order-1"}},
		{stream: "Order-1", want: Identity{Type: "Order", ID: "1"}},
		{stream: "Order", wantErr: true},
		{stream: "-1", wantErr: true},
		{stream: "Order-", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.stream, func(t *testing.T) {
			got, err := ParseStreamName(tt.stream)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidStreamName) {
					t.Fatalf("expected ErrInvalidStreamName, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.StreamName() != tt.stream {
				t.Errorf("round trip = %q", got.StreamName())
			}
		})
	}
}

func TestEnvelopeIsImmutable(t *testing.T) {
	headers := map[string]string{"a": "1"}
	env := NewEnvelope(nil, Metadata{Headers: headers})
	headers["a"] = "2"
	if v, _ := env.Header("a"); v != "1" {
		t.Error("envelope shares the caller's header map")
	}
	md := env.Metadata()
	md.Headers["a"] = "3"
	if v, _ := env.Header("a"); v != "1" {
		t.Error("Metadata exposes the internal header map")
	}
}
