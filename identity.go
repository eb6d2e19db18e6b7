package aggregate

import (
	"fmt"
	"strings"
)

// Identity is the stable identity of an aggregate instance. Together the
// aggregate type and id form the key of the instance's event stream.
type Identity struct {
	Type string
	ID   string
}

// StreamName returns the name of the event stream holding the events of the
// given aggregate instance: "{aggregateType}-{aggregateID}".
func StreamName(aggregateType, aggregateID string) string {
	return aggregateType + "-" + aggregateID
}

// ParseStreamName splits a stream name produced by StreamName back into its
// identity. Aggregate types never contain a dash, so the first dash separates
// the type from the id.
func ParseStreamName(stream string) (Identity, error) {
	typ, id, ok := strings.Cut(stream, "-")
	if !ok || typ == "" || id == "" {
		return Identity{}, fmt.Errorf("parse stream name %q: %w", stream, ErrInvalidStreamName)
	}
	return Identity{Type: typ, ID: id}, nil
}

func (i Identity) StreamName() string { return StreamName(i.Type, i.ID) }

func (i Identity) IsZero() bool { return i.Type == "" && i.ID == "" }

func (i Identity) String() string { return i.StreamName() }
