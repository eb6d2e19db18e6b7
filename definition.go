package aggregate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// CommandFunc handles a command of type C against root. It validates the
// command against root.State() and records the outcome with root.Apply. A
// returned error must leave root untouched, so validation happens before the
// first Apply.
type CommandFunc[S any, C Command] func(ctx context.Context, root *Root[S], cmd C) error

// Applier evolves state with an event. It must be deterministic and free of
// side effects: the same appliers are used for live application and
// rehydration.
type Applier[S any, E Event] func(state S, event E) S

type commandEntry[S any] struct {
	create bool
	handle func(ctx context.Context, root *Root[S], cmd Command) error
}

type eventEntry[S any] struct {
	apply   func(state S, event Event) (S, error)
	factory EventFactory
	version int
}

// Definition holds the dispatch tables of one aggregate type. It is built once
// with Define and shared by every Root of that type.
type Definition[S any] struct {
	aggregateType string
	initial       func() S
	commands      map[string]commandEntry[S]
	events        map[string]eventEntry[S]
}

// DefinitionBuilder collects the handlers and appliers of an aggregate type.
type DefinitionBuilder[S any] struct {
	def  *Definition[S]
	errs []error
}

// Define starts the definition of an aggregate type. initial returns the state
// of a fresh, uninitialized aggregate.
func Define[S any](aggregateType string, initial func() S) *DefinitionBuilder[S] {
	return &DefinitionBuilder[S]{def: &Definition[S]{
		aggregateType: aggregateType,
		initial:       initial,
		commands:      make(map[string]commandEntry[S]),
		events:        make(map[string]eventEntry[S]),
	}}
}

// OnCommand registers the handler of command type C. The aggregate must be
// initialized when the command arrives.
func OnCommand[S any, C Command](b *DefinitionBuilder[S], fn CommandFunc[S, C]) *DefinitionBuilder[S] {
	return addCommand(b, fn, false)
}

// OnCreate registers the handler of a creation command C. It is the only kind
// of command accepted by an uninitialized aggregate; the handler establishes
// identity through Initialize or by applying an InitializingEvent.
func OnCreate[S any, C Command](b *DefinitionBuilder[S], fn CommandFunc[S, C]) *DefinitionBuilder[S] {
	return addCommand(b, fn, true)
}

func addCommand[S any, C Command](b *DefinitionBuilder[S], fn CommandFunc[S, C], create bool) *DefinitionBuilder[S] {
	name := TypeName(newZero[C]())
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("command %s: nil handler", name))
		return b
	}
	if _, ok := b.def.commands[name]; ok {
		b.errs = append(b.errs, fmt.Errorf("command %s: handler already registered", name))
		return b
	}
	b.def.commands[name] = commandEntry[S]{
		create: create,
		handle: func(ctx context.Context, root *Root[S], cmd Command) error {
			c, ok := cmd.(C)
			if !ok {
				return &UnknownCommandError{CommandType: TypeName(cmd), AggregateType: root.def.aggregateType}
			}
			return fn(ctx, root, c)
		},
	}
	return b
}

// OnEvent registers the applier of event type E, keyed by E's EventType.
func OnEvent[S any, E Event](b *DefinitionBuilder[S], fn Applier[S, E]) *DefinitionBuilder[S] {
	sample := newZero[E]()
	name := sample.EventType()
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("event %s: nil applier", name))
		return b
	}
	if _, ok := b.def.events[name]; ok {
		b.errs = append(b.errs, fmt.Errorf("event %s: applier already registered", name))
		return b
	}
	b.def.events[name] = eventEntry[S]{
		apply: func(state S, event Event) (S, error) {
			e, ok := event.(E)
			if !ok {
				return state, fmt.Errorf("event %s: got Go type %s, want %s", name, TypeName(event), TypeName(sample))
			}
			return fn(state, e), nil
		},
		factory: func() Event { return newZero[E]() },
		version: SchemaVersionOf(sample),
	}
	return b
}

// Build validates the definition.
func (b *DefinitionBuilder[S]) Build() (*Definition[S], error) {
	errs := slices.Clone(b.errs)
	switch {
	case b.def.aggregateType == "":
		errs = append(errs, errors.New("empty aggregate type"))
	case strings.Contains(b.def.aggregateType, "-"):
		errs = append(errs, fmt.Errorf("aggregate type %q contains a dash", b.def.aggregateType))
	}
	if b.def.initial == nil {
		errs = append(errs, errors.New("nil initial state"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("define aggregate %s: %w", b.def.aggregateType, errors.Join(errs...))
	}
	return b.def, nil
}

// MustBuild is like Build but panics on error.
func (b *DefinitionBuilder[S]) MustBuild() *Definition[S] {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

func (d *Definition[S]) AggregateType() string { return d.aggregateType }

// New returns a fresh, uninitialized aggregate.
func (d *Definition[S]) New() *Root[S] {
	return &Root[S]{def: d, state: d.initial()}
}

// Register adds every event type of the definition to b.
func (d *Definition[S]) Register(b *RegistryBuilder) *RegistryBuilder {
	for _, name := range d.EventTypes() {
		e := d.events[name]
		b.Register(name, e.version, e.factory)
	}
	return b
}

// CommandTypes returns the handled command type names, sorted.
func (d *Definition[S]) CommandTypes() []string {
	return slices.Sorted(maps.Keys(d.commands))
}

// EventTypes returns the applied event types, sorted.
func (d *Definition[S]) EventTypes() []string {
	return slices.Sorted(maps.Keys(d.events))
}
