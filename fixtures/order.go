package fixtures

import (
	"context"
	"errors"
	"slices"

	"github.com/terraskye/aggregate"
)

const OrderAggregateType = "Order"

type OrderStatus string

const (
	StatusNew       OrderStatus = ""
	StatusSubmitted OrderStatus = "submitted"
	StatusCancelled OrderStatus = "cancelled"
)

var (
	ErrOrderAlreadySubmitted = errors.New("order already submitted")
	ErrOrderAlreadyCancelled = errors.New("order already cancelled")
	ErrInvalidTotal          = errors.New("order total must be positive")
	ErrEmptyNote             = errors.New("note must not be empty")
)

// OrderState is the state of the Order aggregate.
type OrderState struct {
	CustomerID   string
	Total        int64
	Status       OrderStatus
	CancelReason string
	Notes        []string
}

// OrderDefinition is the Order aggregate used throughout the tests.
var OrderDefinition = NewOrderDefinition()

func NewOrderDefinition() *aggregate.Definition[OrderState] {
	b := aggregate.Define(OrderAggregateType, func() OrderState { return OrderState{} })

	aggregate.OnCreate(b, func(ctx context.Context, root *aggregate.Root[OrderState], cmd SubmitOrder) error {
		if root.IsInitialized() {
			return ErrOrderAlreadySubmitted
		}
		if cmd.Total <= 0 {
			return ErrInvalidTotal
		}
		if err := root.Initialize(cmd.OrderID); err != nil {
			return err
		}
		return root.Apply(ctx, OrderSubmitted{OrderID: cmd.OrderID, CustomerID: cmd.CustomerID, Total: cmd.Total})
	})
	aggregate.OnCommand(b, func(ctx context.Context, root *aggregate.Root[OrderState], cmd CancelOrder) error {
		if root.State().Status == StatusCancelled {
			return ErrOrderAlreadyCancelled
		}
		return root.Apply(ctx, OrderCancelled{OrderID: cmd.OrderID, Reason: cmd.Reason})
	})
	aggregate.OnCommand(b, func(ctx context.Context, root *aggregate.Root[OrderState], cmd AddNote) error {
		if cmd.Note == "" {
			return ErrEmptyNote
		}
		return root.Apply(ctx, &NoteAdded{OrderID: cmd.OrderID, Note: cmd.Note})
	})

	aggregate.OnEvent(b, func(s OrderState, e OrderSubmitted) OrderState {
		s.CustomerID = e.CustomerID
		s.Total = e.Total
		s.Status = StatusSubmitted
		return s
	})
	aggregate.OnEvent(b, func(s OrderState, e OrderCancelled) OrderState {
		s.Status = StatusCancelled
		s.CancelReason = e.Reason
		return s
	})
	aggregate.OnEvent(b, func(s OrderState, e *NoteAdded) OrderState {
		s.Notes = append(slices.Clone(s.Notes), e.Note)
		return s
	})
	return b.MustBuild()
}

// NewOrderRegistry returns a registry holding the Order events.
func NewOrderRegistry() *aggregate.Registry {
	return OrderDefinition.Register(aggregate.NewRegistryBuilder()).MustBuild()
}
