package fixtures

const (
	OrderSubmittedType = "order.submitted"
	OrderCancelledType = "order.cancelled"
	NoteAddedType      = "order.note_added"
)

// OrderSubmitted is the initializing event of an order.
type OrderSubmitted struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Total      int64  `json:"total"`
}

func (e OrderSubmitted) EventType() string { return OrderSubmittedType }
func (e OrderSubmitted) InitialAggregateID() string { return e.OrderID }

type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

func (e OrderCancelled) EventType() string { return OrderCancelledType }

// NoteAdded is registered as a pointer type to exercise pointer decoding.
type NoteAdded struct {
	OrderID string `json:"orderId"`
	Note    string `json:"note"`
}

func (e *NoteAdded) EventType() string { return NoteAddedType }
func (e *NoteAdded) SchemaVersion() int { return 2 }

// OrderArchived has no applier on the Order aggregate.
type OrderArchived struct {
	OrderID string `json:"orderId"`
}

func (e OrderArchived) EventType() string { return "order.archived" }
