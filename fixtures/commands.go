package fixtures

// SubmitOrder creates an order.
type SubmitOrder struct {
	OrderID    string
	CustomerID string
	Total      int64
}

func (c SubmitOrder) AggregateID() string { return c.OrderID }

// CancelOrder cancels a submitted order.
type CancelOrder struct {
	OrderID string
	Reason  string
}

func (c CancelOrder) AggregateID() string { return c.OrderID }

// AddNote attaches a free text note to an order.
type AddNote struct {
	OrderID string
	Note    string
}

func (c AddNote) AggregateID() string { return c.OrderID }

// ShipOrder has no handler on the Order aggregate.
type ShipOrder struct {
	OrderID string
}

func (c ShipOrder) AggregateID() string { return c.OrderID }

// SubmitOrderBuilder provides a fluent API for constructing SubmitOrder commands.
type SubmitOrderBuilder struct {
	cmd SubmitOrder
}

// NewSubmitOrder creates a builder with sensible defaults.
func NewSubmitOrder() *SubmitOrderBuilder {
	return &SubmitOrderBuilder{cmd: SubmitOrder{OrderID: "order-1", CustomerID: "customer-1", Total: 4200}}
}

func (b *SubmitOrderBuilder) WithOrderID(id string) *SubmitOrderBuilder {
	b.cmd.OrderID = id
	return b
}

func (b *SubmitOrderBuilder) WithCustomer(id string) *SubmitOrderBuilder {
	b.cmd.CustomerID = id
	return b
}

func (b *SubmitOrderBuilder) WithTotal(total int64) *SubmitOrderBuilder {
	b.cmd.Total = total
	return b
}

func (b *SubmitOrderBuilder) Build() SubmitOrder { return b.cmd }
