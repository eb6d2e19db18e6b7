package aggregate

// Command is an intention to change the state of exactly one aggregate instance.
// Commands are dispatched by their runtime type name.
type Command interface {
	AggregateID() string
}

// CommandType returns the dispatch key of a command.
func CommandType(cmd Command) string {
	return TypeName(cmd)
}
