package aggregate

import "time"

// Metrics receives measurements from repositories and command handlers.
// Implementations must be safe for concurrent use.
type Metrics interface {
	RepositoryLoad(aggregateType string, events int, d time.Duration, err error)
	RepositorySave(aggregateType string, events int, d time.Duration, err error)
	ConcurrencyConflict(aggregateType string)
	CommandHandled(aggregateType, commandType string, d time.Duration, err error)
}

type nopMetrics struct{}

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) RepositoryLoad(string, int, time.Duration, error) {}
func (nopMetrics) RepositorySave(string, int, time.Duration, error) {}
func (nopMetrics) ConcurrencyConflict(string) {}
func (nopMetrics) CommandHandled(string, string, time.Duration, error) {}
