package history

import (
	"context"
	"time"
)

// Event records one child execution. Events are observability only: a sink
// failure never changes the invocation's exit code.
type Event struct {
	OccurredAt time.Time     `json:"occurred_at"`
	ID         string        `json:"id"`
	Mode       string        `json:"mode"`
	PID        int           `json:"pid"`
	Argv       []string      `json:"argv"`
	ExitCode   int           `json:"exit_code"`
	TimedOut   bool          `json:"timed_out"`
	Duration   time.Duration `json:"duration"`
}

// Sink is a destination for execution events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Open builds the configured sinks. Returns nil when nothing is configured.
// Both a SQL DSN and a ClickHouse endpoint may be active at once.
func Open(dsn, clickhouseURL, clickhouseTable string) (Sink, error) {
	var sinks []Sink
	if dsn != "" {
		s, err := NewSQLSinkFromDSN(dsn)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if clickhouseURL != "" {
		table := clickhouseTable
		if table == "" {
			table = "damper_history"
		}
		sinks = append(sinks, NewClickHouseSink(clickhouseURL, table))
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return multiSink(sinks), nil
}

type multiSink []Sink

func (m multiSink) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
