// Package history defines the Sink interface job lifecycle events are
// delivered to. Concrete sinks (sqlite, postgres, clickhouse) live in
// subpackages; factory picks one from a DSN.
package history

import (
	"context"
	"time"

	"github.com/ocelotmarkets/botsup/internal/jobtable"
)

// EventType distinguishes a job starting from a job exiting.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event is one job lifecycle transition, handed to a Sink for durable
// recording outside the state-file snapshot.
type Event struct {
	Type       EventType
	OccurredAt time.Time
	JobName    string
	PID        int
	Phase      jobtable.Phase
	ExitCode   int
	Err        string
	// Uniq identifies one run so a sink can dedupe retried sends. The
	// supervisor builds it from boot nonce + job name + restart count, the
	// daemon from job name + restart count.
	Uniq string
}

// Sink durably records job lifecycle events. Implementations must be
// safe for concurrent use. Send is expected to be called from its own
// goroutine by callers, who log failures rather than block the control
// loop on them.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
