package events

import (
	"context"
)

// Scheduler decouples the socket read loop from event processing. AddWork
// may queue the event; implementations deliver to a consumer preserving
// arrival order.
type Scheduler interface {
	AddWork(ctx context.Context, key string, evt *Event) error
	Shutdown()
}
