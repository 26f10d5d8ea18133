package sequential

import (
	"context"
	"log/slog"
	"time"

	"github.com/astrbook/bridge/events"
	"github.com/astrbook/bridge/events/schedulers"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultEnqueueWait bounds how long AddWork blocks on a full queue. It must
// stay well under the socket read deadline: the caller is the read loop, and
// stalling it past the deadline would force the reconnect the queue exists
// to prevent.
const defaultEnqueueWait = 5 * time.Second

// Scheduler runs work on a single worker, preserving arrival order. A
// bounded queue decouples the producer (the socket read loop) from slow
// handlers so heartbeat processing is never stalled by a busy consumer.
type Scheduler struct {
	Do func(context.Context, *events.Event) error

	ident       string
	queue       chan *events.Event
	done        chan struct{}
	enqueueWait time.Duration

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsActive    prometheus.Counter
	itemsDropped   prometheus.Counter
	workersActive  prometheus.Gauge
	queueDepth     prometheus.Gauge

	log *slog.Logger
}

func NewScheduler(maxQueue int, ident string, do func(context.Context, *events.Event) error) *Scheduler {
	if maxQueue < 1 {
		maxQueue = 1
	}
	p := &Scheduler{
		Do: do,

		ident:       ident,
		queue:       make(chan *events.Event, maxQueue),
		done:        make(chan struct{}),
		enqueueWait: defaultEnqueueWait,

		itemsAdded:     schedulers.WorkItemsAdded.WithLabelValues(ident, "sequential"),
		itemsProcessed: schedulers.WorkItemsProcessed.WithLabelValues(ident, "sequential"),
		itemsActive:    schedulers.WorkItemsActive.WithLabelValues(ident, "sequential"),
		itemsDropped:   schedulers.WorkItemsDropped.WithLabelValues(ident, "sequential"),
		workersActive:  schedulers.WorkersActive.WithLabelValues(ident, "sequential"),
		queueDepth:     schedulers.QueueDepth.WithLabelValues(ident, "sequential"),

		log: slog.Default().With("system", "sequential-scheduler"),
	}

	go p.worker()

	p.workersActive.Set(1)

	return p
}

// Shutdown drains the queue and stops the worker. Producers must have
// stopped calling AddWork first.
func (p *Scheduler) Shutdown() {
	close(p.queue)
	<-p.done
	p.workersActive.Set(0)
}

// AddWork queues an event for the worker. If the queue stays full past the
// enqueue wait the event is dropped with a counter rather than stalling the
// caller indefinitely.
func (p *Scheduler) AddWork(ctx context.Context, key string, evt *events.Event) error {
	p.itemsAdded.Inc()
	select {
	case p.queue <- evt:
		p.queueDepth.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t := time.NewTimer(p.enqueueWait)
	defer t.Stop()
	select {
	case p.queue <- evt:
		p.queueDepth.Set(float64(len(p.queue)))
		return nil
	case <-t.C:
		p.itemsDropped.Inc()
		p.log.Warn("queue full, dropping event", "pool", p.ident, "kind", evt.Kind, "eventID", evt.EventID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Scheduler) worker() {
	defer close(p.done)

	for evt := range p.queue {
		p.queueDepth.Set(float64(len(p.queue)))
		p.itemsActive.Inc()
		if err := p.Do(context.Background(), evt); err != nil {
			p.log.Error("event handler failed", "err", err)
		}
		p.itemsProcessed.Inc()
	}
}
