package sequential

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/astrbook/bridge/events"
	"github.com/stretchr/testify/assert"
)

func TestSchedulerPreservesOrder(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sched := NewScheduler(10, "test-order", func(ctx context.Context, evt *events.Event) error {
		mu.Lock()
		got = append(got, evt.EventID)
		mu.Unlock()
		return nil
	})

	var want []string
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("e%d", i)
		want = append(want, id)
		assert.NoError(sched.AddWork(ctx, id, &events.Event{Kind: events.KindReply, EventID: id, ReplyID: int64(i)}))
	}
	sched.Shutdown()

	assert.Equal(want, got)
}

func TestSchedulerAddWorkHonorsContext(t *testing.T) {
	assert := assert.New(t)

	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once
	sched := NewScheduler(1, "test-ctx", func(ctx context.Context, evt *events.Event) error {
		startedOnce.Do(func() { close(started) })
		<-release
		return nil
	})

	// first event occupies the worker, second fills the queue
	assert.NoError(sched.AddWork(context.Background(), "a", &events.Event{Kind: events.KindReply, ReplyID: 1}))
	<-started
	assert.NoError(sched.AddWork(context.Background(), "b", &events.Event{Kind: events.KindReply, ReplyID: 2}))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err := sched.AddWork(canceled, "c", &events.Event{Kind: events.KindReply, ReplyID: 3})
	assert.ErrorIs(err, context.Canceled)

	close(release)
	sched.Shutdown()
}

func TestSchedulerDropsWhenQueueStaysFull(t *testing.T) {
	assert := assert.New(t)

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var handled []string
	var startedOnce sync.Once
	sched := NewScheduler(1, "test-drop", func(ctx context.Context, evt *events.Event) error {
		mu.Lock()
		handled = append(handled, evt.EventID)
		mu.Unlock()
		startedOnce.Do(func() { close(started) })
		<-release
		return nil
	})
	sched.enqueueWait = 10 * time.Millisecond

	// first event occupies the worker, second fills the queue
	assert.NoError(sched.AddWork(context.Background(), "a", &events.Event{Kind: events.KindReply, EventID: "a", ReplyID: 1}))
	<-started
	assert.NoError(sched.AddWork(context.Background(), "b", &events.Event{Kind: events.KindReply, EventID: "b", ReplyID: 2}))

	// the queue never frees up, so this must come back instead of blocking
	// the caller past its read deadline
	start := time.Now()
	assert.NoError(sched.AddWork(context.Background(), "c", &events.Event{Kind: events.KindReply, EventID: "c", ReplyID: 3}))
	assert.Less(time.Since(start), time.Second)

	close(release)
	sched.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal([]string{"a", "b"}, handled)
}
