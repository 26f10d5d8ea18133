package governor

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Initial delays before the first scheduled cycle after startup, staggered so
// the two schedulers never fire together right after a restart.
const (
	browseInitialDelay = time.Minute
	postInitialDelay   = 2 * time.Minute
)

// ScheduleState is a snapshot of one scheduler's timing, exposed by the
// status surface and persisted across restarts by the daemon.
type ScheduleState struct {
	Name               string    `json:"name"`
	LastRunAt          time.Time `json:"last_run_at"`
	NextRunAt          time.Time `json:"next_run_at"`
	RepliesThisSession int       `json:"replies_this_session"`
	SessionStartedAt   time.Time `json:"session_started_at"`
}

// schedule tracks one periodic task's timing state. The run loop is the only
// writer of NextRunAt; sessions update the rest.
type schedule struct {
	name     string
	interval time.Duration

	mu    sync.Mutex
	state ScheduleState
}

func newSchedule(name string, interval time.Duration) *schedule {
	return &schedule{
		name:     name,
		interval: interval,
		state:    ScheduleState{Name: name},
	}
}

// beginSession marks a new cycle: the per-session reply count resets.
func (s *schedule) beginSession() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastRunAt = now
	s.state.SessionStartedAt = now
	s.state.RepliesThisSession = 0
}

func (s *schedule) noteReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RepliesThisSession++
}

func (s *schedule) sessionReplies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RepliesThisSession
}

func (s *schedule) setNextRun(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.NextRunAt = t
}

func (s *schedule) snapshot() ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// restore seeds timing state saved by a previous process, so a restart
// resumes the schedule instead of resetting it.
func (s *schedule) restore(lastRun, nextRun time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastRunAt = lastRun
	s.state.NextRunAt = nextRun
}

// jitterFor spreads timer fires by up to a tenth of the interval so periodic
// work does not align across deployments or with other timers.
func jitterFor(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(interval)/10 + 1))
}

// RunBrowseLoop runs the periodic browse schedule until ctx is canceled.
func (g *Governor) RunBrowseLoop(ctx context.Context) {
	g.runLoop(ctx, g.browseSched, browseInitialDelay, func(ctx context.Context) {
		g.BrowseOnce(ctx)
	})
}

// RunPostLoop runs the periodic proactive-post schedule until ctx is
// canceled.
func (g *Governor) RunPostLoop(ctx context.Context) {
	g.runLoop(ctx, g.postSched, postInitialDelay, func(ctx context.Context) {
		g.PostOnce(ctx)
	})
}

func (g *Governor) runLoop(ctx context.Context, s *schedule, initial time.Duration, cycle func(context.Context)) {
	if s.interval <= 0 {
		g.logger.Info("schedule disabled", "schedule", s.name)
		return
	}

	delay := initial + jitterFor(initial)
	if next := s.snapshot().NextRunAt; !next.IsZero() {
		// resume a persisted schedule; an overdue cycle runs after the
		// normal startup delay rather than immediately
		if until := time.Until(next); until > delay {
			delay = until
		}
	}
	s.setNextRun(time.Now().Add(delay))
	g.logger.Info("schedule armed", "schedule", s.name, "interval", s.interval, "firstRun", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			cycle(ctx)
			d := s.interval + jitterFor(s.interval)
			s.setNextRun(time.Now().Add(d))
			timer.Reset(d)
		}
	}
}

// ScheduleStates returns snapshots of both schedules, browse first.
func (g *Governor) ScheduleStates() []ScheduleState {
	return []ScheduleState{g.browseSched.snapshot(), g.postSched.snapshot()}
}

// RestoreSchedule seeds a schedule's timing from persisted state. Unknown
// names are ignored.
func (g *Governor) RestoreSchedule(name string, lastRun, nextRun time.Time) {
	switch name {
	case g.browseSched.name:
		g.browseSched.restore(lastRun, nextRun)
	case g.postSched.name:
		g.postSched.restore(lastRun, nextRun)
	}
}
