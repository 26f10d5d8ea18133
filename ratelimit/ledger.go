// Package ratelimit implements the shared action budget for the bridge:
// named sliding-window scopes (per-minute replies, hourly and daily post
// caps, a minimum post interval) with an all-or-nothing multi-scope consume.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// ScopeConfig names one rolling budget: at most Limit consumptions within
// any interval of length Window. A minimum-interval rule is a scope with
// Window equal to the interval and Limit 1.
type ScopeConfig struct {
	Name   string
	Window time.Duration
	Limit  int64
}

// scope tracks one budget as the exact timestamps of its live consumptions,
// oldest first. Exact tracking is what makes the guarantee hold for every
// window position, not just bucket-aligned ones; the per-scope limits here
// are small (tens per day at most), so the slice stays tiny.
type scope struct {
	window time.Duration
	limit  int64
	marks  []time.Time
}

func newScope(cfg ScopeConfig) (*scope, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("rate scope requires a name")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("rate scope %q: window must be positive", cfg.Name)
	}
	if cfg.Limit < 0 {
		return nil, fmt.Errorf("rate scope %q: negative limit", cfg.Name)
	}
	return &scope{window: cfg.Window, limit: cfg.Limit}, nil
}

// purge drops consumptions that have aged out of the window ending at now.
// A mark exactly one window old no longer counts, so a capacity-1 scope
// admits again exactly Window after the previous consumption.
func (s *scope) purge(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.marks) && !s.marks[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.marks = append(s.marks[:0], s.marks[i:]...)
	}
}

// hasRoom reports whether one more consumption fits. The scope must already
// be purged to now.
func (s *scope) hasRoom() bool {
	return int64(len(s.marks)) < s.limit
}

func (s *scope) commit(now time.Time) {
	s.marks = append(s.marks, now)
}

// Ledger answers whether an action may consume budget from one or more named
// scopes right now. A multi-scope request is all-or-nothing: either every
// scope has room and each is charged exactly once, or nothing is charged.
// Safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	scopes map[string]*scope
}

// NewLedger registers the given scopes. Scope names must be unique.
func NewLedger(cfgs ...ScopeConfig) (*Ledger, error) {
	l := &Ledger{scopes: make(map[string]*scope, len(cfgs))}
	for _, cfg := range cfgs {
		if _, ok := l.scopes[cfg.Name]; ok {
			return nil, fmt.Errorf("duplicate rate scope %q", cfg.Name)
		}
		sc, err := newScope(cfg)
		if err != nil {
			return nil, err
		}
		l.scopes[cfg.Name] = sc
	}
	return l, nil
}

// TryConsume charges one consumption to every named scope if all of them
// have remaining capacity, and charges nothing otherwise. Unknown scope
// names deny.
func (l *Ledger) TryConsume(names ...string) bool {
	return l.tryConsumeAt(time.Now(), names...)
}

func (l *Ledger) tryConsumeAt(now time.Time, names ...string) bool {
	if len(names) == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	checked := make([]*scope, 0, len(names))
	for _, name := range names {
		sc, ok := l.scopes[name]
		if !ok {
			return false
		}
		sc.purge(now)
		if !sc.hasRoom() {
			return false
		}
		checked = append(checked, sc)
	}
	for _, sc := range checked {
		sc.commit(now)
	}
	return true
}

// Peek reports whether a TryConsume with the same scopes would currently
// succeed, without charging anything. Callers screening cheap checks first
// use this; the committing check still happens at the point of action.
func (l *Ledger) Peek(names ...string) bool {
	return l.peekAt(time.Now(), names...)
}

func (l *Ledger) peekAt(now time.Time, names ...string) bool {
	if len(names) == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, name := range names {
		sc, ok := l.scopes[name]
		if !ok {
			return false
		}
		sc.purge(now)
		if !sc.hasRoom() {
			return false
		}
	}
	return true
}
