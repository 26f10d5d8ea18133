// Package memstore persists the bridge's activity log: a bounded, append-only
// JSON file recording every browse, post, reply, notification, and diary
// entry the bot produces. Records survive process crashes and feed both
// cross-session recall and the browse scheduler's skip-window.
package memstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxItems caps the log when no explicit limit is configured.
const DefaultMaxItems = 500

type ActivityType string

const (
	ActivityBrowse       ActivityType = "browse"
	ActivityPost         ActivityType = "post"
	ActivityReply        ActivityType = "reply"
	ActivityNotification ActivityType = "notification"
	ActivityDiary        ActivityType = "diary"
)

// Record is one activity log entry. Records are never mutated after append;
// the store's own cap enforcement is the only thing that removes them.
type Record struct {
	Timestamp time.Time    `json:"timestamp"`
	Type      ActivityType `json:"activity_type"`
	ThreadID  int64        `json:"thread_id,omitempty"`
	ReplyID   int64        `json:"reply_id,omitempty"`
	Content   string       `json:"content"`
	Tags      []string     `json:"tags,omitempty"`
}

// PersistenceError reports a failed write of the backing file. Callers log
// it and continue; the action that produced the record is never rolled back.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("memory store %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store is the append-only activity log. Safe for concurrent use; each
// append is atomic with respect to other appends and to crashes (the file is
// replaced via temp-file rename after fsync).
type Store struct {
	path     string
	maxItems int
	logger   *slog.Logger

	mu      sync.Mutex
	records []Record // insertion order, oldest first
}

// NewStore opens (or creates) the log at path. A corrupt or unreadable file
// is reset to empty rather than failing startup.
func NewStore(path string, maxItems int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("creating memory store directory: %w", err)
	}
	s := &Store{
		path:     path,
		maxItems: maxItems,
		logger:   logger.With("system", "memstore"),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading memory store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.records); err != nil {
		s.logger.Warn("memory file corrupt, resetting", "path", path, "err", err)
		s.records = nil
	}
	if len(s.records) > s.maxItems {
		s.records = append([]Record(nil), s.records[len(s.records)-s.maxItems:]...)
	}
	return s, nil
}

// Append durably writes rec. A zero Timestamp is set to now. When the log
// exceeds the configured cap the oldest records are evicted first. On write
// failure the record is kept in memory (a later successful append persists
// it) and a *PersistenceError is returned.
func (s *Store) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if len(s.records) > s.maxItems {
		s.records = append([]Record(nil), s.records[len(s.records)-s.maxItems:]...)
	}
	if err := s.persistLocked(); err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}
	return nil
}

func (s *Store) persistLocked() error {
	out, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".memory-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Recall returns up to limit records, most recent first, optionally
// restricted to the given activity types. limit <= 0 means no limit.
// Successive calls with no intervening append return identical results.
func (s *Store) Recall(limit int, types ...ActivityType) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if len(types) > 0 && !containsType(types, rec.Type) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func containsType(types []ActivityType, t ActivityType) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// Count returns the number of records currently retained.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// RecentThreadIDs returns the distinct thread ids touched within the window,
// most recent first. The browse scheduler uses this as its skip list.
func (s *Store) RecentThreadIDs(window time.Duration) []int64 {
	cutoff := time.Now().Add(-window)
	seen := make(map[int64]bool)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int64
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.Timestamp.Before(cutoff) {
			break
		}
		if rec.ThreadID == 0 || seen[rec.ThreadID] {
			continue
		}
		seen[rec.ThreadID] = true
		out = append(out, rec.ThreadID)
	}
	return out
}
