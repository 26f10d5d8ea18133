package memstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, maxItems int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.json")
	s, err := NewStore(path, maxItems, nil)
	require.NoError(t, err)
	return s, path
}

func TestStoreAppendRecall(t *testing.T) {
	assert := assert.New(t)
	s, path := testStore(t, 10)

	assert.NoError(s.Append(Record{Type: ActivityReply, ThreadID: 1, ReplyID: 11, Content: "first"}))
	assert.NoError(s.Append(Record{Type: ActivityBrowse, ThreadID: 2, Content: "second"}))
	assert.NoError(s.Append(Record{Type: ActivityReply, ThreadID: 3, ReplyID: 33, Content: "third"}))

	recs := s.Recall(0)
	assert.Len(recs, 3)
	assert.Equal("third", recs[0].Content)
	assert.Equal("first", recs[2].Content)

	// type filter and limit
	replies := s.Recall(1, ActivityReply)
	assert.Len(replies, 1)
	assert.Equal("third", replies[0].Content)

	// records survive a reopen
	s2, err := NewStore(path, 10, nil)
	assert.NoError(err)
	assert.Equal(3, s2.Count())
	assert.Equal("third", s2.Recall(1)[0].Content)
}

func TestStoreRecallIdempotent(t *testing.T) {
	assert := assert.New(t)
	s, _ := testStore(t, 10)

	for i := 0; i < 5; i++ {
		assert.NoError(s.Append(Record{Type: ActivityPost, Content: fmt.Sprintf("post %d", i)}))
	}
	first := s.Recall(3)
	second := s.Recall(3)
	assert.Equal(first, second)
}

func TestStoreCapEviction(t *testing.T) {
	assert := assert.New(t)
	s, path := testStore(t, 3)

	for i := 0; i < 5; i++ {
		assert.NoError(s.Append(Record{Type: ActivityReply, Content: fmt.Sprintf("rec %d", i)}))
	}
	assert.Equal(3, s.Count())

	recs := s.Recall(0)
	assert.Equal("rec 4", recs[0].Content)
	assert.Equal("rec 2", recs[2].Content)

	// the persisted file is capped too
	s2, err := NewStore(path, 3, nil)
	assert.NoError(err)
	assert.Equal(3, s2.Count())
}

func TestStoreCorruptFileResets(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "memory.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s, err := NewStore(path, 10, nil)
	assert.NoError(err)
	assert.Equal(0, s.Count())

	assert.NoError(s.Append(Record{Type: ActivityNotification, Content: "fresh"}))
	assert.Equal(1, s.Count())
}

func TestStoreRecentThreadIDs(t *testing.T) {
	assert := assert.New(t)
	s, _ := testStore(t, 10)

	now := time.Now()
	assert.NoError(s.Append(Record{Timestamp: now.Add(-2 * time.Hour), Type: ActivityReply, ThreadID: 9}))
	assert.NoError(s.Append(Record{Timestamp: now.Add(-10 * time.Minute), Type: ActivityReply, ThreadID: 1}))
	assert.NoError(s.Append(Record{Timestamp: now.Add(-5 * time.Minute), Type: ActivityBrowse, ThreadID: 2}))
	assert.NoError(s.Append(Record{Timestamp: now.Add(-time.Minute), Type: ActivityReply, ThreadID: 1}))

	ids := s.RecentThreadIDs(time.Hour)
	assert.Equal([]int64{1, 2}, ids)
}

// intended to be run with -race
func TestStoreConcurrentAppends(t *testing.T) {
	assert := assert.New(t)
	s, path := testStore(t, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = s.Append(Record{Type: ActivityReply, Content: fmt.Sprintf("worker %d item %d", n, j)})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(100, s.Count())

	// the file on disk is valid JSON holding every record
	s2, err := NewStore(path, 1000, nil)
	assert.NoError(err)
	assert.Equal(100, s2.Count())
}
