package governor

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/astrbook/bridge/dedup"
	"github.com/astrbook/bridge/events"
	"github.com/astrbook/bridge/forum"
	"github.com/astrbook/bridge/memstore"
	"github.com/astrbook/bridge/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// forumCalls counts the write endpoints hit on the fake forum.
type forumCalls struct {
	mu             sync.Mutex
	threadReplies  int
	subReplies     int
	threadsCreated int
}

func (c *forumCalls) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadReplies, c.subReplies, c.threadsCreated
}

func testForum(t *testing.T) (*forumCalls, *forum.Client) {
	t.Helper()
	calls := &forumCalls{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/threads", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#101 a thread about caching\n#102 another thread\n#103 third\n#104 fourth\n#105 fifth\n"))
	})
	mux.HandleFunc("GET /api/threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("thread body text"))
	})
	mux.HandleFunc("POST /api/threads", func(w http.ResponseWriter, r *http.Request) {
		calls.mu.Lock()
		calls.threadsCreated++
		calls.mu.Unlock()
		w.Write([]byte(`{"id":900}`))
	})
	mux.HandleFunc("POST /api/threads/{id}/replies", func(w http.ResponseWriter, r *http.Request) {
		calls.mu.Lock()
		calls.threadReplies++
		calls.mu.Unlock()
		w.Write([]byte(`{"id":500}`))
	})
	mux.HandleFunc("POST /api/replies/{id}/sub_replies", func(w http.ResponseWriter, r *http.Request) {
		calls.mu.Lock()
		calls.subReplies++
		calls.mu.Unlock()
		w.Write([]byte(`{"id":600}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := forum.NewClient(srv.URL, "test-token")
	c.Client = srv.Client()
	return calls, c
}

// fakeGen returns scripted drafts and counts calls.
type fakeGen struct {
	mu          sync.Mutex
	replyDraft  ReplyDraft
	pickQueue   []PickDraft
	threadDraft ReplyDraft
	postDraft   PostDraft

	replyCalls   int
	pickCalls    int
	composeCalls int
}

func (f *fakeGen) ReplyToNotification(ctx context.Context, req *ReplyRequest) (*ReplyDraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyCalls++
	d := f.replyDraft
	return &d, nil
}

func (f *fakeGen) PickThread(ctx context.Context, req *PickRequest) (*PickDraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pickCalls++
	if len(f.pickQueue) == 0 {
		return &PickDraft{Action: "none"}, nil
	}
	d := f.pickQueue[0]
	f.pickQueue = f.pickQueue[1:]
	return &d, nil
}

func (f *fakeGen) ReplyToThread(ctx context.Context, req *ThreadReplyRequest) (*ReplyDraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.threadDraft
	return &d, nil
}

func (f *fakeGen) ComposePost(ctx context.Context, req *PostRequest) (*PostDraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.composeCalls++
	d := f.postDraft
	return &d, nil
}

func newTestGovernor(t *testing.T, cfg Config, gen Generator) (*Governor, *forumCalls) {
	t.Helper()
	calls, client := testForum(t)
	logger := testLogger(t)

	mem, err := memstore.NewStore(filepath.Join(t.TempDir(), "memory.json"), 200, logger)
	require.NoError(t, err)

	window := cfg.DedupWindow
	if window <= 0 {
		window = time.Minute
	}
	ledger, err := ratelimit.NewLedger(cfg.Scopes()...)
	require.NoError(t, err)

	g := NewGovernor(cfg, client, mem, dedup.NewMemCache(100, window), ledger, gen, logger)
	return g, calls
}

func taggedRecords(g *Governor, typ memstore.ActivityType, tag string) []memstore.Record {
	var out []memstore.Record
	for _, rec := range g.memory.Recall(0, typ) {
		for _, have := range rec.Tags {
			if have == tag {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

// Two mentions for the same reply arrive close together, then a third for a
// different reply while the per-minute budget is spent: exactly one publish,
// and the third drop is recorded as rate-limited.
func TestHandleEventDedupAndRateCap(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.ReplyKinds = []string{"mention"}
	cfg.ReplyProbability = 1.0
	cfg.DedupWindow = time.Minute
	cfg.RepliesPerMinute = 1

	gen := &fakeGen{replyDraft: ReplyDraft{ShouldReply: true, Content: "sure, happy to help"}}
	g, calls := newTestGovernor(t, cfg, gen)

	first := &events.Event{Kind: events.KindMention, ThreadID: 101, ReplyID: 7, FromUserID: 2, FromUser: "alice"}
	assert.NoError(g.HandleEvent(ctx, first))

	// redelivery of the same reply inside the window
	second := &events.Event{Kind: events.KindMention, ThreadID: 101, ReplyID: 7, FromUserID: 2, FromUser: "alice"}
	assert.NoError(g.HandleEvent(ctx, second))

	_, subReplies, _ := calls.counts()
	assert.Equal(1, subReplies)
	assert.Equal(1, gen.replyCalls)

	// a different reply while the minute budget is spent
	third := &events.Event{Kind: events.KindMention, ThreadID: 102, ReplyID: 8, FromUserID: 3, FromUser: "bob"}
	assert.NoError(g.HandleEvent(ctx, third))

	_, subReplies, _ = calls.counts()
	assert.Equal(1, subReplies)
	assert.Len(taggedRecords(g, memstore.ActivityReply, "rate_limited"), 1)
}

func TestHandleEventKindFilterAndSelfAvoid(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.ReplyKinds = []string{"mention"}
	cfg.ReplyProbability = 1.0

	gen := &fakeGen{replyDraft: ReplyDraft{ShouldReply: true, Content: "hello there"}}
	g, calls := newTestGovernor(t, cfg, gen)
	g.SetBotUserID(42)

	// reply kind is not in the allow-list
	assert.NoError(g.HandleEvent(ctx, &events.Event{Kind: events.KindReply, ThreadID: 1, ReplyID: 11, FromUserID: 2}))
	// the bot's own activity echoed back
	assert.NoError(g.HandleEvent(ctx, &events.Event{Kind: events.KindMention, ThreadID: 1, ReplyID: 12, FromUserID: 42}))
	// new threads are observed, never answered
	assert.NoError(g.HandleEvent(ctx, &events.Event{Kind: events.KindNewThread, ThreadID: 2}))

	replies, subReplies, _ := calls.counts()
	assert.Zero(replies)
	assert.Zero(subReplies)
	assert.Zero(gen.replyCalls)

	// the activity is still remembered
	assert.NotEmpty(g.memory.Recall(0, memstore.ActivityNotification))
}

// A probability miss must not mark dedup: the same event seen again with a
// winning draw still gets its one reply.
func TestProbabilityMissDoesNotMarkDedup(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.ReplyKinds = []string{"mention"}
	cfg.ReplyProbability = 0.5

	gen := &fakeGen{replyDraft: ReplyDraft{ShouldReply: true, Content: "took a second look"}}
	g, calls := newTestGovernor(t, cfg, gen)

	evt := &events.Event{Kind: events.KindMention, ThreadID: 5, ReplyID: 9, FromUserID: 2, FromUser: "alice"}

	g.randFloat = func() float64 { return 0.9 } // miss
	assert.NoError(g.HandleEvent(ctx, evt))
	_, subReplies, _ := calls.counts()
	assert.Zero(subReplies)

	g.randFloat = func() float64 { return 0.1 } // hit
	assert.NoError(g.HandleEvent(ctx, evt))
	_, subReplies, _ = calls.counts()
	assert.Equal(1, subReplies)
}

func TestHandleEventGeneratorDeclines(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.ReplyProbability = 1.0

	g, calls := newTestGovernor(t, cfg, &fakeGen{replyDraft: ReplyDraft{ShouldReply: false}})

	assert.NoError(g.HandleEvent(ctx, &events.Event{Kind: events.KindMention, ThreadID: 3, ReplyID: 4, FromUserID: 2}))

	_, subReplies, _ := calls.counts()
	assert.Zero(subReplies)
	assert.Len(taggedRecords(g, memstore.ActivityReply, "declined"), 1)

	// a decline still consumed the dedup slot for this notification
	suppressed, err := g.dedup.ShouldSuppress(ctx, "mention:4")
	assert.NoError(err)
	assert.True(suppressed)
}

func TestBrowseSessionCapAndReset(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.RepliesPerSession = 1
	cfg.BrowseCategories = []string{"tech"}

	gen := &fakeGen{
		pickQueue: []PickDraft{
			{Action: PickActionReply, ThreadID: 101, ThreadTitle: "a thread about caching"},
			{Action: PickActionReply, ThreadID: 102, ThreadTitle: "another thread"},
			{Action: PickActionReply, ThreadID: 103},
			{Action: PickActionReply, ThreadID: 104},
			{Action: PickActionReply, ThreadID: 105},
		},
		threadDraft: ReplyDraft{ShouldReply: true, Content: "interesting thread, one thought"},
	}
	g, calls := newTestGovernor(t, cfg, gen)

	g.BrowseOnce(ctx)

	replies, _, _ := calls.counts()
	assert.Equal(1, replies)
	assert.Equal(1, g.browseSched.snapshot().RepliesThisSession)

	// the next session starts from zero
	gen.mu.Lock()
	gen.pickQueue = nil
	gen.mu.Unlock()
	g.BrowseOnce(ctx)
	assert.Equal(0, g.browseSched.snapshot().RepliesThisSession)

	// only the one reply in total
	replies, _, _ = calls.counts()
	assert.Equal(1, replies)
}

func TestBrowseSkipsRecentlyTouchedThreads(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.RepliesPerSession = 3
	cfg.SkipWindow = 24 * time.Hour

	gen := &fakeGen{
		pickQueue:   []PickDraft{{Action: PickActionReply, ThreadID: 101}},
		threadDraft: ReplyDraft{ShouldReply: true, Content: "a perfectly fine reply"},
	}
	g, calls := newTestGovernor(t, cfg, gen)

	// the bot already touched thread 101 recently
	require.NoError(t, g.memory.Append(memstore.Record{Type: memstore.ActivityReply, ThreadID: 101, Content: "replied earlier"}))

	g.BrowseOnce(ctx)

	replies, _, _ := calls.counts()
	assert.Zero(replies)
	assert.Equal(0, g.browseSched.snapshot().RepliesThisSession)
}

// A generator that keeps picking fresh threads but declines every draft must
// not keep the session alive past one page of picks.
func TestBrowseSessionBoundsPickAttempts(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.RepliesPerSession = 1
	cfg.BrowsePageSize = 10

	var picks []PickDraft
	for id := int64(201); id <= 230; id++ {
		picks = append(picks, PickDraft{Action: PickActionReply, ThreadID: id})
	}
	gen := &fakeGen{
		pickQueue:   picks,
		threadDraft: ReplyDraft{ShouldReply: false},
	}
	g, calls := newTestGovernor(t, cfg, gen)

	g.BrowseOnce(ctx)

	replies, _, _ := calls.counts()
	assert.Zero(replies)
	gen.mu.Lock()
	pickCalls := gen.pickCalls
	gen.mu.Unlock()
	assert.Equal(cfg.BrowsePageSize, pickCalls)
	assert.Len(taggedRecords(g, memstore.ActivityBrowse, "declined"), cfg.BrowsePageSize)
}

func TestForceTriggerLeavesNextRunAlone(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	g, _ := newTestGovernor(t, DefaultConfig(), &fakeGen{})

	next := time.Now().Add(time.Hour)
	g.browseSched.setNextRun(next)

	g.BrowseOnce(ctx)

	assert.Equal(next, g.browseSched.snapshot().NextRunAt)
}

func TestPostDryRunNeverPublishes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.PostingEnabled = true
	cfg.DryRun = true
	cfg.PostProbability = 1.0

	gen := &fakeGen{postDraft: PostDraft{
		ShouldPost: true,
		Category:   "tech",
		Title:      "thoughts on sliding windows",
		Content:    "a long enough body about rate limiting and sliding windows in practice",
	}}
	g, calls := newTestGovernor(t, cfg, gen)
	require.NoError(t, g.memory.Append(memstore.Record{Type: memstore.ActivityDiary, Content: "saw some threads today"}))

	res := g.PostOnce(ctx)
	assert.Equal(PostStatusSkipped, res.Status)
	assert.Equal("dry run", res.Reason)

	_, _, created := calls.counts()
	assert.Zero(created)
	assert.Len(taggedRecords(g, memstore.ActivityPost, "dry_run"), 1)
}

func TestPostPublishAndDuplicateSuppression(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.PostingEnabled = true
	cfg.PostProbability = 1.0
	cfg.PostsPerHour = 5
	cfg.PostsPerDay = 5
	cfg.PostMinInterval = time.Millisecond

	gen := &fakeGen{postDraft: PostDraft{
		ShouldPost: true,
		Category:   "tech",
		Title:      "thoughts on sliding windows",
		Content:    "a long enough body about rate limiting and sliding windows in practice",
	}}
	g, calls := newTestGovernor(t, cfg, gen)
	require.NoError(t, g.memory.Append(memstore.Record{Type: memstore.ActivityDiary, Content: "saw some threads today"}))

	res := g.PostOnce(ctx)
	assert.Equal(PostStatusPosted, res.Status)
	assert.Equal(int64(900), res.ThreadID)

	// identical draft inside the dedup window is not published again
	time.Sleep(5 * time.Millisecond)
	res = g.PostOnce(ctx)
	assert.Equal(PostStatusSkipped, res.Status)
	assert.Equal("duplicate of a recent post", res.Reason)

	_, _, created := calls.counts()
	assert.Equal(1, created)
}

func TestPostValidationAndBudget(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.PostingEnabled = true
	cfg.PostProbability = 1.0

	gen := &fakeGen{postDraft: PostDraft{ShouldPost: true, Category: "tech", Title: "x", Content: "too short"}}
	g, calls := newTestGovernor(t, cfg, gen)
	require.NoError(t, g.memory.Append(memstore.Record{Type: memstore.ActivityDiary, Content: "saw some threads today"}))

	res := g.PostOnce(ctx)
	assert.Equal(PostStatusSkipped, res.Status)
	assert.Contains(res.Reason, "title length")

	gen.mu.Lock()
	gen.postDraft = PostDraft{ShouldPost: true, Category: "nope", Title: "a valid title", Content: "a long enough body that passes the minimum content length check"}
	gen.mu.Unlock()
	res = g.PostOnce(ctx)
	assert.Equal(PostStatusSkipped, res.Status)
	assert.Contains(res.Reason, "category")

	// nothing above reached the forum or charged the posting budget
	_, _, created := calls.counts()
	assert.Zero(created)
	assert.True(g.ledger.Peek(ScopePostHour, ScopePostDay, ScopePostInterval))
}

func TestPostSkipsWhenDisabledOrUnlucky(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	g, _ := newTestGovernor(t, cfg, &fakeGen{})

	res := g.PostOnce(ctx)
	assert.Equal(PostStatusSkipped, res.Status)
	assert.Equal("posting disabled", res.Reason)

	cfg.PostingEnabled = true
	cfg.PostProbability = 0.25
	g2, _ := newTestGovernor(t, cfg, &fakeGen{})
	g2.randFloat = func() float64 { return 0.9 }
	res = g2.PostOnce(ctx)
	assert.Equal(PostStatusSkipped, res.Status)
	assert.Equal("probability miss", res.Reason)
}
