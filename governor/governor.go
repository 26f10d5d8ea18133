// Package governor decides what the bridge actually does on the forum: it
// screens incoming notification events against policy (feature flag, kind
// allow-list, dedup, probability, rate budget), and owns the scheduled
// browse and proactive-post cycles. All forum writes in the bridge flow
// through this package.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/astrbook/bridge/dedup"
	"github.com/astrbook/bridge/events"
	"github.com/astrbook/bridge/forum"
	"github.com/astrbook/bridge/memstore"
	"github.com/astrbook/bridge/ratelimit"
)

// Rate ledger scope names. Replies consume the per-minute scope; proactive
// posts consume the hour, day, and min-interval scopes together.
const (
	ScopeReplyMinute  = "reply_minute"
	ScopePostHour     = "post_hour"
	ScopePostDay      = "post_day"
	ScopePostInterval = "post_interval"
)

type Config struct {
	// realtime auto-reply
	AutoReply        bool
	ReplyKinds       []string
	ReplyProbability float64
	RepliesPerMinute int64
	DedupWindow      time.Duration

	// scheduled browsing
	BrowseInterval    time.Duration
	BrowseCategories  []string
	BrowsePageSize    int
	SkipWindow        time.Duration
	RepliesPerSession int

	// proactive posting
	PostingEnabled  bool
	PostInterval    time.Duration
	PostProbability float64
	PostsPerHour    int64
	PostsPerDay     int64
	PostMinInterval time.Duration
	PostCategories  []string
	PostMaxChars    int
	PostDedupWindow time.Duration
	DryRun          bool

	// outbound-text scrubbing
	AllowURLs     bool
	AllowMentions bool
}

// DefaultConfig returns the stock policy: conservative reply and post
// budgets that a deployment tunes up, not down.
func DefaultConfig() Config {
	return Config{
		AutoReply:        true,
		ReplyKinds:       []string{"reply", "sub_reply", "mention"},
		ReplyProbability: 0.3,
		RepliesPerMinute: 3,
		DedupWindow:      time.Hour,

		BrowseInterval:    time.Hour,
		BrowsePageSize:    10,
		SkipWindow:        24 * time.Hour,
		RepliesPerSession: 1,

		PostInterval:    6 * time.Hour,
		PostProbability: 0.2,
		PostsPerHour:    1,
		PostsPerDay:     1,
		PostMinInterval: time.Hour,
		PostMaxChars:    1200,
		PostDedupWindow: 24 * time.Hour,
	}
}

// Scopes expands the configured budgets into rate ledger scopes.
func (c Config) Scopes() []ratelimit.ScopeConfig {
	return []ratelimit.ScopeConfig{
		{Name: ScopeReplyMinute, Window: time.Minute, Limit: c.RepliesPerMinute},
		{Name: ScopePostHour, Window: time.Hour, Limit: c.PostsPerHour},
		{Name: ScopePostDay, Window: 24 * time.Hour, Limit: c.PostsPerDay},
		{Name: ScopePostInterval, Window: c.PostMinInterval, Limit: 1},
	}
}

// Governor owns policy state. Construct with NewGovernor; all fields are
// internal afterwards and every method is safe for concurrent use.
type Governor struct {
	config Config
	logger *slog.Logger

	client *forum.Client
	memory *memstore.Store
	dedup  dedup.Cache
	ledger *ratelimit.Ledger
	gen    Generator
	source SourceProvider

	// randFloat is the probability draw, replaceable in tests.
	randFloat func() float64

	browseSched *schedule
	postSched   *schedule

	mu          sync.Mutex
	botUserID   int64
	lastError   string
	recentPosts map[string]time.Time // content hash -> publish time
	drops       map[string]int64     // policy drop counts by reason
}

func NewGovernor(config Config, client *forum.Client, memory *memstore.Store, dc dedup.Cache, ledger *ratelimit.Ledger, gen Generator, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	if gen == nil {
		gen = DeclineGenerator{}
	}
	g := &Governor{
		config:      config,
		logger:      logger.With("system", "governor"),
		client:      client,
		memory:      memory,
		dedup:       dc,
		ledger:      ledger,
		gen:         gen,
		randFloat:   rand.Float64,
		recentPosts: make(map[string]time.Time),
		drops:       make(map[string]int64),
	}
	g.source = &MemorySource{Memory: memory}
	g.browseSched = newSchedule("browse", config.BrowseInterval)
	g.postSched = newSchedule("post", config.PostInterval)
	return g
}

// SetSource replaces the default memory-backed source material provider.
func (g *Governor) SetSource(src SourceProvider) {
	if src != nil {
		g.source = src
	}
}

// SetBotUserID records the bridge's own forum identity, used to ignore
// notifications the bot caused itself.
func (g *Governor) SetBotUserID(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.botUserID = id
}

func (g *Governor) BotUserID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.botUserID
}

func (g *Governor) noteError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastError = err.Error()
}

// countDrop feeds both the metrics counter and the status surface.
func (g *Governor) countDrop(reason string) {
	eventsDroppedCounter.WithLabelValues(reason).Inc()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drops[reason]++
}

// Drop reasons, in policy order.
const (
	dropDisabled     = "disabled"
	dropKindFiltered = "kind_filtered"
	dropSelf         = "self"
	dropDuplicate    = "duplicate"
	dropProbability  = "probability"
	dropRateLimited  = "rate_limited"
)

// HandleEvent is the entry point for decoded stream events; the sequential
// scheduler invokes it in arrival order. Policy rejections are terminal for
// the event and never an error.
func (g *Governor) HandleEvent(ctx context.Context, evt *events.Event) error {
	eventsHandledCounter.WithLabelValues(string(evt.Kind)).Inc()

	g.recordNotification(evt)

	if evt.Kind == events.KindNewThread {
		// observed for context only, never auto-replied
		return nil
	}

	if reason := g.screen(ctx, evt); reason != "" {
		g.countDrop(reason)
		g.logger.Debug("dropping event", "kind", evt.Kind, "key", evt.DedupKey(), "reason", reason)
		if reason == dropRateLimited {
			g.recordRateLimited(evt)
		}
		return nil
	}

	// Accepted. Suppress redeliveries before the slow work starts.
	if err := g.dedup.MarkActed(ctx, evt.DedupKey()); err != nil {
		g.logger.Warn("marking dedup failed", "key", evt.DedupKey(), "err", err)
	}

	g.replyToEvent(ctx, evt)
	return nil
}

// screen runs the cheap policy checks in order and returns the first drop
// reason, or empty for acceptance. Nothing here charges budget or writes
// state.
func (g *Governor) screen(ctx context.Context, evt *events.Event) string {
	if !g.config.AutoReply {
		return dropDisabled
	}
	if !kindAllowed(g.config.ReplyKinds, evt.Kind) {
		return dropKindFiltered
	}
	if bot := g.BotUserID(); bot != 0 && evt.FromUserID == bot {
		return dropSelf
	}
	suppressed, err := g.dedup.ShouldSuppress(ctx, evt.DedupKey())
	if err != nil {
		g.logger.Warn("dedup lookup failed", "key", evt.DedupKey(), "err", err)
	}
	if suppressed {
		return dropDuplicate
	}
	if g.randFloat() > g.config.ReplyProbability {
		return dropProbability
	}
	if !g.ledger.Peek(ScopeReplyMinute) {
		return dropRateLimited
	}
	return ""
}

func kindAllowed(kinds []string, k events.Kind) bool {
	for _, allowed := range kinds {
		if allowed == string(k) {
			return true
		}
	}
	return false
}

// replyToEvent runs the accepted-event pipeline: fetch context, generate,
// publish, record. Collaborator failures become memory records, never
// errors.
func (g *Governor) replyToEvent(ctx context.Context, evt *events.Event) {
	threadText := ""
	if evt.ThreadID != 0 {
		text, err := g.client.ReadThread(ctx, evt.ThreadID, 1)
		if err != nil {
			// context fetch is best-effort; reply from the preview alone
			g.noteError(err)
			g.logger.Warn("fetching thread context failed", "threadID", evt.ThreadID, "err", err)
		} else {
			threadText = text
		}
	}

	draft, err := g.gen.ReplyToNotification(ctx, &ReplyRequest{
		Kind:        string(evt.Kind),
		ThreadID:    evt.ThreadID,
		ReplyID:     evt.ReplyID,
		ThreadTitle: evt.ThreadTitle,
		FromUser:    evt.FromUser,
		Preview:     forum.Truncate(evt.Content, 800),
		ThreadText:  forum.Truncate(threadText, 3500),
	})
	if err != nil {
		g.noteError(err)
		repliesCounter.WithLabelValues("error").Inc()
		g.appendMemory(memstore.Record{
			Type:     memstore.ActivityReply,
			ThreadID: evt.ThreadID,
			ReplyID:  evt.ReplyID,
			Tags:     []string{"failed"},
			Content:  fmt.Sprintf("wanted to reply to @%s in thread %d but generation failed: %v", evt.FromUser, evt.ThreadID, err),
		})
		return
	}

	g.addDiary(draft.Diary)

	content := forum.Sanitize(draft.Content, g.sanitizeOpts())
	if !draft.ShouldReply || content == "" {
		repliesCounter.WithLabelValues("declined").Inc()
		g.appendMemory(memstore.Record{
			Type:     memstore.ActivityReply,
			ThreadID: evt.ThreadID,
			ReplyID:  evt.ReplyID,
			Tags:     []string{"declined"},
			Content:  fmt.Sprintf("chose not to reply to @%s (%s, thread %d)", evt.FromUser, evt.Kind, evt.ThreadID),
		})
		return
	}

	// The committing budget check rides with the publish attempt, so
	// generation-only failures never consume it.
	if !g.ledger.TryConsume(ScopeReplyMinute) {
		g.countDrop(dropRateLimited)
		g.recordRateLimited(evt)
		return
	}

	g.publishReply(ctx, evt, content)
}

func (g *Governor) publishReply(ctx context.Context, evt *events.Event, content string) {
	var published *forum.Reply
	var err error
	if evt.ReplyID != 0 {
		published, err = g.client.ReplyFloor(ctx, evt.ReplyID, content)
	} else {
		published, err = g.client.ReplyThread(ctx, evt.ThreadID, content)
	}
	if err != nil {
		g.noteError(err)
		repliesCounter.WithLabelValues("error").Inc()
		g.appendMemory(memstore.Record{
			Type:     memstore.ActivityReply,
			ThreadID: evt.ThreadID,
			ReplyID:  evt.ReplyID,
			Tags:     []string{"failed"},
			Content:  fmt.Sprintf("tried to reply to @%s in thread %d but failed: %v", evt.FromUser, evt.ThreadID, err),
		})
		return
	}

	repliesCounter.WithLabelValues("published").Inc()
	rec := memstore.Record{
		Type:     memstore.ActivityReply,
		ThreadID: evt.ThreadID,
		Content:  fmt.Sprintf("replied to @%s in thread %d: %s", evt.FromUser, evt.ThreadID, forum.Truncate(content, 60)),
	}
	if published != nil {
		rec.ReplyID = published.ID
	}
	g.appendMemory(rec)
}

// recordNotification logs every well-formed event to memory before policy
// runs, so the bot remembers activity it chose not to act on.
func (g *Governor) recordNotification(evt *events.Event) {
	var content string
	switch evt.Kind {
	case events.KindMention:
		content = fmt.Sprintf("@%s mentioned me in thread %d (%s): %s", evt.FromUser, evt.ThreadID, evt.ThreadTitle, forum.Truncate(evt.Content, 120))
	case events.KindReply, events.KindSubReply:
		content = fmt.Sprintf("@%s replied to me in thread %d (%s): %s", evt.FromUser, evt.ThreadID, evt.ThreadTitle, forum.Truncate(evt.Content, 120))
	case events.KindNewThread:
		content = fmt.Sprintf("new thread %d published: %s", evt.ThreadID, evt.ThreadTitle)
	default:
		return
	}
	g.appendMemory(memstore.Record{
		Type:      memstore.ActivityNotification,
		Timestamp: evt.ReceivedAt,
		ThreadID:  evt.ThreadID,
		ReplyID:   evt.ReplyID,
		Tags:      []string{string(evt.Kind)},
		Content:   content,
	})
}

func (g *Governor) recordRateLimited(evt *events.Event) {
	g.appendMemory(memstore.Record{
		Type:     memstore.ActivityReply,
		ThreadID: evt.ThreadID,
		ReplyID:  evt.ReplyID,
		Tags:     []string{"rate_limited"},
		Content:  fmt.Sprintf("wanted to reply to @%s in thread %d but the reply budget is exhausted", evt.FromUser, evt.ThreadID),
	})
}

// appendMemory writes a record, downgrading persistence failures to a log
// line; the triggering action is never rolled back.
func (g *Governor) appendMemory(rec memstore.Record) {
	if err := g.memory.Append(rec); err != nil {
		g.logger.Error("persisting memory record failed", "type", rec.Type, "err", err)
	}
}

func (g *Governor) addDiary(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	g.appendMemory(memstore.Record{Type: memstore.ActivityDiary, Content: text})
}

func (g *Governor) sanitizeOpts() forum.SanitizeOpts {
	return forum.SanitizeOpts{
		AllowURLs:     g.config.AllowURLs,
		AllowMentions: g.config.AllowMentions,
	}
}
