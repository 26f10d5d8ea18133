package governor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/astrbook/bridge/forum"
	"github.com/astrbook/bridge/memstore"
)

type PostStatus string

const (
	PostStatusPosted  PostStatus = "posted"
	PostStatusSkipped PostStatus = "skipped"
	PostStatusError   PostStatus = "error"
)

// PostResult reports one proactive-post cycle's outcome. Skips are normal
// (probability miss, rate budget, dry run); errors are collaborator failures.
type PostResult struct {
	Status   PostStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	ThreadID int64      `json:"thread_id,omitempty"`
}

// Bounds the forum enforces on new threads.
const (
	postTitleMinChars   = 2
	postTitleMaxChars   = 100
	postContentMinChars = 20
)

// PostOnce runs one proactive-post cycle: draw probability, gather source
// material, draft a thread, validate it, and publish unless dry-run. The
// hour, day, and min-interval budgets are consumed together or not at all.
func (g *Governor) PostOnce(ctx context.Context) PostResult {
	g.postSched.beginSession()
	res := g.postOnce(ctx)
	postCyclesCounter.WithLabelValues(string(res.Status)).Inc()
	g.logger.Info("post cycle finished", "status", res.Status, "reason", res.Reason, "threadID", res.ThreadID)
	return res
}

func (g *Governor) postOnce(ctx context.Context) PostResult {
	if !g.config.PostingEnabled {
		return PostResult{Status: PostStatusSkipped, Reason: "posting disabled"}
	}
	if g.randFloat() > g.config.PostProbability {
		return PostResult{Status: PostStatusSkipped, Reason: "probability miss"}
	}

	source, err := g.source.GatherSource(ctx)
	if err != nil {
		return PostResult{Status: PostStatusSkipped, Reason: fmt.Sprintf("no source material: %v", err)}
	}

	draft, err := g.gen.ComposePost(ctx, &PostRequest{
		SourceText: forum.Truncate(source, 3500),
		MemoryHint: g.memoryHint(),
		Categories: g.postCategories(),
	})
	if err != nil {
		g.noteError(err)
		g.appendMemory(memstore.Record{
			Type:    memstore.ActivityPost,
			Tags:    []string{"failed"},
			Content: fmt.Sprintf("wanted to write a post but generation failed: %v", err),
		})
		return PostResult{Status: PostStatusError, Reason: err.Error()}
	}
	if !draft.ShouldPost {
		reason := draft.Reason
		if reason == "" {
			reason = "generator declined"
		}
		return PostResult{Status: PostStatusSkipped, Reason: reason}
	}

	title := strings.TrimSpace(draft.Title)
	content := forum.Sanitize(draft.Content, g.sanitizeOpts())
	content = forum.Truncate(content, g.config.PostMaxChars)
	category := draft.Category
	if reason := g.validatePost(title, content, category); reason != "" {
		return PostResult{Status: PostStatusSkipped, Reason: reason}
	}

	hash := postContentHash(title, content)
	if g.recentlyPosted(hash) {
		return PostResult{Status: PostStatusSkipped, Reason: "duplicate of a recent post"}
	}

	if !g.ledger.TryConsume(ScopePostHour, ScopePostDay, ScopePostInterval) {
		g.appendMemory(memstore.Record{
			Type:    memstore.ActivityPost,
			Tags:    []string{"rate_limited"},
			Content: fmt.Sprintf("wanted to post %q but the posting budget is exhausted", title),
		})
		return PostResult{Status: PostStatusSkipped, Reason: "rate limited"}
	}

	if g.config.DryRun {
		g.rememberPost(hash)
		g.appendMemory(memstore.Record{
			Type:    memstore.ActivityPost,
			Tags:    []string{"dry_run"},
			Content: fmt.Sprintf("[dry run] would post %q to %s: %s", title, category, forum.Truncate(content, 120)),
		})
		return PostResult{Status: PostStatusSkipped, Reason: "dry run"}
	}

	thread, err := g.client.CreateThread(ctx, title, content, category)
	if err != nil {
		g.noteError(err)
		g.appendMemory(memstore.Record{
			Type:    memstore.ActivityPost,
			Tags:    []string{"failed"},
			Content: fmt.Sprintf("tried to post %q but failed: %v", title, err),
		})
		return PostResult{Status: PostStatusError, Reason: err.Error()}
	}

	g.rememberPost(hash)
	rec := memstore.Record{
		Type:    memstore.ActivityPost,
		Content: fmt.Sprintf("posted %q to %s: %s", title, category, forum.Truncate(content, 120)),
	}
	if thread != nil {
		rec.ThreadID = thread.ID
	}
	g.appendMemory(rec)
	return PostResult{Status: PostStatusPosted, ThreadID: rec.ThreadID}
}

func (g *Governor) postCategories() []string {
	if len(g.config.PostCategories) > 0 {
		return g.config.PostCategories
	}
	return forum.Categories
}

// validatePost returns a skip reason for drafts the forum (or our own
// policy) would reject, empty when the draft is publishable.
func (g *Governor) validatePost(title, content, category string) string {
	titleLen := utf8.RuneCountInString(title)
	if titleLen < postTitleMinChars || titleLen > postTitleMaxChars {
		return fmt.Sprintf("title length %d outside %d-%d", titleLen, postTitleMinChars, postTitleMaxChars)
	}
	if utf8.RuneCountInString(content) < postContentMinChars {
		return "content too short"
	}
	if !forum.ValidCategory(category) {
		return fmt.Sprintf("invalid category %q", category)
	}
	for _, allowed := range g.postCategories() {
		if allowed == category {
			return ""
		}
	}
	return fmt.Sprintf("category %q not allowed", category)
}

func postContentHash(title, content string) string {
	sum := sha256.Sum256([]byte(title + "\n" + content))
	return hex.EncodeToString(sum[:8])
}

// recentlyPosted reports whether the same draft was published (or dry-run
// published) within the post dedup window, pruning expired hashes as it goes.
func (g *Governor) recentlyPosted(hash string) bool {
	window := g.config.PostDedupWindow
	if window <= 0 {
		return false
	}
	cutoff := time.Now().Add(-window)

	g.mu.Lock()
	defer g.mu.Unlock()
	for h, at := range g.recentPosts {
		if at.Before(cutoff) {
			delete(g.recentPosts, h)
		}
	}
	_, ok := g.recentPosts[hash]
	return ok
}

func (g *Governor) rememberPost(hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recentPosts[hash] = time.Now()
}
