package governor

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/astrbook/bridge/forum"
	"github.com/astrbook/bridge/memstore"
)

// browseDedupKey suppresses repeat browse replies into the same thread. The
// key is thread-scoped, separate from the reply-scoped notification keys.
func browseDedupKey(threadID int64) string {
	return "thread:" + strconv.FormatInt(threadID, 10)
}

// BrowseOnce runs one browse session: list threads in a random allowed
// category, skip recently-touched threads, and let the generator pick at
// most RepliesPerSession threads to answer. Forced triggers call this
// directly; the periodic loop calls it on its timer.
func (g *Governor) BrowseOnce(ctx context.Context) {
	s := g.browseSched
	s.beginSession()

	category := pickCategory(g.config.BrowseCategories)
	g.logger.Info("browse session starting", "category", category)

	listing, err := g.client.BrowseThreads(ctx, 1, g.config.BrowsePageSize, category)
	if err != nil {
		g.noteError(err)
		browseSessionsCounter.WithLabelValues("error").Inc()
		g.appendMemory(memstore.Record{
			Type:    memstore.ActivityBrowse,
			Tags:    []string{"failed"},
			Content: fmt.Sprintf("tried to browse %s threads but the listing failed: %v", categoryLabel(category), err),
		})
		return
	}

	skip := g.memory.RecentThreadIDs(g.config.SkipWindow)

	// the listing holds at most a page of threads, so a generator that keeps
	// picking without replying runs out of attempts after one page's worth
	for picks := 0; picks < g.config.BrowsePageSize && s.sessionReplies() < g.config.RepliesPerSession; picks++ {
		pick, err := g.gen.PickThread(ctx, &PickRequest{
			Listing:       forum.Truncate(listing, 3500),
			SkipThreadIDs: skip,
		})
		if err != nil {
			g.noteError(err)
			g.logger.Warn("thread pick failed", "err", err)
			break
		}
		g.addDiary(pick.Diary)
		if pick.Action != PickActionReply || pick.ThreadID == 0 {
			break
		}
		if containsID(skip, pick.ThreadID) {
			// generator ignored the skip list; do not reward it
			break
		}
		skip = append(skip, pick.ThreadID)
		g.browseReply(ctx, pick.ThreadID, pick.ThreadTitle)
	}

	browseSessionsCounter.WithLabelValues("ok").Inc()
	g.appendMemory(memstore.Record{
		Type:    memstore.ActivityBrowse,
		Content: fmt.Sprintf("browsed %s threads, made %d reply attempt(s)", categoryLabel(category), s.sessionReplies()),
	})
}

// browseReply reads one picked thread and, if the generator and policy agree,
// replies to it. Dedup is checked before any budget and the budget is charged
// only when the publish attempt is made, same as the notification path.
func (g *Governor) browseReply(ctx context.Context, threadID int64, title string) {
	key := browseDedupKey(threadID)

	suppressed, err := g.dedup.ShouldSuppress(ctx, key)
	if err != nil {
		g.logger.Warn("dedup lookup failed", "key", key, "err", err)
	}
	if suppressed {
		g.countDrop(dropDuplicate)
		return
	}
	if !g.ledger.Peek(ScopeReplyMinute) {
		g.countDrop(dropRateLimited)
		return
	}

	text, err := g.client.ReadThread(ctx, threadID, 1)
	if err != nil {
		g.noteError(err)
		g.appendMemory(memstore.Record{
			Type:     memstore.ActivityBrowse,
			ThreadID: threadID,
			Tags:     []string{"failed"},
			Content:  fmt.Sprintf("wanted to read thread %d but failed: %v", threadID, err),
		})
		return
	}

	draft, err := g.gen.ReplyToThread(ctx, &ThreadReplyRequest{
		ThreadID:    threadID,
		ThreadTitle: title,
		ThreadText:  forum.Truncate(text, 3500),
	})
	if err != nil {
		g.noteError(err)
		repliesCounter.WithLabelValues("error").Inc()
		g.appendMemory(memstore.Record{
			Type:     memstore.ActivityReply,
			ThreadID: threadID,
			Tags:     []string{"failed"},
			Content:  fmt.Sprintf("wanted to reply in thread %d but generation failed: %v", threadID, err),
		})
		return
	}
	g.addDiary(draft.Diary)

	content := forum.Sanitize(draft.Content, g.sanitizeOpts())
	if !draft.ShouldReply || content == "" {
		repliesCounter.WithLabelValues("declined").Inc()
		g.appendMemory(memstore.Record{
			Type:     memstore.ActivityBrowse,
			ThreadID: threadID,
			Tags:     []string{"declined"},
			Content:  fmt.Sprintf("read thread %d (%s) and chose not to reply", threadID, title),
		})
		return
	}

	// this counts against the session cap whether or not the publish lands
	g.browseSched.noteReply()
	if err := g.dedup.MarkActed(ctx, key); err != nil {
		g.logger.Warn("marking dedup failed", "key", key, "err", err)
	}
	if !g.ledger.TryConsume(ScopeReplyMinute) {
		g.countDrop(dropRateLimited)
		g.appendMemory(memstore.Record{
			Type:     memstore.ActivityReply,
			ThreadID: threadID,
			Tags:     []string{"rate_limited"},
			Content:  fmt.Sprintf("wanted to reply in thread %d but the reply budget is exhausted", threadID),
		})
		return
	}

	published, err := g.client.ReplyThread(ctx, threadID, content)
	if err != nil {
		g.noteError(err)
		repliesCounter.WithLabelValues("error").Inc()
		g.appendMemory(memstore.Record{
			Type:     memstore.ActivityReply,
			ThreadID: threadID,
			Tags:     []string{"failed"},
			Content:  fmt.Sprintf("tried to reply in thread %d but failed: %v", threadID, err),
		})
		return
	}

	repliesCounter.WithLabelValues("published").Inc()
	rec := memstore.Record{
		Type:     memstore.ActivityReply,
		ThreadID: threadID,
		Content:  fmt.Sprintf("replied in thread %d (%s): %s", threadID, title, forum.Truncate(content, 60)),
	}
	if published != nil {
		rec.ReplyID = published.ID
	}
	g.appendMemory(rec)
}

func pickCategory(allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}
	return allowed[rand.Intn(len(allowed))]
}

func categoryLabel(category string) string {
	if category == "" {
		return "all"
	}
	return category
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
