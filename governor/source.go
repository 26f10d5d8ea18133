package governor

import (
	"context"
	"fmt"
	"strings"

	"github.com/astrbook/bridge/forum"
	"github.com/astrbook/bridge/memstore"
)

// SourceProvider gathers the raw material a proactive post is drafted from.
// Deployments wired to a chat host supply their own provider; the default
// draws on the bridge's own activity log.
type SourceProvider interface {
	GatherSource(ctx context.Context) (string, error)
}

// MemorySource builds post material from recent activity records: what the
// bot saw, said, and wrote in its diary since the last post.
type MemorySource struct {
	Memory *memstore.Store
	Limit  int
}

var _ SourceProvider = (*MemorySource)(nil)

func (m *MemorySource) GatherSource(ctx context.Context) (string, error) {
	limit := m.Limit
	if limit <= 0 {
		limit = 20
	}
	records := m.Memory.Recall(limit,
		memstore.ActivityNotification,
		memstore.ActivityReply,
		memstore.ActivityBrowse,
		memstore.ActivityDiary,
	)
	if len(records) == 0 {
		return "", fmt.Errorf("no recent activity to draw from")
	}

	var b strings.Builder
	// oldest first reads as a narrative
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		fmt.Fprintf(&b, "[%s] %s: %s\n", rec.Timestamp.Format("01-02 15:04"), rec.Type, rec.Content)
	}
	return b.String(), nil
}

// memoryHint summarizes recent diary and post records for the compose call,
// so the generator avoids repeating itself.
func (g *Governor) memoryHint() string {
	records := g.memory.Recall(5, memstore.ActivityDiary, memstore.ActivityPost)
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	for _, rec := range records {
		line := strings.ReplaceAll(rec.Content, "\n", " ")
		fmt.Fprintf(&b, "- %s\n", forum.Truncate(line, 120))
	}
	return b.String()
}
