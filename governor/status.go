package governor

// Status is the governor's slice of the operator status surface; the daemon
// merges it with the stream manager's connection snapshot.
type Status struct {
	BotUserID      int64            `json:"bot_user_id,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	MemoryRecords  int              `json:"memory_records"`
	AutoReply      bool             `json:"auto_reply"`
	PostingEnabled bool             `json:"posting_enabled"`
	DryRun         bool             `json:"dry_run"`
	Drops          map[string]int64 `json:"drops,omitempty"`
	Schedules      []ScheduleState  `json:"schedules"`
}

func (g *Governor) Status() Status {
	g.mu.Lock()
	botUserID := g.botUserID
	lastError := g.lastError
	drops := make(map[string]int64, len(g.drops))
	for reason, n := range g.drops {
		drops[reason] = n
	}
	g.mu.Unlock()

	return Status{
		BotUserID:      botUserID,
		LastError:      lastError,
		MemoryRecords:  g.memory.Count(),
		AutoReply:      g.config.AutoReply,
		PostingEnabled: g.config.PostingEnabled,
		DryRun:         g.config.DryRun,
		Drops:          drops,
		Schedules:      g.ScheduleStates(),
	}
}
