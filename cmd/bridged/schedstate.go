package main

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// scheduleCursor is the persisted timing of one schedule, so a restart
// resumes browse/post cadence instead of resetting it.
type scheduleCursor struct {
	Name      string `gorm:"primaryKey"`
	LastRunAt time.Time
	NextRunAt time.Time
	UpdatedAt time.Time
}

func (s *Server) restoreSchedules() error {
	var cursors []scheduleCursor
	if err := s.db.Find(&cursors).Error; err != nil {
		return err
	}
	for _, cur := range cursors {
		s.gov.RestoreSchedule(cur.Name, cur.LastRunAt, cur.NextRunAt)
		s.logger.Info("restored schedule state", "schedule", cur.Name, "nextRun", cur.NextRunAt)
	}
	return nil
}

func (s *Server) persistSchedules() error {
	for _, state := range s.gov.ScheduleStates() {
		cur := scheduleCursor{
			Name:      state.Name,
			LastRunAt: state.LastRunAt,
			NextRunAt: state.NextRunAt,
		}
		err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_run_at", "next_run_at", "updated_at"}),
		}).Create(&cur).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// runPersistSchedules flushes schedule timing every few seconds; the final
// flush happens in Run after the schedulers stop.
func (s *Server) runPersistSchedules(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.persistSchedules(); err != nil {
				s.logger.Error("persisting schedule state failed", "err", err)
			}
		}
	}
}
