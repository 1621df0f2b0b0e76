// Package scheduler runs the background maintenance tasks of the relay:
// pruning the session history database and logging periodic usage stats.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/config"
	"github.com/beacon-project/beacon/internal/db"
	"github.com/beacon-project/beacon/internal/events"
	"github.com/beacon-project/beacon/internal/relay"
)

const (
	pruneInterval = 1 * time.Hour
	statsInterval = 15 * time.Minute
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	history *db.History   // nil when history is disabled
	listing *relay.Listing
}

// NewScheduler creates a task scheduler. history may be nil.
func NewScheduler(cfg *config.Config, history *db.History, listing *relay.Listing) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		history: history,
		listing: listing,
	}
}

// Start runs all scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.history != nil {
		go s.runPruneLoop(ctx)
	}
	go s.runStatsLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runPruneLoop deletes history rows past the retention window, once at
// startup and hourly thereafter.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	s.pruneHistory()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneHistory()
		}
	}
}

func (s *Scheduler) pruneHistory() {
	retentionDays := s.cfg.GetApplication().History.RetentionDays
	if retentionDays <= 0 {
		return
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	removed, err := s.history.Prune(retention)
	if err != nil {
		log.Warn().Err(err).Msg("history prune failed")
		return
	}
	log.Debug().
		Int64("removed", removed).
		Int("retention_days", retentionDays).
		Msg("history prune completed")
}

// runStatsLoop logs a usage summary at a fixed interval.
func (s *Scheduler) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Scheduler) logStats() {
	rooms, conns := s.listing.Counts()
	players := 0
	for _, room := range s.listing.Rooms() {
		players += room.Players
	}

	entry := log.Info().
		Int("public_rooms", rooms).
		Int("connections", conns).
		Int("players", players)

	if s.history != nil {
		if counts, err := s.history.CountByType(); err == nil {
			entry = entry.Int64("rooms_created_total", counts[string(events.EventRoomCreated)])
		}
	}
	entry.Msg("usage stats")
}
