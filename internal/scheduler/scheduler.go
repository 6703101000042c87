// Package scheduler runs the fixed background sweeps on a cron cadence:
// reclaiming stale in-flight messages for every known agent inbox, and
// trimming the message audit log to its retention window.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Repository is the slice of the persistence layer the sweeps need.
type Repository interface {
	ListAgentIDs(ctx context.Context) ([]string, error)
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reaper reclaims stale in-flight messages for one agent's inbox. The
// Message Router satisfies it.
type Reaper interface {
	CleanupStaleMessages(ctx context.Context, agentID string, maxAge time.Duration) (int, error)
}

// Config names the cron specs and sweep parameters.
type Config struct {
	StaleSweepSpec   string
	RetentionSpec    string
	StaleMaxAge      time.Duration
	MessageRetention time.Duration
}

// DefaultConfig returns the default cadences: stale sweep every 30
// minutes against a 1-hour age, retention sweep hourly against a 7-day
// window.
func DefaultConfig() Config {
	return Config{
		StaleSweepSpec:   "@every 30m",
		RetentionSpec:    "@every 1h",
		StaleMaxAge:      time.Hour,
		MessageRetention: 7 * 24 * time.Hour,
	}
}

// Scheduler owns the cron runner and the two sweep jobs.
type Scheduler struct {
	cron   *cron.Cron
	repo   Repository
	reaper Reaper
	cfg    Config
}

// New constructs a Scheduler. Start must be called to begin running.
func New(repo Repository, reaper Reaper, cfg Config) *Scheduler {
	if cfg.StaleSweepSpec == "" {
		cfg.StaleSweepSpec = "@every 30m"
	}
	if cfg.RetentionSpec == "" {
		cfg.RetentionSpec = "@every 1h"
	}
	if cfg.StaleMaxAge <= 0 {
		cfg.StaleMaxAge = time.Hour
	}
	if cfg.MessageRetention <= 0 {
		cfg.MessageRetention = 7 * 24 * time.Hour
	}
	return &Scheduler{
		cron:   cron.New(),
		repo:   repo,
		reaper: reaper,
		cfg:    cfg,
	}
}

// Start registers both jobs and launches the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.StaleSweepSpec, func() {
		s.SweepStale(context.Background())
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.RetentionSpec, func() {
		s.SweepRetention(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("scheduler: started", "stale_spec", s.cfg.StaleSweepSpec, "retention_spec", s.cfg.RetentionSpec)
	return nil
}

// Stop halts the cron runner and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler: stopped")
}

// SweepStale reclaims stale in-flight messages across every known inbox.
func (s *Scheduler) SweepStale(ctx context.Context) {
	agents, err := s.repo.ListAgentIDs(ctx)
	if err != nil {
		slog.Error("scheduler: list agents failed", "error", err)
		return
	}
	total := 0
	for _, agentID := range agents {
		swept, err := s.reaper.CleanupStaleMessages(ctx, agentID, s.cfg.StaleMaxAge)
		if err != nil {
			slog.Warn("scheduler: stale sweep failed", "agent_id", agentID, "error", err)
			continue
		}
		total += swept
	}
	if total > 0 {
		slog.Info("scheduler: stale sweep complete", "agents", len(agents), "reclaimed", total)
	}
}

// SweepRetention trims message audit rows past the retention window.
func (s *Scheduler) SweepRetention(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.MessageRetention)
	deleted, err := s.repo.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		slog.Error("scheduler: retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("scheduler: retention sweep complete", "deleted", deleted)
	}
}
