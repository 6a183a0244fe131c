// Package cleanup periodically enforces data retention: archiving old
// completed projects and purging stale events rows past their TTL.
// Adapted from the teacher's pkg/cleanup: same ticker-loop shape
// (runAll-once-at-start, then on interval), generalized from
// session/event retention to project/event retention.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/event"
	"github.com/kivo360/omoios/ent/project"
)

// Config controls retention windows and sweep cadence.
type Config struct {
	ProjectArchiveAfter time.Duration
	EventTTL            time.Duration
	CleanupInterval     time.Duration
}

// DefaultConfig returns the built-in cleanup defaults.
func DefaultConfig() Config {
	return Config{
		ProjectArchiveAfter: 30 * 24 * time.Hour,
		EventTTL:            7 * 24 * time.Hour,
		CleanupInterval:     1 * time.Hour,
	}
}

// Service is the background retention sweeper.
type Service struct {
	client *ent.Client
	cfg    Config
	log    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup Service.
func NewService(client *ent.Client, cfg Config) *Service {
	return &Service{client: client, cfg: cfg, log: slog.With("component", "cleanup")}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.log.Info("cleanup service started",
		"project_archive_after", s.cfg.ProjectArchiveAfter,
		"event_ttl", s.cfg.EventTTL,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.archiveOldProjects(ctx)
	s.purgeExpiredEvents(ctx)
}

func (s *Service) archiveOldProjects(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ProjectArchiveAfter)
	n, err := s.client.Project.Update().
		Where(project.ArchivedAtIsNil(), project.CreatedAtLT(cutoff)).
		SetArchivedAt(time.Now()).
		Save(ctx)
	if err != nil {
		s.log.Error("archive old projects failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("archived old projects", "count", n)
	}
}

func (s *Service) purgeExpiredEvents(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.EventTTL)
	n, err := s.client.Event.Delete().
		Where(event.PublishedAtLT(cutoff)).
		Exec(ctx)
	if err != nil {
		s.log.Error("purge expired events failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("purged expired events", "count", n)
	}
}
