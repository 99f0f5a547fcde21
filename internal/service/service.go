package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/docbatch/internal/config"
	"github.com/MimeLyc/docbatch/pkg/icron"
	"github.com/MimeLyc/docbatch/pkg/log"
)

// jobEngine is the part of the engine that maintenance and runtime
// settings touch.
type jobEngine interface {
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
	SetMaxConcurrentJobs(n int)
	SetMaxRetries(n int)
}

// MaintenanceService runs the retention sweep on a cron schedule and
// applies runtime settings to a running engine.
type MaintenanceService struct {
	cron   *cron.Cron
	engine jobEngine
	now    func() time.Time

	mu        sync.Mutex
	ctx       context.Context
	cfg       config.Config
	cronExpr  string
	entryID   cron.EntryID
	scheduled bool
	lastSweep *time.Time
}

func NewMaintenanceService(
	cfg config.Config,
	cron *cron.Cron,
	engine jobEngine,
) *MaintenanceService {
	return &MaintenanceService{
		cfg:      cfg,
		cronExpr: cfg.Cleanup.Cron,
		cron:     cron,
		engine:   engine,
		now:      time.Now,
	}
}

// Schedule registers the cleanup sweep. It does not start the cron engine.
func (s *MaintenanceService) Schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	if err := s.scheduleLocked(); err != nil {
		return err
	}
	if info, err := icron.GetTriggerInfo(s.cronExpr, s.now()); err == nil {
		log.Info("Cleanup scheduled with %q, next sweep in %s", s.cronExpr, info.TimeUntilNext.Round(time.Second))
	}
	return nil
}

func (s *MaintenanceService) scheduleLocked() error {
	id, err := s.cron.AddFunc(s.cronExpr, func() {
		if _, err := s.RunOnce(s.context()); err != nil {
			log.Error("Cleanup sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", s.cronExpr, err)
	}
	s.entryID = id
	s.scheduled = true
	return nil
}

func (s *MaintenanceService) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// RunOnce deletes finished jobs older than the retention window.
func (s *MaintenanceService) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	retention := s.cfg.Cleanup.Retention()
	s.mu.Unlock()
	if retention <= 0 {
		return 0, nil
	}

	n, err := s.engine.Cleanup(ctx, retention)
	if err != nil {
		return n, err
	}

	now := s.now()
	s.mu.Lock()
	s.lastSweep = &now
	s.mu.Unlock()
	if n > 0 {
		log.Info("Cleanup removed %d jobs older than %d days", n, int(retention/(24*time.Hour)))
	}
	return n, nil
}

// NextCleanup is nil when retention is disabled.
func (s *MaintenanceService) NextCleanup() *time.Time {
	s.mu.Lock()
	expr := s.cronExpr
	retention := s.cfg.Cleanup.Retention()
	s.mu.Unlock()
	if retention <= 0 {
		return nil
	}
	next, err := icron.Next(expr, s.now())
	if err != nil {
		return nil
	}
	return &next
}

// LastSweep is nil until a sweep has completed.
func (s *MaintenanceService) LastSweep() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSweep == nil {
		return nil
	}
	t := *s.lastSweep
	return &t
}

func (s *MaintenanceService) ApplyRuntimeSettings(next config.RuntimeSettings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduled && next.CleanupCron != s.cronExpr {
		s.cron.Remove(s.entryID)
		prev := s.cronExpr
		s.cronExpr = next.CleanupCron
		if err := s.scheduleLocked(); err != nil {
			s.cronExpr = prev
			if restoreErr := s.scheduleLocked(); restoreErr != nil {
				log.Error("Failed to restore cleanup schedule %q: %v", prev, restoreErr)
			}
			return err
		}
		log.Info("Cleanup rescheduled to %q", next.CleanupCron)
	}
	s.cronExpr = next.CleanupCron

	updated := config.WithRuntimeSettings(next)
	updated(&s.cfg)
	s.engine.SetMaxConcurrentJobs(next.MaxConcurrentJobs)
	s.engine.SetMaxRetries(next.MaxRetries)
	log.Info("Applied runtime settings: %+v", next)
	return nil
}
