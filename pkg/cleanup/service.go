// Package cleanup implements the Invariant Cleaners: three
// independent periodic tasks — request-history retention pruning,
// health-check pruning, and audit archive rotation. Each runs once at
// startup and then on its own robfig/cron/v3 schedule, so operators can
// configure each task's cadence independently; a failure in one task is
// logged and never blocks the others.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/llmlb/gateway/pkg/store"
)

// Config holds the cron schedule and retention window for each task. An
// empty schedule string disables the periodic runs of that task; it still
// runs once at Start.
type Config struct {
	RequestHistorySchedule      string
	RequestHistoryRetentionDays int

	HealthCheckSchedule  string
	HealthCheckRetention time.Duration

	AuditArchiveSchedule string
	AuditArchiveAfter    time.Duration
}

// DefaultConfig returns the built-in cleanup schedules: request-history and
// health-check pruning run daily at 02:00, audit archival at 03:00.
func DefaultConfig() Config {
	return Config{
		RequestHistorySchedule:      "0 2 * * *",
		RequestHistoryRetentionDays: 90,
		HealthCheckSchedule:         "0 2 * * *",
		HealthCheckRetention:        30 * 24 * time.Hour,
		AuditArchiveSchedule:        "0 3 * * *",
		AuditArchiveAfter:           365 * 24 * time.Hour,
	}
}

// Service runs the three cleaner tasks on independent cron schedules.
type Service struct {
	st  *store.Store
	cfg Config
	cr  *cron.Cron
}

// NewService constructs a cleanup Service. st.HasArchive() gates whether
// the audit-archive task is scheduled at all.
func NewService(st *store.Store, cfg Config) *Service {
	return &Service{st: st, cfg: cfg, cr: cron.New()}
}

// Start runs every configured task once immediately, then schedules them
// on their cron expressions. Malformed schedules are logged and skip that
// task rather than failing startup.
func (s *Service) Start(ctx context.Context) {
	s.runAll(ctx)

	s.schedule("request-history", s.cfg.RequestHistorySchedule, func() { s.pruneRequestHistory(ctx) })
	s.schedule("health-checks", s.cfg.HealthCheckSchedule, func() { s.pruneHealthChecks(ctx) })
	if s.st.HasArchive() {
		s.schedule("audit-archive", s.cfg.AuditArchiveSchedule, func() { s.archiveAudit(ctx) })
	} else if s.cfg.AuditArchiveSchedule != "" {
		slog.Info("cleanup: audit archive task disabled, no archive pool configured")
	}

	s.cr.Start()
	slog.Info("cleanup: service started",
		"request_history_schedule", s.cfg.RequestHistorySchedule,
		"health_check_schedule", s.cfg.HealthCheckSchedule,
		"audit_archive_schedule", s.cfg.AuditArchiveSchedule)
}

func (s *Service) schedule(name, expr string, task func()) {
	if expr == "" {
		return
	}
	if _, err := s.cr.AddFunc(expr, task); err != nil {
		slog.Error("cleanup: invalid schedule, task disabled", "task", name, "schedule", expr, "error", err)
	}
}

// Stop halts the cron scheduler and waits for any in-flight task to finish.
func (s *Service) Stop() {
	stopCtx := s.cr.Stop()
	<-stopCtx.Done()
	slog.Info("cleanup: service stopped")
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneRequestHistory(ctx)
	s.pruneHealthChecks(ctx)
	if s.st.HasArchive() {
		s.archiveAudit(ctx)
	}
}

func (s *Service) pruneRequestHistory(ctx context.Context) {
	n, err := s.st.PruneRequestHistory(ctx, s.cfg.RequestHistoryRetentionDays)
	if err != nil {
		slog.Error("cleanup: request-history prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("cleanup: pruned request history", "count", n, "retention_days", s.cfg.RequestHistoryRetentionDays)
	}
}

func (s *Service) pruneHealthChecks(ctx context.Context) {
	n, err := s.st.PruneHealthChecks(ctx, s.cfg.HealthCheckRetention)
	if err != nil {
		slog.Error("cleanup: health-check prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("cleanup: pruned health checks", "count", n, "retention", s.cfg.HealthCheckRetention)
	}
}

func (s *Service) archiveAudit(ctx context.Context) {
	n, err := s.st.ArchiveAuditEntries(ctx, s.cfg.AuditArchiveAfter)
	if err != nil {
		slog.Error("cleanup: audit archive rotation failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("cleanup: rotated audit entries into archive", "count", n, "after", s.cfg.AuditArchiveAfter)
	}
}
