package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/durlabhjain/sql-browser/pkg/repositories"
)

// RetentionConfig controls the periodic history maintenance job.
type RetentionConfig struct {
	// Days is the retention window for terminal records.
	Days int
	// Schedule is a cron expression.
	Schedule string
	// StaleRunningAfter is the age past which an orphaned running record is
	// marked as error. Must exceed the longest role timeout with margin.
	StaleRunningAfter time.Duration
}

// RetentionService periodically purges terminal history records past the
// retention window and sweeps running records orphaned by a process crash.
// It runs outside the broker; the broker never reconciles history inline.
type RetentionService struct {
	history repositories.HistoryRepository
	cfg     RetentionConfig
	cron    *cron.Cron
	logger  *zap.Logger
}

// NewRetentionService creates the maintenance job. Start schedules it.
func NewRetentionService(history repositories.HistoryRepository, cfg RetentionConfig, logger *zap.Logger) *RetentionService {
	if cfg.Days <= 0 {
		cfg.Days = 90
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}
	if cfg.StaleRunningAfter <= 0 {
		cfg.StaleRunningAfter = 10 * time.Minute
	}
	return &RetentionService{
		history: history,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  logger,
	}
}

// Start schedules the maintenance job and begins running it.
func (s *RetentionService) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("history retention scheduled",
		zap.String("schedule", s.cfg.Schedule),
		zap.Int("retention_days", s.cfg.Days),
	)
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (s *RetentionService) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs one maintenance pass: sweep stale running records, then
// purge terminal records past the retention window.
func (s *RetentionService) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	swept, err := s.history.MarkStaleRunning(ctx, time.Now().Add(-s.cfg.StaleRunningAfter))
	if err != nil {
		s.logger.Error("stale running sweep failed", zap.Error(err))
	} else if swept > 0 {
		s.logger.Warn("marked orphaned running records as error", zap.Int64("count", swept))
	}

	cutoff := time.Now().AddDate(0, 0, -s.cfg.Days)
	purged, err := s.history.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("history purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("purged history records past retention",
			zap.Int64("count", purged),
			zap.Time("cutoff", cutoff),
		)
	}
}
