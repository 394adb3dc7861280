// Package cleanup reclaims storage from data that has aged out: stale
// pending verifications, unverified evidence, and terminal queue jobs.
// Verified evidence is never deleted.
package cleanup

import (
	"context"
	"time"

	"dao-chain-indexer/database"
	"dao-chain-indexer/logger"
	"dao-chain-indexer/queue"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

type Config struct {
	VerificationExpiry time.Duration
	EvidenceRetention  time.Duration
	JobRetention       time.Duration
}

type Sweeper struct {
	db  *gorm.DB
	cfg Config

	cron *cron.Cron
}

func NewSweeper(db *gorm.DB, cfg Config) *Sweeper {
	return &Sweeper{db: db, cfg: cfg}
}

// ExpireStaleVerifications moves verifications that sat in PENDING past the
// expiry window to EXPIRED, with a note saying why.
func (s *Sweeper) ExpireStaleVerifications(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.VerificationExpiry)

	res := s.db.WithContext(ctx).Model(&database.VerificationResult{}).
		Where("status = ? AND created_at < ?", database.VerificationStatusPending, cutoff).
		Updates(map[string]interface{}{
			"status": database.VerificationStatusExpired,
			"notes":  "expired: no evidence processed within the verification window",
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "ExpireStaleVerifications")
	}

	if res.RowsAffected > 0 {
		logger.Info("expired %d stale verification results", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// PurgeUnverifiedEvidence deletes evidence files that never passed
// verification once they age past the retention window.
func (s *Sweeper) PurgeUnverifiedEvidence(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.EvidenceRetention)

	res := s.db.WithContext(ctx).
		Where("verified = ? AND created_at < ?", false, cutoff).
		Delete(&database.EvidenceFile{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "PurgeUnverifiedEvidence")
	}

	if res.RowsAffected > 0 {
		logger.Info("purged %d unverified evidence files", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// PurgeFailedJobs deletes terminally failed queue jobs past the retention
// window. Completed jobs go with them; pending and running rows are kept.
func (s *Sweeper) PurgeFailedJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.JobRetention)

	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{database.JobStatusFailed, database.JobStatusCompleted}, cutoff).
		Delete(&database.QueueJob{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "PurgeFailedJobs")
	}

	if res.RowsAffected > 0 {
		logger.Info("purged %d terminal queue jobs", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// RunAll runs every sweep, continuing past individual failures so one broken
// sweep never starves the others.
func (s *Sweeper) RunAll(ctx context.Context) error {
	var firstErr error

	if _, err := s.ExpireStaleVerifications(ctx); err != nil {
		logger.Error("cleanup: %s", err)
		firstErr = err
	}
	if _, err := s.PurgeUnverifiedEvidence(ctx); err != nil {
		logger.Error("cleanup: %s", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if _, err := s.PurgeFailedJobs(ctx); err != nil {
		logger.Error("cleanup: %s", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Handle lets the sweeper run as a job on the cleanup queue.
func (s *Sweeper) Handle(ctx context.Context, _ *queue.Job) error {
	return s.RunAll(ctx)
}

// Schedule starts a cron-driven sweep. An empty spec disables scheduling.
func (s *Sweeper) Schedule(spec string) error {
	if spec == "" {
		logger.Info("cleanup scheduler disabled")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.RunAll(ctx); err != nil {
			logger.Error("scheduled cleanup finished with errors: %s", err)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "invalid cleanup schedule %q", spec)
	}

	c.Start()
	s.cron = c
	logger.Info("cleanup scheduled: %s", spec)
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
