// Package processor settles evidence files and computes verification
// outcomes. Evidence processing and verification run on separate queues so
// a slow verification never blocks evidence intake.
package processor

import (
	"context"
	"encoding/json"
	"time"

	"dao-chain-indexer/database"
	"dao-chain-indexer/logger"
	"dao-chain-indexer/queue"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// verificationDelay lets the persistence layer settle reads before the
// verification job loads the freshly processed evidence rows.
const verificationDelay = 2 * time.Second

type EvidencePayload struct {
	VerificationResultID uint64   `json:"verificationResultId"`
	EvidenceFileIDs      []uint64 `json:"evidenceFileIds"`
}

type EvidenceProcessor struct {
	db    *gorm.DB
	queue *queue.Dispatcher
}

func NewEvidenceProcessor(db *gorm.DB, dispatcher *queue.Dispatcher) *EvidenceProcessor {
	return &EvidenceProcessor{db: db, queue: dispatcher}
}

// Handle validates a batch of evidence files. A file that fails validation
// is still marked processed - the failure is a recorded fact about the file,
// not a job failure. Once every file of the result is processed, a
// verification job is enqueued.
func (p *EvidenceProcessor) Handle(ctx context.Context, job *queue.Job) error {
	var payload EvidencePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrap(err, "evidence: invalid payload")
	}

	var files []database.EvidenceFile
	err := p.db.WithContext(ctx).
		Where("id IN ? AND verification_result_id = ?", payload.EvidenceFileIDs, payload.VerificationResultID).
		Find(&files).Error
	if err != nil {
		return errors.Wrap(err, "evidence: load files")
	}

	for i := range files {
		file := &files[i]
		file.Processed = true
		if verr := validateEvidence(file); verr != nil {
			file.Verified = false
			file.ProcessingError = verr.Error()
			logger.Debug("evidence file %d failed validation: %s", file.ID, verr)
		} else {
			file.Verified = true
			file.ProcessingError = ""
		}

		if err := p.db.WithContext(ctx).Save(file).Error; err != nil {
			return errors.Wrapf(err, "evidence: save file %d", file.ID)
		}
		job.SetProgress((i + 1) * 100 / len(files))
	}

	var unprocessed int64
	err = p.db.WithContext(ctx).Model(&database.EvidenceFile{}).
		Where("verification_result_id = ? AND processed = ?", payload.VerificationResultID, false).
		Count(&unprocessed).Error
	if err != nil {
		return errors.Wrap(err, "evidence: count unprocessed")
	}

	if unprocessed == 0 {
		_, err = p.queue.Enqueue(ctx, queue.QueueVerification,
			VerificationPayload{VerificationResultID: payload.VerificationResultID},
			queue.Opts{Delay: verificationDelay},
		)
		if err != nil {
			return errors.Wrap(err, "evidence: enqueue verification")
		}
		logger.Info("all evidence processed for verification result %d, verification queued",
			payload.VerificationResultID)
	}

	return nil
}

// validateEvidence confirms the uploaded artifact is actually stored and
// non-empty. Real storage backends are behind the URI.
func validateEvidence(file *database.EvidenceFile) error {
	if file.URI == "" {
		return errors.New("evidence file has no storage location")
	}
	if file.SizeBytes <= 0 {
		return errors.New("evidence file is empty")
	}
	return nil
}
