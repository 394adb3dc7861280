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

// ErrEvidenceNotReady marks a verification attempted before all evidence is
// processed. The job fails retryable - the queue's backoff is how
// verification waits for evidence without blocking a worker.
var ErrEvidenceNotReady = errors.New("evidence files not yet processed")

const defaultConfidenceThreshold = 0.7

// Per-method confidence thresholds; anything unlisted uses the default.
var methodThresholds = map[string]float64{
	"satellite":   0.8,
	"field-audit": 0.6,
}

type VerificationPayload struct {
	VerificationResultID uint64 `json:"verificationResultId"`
}

type WebhookEvent struct {
	Event                string  `json:"event"`
	VerificationResultID uint64  `json:"verificationResultId,omitempty"`
	ProjectID            uint64  `json:"projectId,omitempty"`
	ConfidenceScore      float64 `json:"confidenceScore,omitempty"`
	Timestamp            int64   `json:"timestamp"`
}

type VerificationProcessor struct {
	db          *gorm.DB
	queue       *queue.Dispatcher
	notifyHooks bool
}

func NewVerificationProcessor(db *gorm.DB, dispatcher *queue.Dispatcher, notifyHooks bool) *VerificationProcessor {
	return &VerificationProcessor{db: db, queue: dispatcher, notifyHooks: notifyHooks}
}

// Handle computes the verification outcome for one result. Preconditions:
// every owned evidence file must be processed, otherwise the job is
// requeued. On unexpected errors the result is marked FAILED with a note and
// the error is re-raised for the queue's bounded retry.
func (p *VerificationProcessor) Handle(ctx context.Context, job *queue.Job) error {
	var payload VerificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrap(err, "verification: invalid payload")
	}

	result, err := database.FetchVerificationResult(p.db.WithContext(ctx), payload.VerificationResultID)
	if err != nil {
		return errors.Wrapf(err, "verification: load result %d", payload.VerificationResultID)
	}

	if result.Status != database.VerificationStatusPending {
		logger.Debug("verification result %d already settled (%s)", result.ID, result.Status)
		return nil
	}

	if len(result.Evidence) == 0 {
		return ErrEvidenceNotReady
	}
	for _, file := range result.Evidence {
		if !file.Processed {
			return ErrEvidenceNotReady
		}
	}

	score := confidenceScore(result.Evidence)
	verified := score >= thresholdFor(result.Method)

	status := database.VerificationStatusFailed
	if verified {
		status = database.VerificationStatusVerified
	}

	err = p.db.WithContext(ctx).Model(&database.VerificationResult{}).
		Where("id = ?", result.ID).
		Updates(map[string]interface{}{
			"status":           status,
			"confidence_score": score,
		}).Error
	if err != nil {
		p.markFailed(ctx, result.ID, err)
		return errors.Wrapf(err, "verification: persist result %d", result.ID)
	}

	logger.Info("verification result %d settled: %s (score %.2f, method %s)",
		result.ID, status, score, result.Method)

	if verified && p.notifyHooks {
		_, err := p.queue.Enqueue(ctx, queue.QueueWebhooks, WebhookEvent{
			Event:                "verification.verified",
			VerificationResultID: result.ID,
			ProjectID:            result.ProjectID,
			ConfidenceScore:      score,
			Timestamp:            time.Now().Unix(),
		}, queue.Opts{})
		if err != nil {
			// notification is best-effort; the verification itself stands
			logger.Error("verification result %d: webhook enqueue failed: %s", result.ID, err)
		}
	}

	return nil
}

func (p *VerificationProcessor) markFailed(ctx context.Context, id uint64, cause error) {
	err := p.db.WithContext(ctx).Model(&database.VerificationResult{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": database.VerificationStatusFailed,
			"notes":  "verification error: " + cause.Error(),
		}).Error
	if err != nil {
		logger.Error("verification result %d: failed to record failure: %s", id, err)
	}
}

// confidenceScore is the fraction of evidence files that passed validation.
func confidenceScore(files []database.EvidenceFile) float64 {
	verified := 0
	for _, f := range files {
		if f.Verified {
			verified++
		}
	}
	return float64(verified) / float64(len(files))
}

func thresholdFor(method string) float64 {
	if t, ok := methodThresholds[method]; ok {
		return t
	}
	return defaultConfidenceThreshold
}
