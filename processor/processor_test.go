package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dao-chain-indexer/database"
	"dao-chain-indexer/queue"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, *queue.Dispatcher) {
	t.Helper()
	db := database.ConnectTestDB(t)
	return db, queue.NewDispatcher(db, time.Millisecond, 3)
}

func createResult(t *testing.T, db *gorm.DB, method string, files ...database.EvidenceFile) *database.VerificationResult {
	t.Helper()
	result := &database.VerificationResult{
		ProjectID: 42,
		Method:    method,
		Status:    database.VerificationStatusPending,
		Evidence:  files,
	}
	require.NoError(t, db.Create(result).Error)
	return result
}

func evidenceJob(t *testing.T, result *database.VerificationResult) *queue.Job {
	t.Helper()
	ids := make([]uint64, len(result.Evidence))
	for i, f := range result.Evidence {
		ids[i] = f.ID
	}
	payload, err := json.Marshal(EvidencePayload{
		VerificationResultID: result.ID,
		EvidenceFileIDs:      ids,
	})
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Queue: queue.QueueEvidence, Payload: payload}
}

func verificationJob(t *testing.T, resultID uint64) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(VerificationPayload{VerificationResultID: resultID})
	require.NoError(t, err)
	return &queue.Job{ID: "job-2", Queue: queue.QueueVerification, Payload: payload}
}

func TestEvidenceProcessingRecordsPerFileOutcomes(t *testing.T) {
	db, dispatcher := setup(t)
	p := NewEvidenceProcessor(db, dispatcher)

	result := createResult(t, db, "satellite",
		database.EvidenceFile{FileName: "good.pdf", URI: "s3://bucket/good.pdf", SizeBytes: 1024},
		database.EvidenceFile{FileName: "empty.pdf", URI: "s3://bucket/empty.pdf", SizeBytes: 0},
	)

	// a file failing validation is a recorded fact, not a job failure
	require.NoError(t, p.Handle(context.Background(), evidenceJob(t, result)))

	var files []database.EvidenceFile
	require.NoError(t, db.Where("verification_result_id = ?", result.ID).Order("id").Find(&files).Error)
	require.Len(t, files, 2)

	require.True(t, files[0].Processed)
	require.True(t, files[0].Verified)
	require.Empty(t, files[0].ProcessingError)

	require.True(t, files[1].Processed)
	require.False(t, files[1].Verified)
	require.NotEmpty(t, files[1].ProcessingError)
}

func TestEvidenceCompletionEnqueuesVerification(t *testing.T) {
	db, dispatcher := setup(t)
	p := NewEvidenceProcessor(db, dispatcher)

	result := createResult(t, db, "satellite",
		database.EvidenceFile{FileName: "a.pdf", URI: "s3://a", SizeBytes: 10},
	)
	require.NoError(t, p.Handle(context.Background(), evidenceJob(t, result)))

	var jobs []database.QueueJob
	require.NoError(t, db.Where("queue = ?", queue.QueueVerification).Find(&jobs).Error)
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].RunAt.After(time.Now()), "verification runs after a settle delay")
}

func TestVerificationWaitsForUnprocessedEvidence(t *testing.T) {
	db, dispatcher := setup(t)
	p := NewVerificationProcessor(db, dispatcher, false)

	result := createResult(t, db, "satellite",
		database.EvidenceFile{FileName: "a.pdf", URI: "s3://a", SizeBytes: 10, Processed: true, Verified: true},
		database.EvidenceFile{FileName: "b.pdf", URI: "s3://b", SizeBytes: 10}, // not processed yet
	)

	err := p.Handle(context.Background(), verificationJob(t, result.ID))
	require.ErrorIs(t, err, ErrEvidenceNotReady)

	// the outcome must not have been computed
	var stored database.VerificationResult
	require.NoError(t, db.First(&stored, result.ID).Error)
	require.Equal(t, database.VerificationStatusPending, stored.Status)
	require.Zero(t, stored.ConfidenceScore)
}

func TestVerificationWithoutEvidenceWaits(t *testing.T) {
	db, dispatcher := setup(t)
	p := NewVerificationProcessor(db, dispatcher, false)

	result := createResult(t, db, "satellite")
	err := p.Handle(context.Background(), verificationJob(t, result.ID))
	require.ErrorIs(t, err, ErrEvidenceNotReady)
}

func TestVerificationPassesMethodThreshold(t *testing.T) {
	db, dispatcher := setup(t)
	p := NewVerificationProcessor(db, dispatcher, false)

	// 2 of 3 verified = 0.67: below satellite's 0.8, above field-audit's 0.6
	files := func() []database.EvidenceFile {
		return []database.EvidenceFile{
			{FileName: "a", URI: "s3://a", SizeBytes: 1, Processed: true, Verified: true},
			{FileName: "b", URI: "s3://b", SizeBytes: 1, Processed: true, Verified: true},
			{FileName: "c", URI: "s3://c", SizeBytes: 1, Processed: true, Verified: false},
		}
	}

	satellite := createResult(t, db, "satellite", files()...)
	require.NoError(t, p.Handle(context.Background(), verificationJob(t, satellite.ID)))

	var stored database.VerificationResult
	require.NoError(t, db.First(&stored, satellite.ID).Error)
	require.Equal(t, database.VerificationStatusFailed, stored.Status)
	require.InDelta(t, 0.667, stored.ConfidenceScore, 0.01)

	audit := createResult(t, db, "field-audit", files()...)
	require.NoError(t, p.Handle(context.Background(), verificationJob(t, audit.ID)))

	stored = database.VerificationResult{}
	require.NoError(t, db.First(&stored, audit.ID).Error)
	require.Equal(t, database.VerificationStatusVerified, stored.Status)
}

func TestVerificationIsIdempotentOnceSettled(t *testing.T) {
	db, dispatcher := setup(t)
	p := NewVerificationProcessor(db, dispatcher, true)

	result := createResult(t, db, "field-audit",
		database.EvidenceFile{FileName: "a", URI: "s3://a", SizeBytes: 1, Processed: true, Verified: true},
	)

	ctx := context.Background()
	require.NoError(t, p.Handle(ctx, verificationJob(t, result.ID)))
	require.NoError(t, p.Handle(ctx, verificationJob(t, result.ID)))

	// only the first settlement notified
	var count int64
	require.NoError(t, db.Model(&database.QueueJob{}).
		Where("queue = ?", queue.QueueWebhooks).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestVerifiedResultEnqueuesWebhook(t *testing.T) {
	db, dispatcher := setup(t)
	p := NewVerificationProcessor(db, dispatcher, true)

	result := createResult(t, db, "field-audit",
		database.EvidenceFile{FileName: "a", URI: "s3://a", SizeBytes: 1, Processed: true, Verified: true},
	)
	require.NoError(t, p.Handle(context.Background(), verificationJob(t, result.ID)))

	var job database.QueueJob
	require.NoError(t, db.Where("queue = ?", queue.QueueWebhooks).First(&job).Error)

	var event WebhookEvent
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &event))
	require.Equal(t, "verification.verified", event.Event)
	require.Equal(t, result.ID, event.VerificationResultID)
	require.Equal(t, uint64(42), event.ProjectID)
}
