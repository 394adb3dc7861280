package integrity

import (
	"context"
	"testing"

	"dao-chain-indexer/database"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedCompletedMint(t *testing.T, db *gorm.DB, projectID uint64, amount int64, withToken bool) *database.MintRequest {
	t.Helper()

	request := &database.MintRequest{
		ProjectID: projectID,
		TokenID:   1,
		Amount:    decimal.NewFromInt(amount),
		Status:    database.MintStatusCompleted,
		TxHash:    "0xdone",
	}
	require.NoError(t, db.Create(request).Error)

	if withToken {
		require.NoError(t, db.Create(&database.IssuedToken{
			MintRequestID: request.ID,
			ProjectID:     projectID,
			TokenID:       1,
			Quantity:      decimal.NewFromInt(amount),
			Status:        database.TokenStatusIssued,
		}).Error)
	}
	return request
}

func TestCheckHealthyLedger(t *testing.T) {
	db := database.ConnectTestDB(t)
	seedCompletedMint(t, db, 1, 500, true)
	seedCompletedMint(t, db, 1, 300, true)

	report, err := NewChecker(db).Check(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Empty(t, report.Warnings)
	require.Equal(t, int64(2), report.CompletedRequests)
	require.Equal(t, int64(2), report.IssuedTokens)
	require.True(t, report.MintedTotal.Equal(decimal.NewFromInt(800)))
	require.True(t, report.IssuedTotal.Equal(report.MintedTotal))
}

func TestCheckFlagsMissingIssuedToken(t *testing.T) {
	db := database.ConnectTestDB(t)
	seedCompletedMint(t, db, 1, 500, true)
	seedCompletedMint(t, db, 1, 300, false)

	report, err := NewChecker(db).Check(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, report.Healthy)
	require.Len(t, report.Warnings, 1)
	require.Contains(t, report.Warnings[0], "no issued token record")

	require.True(t, report.MintedTotal.Equal(decimal.NewFromInt(800)))
	require.True(t, report.IssuedTotal.Equal(decimal.NewFromInt(500)))
}

func TestCheckFlagsQuantityMismatch(t *testing.T) {
	db := database.ConnectTestDB(t)
	request := seedCompletedMint(t, db, 1, 500, true)
	require.NoError(t, db.Model(&database.IssuedToken{}).
		Where("mint_request_id = ?", request.ID).
		Update("quantity", decimal.NewFromInt(400)).Error)

	report, err := NewChecker(db).Check(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, report.Healthy)
	require.Len(t, report.Warnings, 1)
	require.Contains(t, report.Warnings[0], "does not match")
}

func TestCheckScopedToProject(t *testing.T) {
	db := database.ConnectTestDB(t)
	seedCompletedMint(t, db, 1, 500, true)
	seedCompletedMint(t, db, 2, 300, false) // broken, but a different project

	report, err := NewChecker(db).Check(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Equal(t, int64(1), report.CompletedRequests)
}
