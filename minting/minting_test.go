package minting

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"dao-chain-indexer/chain"
	"dao-chain-indexer/database"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeMinter is an in-memory TokenClient.
type fakeMinter struct {
	existing map[uint64]bool
	created  []uint64
	minted   int

	mintErr   func(tokenID *big.Int) error
	createErr error
}

func newFakeMinter(existing ...uint64) *fakeMinter {
	m := &fakeMinter{existing: map[uint64]bool{}}
	for _, id := range existing {
		m.existing[id] = true
	}
	return m
}

func (m *fakeMinter) ContractAddress() string {
	return "0x00000000000000000000000000000000000000cc"
}

func (m *fakeMinter) TokenExists(ctx context.Context, tokenID *big.Int) (bool, error) {
	return m.existing[tokenID.Uint64()], nil
}

func (m *fakeMinter) CreateToken(ctx context.Context, tokenID, maxSupply *big.Int) (*chain.TxOutcome, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, tokenID.Uint64())
	m.existing[tokenID.Uint64()] = true
	return &chain.TxOutcome{TxHash: "0xc0", BlockNumber: 10, GasUsed: 21000}, nil
}

func (m *fakeMinter) Mint(ctx context.Context, to common.Address, tokenID, amount *big.Int) (*chain.TxOutcome, error) {
	if m.mintErr != nil {
		if err := m.mintErr(tokenID); err != nil {
			return nil, err
		}
	}
	m.minted++
	return &chain.TxOutcome{
		TxHash:      fmt.Sprintf("0xm%d", m.minted),
		BlockNumber: 100 + uint64(m.minted),
		GasUsed:     50000,
	}, nil
}

func newTestService(t *testing.T, minter TokenClient) (*Service, *gorm.DB) {
	t.Helper()
	db := database.ConnectTestDB(t)
	svc := NewService(db, func(chainID uint64) (TokenClient, error) {
		if chainID != 1 {
			return nil, errors.Errorf("minting not supported on chain %d", chainID)
		}
		return minter, nil
	}, 1, 0)
	return svc, db
}

func createRequest(t *testing.T, db *gorm.DB, tokenID uint64, status string) *database.MintRequest {
	t.Helper()
	request := &database.MintRequest{
		ProjectID: 42,
		TokenID:   tokenID,
		Amount:    decimal.NewFromInt(1000),
		Recipient: "0x00000000000000000000000000000000000000aa",
		Status:    status,
	}
	require.NoError(t, db.Create(request).Error)
	return request
}

func auditEvents(t *testing.T, db *gorm.DB, requestID uint64) []database.MintRequestEvent {
	t.Helper()
	var events []database.MintRequestEvent
	require.NoError(t, db.Where("mint_request_id = ?", requestID).Order("id").Find(&events).Error)
	return events
}

func TestExecuteMintingSuccess(t *testing.T) {
	minter := newFakeMinter(5)
	svc, db := newTestService(t, minter)
	request := createRequest(t, db, 5, database.MintStatusApproved)

	result, err := svc.ExecuteMinting(context.Background(), request.ID, "operator")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.TxHash)

	var stored database.MintRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	require.Equal(t, database.MintStatusCompleted, stored.Status)
	require.Equal(t, result.TxHash, stored.TxHash)
	require.NotZero(t, stored.BlockNumber)
	require.NotNil(t, stored.ExecutedAt)

	events := auditEvents(t, db, request.ID)
	require.Len(t, events, 2)
	require.Equal(t, database.MintEventStarted, events[0].Type)
	require.Equal(t, database.MintEventCompleted, events[1].Type)
	require.Equal(t, "operator", events[1].PerformedBy)
	require.Equal(t, uint64(50000), events[1].GasUsed)

	token, err := database.FetchIssuedTokenByMintRequest(db, request.ID)
	require.NoError(t, err)
	require.Equal(t, database.TokenStatusIssued, token.Status)
	require.True(t, token.Quantity.Equal(decimal.NewFromInt(1000)))
	require.Equal(t, minter.ContractAddress(), token.ContractAddress)
	require.Equal(t, uint64(1), token.ChainID)
}

func TestExecuteMintingAtMostOnce(t *testing.T) {
	minter := newFakeMinter(5)
	svc, db := newTestService(t, minter)
	request := createRequest(t, db, 5, database.MintStatusApproved)

	ctx := context.Background()
	_, err := svc.ExecuteMinting(ctx, request.ID, "")
	require.NoError(t, err)
	require.Equal(t, 1, minter.minted)

	// a completed request can never be executed again
	_, err = svc.ExecuteMinting(ctx, request.ID, "")
	require.Error(t, err)
	require.Equal(t, 1, minter.minted)

	var count int64
	require.NoError(t, db.Model(&database.IssuedToken{}).
		Where("mint_request_id = ?", request.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestExecuteMintingRejectsPending(t *testing.T) {
	minter := newFakeMinter(5)
	svc, db := newTestService(t, minter)
	request := createRequest(t, db, 5, database.MintStatusPending)

	_, err := svc.ExecuteMinting(context.Background(), request.ID, "")
	require.Error(t, err)
	require.Zero(t, minter.minted)

	// the rejection must not have moved the request
	var stored database.MintRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	require.Equal(t, database.MintStatusPending, stored.Status)
	require.Empty(t, auditEvents(t, db, request.ID))
}

func TestExecuteMintingRejectsInFlight(t *testing.T) {
	minter := newFakeMinter(5)
	svc, db := newTestService(t, minter)
	request := createRequest(t, db, 5, database.MintStatusMinting)

	_, err := svc.ExecuteMinting(context.Background(), request.ID, "")
	require.Error(t, err)
	require.Zero(t, minter.minted)
}

func TestExecuteMintingFailureIsTerminal(t *testing.T) {
	minter := newFakeMinter(5)
	minter.mintErr = func(*big.Int) error { return errors.New("transaction 0xdead reverted in block 7") }
	svc, db := newTestService(t, minter)
	request := createRequest(t, db, 5, database.MintStatusApproved)

	result, err := svc.ExecuteMinting(context.Background(), request.ID, "")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "reverted")

	var stored database.MintRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	require.Equal(t, database.MintStatusFailed, stored.Status)

	events := auditEvents(t, db, request.ID)
	require.Len(t, events, 2)
	require.Equal(t, database.MintEventFailed, events[1].Type)
	require.Contains(t, events[1].Notes, "reverted")
}

func TestExecuteMintingCreatesMissingToken(t *testing.T) {
	minter := newFakeMinter() // token 5 does not exist yet
	svc, db := newTestService(t, minter)
	request := createRequest(t, db, 5, database.MintStatusApproved)

	result, err := svc.ExecuteMinting(context.Background(), request.ID, "")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []uint64{5}, minter.created)
}

func TestExecuteMintingUnsupportedChain(t *testing.T) {
	svc, db := newTestService(t, newFakeMinter(5))
	request := createRequest(t, db, 5, database.MintStatusApproved)
	require.NoError(t, db.Model(request).Update("chain_id", 999).Error)

	result, err := svc.ExecuteMinting(context.Background(), request.ID, "")
	require.NoError(t, err)
	require.False(t, result.Success)

	var stored database.MintRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	require.Equal(t, database.MintStatusFailed, stored.Status)
}

func TestProcessApprovedRequestsBatch(t *testing.T) {
	minter := newFakeMinter(1, 2, 3)
	minter.mintErr = func(tokenID *big.Int) error {
		if tokenID.Uint64() == 2 {
			return errors.New("out of gas")
		}
		return nil
	}
	svc, db := newTestService(t, minter)

	first := createRequest(t, db, 1, database.MintStatusApproved)
	createRequest(t, db, 2, database.MintStatusApproved)
	createRequest(t, db, 3, database.MintStatusApproved)
	createRequest(t, db, 4, database.MintStatusPending) // not part of the batch

	summary, err := svc.ProcessApprovedRequests(context.Background(), "batch", 0)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Processed)
	require.Equal(t, 2, summary.Successful)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 3)
	require.Equal(t, first.ID, summary.Results[0].MintRequestID, "oldest request goes first")
	require.False(t, summary.Results[1].Success)
}
