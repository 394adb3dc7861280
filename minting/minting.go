// Package minting turns approved mint requests into on-chain token
// issuance. Each request goes through a strict lifecycle with an append-only
// audit trail, and is claimed with a conditional update so two workers can
// never submit the same request twice.
package minting

import (
	"context"
	"math/big"
	"time"

	"dao-chain-indexer/chain"
	"dao-chain-indexer/database"
	"dao-chain-indexer/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxTokenSupply is used when a token id has to be created on the fly.
// Quantities are effectively unbounded; the ledger tracks actual issuance.
var maxTokenSupply = new(big.Int).Lsh(big.NewInt(1), 128)

// TokenClient is the on-chain surface the service needs. chain.TokenMinter
// satisfies it; tests substitute fakes.
type TokenClient interface {
	ContractAddress() string
	TokenExists(ctx context.Context, tokenID *big.Int) (bool, error)
	CreateToken(ctx context.Context, tokenID, maxSupply *big.Int) (*chain.TxOutcome, error)
	Mint(ctx context.Context, to common.Address, tokenID, amount *big.Int) (*chain.TxOutcome, error)
}

// MinterSource resolves the token client for a chain id. An error means the
// chain has no signing credential configured.
type MinterSource func(chainID uint64) (TokenClient, error)

type Result struct {
	MintRequestID uint64 `json:"mintRequestId"`
	Success       bool   `json:"success"`
	TxHash        string `json:"txHash,omitempty"`
	Error         string `json:"error,omitempty"`
}

type BatchSummary struct {
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

type Service struct {
	db             *gorm.DB
	minters        MinterSource
	defaultChainID uint64
	limiter        *RateLimiter
}

func NewService(db *gorm.DB, minters MinterSource, defaultChainID uint64, requestDelay time.Duration) *Service {
	return &Service{
		db:             db,
		minters:        minters,
		defaultChainID: defaultChainID,
		limiter:        NewRateLimiter(requestDelay),
	}
}

// ExecuteMinting mints one approved request on behalf of executor. Only a
// request in APPROVED can be executed; the APPROVED -> MINTING transition is
// a conditional update, so at most one execution is ever in flight per
// request. Every attempt leaves an audit event regardless of outcome.
func (s *Service) ExecuteMinting(ctx context.Context, requestID uint64, executor string) (*Result, error) {
	if executor == "" {
		executor = "system"
	}
	db := s.db.WithContext(ctx)

	request, err := database.FetchMintRequest(db, requestID)
	if err != nil {
		return nil, errors.Wrapf(err, "ExecuteMinting: load request %d", requestID)
	}

	res := db.Model(&database.MintRequest{}).
		Where("id = ? AND status = ?", requestID, database.MintStatusApproved).
		Update("status", database.MintStatusMinting)
	if res.Error != nil {
		return nil, errors.Wrapf(res.Error, "ExecuteMinting: claim request %d", requestID)
	}
	if res.RowsAffected == 0 {
		return nil, errors.Errorf("mint request %d is not approved (status %s)", requestID, request.Status)
	}

	if err := database.AppendMintRequestEvent(db, &database.MintRequestEvent{
		MintRequestID: requestID,
		Type:          database.MintEventStarted,
		PerformedBy:   executor,
	}); err != nil {
		logger.Error("mint request %d: audit event failed: %s", requestID, err)
	}

	outcome, contractAddress, err := s.submit(ctx, request)
	if err != nil {
		s.recordFailure(db, requestID, executor, err)
		return &Result{MintRequestID: requestID, Success: false, Error: err.Error()}, nil
	}

	now := time.Now()
	err = db.Model(&database.MintRequest{}).
		Where("id = ?", requestID).
		Updates(map[string]interface{}{
			"status":       database.MintStatusCompleted,
			"tx_hash":      outcome.TxHash,
			"block_number": outcome.BlockNumber,
			"executed_at":  &now,
		}).Error
	if err != nil {
		// the mint is on chain; failing to record that is fatal for the caller
		return nil, errors.Wrapf(err, "ExecuteMinting: persist completion of request %d", requestID)
	}

	if err := database.AppendMintRequestEvent(db, &database.MintRequestEvent{
		MintRequestID: requestID,
		Type:          database.MintEventCompleted,
		PerformedBy:   executor,
		TxHash:        outcome.TxHash,
		BlockNumber:   outcome.BlockNumber,
		GasUsed:       outcome.GasUsed,
	}); err != nil {
		logger.Error("mint request %d: audit event failed: %s", requestID, err)
	}

	// housekeeping only from here on - the request is COMPLETED no matter what
	s.recordIssuedToken(db, request, contractAddress, outcome)

	logger.Info("mint request %d completed in tx %s (block %d)", requestID, outcome.TxHash, outcome.BlockNumber)
	return &Result{MintRequestID: requestID, Success: true, TxHash: outcome.TxHash}, nil
}

// ProcessApprovedRequests mints approved requests oldest first, up to limit
// (zero or less means all). A failed request is recorded in the summary and
// never aborts the batch; submissions are spaced by the configured delay.
func (s *Service) ProcessApprovedRequests(ctx context.Context, executor string, limit int) (*BatchSummary, error) {
	requests, err := database.ListApprovedMintRequests(s.db.WithContext(ctx), limit)
	if err != nil {
		return nil, errors.Wrap(err, "ProcessApprovedRequests")
	}

	summary := &BatchSummary{Results: make([]Result, 0, len(requests))}
	for _, request := range requests {
		if err := s.limiter.Wait(ctx); err != nil {
			return summary, err
		}

		result, err := s.ExecuteMinting(ctx, request.ID, executor)
		if err != nil {
			result = &Result{MintRequestID: request.ID, Success: false, Error: err.Error()}
		}

		summary.Processed++
		if result.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, *result)
	}

	logger.Info("mint batch done: %d processed, %d successful, %d failed",
		summary.Processed, summary.Successful, summary.Failed)
	return summary, nil
}

// submit performs the chain side of one mint: resolve the minter, make sure
// the token id exists on the contract, then mint.
func (s *Service) submit(ctx context.Context, request *database.MintRequest) (*chain.TxOutcome, string, error) {
	chainID := request.ChainID
	if chainID == 0 {
		chainID = s.defaultChainID
	}

	minter, err := s.minters(chainID)
	if err != nil {
		return nil, "", err
	}

	tokenID := new(big.Int).SetUint64(request.TokenID)
	if err := s.ensureToken(ctx, minter, tokenID); err != nil {
		return nil, "", err
	}

	outcome, err := minter.Mint(ctx, common.HexToAddress(request.Recipient), tokenID, request.Amount.BigInt())
	if err != nil {
		return nil, "", errors.Wrapf(err, "mint token %d", request.TokenID)
	}

	return outcome, minter.ContractAddress(), nil
}

// ensureToken creates the token id on the contract if it does not exist yet.
// A failed creation is re-checked once: a concurrent creator winning the race
// is indistinguishable from our own transaction reverting.
func (s *Service) ensureToken(ctx context.Context, minter TokenClient, tokenID *big.Int) error {
	exists, err := minter.TokenExists(ctx, tokenID)
	if err != nil {
		return errors.Wrap(err, "ensureToken")
	}
	if exists {
		return nil
	}

	logger.Info("token %s does not exist on %s, creating", tokenID, minter.ContractAddress())
	if _, err := minter.CreateToken(ctx, tokenID, maxTokenSupply); err != nil {
		exists, checkErr := minter.TokenExists(ctx, tokenID)
		if checkErr == nil && exists {
			return nil
		}
		return errors.Wrapf(err, "create token %s", tokenID)
	}

	return nil
}

func (s *Service) recordFailure(db *gorm.DB, requestID uint64, executor string, cause error) {
	logger.Warn("mint request %d failed: %s", requestID, cause)

	err := db.Model(&database.MintRequest{}).
		Where("id = ?", requestID).
		Update("status", database.MintStatusFailed).Error
	if err != nil {
		logger.Error("mint request %d: failure status update failed: %s", requestID, err)
	}

	if err := database.AppendMintRequestEvent(db, &database.MintRequestEvent{
		MintRequestID: requestID,
		Type:          database.MintEventFailed,
		PerformedBy:   executor,
		Notes:         cause.Error(),
	}); err != nil {
		logger.Error("mint request %d: audit event failed: %s", requestID, err)
	}
}

// recordIssuedToken mirrors the on-chain token in the ledger. The upsert is
// keyed on the mint request id, so re-running an execution never produces a
// duplicate ledger row. Failures here are logged, never surfaced - the mint
// itself already succeeded.
func (s *Service) recordIssuedToken(db *gorm.DB, request *database.MintRequest, contractAddress string, outcome *chain.TxOutcome) {
	chainID := request.ChainID
	if chainID == 0 {
		chainID = s.defaultChainID
	}

	token := &database.IssuedToken{
		MintRequestID:   request.ID,
		ProjectID:       request.ProjectID,
		TokenID:         request.TokenID,
		ContractAddress: contractAddress,
		ChainID:         chainID,
		Quantity:        request.Amount,
		Status:          database.TokenStatusIssued,
	}

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mint_request_id"}},
		DoNothing: true,
	}).Create(token).Error
	if err != nil {
		logger.Error("mint request %d: issued token record failed: %s", request.ID, err)
		return
	}

	if token.ID == 0 {
		existing, err := database.FetchIssuedTokenByMintRequest(db, request.ID)
		if err != nil {
			logger.Error("mint request %d: issued token lookup failed: %s", request.ID, err)
			return
		}
		token = existing
	}

	err = db.Create(&database.IssuedTokenEvent{
		IssuedTokenID: token.ID,
		Type:          database.TokenEventIssued,
		TxHash:        outcome.TxHash,
		BlockNumber:   outcome.BlockNumber,
		CreatedAt:     time.Now(),
	}).Error
	if err != nil {
		logger.Error("mint request %d: issued token event failed: %s", request.ID, err)
	}
}
