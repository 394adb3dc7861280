package database

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func FetchIndexerState(db *gorm.DB, chainID uint64, contractAddress, indexerType string) (*IndexerState, error) {
	var state IndexerState
	err := db.Where(&IndexerState{
		ChainID:         chainID,
		ContractAddress: contractAddress,
		IndexerType:     indexerType,
	}).First(&state).Error
	return &state, err
}

// FetchOrCreateIndexerState resumes an existing cursor or creates one at
// startBlock. An existing cursor wins over the configured start block so a
// restarted indexer resumes exactly where it stopped.
func FetchOrCreateIndexerState(
	db *gorm.DB, chainID uint64, contractAddress, indexerType string, startBlock uint64,
) (*IndexerState, error) {
	state, err := FetchIndexerState(db, chainID, contractAddress, indexerType)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "FetchOrCreateIndexerState")
	}

	state = &IndexerState{
		ChainID:         chainID,
		ContractAddress: contractAddress,
		IndexerType:     indexerType,
		LastBlockNumber: startBlock,
		LastSyncAt:      time.Now(),
	}
	if err := db.Create(state).Error; err != nil {
		return nil, errors.Wrap(err, "FetchOrCreateIndexerState: Create")
	}

	return state, nil
}

func UpdateIndexerState(db *gorm.DB, state *IndexerState) error {
	return db.Save(state).Error
}

func ListIndexerStates(db *gorm.DB) ([]IndexerState, error) {
	var states []IndexerState
	err := db.Order("chain_id, contract_address, indexer_type").Find(&states).Error
	return states, err
}

// InsertEvents stores decoded events idempotently - a row that collides on
// (chain_id, tx_hash, log_index) is silently skipped.
func InsertEvents(db *gorm.DB, events []*IndexedEvent) error {
	if len(events) == 0 {
		return nil
	}

	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(events).Error
	return errors.Wrap(err, "InsertEvents")
}

type EventFilter struct {
	ChainID         *uint64
	ContractAddress string
	Processed       *bool
	HasError        *bool
	Limit           int
	Offset          int
}

func ListEvents(db *gorm.DB, filter EventFilter) ([]IndexedEvent, error) {
	query := db.Model(&IndexedEvent{})

	if filter.ChainID != nil {
		query = query.Where("chain_id = ?", *filter.ChainID)
	}
	if filter.ContractAddress != "" {
		query = query.Where("contract_address = ?", filter.ContractAddress)
	}
	if filter.Processed != nil {
		query = query.Where("processed = ?", *filter.Processed)
	}
	if filter.HasError != nil {
		if *filter.HasError {
			query = query.Where("processing_error <> ''")
		} else {
			query = query.Where("processing_error = ''")
		}
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var events []IndexedEvent
	err := query.Order("block_number DESC, log_index DESC").
		Limit(limit).Offset(filter.Offset).
		Find(&events).Error
	return events, err
}

func FetchEvent(db *gorm.DB, id uint64) (*IndexedEvent, error) {
	var event IndexedEvent
	err := db.First(&event, id).Error
	return &event, err
}

func FetchFailedEvents(db *gorm.DB, limit int) ([]IndexedEvent, error) {
	var events []IndexedEvent
	err := db.Where("processing_error <> ''").
		Order("block_number, log_index").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func FetchMintRequest(db *gorm.DB, id uint64) (*MintRequest, error) {
	var request MintRequest
	err := db.First(&request, id).Error
	return &request, err
}

// ListApprovedMintRequests returns approved requests oldest first. A limit
// of zero or less means no limit.
func ListApprovedMintRequests(db *gorm.DB, limit int) ([]MintRequest, error) {
	query := db.Where("status = ?", MintStatusApproved).Order("created_at, id")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var requests []MintRequest
	err := query.Find(&requests).Error
	return requests, err
}

func AppendMintRequestEvent(db *gorm.DB, event *MintRequestEvent) error {
	event.CreatedAt = time.Now()
	return errors.Wrap(db.Create(event).Error, "AppendMintRequestEvent")
}

func FetchIssuedTokenByMintRequest(db *gorm.DB, mintRequestID uint64) (*IssuedToken, error) {
	var token IssuedToken
	err := db.Where("mint_request_id = ?", mintRequestID).First(&token).Error
	return &token, err
}

func FetchVerificationResult(db *gorm.DB, id uint64) (*VerificationResult, error) {
	var result VerificationResult
	err := db.Preload("Evidence").First(&result, id).Error
	return &result, err
}
