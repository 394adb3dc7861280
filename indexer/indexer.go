// Package indexer scans contract logs from EVM chains into the database.
// Each (chain, contract, indexer type) triple has its own durable cursor;
// only blocks buried under the confirmation depth are read, and the cursor
// advances only after the decoded events are persisted.
package indexer

import (
	"context"
	"math/big"
	"time"

	"dao-chain-indexer/boff"
	"dao-chain-indexer/config"
	"dao-chain-indexer/database"
	"dao-chain-indexer/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ReadClient is the chain surface one indexer needs. chain.Client satisfies
// it; tests substitute fakes.
type ReadClient interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethTypes.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

type cursorIndexer struct {
	db     *gorm.DB
	client ReadClient
	target config.IndexerTargetConfig

	pollInterval time.Duration
}

func (ix *cursorIndexer) run(ctx context.Context) {
	logger.Info("indexer %s started on chain %d contract %s",
		ix.target.IndexerType, ix.target.ChainID, ix.target.ContractAddress)

	for {
		indexed, err := ix.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("indexer %s chain %d: %s", ix.target.IndexerType, ix.target.ChainID, err)
			ix.recordError(err)
		}

		// caught up, failed, or found nothing - wait for new blocks
		if err != nil || indexed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ix.pollInterval):
			}
		}
	}
}

// cycle processes at most one batch of confirmed blocks. Returns the number
// of blocks advanced, zero when the cursor is already at the eligible head.
func (ix *cursorIndexer) cycle(ctx context.Context) (uint64, error) {
	state, err := database.FetchIndexerState(ix.db, ix.target.ChainID, ix.target.ContractAddress, ix.target.IndexerType)
	if err != nil {
		return 0, errors.Wrap(err, "load cursor")
	}
	if !state.IsActive {
		return 0, nil
	}

	head, err := boff.Retry(ctx, func() (uint64, error) {
		return ix.client.LatestBlockNumber(ctx)
	}, "LatestBlockNumber")
	if err != nil {
		return 0, errors.Wrap(err, "latest block")
	}

	if head < ix.target.Confirmations {
		return 0, nil
	}
	eligible := head - ix.target.Confirmations
	if state.LastBlockNumber >= eligible {
		return 0, nil
	}

	from := state.LastBlockNumber + 1
	to := from + ix.target.BatchSize - 1
	if to > eligible {
		to = eligible
	}

	logs, err := boff.Retry(ctx, func() ([]ethTypes.Log, error) {
		return ix.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{common.HexToAddress(ix.target.ContractAddress)},
		})
	}, "FilterLogs")
	if err != nil {
		return 0, errors.Wrapf(err, "filter logs %d-%d", from, to)
	}

	events, err := ix.decodeLogs(ctx, logs)
	if err != nil {
		return 0, err
	}

	if err := database.InsertEvents(ix.db, events); err != nil {
		return 0, err
	}

	// persist succeeded - only now may the cursor advance
	state.LastBlockNumber = to
	state.ErrorCount = 0
	state.LastError = ""
	state.LastSyncAt = time.Now()
	if err := database.UpdateIndexerState(ix.db, state); err != nil {
		return 0, errors.Wrap(err, "advance cursor")
	}

	if len(events) > 0 {
		logger.Info("indexer %s chain %d: %d events in blocks %d-%d",
			ix.target.IndexerType, ix.target.ChainID, len(events), from, to)
	} else {
		logger.Debug("indexer %s chain %d: blocks %d-%d empty",
			ix.target.IndexerType, ix.target.ChainID, from, to)
	}

	return to - from + 1, nil
}

func (ix *cursorIndexer) decodeLogs(ctx context.Context, logs []ethTypes.Log) ([]*database.IndexedEvent, error) {
	timestamps := map[uint64]uint64{}
	events := make([]*database.IndexedEvent, 0, len(logs))

	for i := range logs {
		log := &logs[i]

		// decode failures are stored, not dropped - retry-failed repairs them
		name, args, ok, err := decodeLog(ix.target.IndexerType, log)
		processed := true
		processingError := ""
		if err != nil {
			logger.Warn("indexer %s: undecodable log %s:%d: %s",
				ix.target.IndexerType, log.TxHash.Hex(), log.Index, err)
			processed = false
			processingError = err.Error()
		} else if !ok {
			continue
		}

		timestamp, cached := timestamps[log.BlockNumber]
		if !cached {
			timestamp, err = boff.Retry(ctx, func() (uint64, error) {
				return ix.client.BlockTimestamp(ctx, log.BlockNumber)
			}, "BlockTimestamp")
			if err != nil {
				return nil, errors.Wrapf(err, "block %d timestamp", log.BlockNumber)
			}
			timestamps[log.BlockNumber] = timestamp
		}

		events = append(events, &database.IndexedEvent{
			ChainID:         ix.target.ChainID,
			ContractAddress: common.HexToAddress(ix.target.ContractAddress).Hex(),
			TxHash:          log.TxHash.Hex(),
			LogIndex:        uint64(log.Index),
			EventName:       name,
			BlockNumber:     log.BlockNumber,
			BlockHash:       log.BlockHash.Hex(),
			BlockTimestamp:  timestamp,
			DecodedArgs:     args,
			Processed:       processed,
			ProcessingError: processingError,
		})
	}

	return events, nil
}

// recordError bumps the persistent error counter without touching the
// cursor. The cursor only ever moves forward on success.
func (ix *cursorIndexer) recordError(cause error) {
	state, err := database.FetchIndexerState(ix.db, ix.target.ChainID, ix.target.ContractAddress, ix.target.IndexerType)
	if err != nil {
		logger.Error("indexer %s: load cursor for error record: %s", ix.target.IndexerType, err)
		return
	}

	state.ErrorCount++
	state.LastError = cause.Error()
	if err := database.UpdateIndexerState(ix.db, state); err != nil {
		logger.Error("indexer %s: persist error record: %s", ix.target.IndexerType, err)
	}
}
