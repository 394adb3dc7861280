package indexer

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"dao-chain-indexer/config"
	"dao-chain-indexer/database"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var testContract = common.HexToAddress("0x694905ca5f9F6c49f4748E8193B3e8053FA9E7E4")

// fakeChain is an in-memory ReadClient.
type fakeChain struct {
	mu   sync.Mutex
	head uint64
	logs []ethTypes.Log
}

func (f *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethTypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []ethTypes.Log
	for _, log := range f.logs {
		if log.BlockNumber < q.FromBlock.Uint64() || log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (f *fakeChain) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	return 1700000000 + number, nil
}

func repaymentLog(t *testing.T, projectID int64, amount int64, block uint64, txHash string, index uint) ethTypes.Log {
	t.Helper()

	event := indexerABIs["RepaymentEscrow"].Events["RepaymentDeposited"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(amount))
	require.NoError(t, err)

	payer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	return ethTypes.Log{
		Address: testContract,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(projectID)),
			common.BytesToHash(payer.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.HexToHash("0xb10c"),
		TxHash:      common.HexToHash(txHash),
		Index:       index,
	}
}

func newTestIndexer(t *testing.T, client ReadClient) (*cursorIndexer, *database.IndexerState) {
	t.Helper()
	db := database.ConnectTestDB(t)

	target := config.IndexerTargetConfig{
		ChainID:         1,
		ContractAddress: testContract.Hex(),
		IndexerType:     "RepaymentEscrow",
		StartBlock:      99,
		Confirmations:   12,
		BatchSize:       1000,
	}

	state, err := database.FetchOrCreateIndexerState(
		db, target.ChainID, target.ContractAddress, target.IndexerType, target.StartBlock)
	require.NoError(t, err)
	state.IsActive = true
	require.NoError(t, database.UpdateIndexerState(db, state))

	return &cursorIndexer{
		db:           db,
		client:       client,
		target:       target,
		pollInterval: time.Millisecond,
	}, state
}

func TestCycleAdvancesCursorMonotonically(t *testing.T) {
	chain := &fakeChain{head: 200}
	chain.logs = []ethTypes.Log{repaymentLog(t, 7, 5000, 150, "0x01", 0)}
	ix, _ := newTestIndexer(t, chain)

	ctx := context.Background()
	advanced, err := ix.cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(200-12-99), advanced)

	state, err := database.FetchIndexerState(ix.db, 1, testContract.Hex(), "RepaymentEscrow")
	require.NoError(t, err)
	require.Equal(t, uint64(188), state.LastBlockNumber)

	// no new blocks: cursor must not move
	advanced, err = ix.cycle(ctx)
	require.NoError(t, err)
	require.Zero(t, advanced)

	state, err = database.FetchIndexerState(ix.db, 1, testContract.Hex(), "RepaymentEscrow")
	require.NoError(t, err)
	require.Equal(t, uint64(188), state.LastBlockNumber)

	chain.head = 250
	_, err = ix.cycle(ctx)
	require.NoError(t, err)

	state, err = database.FetchIndexerState(ix.db, 1, testContract.Hex(), "RepaymentEscrow")
	require.NoError(t, err)
	require.Equal(t, uint64(238), state.LastBlockNumber)
}

func TestCycleRespectsConfirmationDepth(t *testing.T) {
	chain := &fakeChain{head: 105}
	chain.logs = []ethTypes.Log{
		repaymentLog(t, 7, 100, 93, "0x01", 0),  // eligible (105 - 12 = 93)
		repaymentLog(t, 7, 200, 100, "0x02", 0), // too fresh
	}
	ix, _ := newTestIndexer(t, chain)

	_, err := ix.cycle(context.Background())
	require.NoError(t, err)

	var events []database.IndexedEvent
	require.NoError(t, ix.db.Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, uint64(93), events[0].BlockNumber)
}

func TestRescanStoresNoDuplicates(t *testing.T) {
	chain := &fakeChain{head: 200}
	chain.logs = []ethTypes.Log{repaymentLog(t, 7, 5000, 150, "0x01", 2)}
	ix, _ := newTestIndexer(t, chain)

	ctx := context.Background()
	_, err := ix.cycle(ctx)
	require.NoError(t, err)

	// force the cursor back and re-scan the same range
	state, err := database.FetchIndexerState(ix.db, 1, testContract.Hex(), "RepaymentEscrow")
	require.NoError(t, err)
	state.LastBlockNumber = 99
	require.NoError(t, database.UpdateIndexerState(ix.db, state))

	_, err = ix.cycle(ctx)
	require.NoError(t, err)

	var count int64
	require.NoError(t, ix.db.Model(&database.IndexedEvent{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestCycleDecodesEventArgs(t *testing.T) {
	chain := &fakeChain{head: 200}
	chain.logs = []ethTypes.Log{repaymentLog(t, 7, 5000, 150, "0x01", 0)}
	ix, _ := newTestIndexer(t, chain)

	_, err := ix.cycle(context.Background())
	require.NoError(t, err)

	var event database.IndexedEvent
	require.NoError(t, ix.db.First(&event).Error)
	require.Equal(t, "RepaymentDeposited", event.EventName)
	require.True(t, event.Processed)
	require.Equal(t, uint64(1700000150), event.BlockTimestamp)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(event.DecodedArgs), &args))
	require.Equal(t, "7", args["projectId"])
	require.Equal(t, "5000", args["amount"])
	require.Equal(t,
		common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		common.HexToAddress(args["payer"].(string)))
}

func TestDecodeLogIgnoresForeignTopics(t *testing.T) {
	log := ethTypes.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}
	_, _, ok, err := decodeLog("RepaymentEscrow", &log)
	require.NoError(t, err)
	require.False(t, ok)
}
