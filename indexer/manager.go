package indexer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"dao-chain-indexer/config"
	"dao-chain-indexer/database"
	"dao-chain-indexer/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var ErrInvalidRetryLimit = errors.New("retry limit must be between 1 and 1000")

// ClientSource resolves the read client for a chain id. An error means the
// chain is not configured.
type ClientSource func(chainID uint64) (ReadClient, error)

// Manager owns the lifecycle of all indexers: start, stop, status, health
// and failed-event recovery. Indexers run on a background context so an
// expiring request never kills a scan loop.
type Manager struct {
	db      *gorm.DB
	clients ClientSource
	cfg     config.IndexerConfig

	mu      sync.Mutex
	running bool
	targets []config.IndexerTargetConfig
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type StatusSummary struct {
	IsRunning      bool                    `json:"isRunning"`
	ActiveIndexers int                     `json:"activeIndexers"`
	States         []database.IndexerState `json:"states"`
}

type HealthSummary struct {
	TotalIndexers  int `json:"totalIndexers"`
	ActiveIndexers int `json:"activeIndexers"`
	StaleIndexers  int `json:"staleIndexers"`
	ErrorIndexers  int `json:"errorIndexers"`
}

type Health struct {
	Healthy bool          `json:"healthy"`
	Issues  []string      `json:"issues,omitempty"`
	Summary HealthSummary `json:"summary"`
}

func NewManager(db *gorm.DB, clients ClientSource, cfg config.IndexerConfig) *Manager {
	return &Manager{db: db, clients: clients, cfg: cfg}
}

// ValidateConfigs rejects a target set before anything starts. All errors
// here are caller errors, not chain errors.
func (m *Manager) ValidateConfigs(targets []config.IndexerTargetConfig) error {
	if len(targets) == 0 {
		return errors.New("no indexer targets given")
	}

	seen := map[string]bool{}
	for i, target := range targets {
		if target.ChainID == 0 {
			return errors.Errorf("target %d: chain id must be set", i)
		}
		if _, err := m.clients(target.ChainID); err != nil {
			return errors.Wrapf(err, "target %d", i)
		}
		if !common.IsHexAddress(target.ContractAddress) {
			return errors.Errorf("target %d: invalid contract address %q", i, target.ContractAddress)
		}
		if !KnownIndexerType(target.IndexerType) {
			return errors.Errorf("target %d: unknown indexer type %q", i, target.IndexerType)
		}

		key := fmt.Sprintf("%d/%s/%s", target.ChainID,
			common.HexToAddress(target.ContractAddress).Hex(), target.IndexerType)
		if seen[key] {
			return errors.Errorf("target %d: duplicate indexer %s", i, key)
		}
		seen[key] = true
	}

	return nil
}

// Start validates the targets and spawns one scan loop per target. Cursors
// are resumed from the database; the configured start block only applies to
// a cursor seen for the first time.
func (m *Manager) Start(targets []config.IndexerTargetConfig) error {
	if err := m.ValidateConfigs(targets); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("indexers already running")
	}

	ctx, cancel := context.WithCancel(context.Background())

	for i := range targets {
		target := m.resolveTarget(targets[i])

		state, err := database.FetchOrCreateIndexerState(
			m.db, target.ChainID, target.ContractAddress, target.IndexerType, target.StartBlock)
		if err != nil {
			cancel()
			return err
		}

		state.IsActive = true
		if err := database.UpdateIndexerState(m.db, state); err != nil {
			cancel()
			return errors.Wrap(err, "Start: activate cursor")
		}

		client, err := m.clients(target.ChainID)
		if err != nil {
			cancel()
			return err
		}

		ix := &cursorIndexer{
			db:           m.db,
			client:       client,
			target:       target,
			pollInterval: time.Duration(m.cfg.NewBlockCheckMillis) * time.Millisecond,
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ix.run(ctx)
		}()
	}

	m.running = true
	m.targets = targets
	m.cancel = cancel
	logger.Info("started %d indexers", len(targets))
	return nil
}

// StartDefault starts the targets from the configuration file.
func (m *Manager) StartDefault() error {
	if len(m.cfg.Defaults) == 0 {
		return errors.New("no default indexer targets configured")
	}
	return m.Start(m.cfg.Defaults)
}

// Stop halts all scan loops and deactivates their cursors. Block positions
// are preserved, so a later Start resumes exactly where scanning stopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	m.cancel()
	m.wg.Wait()

	for _, target := range m.targets {
		resolved := m.resolveTarget(target)
		state, err := database.FetchIndexerState(
			m.db, resolved.ChainID, resolved.ContractAddress, resolved.IndexerType)
		if err != nil {
			logger.Error("Stop: load cursor: %s", err)
			continue
		}
		state.IsActive = false
		if err := database.UpdateIndexerState(m.db, state); err != nil {
			logger.Error("Stop: deactivate cursor: %s", err)
		}
	}

	m.running = false
	m.targets = nil
	logger.Info("indexers stopped")
}

func (m *Manager) Status() (*StatusSummary, error) {
	states, err := database.ListIndexerStates(m.db)
	if err != nil {
		return nil, errors.Wrap(err, "Status")
	}

	active := 0
	for _, state := range states {
		if state.IsActive {
			active++
		}
	}

	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return &StatusSummary{
		IsRunning:      running,
		ActiveIndexers: active,
		States:         states,
	}, nil
}

// CheckHealth flags indexers that are stale (active but not syncing) or
// failing repeatedly. An inactive indexer is never unhealthy - being stopped
// is a valid state.
func (m *Manager) CheckHealth() (*Health, error) {
	states, err := database.ListIndexerStates(m.db)
	if err != nil {
		return nil, errors.Wrap(err, "CheckHealth")
	}

	staleAfter := time.Duration(m.cfg.StaleSeconds) * time.Second
	health := &Health{Summary: HealthSummary{TotalIndexers: len(states)}}

	for _, state := range states {
		name := fmt.Sprintf("%s on chain %d (%s)", state.IndexerType, state.ChainID, state.ContractAddress)

		if state.IsActive {
			health.Summary.ActiveIndexers++
			if time.Since(state.LastSyncAt) > staleAfter {
				health.Summary.StaleIndexers++
				health.Issues = append(health.Issues,
					fmt.Sprintf("%s: no sync since %s", name, state.LastSyncAt.Format(time.RFC3339)))
			}
		}
		if state.ErrorCount >= m.cfg.ErrorThreshold {
			health.Summary.ErrorIndexers++
			health.Issues = append(health.Issues,
				fmt.Sprintf("%s: %d consecutive errors, last: %s", name, state.ErrorCount, state.LastError))
		}
	}

	health.Healthy = len(health.Issues) == 0
	return health, nil
}

// RetryFailed re-decodes events that previously failed processing by
// re-reading their logs from the chain. Returns how many events were
// repaired and how many failed again.
func (m *Manager) RetryFailed(ctx context.Context, limit int) (int, int, error) {
	if limit <= 0 || limit > 1000 {
		return 0, 0, ErrInvalidRetryLimit
	}

	events, err := database.FetchFailedEvents(m.db, limit)
	if err != nil {
		return 0, 0, errors.Wrap(err, "RetryFailed")
	}

	processed, failed := 0, 0
	for i := range events {
		event := &events[i]
		if err := m.retryEvent(ctx, event); err != nil {
			failed++
			event.ProcessingError = err.Error()
		} else {
			processed++
			event.Processed = true
			event.ProcessingError = ""
		}

		if err := m.db.Save(event).Error; err != nil {
			return processed, failed, errors.Wrapf(err, "RetryFailed: save event %d", event.ID)
		}
	}

	logger.Info("retry of failed events: %d repaired, %d failed again", processed, failed)
	return processed, failed, nil
}

// retryEvent re-fetches the single block of the failed event and re-decodes
// the matching log. The raw log is not stored, so the chain is the source.
func (m *Manager) retryEvent(ctx context.Context, event *database.IndexedEvent) error {
	client, err := m.clients(event.ChainID)
	if err != nil {
		return err
	}

	indexerType, err := m.indexerTypeFor(event)
	if err != nil {
		return err
	}

	block := new(big.Int).SetUint64(event.BlockNumber)
	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{common.HexToAddress(event.ContractAddress)},
	})
	if err != nil {
		return errors.Wrapf(err, "refetch block %d", event.BlockNumber)
	}

	for i := range logs {
		log := &logs[i]
		if log.TxHash.Hex() != event.TxHash || uint64(log.Index) != event.LogIndex {
			continue
		}

		name, args, ok, err := decodeLog(indexerType, log)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("log %s:%d no longer matches a known event", event.TxHash, event.LogIndex)
		}

		event.EventName = name
		event.DecodedArgs = args
		return nil
	}

	return errors.Errorf("log %s:%d not found in block %d", event.TxHash, event.LogIndex, event.BlockNumber)
}

func (m *Manager) indexerTypeFor(event *database.IndexedEvent) (string, error) {
	state := &database.IndexerState{}
	err := m.db.Where("chain_id = ? AND contract_address = ?", event.ChainID, event.ContractAddress).
		First(state).Error
	if err != nil {
		return "", errors.Wrapf(err, "no indexer registered for contract %s", event.ContractAddress)
	}
	return state.IndexerType, nil
}

// resolveTarget fills per-target gaps from the global indexer defaults.
func (m *Manager) resolveTarget(target config.IndexerTargetConfig) config.IndexerTargetConfig {
	target.ContractAddress = common.HexToAddress(target.ContractAddress).Hex()
	if target.Confirmations == 0 {
		target.Confirmations = m.cfg.Confirmations
	}
	if target.BatchSize == 0 {
		target.BatchSize = m.cfg.BatchSize
	}
	return target
}
