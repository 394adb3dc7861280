package chain

import (
	"dao-chain-indexer/config"
	"dao-chain-indexer/logger"

	"github.com/pkg/errors"
)

// Registry holds one read client and at most one write client per supported
// chain id. It is constructor-provided to every component that talks to a
// chain, so tests can substitute fakes without global state.
type Registry struct {
	readers map[uint64]*Client
	writers map[uint64]*WriteClient
	minters map[uint64]*TokenMinter
}

func NewRegistry(chains map[string]config.ChainConfig, lock *SubmissionLock) (*Registry, error) {
	r := &Registry{
		readers: make(map[uint64]*Client),
		writers: make(map[uint64]*WriteClient),
		minters: make(map[uint64]*TokenMinter),
	}

	for name, cfg := range chains {
		if cfg.ChainID == 0 {
			return nil, errors.Errorf("chain %q: chain_id must be set", name)
		}
		if _, ok := r.readers[cfg.ChainID]; ok {
			return nil, errors.Errorf("chain %q: duplicate chain id %d", name, cfg.ChainID)
		}

		chainType, err := ParseChainType(cfg.ChainType)
		if err != nil {
			return nil, errors.Wrapf(err, "chain %q", name)
		}

		nodeURL, err := cfg.FullNodeURL()
		if err != nil {
			return nil, errors.Wrapf(err, "chain %q", name)
		}

		reader, err := DialRPCNode(nodeURL, chainType)
		if err != nil {
			return nil, errors.Wrapf(err, "chain %q: dial read client", name)
		}
		r.readers[cfg.ChainID] = reader

		if cfg.PrivateKey == "" {
			logger.Info("chain %d configured read-only", cfg.ChainID)
			continue
		}

		writer, err := NewWriteClient(nodeURL, cfg.ChainID, cfg.PrivateKey, lock)
		if err != nil {
			return nil, errors.Wrapf(err, "chain %q: write client", name)
		}
		r.writers[cfg.ChainID] = writer

		if cfg.TokenContract != "" {
			r.minters[cfg.ChainID] = NewTokenMinter(cfg.TokenContract, writer)
		}
		logger.Info("chain %d configured with signer %s", cfg.ChainID, writer.Address().Hex())
	}

	return r, nil
}

// ReadClient returns the read client for a chain. A missing configuration is
// a configuration error - callers fail fast rather than retry.
func (r *Registry) ReadClient(chainID uint64) (*Client, error) {
	client, ok := r.readers[chainID]
	if !ok {
		return nil, errors.Errorf("no RPC client configured for chain %d", chainID)
	}
	return client, nil
}

// WriteClient returns the signing client for a chain, if one is configured.
// Absence means minting is unsupported on that chain, not a crash.
func (r *Registry) WriteClient(chainID uint64) (*WriteClient, bool) {
	writer, ok := r.writers[chainID]
	return writer, ok
}

func (r *Registry) TokenMinter(chainID uint64) (*TokenMinter, error) {
	minter, ok := r.minters[chainID]
	if !ok {
		return nil, errors.Errorf("minting not supported on chain %d", chainID)
	}
	return minter, nil
}
