package chain

import (
	"context"
	"errors"
	"math/big"
	"net/url"

	avxClient "github.com/ava-labs/coreth/ethclient"
	"github.com/ava-labs/coreth/interfaces"
	"github.com/ethereum/go-ethereum"

	ethTypes "github.com/ethereum/go-ethereum/core/types"
	ethClient "github.com/ethereum/go-ethereum/ethclient"
)

// ChainType is an internal type used to differentiate between different
// types of EVM-compatible chains.
type ChainType int

const (
	ChainTypeEth ChainType = iota + 1 // Add 1 to skip 0 - avoids the zero value defaulting to Eth
	ChainTypeAvax
)

func ParseChainType(s string) (ChainType, error) {
	switch s {
	case "", "eth":
		return ChainTypeEth, nil
	case "avax":
		return ChainTypeAvax, nil
	default:
		return 0, errors.New("invalid chain type: " + s)
	}
}

// Client is a read-only RPC client for one chain. Results are normalized to
// go-ethereum types regardless of the backing client.
type Client struct {
	chain ChainType
	eth   *ethClient.Client
	avx   avxClient.Client
}

func DialRPCNode(nodeURL *url.URL, chainType ChainType) (*Client, error) {
	c := &Client{chain: chainType}
	var err error

	switch c.chain {
	case ChainTypeAvax:
		c.avx, err = avxClient.Dial(nodeURL.String())
	case ChainTypeEth:
		c.eth, err = ethClient.Dial(nodeURL.String())
	default:
		return nil, errors.New("invalid chain")
	}

	return c, err
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	switch c.chain {
	case ChainTypeAvax:
		header, err := c.avx.HeaderByNumber(ctx, nil)
		if err != nil {
			return 0, err
		}
		return header.Number.Uint64(), nil
	case ChainTypeEth:
		header, err := c.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return 0, err
		}
		return header.Number.Uint64(), nil
	default:
		return 0, errors.New("invalid chain")
	}
}

func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	num := new(big.Int).SetUint64(number)
	switch c.chain {
	case ChainTypeAvax:
		header, err := c.avx.HeaderByNumber(ctx, num)
		if err != nil {
			return 0, err
		}
		return header.Time, nil
	case ChainTypeEth:
		header, err := c.eth.HeaderByNumber(ctx, num)
		if err != nil {
			return 0, err
		}
		return header.Time, nil
	default:
		return 0, errors.New("invalid chain")
	}
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethTypes.Log, error) {
	switch c.chain {
	case ChainTypeAvax:
		avxLogs, err := c.avx.FilterLogs(ctx, interfaces.FilterQuery(q))
		if err != nil {
			return nil, err
		}
		logs := make([]ethTypes.Log, len(avxLogs))
		for i, l := range avxLogs {
			logs[i] = ethTypes.Log(l)
		}
		return logs, nil
	case ChainTypeEth:
		return c.eth.FilterLogs(ctx, q)
	default:
		return nil, errors.New("invalid chain")
	}
}
