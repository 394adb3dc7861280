package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Token issuance contract: a semi-fungible token manager where each token id
// must be created (given a max supply) before units can be minted.
const tokenMinterABIJSON = `[
	{"name":"maxSupply","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"create","type":"function","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"},{"name":"maxSupply","type":"uint256"}],"outputs":[]},
	{"name":"mint","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

var tokenMinterABI abi.ABI

func init() {
	var err error
	tokenMinterABI, err = abi.JSON(strings.NewReader(tokenMinterABIJSON))
	if err != nil {
		panic(err)
	}
}

// TokenMinter binds the token issuance contract on one chain to its write
// client. It only exists for chains with a configured signing credential.
type TokenMinter struct {
	contract common.Address
	writer   *WriteClient
}

func NewTokenMinter(contractAddress string, writer *WriteClient) *TokenMinter {
	return &TokenMinter{
		contract: common.HexToAddress(contractAddress),
		writer:   writer,
	}
}

func (m *TokenMinter) ContractAddress() string {
	return m.contract.Hex()
}

// TokenExists reads the token's max supply. A failed read or a zero supply
// both report the token as absent - the caller then attempts creation, which
// is safe to re-run.
func (m *TokenMinter) TokenExists(ctx context.Context, tokenID *big.Int) (bool, error) {
	data, err := tokenMinterABI.Pack("maxSupply", tokenID)
	if err != nil {
		return false, errors.Wrap(err, "TokenExists: Pack")
	}

	out, err := m.writer.Call(ctx, m.contract, data)
	if err != nil {
		return false, nil
	}

	values, err := tokenMinterABI.Unpack("maxSupply", out)
	if err != nil || len(values) != 1 {
		return false, nil
	}

	supply, ok := values[0].(*big.Int)
	return ok && supply.Sign() > 0, nil
}

func (m *TokenMinter) CreateToken(ctx context.Context, tokenID, maxSupply *big.Int) (*TxOutcome, error) {
	data, err := tokenMinterABI.Pack("create", tokenID, maxSupply)
	if err != nil {
		return nil, errors.Wrap(err, "CreateToken: Pack")
	}

	return m.writer.Execute(ctx, m.contract, data)
}

func (m *TokenMinter) Mint(ctx context.Context, to common.Address, tokenID, amount *big.Int) (*TxOutcome, error) {
	data, err := tokenMinterABI.Pack("mint", to, tokenID, amount)
	if err != nil {
		return nil, errors.Wrap(err, "Mint: Pack")
	}

	return m.writer.Execute(ctx, m.contract, data)
}
