package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"net/url"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	ethClient "github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// TxOutcome carries the confirmation metadata of a mined transaction.
type TxOutcome struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// WriteClient is the single signer for one chain. Transaction submission
// (nonce assignment) is serialized; waiting for confirmation is not.
type WriteClient struct {
	chainID *big.Int
	eth     *ethClient.Client
	key     *ecdsa.PrivateKey
	address common.Address

	mu   sync.Mutex
	lock *SubmissionLock
}

func NewWriteClient(nodeURL *url.URL, chainID uint64, hexKey string, lock *SubmissionLock) (*WriteClient, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "invalid chain private key")
	}

	eth, err := ethClient.Dial(nodeURL.String())
	if err != nil {
		return nil, errors.Wrap(err, "NewWriteClient: Dial")
	}

	return &WriteClient{
		chainID: new(big.Int).SetUint64(chainID),
		eth:     eth,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		lock:    lock,
	}, nil
}

func (w *WriteClient) Address() common.Address {
	return w.address
}

func (w *WriteClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return w.eth.CallContract(ctx, ethereum.CallMsg{From: w.address, To: &to, Data: data}, nil)
}

// Submit signs and broadcasts a contract call. The nonce is read and consumed
// under the submission lock so concurrent mints on the same chain cannot race
// on nonce assignment.
func (w *WriteClient) Submit(ctx context.Context, to common.Address, data []byte) (*ethTypes.Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lock != nil {
		release, err := w.lock.Acquire(ctx, w.chainID.Uint64())
		if err != nil {
			return nil, errors.Wrap(err, "Submit: Acquire")
		}
		defer release()
	}

	nonce, err := w.eth.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, errors.Wrap(err, "Submit: PendingNonceAt")
	}

	gasPrice, err := w.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Submit: SuggestGasPrice")
	}

	gasLimit, err := w.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: w.address,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Submit: EstimateGas")
	}

	tx := ethTypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := ethTypes.SignTx(tx, ethTypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return nil, errors.Wrap(err, "Submit: SignTx")
	}

	if err := w.eth.SendTransaction(ctx, signedTx); err != nil {
		return nil, errors.Wrap(err, "Submit: SendTransaction")
	}

	return signedTx, nil
}

// Execute submits a contract call and waits for the receipt. A reverted
// transaction is an error - the caller must treat it as terminal, never as
// something to resubmit automatically.
func (w *WriteClient) Execute(ctx context.Context, to common.Address, data []byte) (*TxOutcome, error) {
	tx, err := w.Submit(ctx, to, data)
	if err != nil {
		return nil, err
	}

	receipt, err := bind.WaitMined(ctx, w.eth, tx)
	if err != nil {
		return nil, errors.Wrapf(err, "Execute: WaitMined %s", tx.Hash().Hex())
	}

	if receipt.Status != ethTypes.ReceiptStatusSuccessful {
		return nil, errors.Errorf("transaction %s reverted in block %d", tx.Hash().Hex(), receipt.BlockNumber.Uint64())
	}

	return &TxOutcome{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}
