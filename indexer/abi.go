package indexer

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// ABIs of the contracts the platform watches. Each indexer type scans one
// contract kind; unrecognized logs from the same address are skipped, not
// errors.
const (
	repaymentEscrowABIJSON = `[
		{"name":"RepaymentDeposited","type":"event","inputs":[
			{"name":"projectId","type":"uint256","indexed":true},
			{"name":"payer","type":"address","indexed":true},
			{"name":"amount","type":"uint256","indexed":false}
		]},
		{"name":"RepaymentDistributed","type":"event","inputs":[
			{"name":"projectId","type":"uint256","indexed":true},
			{"name":"recipient","type":"address","indexed":true},
			{"name":"amount","type":"uint256","indexed":false}
		]},
		{"name":"EscrowReleased","type":"event","inputs":[
			{"name":"projectId","type":"uint256","indexed":true},
			{"name":"amount","type":"uint256","indexed":false}
		]}
	]`

	tokenMinterABIJSON = `[
		{"name":"TokenCreated","type":"event","inputs":[
			{"name":"id","type":"uint256","indexed":true},
			{"name":"maxSupply","type":"uint256","indexed":false}
		]},
		{"name":"TransferSingle","type":"event","inputs":[
			{"name":"operator","type":"address","indexed":true},
			{"name":"from","type":"address","indexed":true},
			{"name":"to","type":"address","indexed":true},
			{"name":"id","type":"uint256","indexed":false},
			{"name":"value","type":"uint256","indexed":false}
		]}
	]`

	projectRegistryABIJSON = `[
		{"name":"ProjectRegistered","type":"event","inputs":[
			{"name":"projectId","type":"uint256","indexed":true},
			{"name":"owner","type":"address","indexed":true},
			{"name":"metadataURI","type":"string","indexed":false}
		]},
		{"name":"ProjectStatusChanged","type":"event","inputs":[
			{"name":"projectId","type":"uint256","indexed":true},
			{"name":"status","type":"uint8","indexed":false}
		]}
	]`
)

var indexerABIs = map[string]abi.ABI{}

func init() {
	for name, raw := range map[string]string{
		"RepaymentEscrow": repaymentEscrowABIJSON,
		"TokenMinter":     tokenMinterABIJSON,
		"ProjectRegistry": projectRegistryABIJSON,
	} {
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			panic(err)
		}
		indexerABIs[name] = parsed
	}
}

func KnownIndexerType(indexerType string) bool {
	_, ok := indexerABIs[indexerType]
	return ok
}

// decodeLog decodes one contract log into an event name and JSON-encoded
// arguments. Returns ok=false for logs whose topic does not belong to the
// indexer type's ABI.
func decodeLog(indexerType string, log *ethTypes.Log) (string, string, bool, error) {
	contractABI, ok := indexerABIs[indexerType]
	if !ok {
		return "", "", false, errors.Errorf("unknown indexer type %q", indexerType)
	}
	if len(log.Topics) == 0 {
		return "", "", false, nil
	}

	event, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return "", "", false, nil
	}

	args := map[string]interface{}{}
	if err := contractABI.UnpackIntoMap(args, event.Name, log.Data); err != nil {
		return "", "", false, errors.Wrapf(err, "decode %s data", event.Name)
	}

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return "", "", false, errors.Wrapf(err, "decode %s topics", event.Name)
	}

	encoded, err := json.Marshal(normalizeArgs(args))
	if err != nil {
		return "", "", false, errors.Wrapf(err, "encode %s args", event.Name)
	}

	return event.Name, string(encoded), true, nil
}

// normalizeArgs rewrites decoded values into JSON-safe representations:
// big integers as decimal strings, addresses and byte blobs as hex.
func normalizeArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for key, value := range args {
		switch v := value.(type) {
		case *big.Int:
			out[key] = v.String()
		case common.Address:
			out[key] = v.Hex()
		case common.Hash:
			out[key] = v.Hex()
		case []byte:
			out[key] = hexutil.Encode(v)
		case [32]byte:
			out[key] = hexutil.Encode(v[:])
		default:
			out[key] = v
		}
	}
	return out
}
