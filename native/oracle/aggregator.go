package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const aggregatorABIJSON = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}
  ],"stateMutability":"view","type":"function"}
]`

// AggregatorABI is the subset of the aggregator interface read by
// AggregatorFeed.
var AggregatorABI = mustParseABI(aggregatorABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("oracle: parse aggregator abi: %v", err))
	}
	return parsed
}

type roundData struct {
	RoundId         *big.Int
	Answer          *big.Int
	StartedAt       *big.Int
	UpdatedAt       *big.Int
	AnsweredInRound *big.Int
}

// AggregatorFeed reads observations from on-chain aggregator contracts. The
// feed reference is the contract address in hex.
type AggregatorFeed struct {
	caller ethereum.ContractCaller
}

// NewAggregatorFeed wraps a contract caller such as *ethclient.Client.
func NewAggregatorFeed(caller ethereum.ContractCaller) *AggregatorFeed {
	return &AggregatorFeed{caller: caller}
}

func (f *AggregatorFeed) call(ctx context.Context, ref, method string) ([]byte, error) {
	if f == nil || f.caller == nil {
		return nil, fmt.Errorf("oracle: aggregator caller not configured")
	}
	if !common.IsHexAddress(ref) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, ref)
	}
	data, err := AggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(ref)
	out, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s on %s: %w", method, to.Hex(), err)
	}
	return out, nil
}

// LatestObservation implements Feed.
func (f *AggregatorFeed) LatestObservation(ctx context.Context, ref string) (Observation, error) {
	out, err := f.call(ctx, ref, "latestRoundData")
	if err != nil {
		return Observation{}, err
	}
	var round roundData
	if err := AggregatorABI.UnpackIntoInterface(&round, "latestRoundData", out); err != nil {
		return Observation{}, fmt.Errorf("oracle: decode latestRoundData: %w", err)
	}
	obs := Observation{
		RoundID:         round.RoundId,
		Answer:          round.Answer,
		AnsweredInRound: round.AnsweredInRound,
	}
	if round.UpdatedAt != nil && round.UpdatedAt.IsInt64() {
		obs.UpdatedAt = round.UpdatedAt.Int64()
	}
	return obs, nil
}

// Decimals returns the number of decimals the aggregator reports answers in.
func (f *AggregatorFeed) Decimals(ctx context.Context, ref string) (uint8, error) {
	out, err := f.call(ctx, ref, "decimals")
	if err != nil {
		return 0, err
	}
	var decimals uint8
	if err := AggregatorABI.UnpackIntoInterface(&decimals, "decimals", out); err != nil {
		return 0, fmt.Errorf("oracle: decode decimals: %w", err)
	}
	return decimals, nil
}
