// Package oracle simulates a randomness oracle on local networks by driving a
// VRF coordinator mock, delivering the callback a real oracle network would
// send asynchronously.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/logging"
	"github.com/mbd888/lottery/internal/lottery"
)

// CoordinatorName is the artifact name of the coordinator mock.
const CoordinatorName = "VRFCoordinatorMock"

// EventRandomnessRequest is emitted by the coordinator for every request.
const EventRandomnessRequest = "RandomnessRequest"

// CoordinatorABI is the coordinator mock interface.
const CoordinatorABI = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[{"name":"linkAddress","type":"address"}]},
	{"type":"function","name":"LINK","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"requestRandomness","stateMutability":"nonpayable","inputs":[
		{"name":"keyHash","type":"bytes32"},
		{"name":"fee","type":"uint256"}],"outputs":[{"name":"requestId","type":"bytes32"}]},
	{"type":"function","name":"callBackWithRandomness","stateMutability":"nonpayable","inputs":[
		{"name":"requestId","type":"bytes32"},
		{"name":"randomness","type":"uint256"},
		{"name":"consumerContract","type":"address"}],"outputs":[]},
	{"type":"event","name":"RandomnessRequest","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"keyHash","type":"bytes32","indexed":true},
		{"name":"seed","type":"uint256","indexed":false},
		{"name":"requestId","type":"bytes32","indexed":false}]}
]`

// ABI is the parsed coordinator interface.
var ABI = chain.MustParseABI(CoordinatorABI)

// DefaultRandomness is the value delivered when none is configured.
var DefaultRandomness = big.NewInt(777)

// Simulator delivers randomness through the coordinator mock at Coordinator.
// Fulfill sends the callback from From.
type Simulator struct {
	Client      chain.Client
	Coordinator common.Address
	From        common.Address
	// Randomness is the value Fulfill delivers; nil means DefaultRandomness.
	Randomness *big.Int
}

var _ lottery.Fulfiller = (*Simulator)(nil)

// DeliverRandomness has the coordinator invoke the consumer's callback for
// requestID with value, sent from from, and waits for it to be mined. A
// request id the consumer is not waiting for fails with
// lottery.ErrUnknownRequest and leaves the consumer unchanged.
func (s *Simulator) DeliverRandomness(ctx context.Context, requestID [32]byte, value *big.Int, consumer, from common.Address) (common.Hash, error) {
	if value == nil || value.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("oracle: invalid randomness %v", value)
	}
	receipt, err := chain.SendAndWait(ctx, s.Client, chain.TxRequest{
		From:   from,
		To:     s.Coordinator,
		ABI:    &ABI,
		Method: "callBackWithRandomness",
		Args:   []any{requestID, value, consumer},
	})
	if err != nil {
		return common.Hash{}, lottery.Classify("callBackWithRandomness", err)
	}

	logging.L(ctx).Info("randomness delivered",
		"request_id", hexutil.Encode(requestID[:]),
		"consumer", consumer.Hex(),
		"randomness", value.String(),
		"tx", receipt.TxHash.Hex(),
	)
	return receipt.TxHash, nil
}

// Fulfill implements lottery.Fulfiller with the configured randomness.
func (s *Simulator) Fulfill(ctx context.Context, requestID [32]byte, consumer common.Address) error {
	value := s.Randomness
	if value == nil {
		value = DefaultRandomness
	}
	_, err := s.DeliverRandomness(ctx, requestID, value, consumer, s.From)
	return err
}

// Sender returns the account that signs the callbacks sent by Fulfill.
func (s *Simulator) Sender() common.Address { return s.From }

// ErrNoRequest is returned by FindRequest when a receipt carries no request.
var ErrNoRequest = errors.New("oracle: no randomness request in receipt")

// Request is a decoded coordinator RandomnessRequest event.
type Request struct {
	Sender    common.Address
	KeyHash   [32]byte
	Seed      *big.Int
	RequestID [32]byte
}

// FindRequest extracts the coordinator's request log from a receipt, for
// example the receipt of a lottery's endLottery.
func FindRequest(coordinator common.Address, logs []*types.Log) (*Request, error) {
	events, err := chain.DecodeEvents(&ABI, coordinator, logs)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Name != EventRandomnessRequest {
			continue
		}
		req := &Request{}
		var ok [4]bool
		req.Sender, ok[0] = ev.Args["sender"].(common.Address)
		req.KeyHash, ok[1] = ev.Args["keyHash"].([32]byte)
		req.Seed, ok[2] = ev.Args["seed"].(*big.Int)
		req.RequestID, ok[3] = ev.Args["requestId"].([32]byte)
		if ok != [4]bool{true, true, true, true} {
			return nil, fmt.Errorf("oracle: malformed %s event", EventRandomnessRequest)
		}
		return req, nil
	}
	return nil, ErrNoRequest
}
