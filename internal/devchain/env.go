package devchain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/lottery/internal/chain"
)

const maxCallDepth = 16

var (
	ErrInsufficientFunds = errors.New("devchain: insufficient funds")
	ErrCallDepth         = errors.New("devchain: max call depth exceeded")
)

// Revert aborts the current transaction with reason.
func Revert(reason string) error {
	return &chain.RevertError{Reason: reason}
}

// Require reverts with reason unless cond holds.
func Require(cond bool, reason string) error {
	if cond {
		return nil
	}
	return Revert(reason)
}

// Env is the execution context handed to native contracts.
type Env struct {
	Self   common.Address
	Sender common.Address
	Origin common.Address
	Value  *big.Int
	Block  uint64

	state *worldState
	logs  *[]*types.Log
	depth int
}

// Balance returns the ether balance of addr.
func (e *Env) Balance(addr common.Address) *big.Int {
	return e.state.balance(addr).ToBig()
}

// Transfer moves ether from the executing contract to to.
func (e *Env) Transfer(to common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	if err := e.state.transfer(e.Self, to, v); err != nil {
		return Revert(err.Error())
	}
	return nil
}

// Emit appends a log for event, encoded with the executing contract's ABI.
func (e *Env) Emit(event string, args ...any) error {
	acc, ok := e.state.contracts[e.Self]
	if !ok {
		return fmt.Errorf("%w: %s", chain.ErrNoContract, e.Self.Hex())
	}
	ev, ok := acc.abi.Events[event]
	if !ok {
		return fmt.Errorf("devchain: %s has no event %s", acc.name, event)
	}
	if len(args) != len(ev.Inputs) {
		return fmt.Errorf("devchain: event %s takes %d args, got %d", event, len(ev.Inputs), len(args))
	}

	topics := []common.Hash{ev.ID}
	var data []any
	for i, in := range ev.Inputs {
		if !in.Indexed {
			data = append(data, args[i])
			continue
		}
		topic, err := topicFor(in, args[i])
		if err != nil {
			return fmt.Errorf("devchain: event %s: %w", event, err)
		}
		topics = append(topics, topic)
	}

	encoded, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return fmt.Errorf("devchain: encode event %s: %w", event, err)
	}

	*e.logs = append(*e.logs, &types.Log{
		Address: e.Self,
		Topics:  topics,
		Data:    encoded,
	})
	return nil
}

func topicFor(arg abi.Argument, v any) (common.Hash, error) {
	switch val := v.(type) {
	case common.Address:
		return common.BytesToHash(val.Bytes()), nil
	case [32]byte:
		return common.Hash(val), nil
	case common.Hash:
		return val, nil
	case *big.Int:
		return common.BigToHash(val), nil
	case string:
		return crypto.Keccak256Hash([]byte(val)), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type %s", arg.Type)
	}
}

// Call invokes method on another contract with the executing contract as sender.
// A revert in the callee reverts the caller too.
func (e *Env) Call(to common.Address, method string, value *big.Int, args ...any) ([]any, error) {
	if e.depth+1 > maxCallDepth {
		return nil, ErrCallDepth
	}
	return invoke(e.state, e.logs, frame{
		from:   e.Self,
		origin: e.Origin,
		to:     to,
		value:  value,
		block:  e.Block,
		depth:  e.depth + 1,
	}, method, args)
}

type frame struct {
	from   common.Address
	origin common.Address
	to     common.Address
	value  *big.Int
	block  uint64
	depth  int
}

// invoke runs method on the contract at f.to against state, moving f.value first.
// Arguments and results are round-tripped through the ABI so contracts see the
// same Go types an RPC client would.
func invoke(state *worldState, logs *[]*types.Log, f frame, method string, args []any) ([]any, error) {
	acc, ok := state.contracts[f.to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrNoContract, f.to.Hex())
	}
	m, ok := acc.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", chain.ErrUnknownMethod, acc.name, method)
	}

	value, err := toU256(f.value)
	if err != nil {
		return nil, err
	}
	if !value.IsZero() && !m.IsPayable() {
		return nil, Revert("non-payable method " + method)
	}

	packed, err := acc.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("devchain: encode %s.%s: %w", acc.name, method, err)
	}
	decoded, err := m.Inputs.Unpack(packed[4:])
	if err != nil {
		return nil, fmt.Errorf("devchain: decode %s.%s: %w", acc.name, method, err)
	}

	if err := state.transfer(f.from, f.to, value); err != nil {
		return nil, err
	}

	env := &Env{
		Self:   f.to,
		Sender: f.from,
		Origin: f.origin,
		Value:  value.ToBig(),
		Block:  f.block,
		state:  state,
		logs:   logs,
		depth:  f.depth,
	}
	out, err := acc.code.Invoke(env, method, decoded)
	if err != nil {
		return nil, err
	}

	if len(m.Outputs) == 0 {
		return nil, nil
	}
	encoded, err := m.Outputs.Pack(out...)
	if err != nil {
		return nil, fmt.Errorf("devchain: encode %s.%s result: %w", acc.name, method, err)
	}
	return m.Outputs.Unpack(encoded)
}
