package devchain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Contract is a native contract hosted by the dev chain. Invoke receives
// arguments already decoded to their canonical ABI Go types and must return
// values the method's outputs can encode. Returning a revert error (see
// Revert) discards every change the transaction made.
type Contract interface {
	Invoke(env *Env, method string, args []any) ([]any, error)
	// Clone returns a deep copy; the chain snapshots state before each execution.
	Clone() Contract
}

// Factory constructs a contract from decoded constructor arguments.
type Factory func(env *Env, args []any) (Contract, error)

type account struct {
	name string
	abi  *abi.ABI
	code Contract
}

// worldState is the ledger's account state. It is only ever mutated on a
// private clone that replaces the original once execution succeeds.
type worldState struct {
	balances  map[common.Address]*uint256.Int
	nonces    map[common.Address]uint64
	contracts map[common.Address]*account
}

func newWorldState() *worldState {
	return &worldState{
		balances:  make(map[common.Address]*uint256.Int),
		nonces:    make(map[common.Address]uint64),
		contracts: make(map[common.Address]*account),
	}
}

func (s *worldState) clone() *worldState {
	cp := newWorldState()
	for addr, bal := range s.balances {
		cp.balances[addr] = bal.Clone()
	}
	for addr, n := range s.nonces {
		cp.nonces[addr] = n
	}
	for addr, acc := range s.contracts {
		cp.contracts[addr] = &account{name: acc.name, abi: acc.abi, code: acc.code.Clone()}
	}
	return cp
}

func (s *worldState) balance(addr common.Address) *uint256.Int {
	if bal, ok := s.balances[addr]; ok {
		return bal
	}
	return new(uint256.Int)
}

func (s *worldState) addBalance(addr common.Address, amount *uint256.Int) {
	s.balances[addr] = new(uint256.Int).Add(s.balance(addr), amount)
}

func (s *worldState) subBalance(addr common.Address, amount *uint256.Int) error {
	bal := s.balance(addr)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, addr.Hex(), bal.Dec(), amount.Dec())
	}
	s.balances[addr] = new(uint256.Int).Sub(bal, amount)
	return nil
}

func (s *worldState) transfer(from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := s.subBalance(from, amount); err != nil {
		return err
	}
	s.addBalance(to, amount)
	return nil
}

// toU256 converts a non-negative wei amount; nil means zero.
func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("devchain: negative value %s", v)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("devchain: value %s overflows uint256", v)
	}
	return u, nil
}
