package contracts

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/lottery/internal/devchain"
)

// LinkTotalSupply is the LINK minted to the deployer (1e27 juels).
var LinkTotalSupply = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

// LinkToken is an 18-decimal ERC20 whose whole supply goes to the deployer.
type LinkToken struct {
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// NewLinkToken is the Factory for funding.TokenName.
func NewLinkToken(env *devchain.Env, args []any) (devchain.Contract, error) {
	t := &LinkToken{
		balances:   map[common.Address]*big.Int{env.Sender: new(big.Int).Set(LinkTotalSupply)},
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
	if err := env.Emit("Transfer", common.Address{}, env.Sender, new(big.Int).Set(LinkTotalSupply)); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *LinkToken) Clone() devchain.Contract {
	cp := &LinkToken{
		balances:   make(map[common.Address]*big.Int, len(t.balances)),
		allowances: make(map[common.Address]map[common.Address]*big.Int, len(t.allowances)),
	}
	for k, v := range t.balances {
		cp.balances[k] = new(big.Int).Set(v)
	}
	for owner, m := range t.allowances {
		inner := make(map[common.Address]*big.Int, len(m))
		for spender, v := range m {
			inner[spender] = new(big.Int).Set(v)
		}
		cp.allowances[owner] = inner
	}
	return cp
}

func (t *LinkToken) balanceOf(addr common.Address) *big.Int {
	if b, ok := t.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (t *LinkToken) allowance(owner, spender common.Address) *big.Int {
	if a, ok := t.allowances[owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

func (t *LinkToken) move(env *devchain.Env, from, to common.Address, amount *big.Int) error {
	bal := t.balanceOf(from)
	if bal.Cmp(amount) < 0 {
		return devchain.Revert("ERC20: transfer amount exceeds balance")
	}
	t.balances[from] = new(big.Int).Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.balanceOf(to), amount)
	return env.Emit("Transfer", from, to, new(big.Int).Set(amount))
}

func (t *LinkToken) Invoke(env *devchain.Env, method string, args []any) ([]any, error) {
	switch method {
	case "name":
		return []any{"ChainLink Token"}, nil
	case "symbol":
		return []any{"LINK"}, nil
	case "decimals":
		return []any{uint8(18)}, nil
	case "totalSupply":
		return []any{new(big.Int).Set(LinkTotalSupply)}, nil
	case "balanceOf":
		return []any{new(big.Int).Set(t.balanceOf(args[0].(common.Address)))}, nil
	case "allowance":
		return []any{new(big.Int).Set(t.allowance(args[0].(common.Address), args[1].(common.Address)))}, nil
	case "transfer":
		if err := t.move(env, env.Sender, args[0].(common.Address), args[1].(*big.Int)); err != nil {
			return nil, err
		}
		return []any{true}, nil
	case "approve":
		spender, amount := args[0].(common.Address), args[1].(*big.Int)
		if t.allowances[env.Sender] == nil {
			t.allowances[env.Sender] = make(map[common.Address]*big.Int)
		}
		t.allowances[env.Sender][spender] = new(big.Int).Set(amount)
		if err := env.Emit("Approval", env.Sender, spender, new(big.Int).Set(amount)); err != nil {
			return nil, err
		}
		return []any{true}, nil
	case "transferFrom":
		from, to, amount := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		allowed := t.allowance(from, env.Sender)
		if allowed.Cmp(amount) < 0 {
			return nil, devchain.Revert("ERC20: transfer amount exceeds allowance")
		}
		if err := t.move(env, from, to, amount); err != nil {
			return nil, err
		}
		t.allowances[from][env.Sender] = new(big.Int).Sub(allowed, amount)
		return []any{true}, nil
	default:
		return nil, devchain.Revert("unknown method " + method)
	}
}

// VRFCoordinator mimics Chainlink's VRFCoordinatorMock: requests are
// recorded and answered only when someone calls callBackWithRandomness.
type VRFCoordinator struct {
	link   common.Address
	nonces map[[32]byte]uint64
}

// NewVRFCoordinator is the Factory for oracle.CoordinatorName.
// Constructor: (linkAddress).
func NewVRFCoordinator(env *devchain.Env, args []any) (devchain.Contract, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("vrf coordinator: constructor takes 1 arg, got %d", len(args))
	}
	return &VRFCoordinator{
		link:   args[0].(common.Address),
		nonces: make(map[[32]byte]uint64),
	}, nil
}

func (v *VRFCoordinator) Clone() devchain.Contract {
	cp := &VRFCoordinator{link: v.link, nonces: make(map[[32]byte]uint64, len(v.nonces))}
	for k, n := range v.nonces {
		cp.nonces[k] = n
	}
	return cp
}

func (v *VRFCoordinator) Invoke(env *devchain.Env, method string, args []any) ([]any, error) {
	switch method {
	case "LINK":
		return []any{v.link}, nil
	case "requestRandomness":
		keyHash := args[0].([32]byte)
		consumer := env.Sender

		slot := crypto.Keccak256Hash(keyHash[:], consumer.Bytes())
		nonce := v.nonces[slot]
		v.nonces[slot] = nonce + 1

		var n [8]byte
		binary.BigEndian.PutUint64(n[:], nonce)
		seed := new(big.Int).SetBytes(crypto.Keccak256(keyHash[:], consumer.Bytes(), n[:]))
		requestID := crypto.Keccak256Hash(keyHash[:], common.BigToHash(seed).Bytes())

		if err := env.Emit("RandomnessRequest", consumer, keyHash, seed, [32]byte(requestID)); err != nil {
			return nil, err
		}
		return []any{[32]byte(requestID)}, nil
	case "callBackWithRandomness":
		requestID, randomness, consumer := args[0].([32]byte), args[1].(*big.Int), args[2].(common.Address)
		// Consumer reverts propagate so a bad callback leaves no trace.
		if _, err := env.Call(consumer, "rawFulfillRandomness", nil, requestID, randomness); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, devchain.Revert("unknown method " + method)
	}
}

// PriceFeed mimics Chainlink's MockV3Aggregator.
type PriceFeed struct {
	decimals  uint8
	answer    *big.Int
	round     *big.Int
	updatedAt *big.Int
}

// NewPriceFeed is the Factory for pricefeed.MockName.
// Constructor: (decimals, initialAnswer).
func NewPriceFeed(env *devchain.Env, args []any) (devchain.Contract, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("price feed: constructor takes 2 args, got %d", len(args))
	}
	return &PriceFeed{
		decimals:  args[0].(uint8),
		answer:    new(big.Int).Set(args[1].(*big.Int)),
		round:     big.NewInt(1),
		updatedAt: new(big.Int).SetUint64(env.Block),
	}, nil
}

func (p *PriceFeed) Clone() devchain.Contract {
	return &PriceFeed{
		decimals:  p.decimals,
		answer:    new(big.Int).Set(p.answer),
		round:     new(big.Int).Set(p.round),
		updatedAt: new(big.Int).Set(p.updatedAt),
	}
}

func (p *PriceFeed) Invoke(env *devchain.Env, method string, args []any) ([]any, error) {
	switch method {
	case "decimals":
		return []any{p.decimals}, nil
	case "description":
		return []any{"v0.6/tests/MockV3Aggregator.sol"}, nil
	case "version":
		return []any{big.NewInt(0)}, nil
	case "latestAnswer":
		return []any{new(big.Int).Set(p.answer)}, nil
	case "latestRoundData":
		return []any{
			new(big.Int).Set(p.round),
			new(big.Int).Set(p.answer),
			new(big.Int).Set(p.updatedAt),
			new(big.Int).Set(p.updatedAt),
			new(big.Int).Set(p.round),
		}, nil
	case "updateAnswer":
		p.answer = new(big.Int).Set(args[0].(*big.Int))
		p.round = new(big.Int).Add(p.round, big.NewInt(1))
		p.updatedAt = new(big.Int).SetUint64(env.Block)
		return nil, env.Emit("AnswerUpdated", p.answer, p.round, p.updatedAt)
	default:
		return nil, devchain.Revert("unknown method " + method)
	}
}

// SimpleStorage keeps a favourite number and a name book.
type SimpleStorage struct {
	favoriteNumber *big.Int
	people         []person
	byName         map[string]*big.Int
}

type person struct {
	favoriteNumber *big.Int
	name           string
}

// NewSimpleStorage is the Factory for simplestorage.ContractName.
func NewSimpleStorage(env *devchain.Env, args []any) (devchain.Contract, error) {
	return &SimpleStorage{favoriteNumber: new(big.Int), byName: make(map[string]*big.Int)}, nil
}

func (s *SimpleStorage) Clone() devchain.Contract {
	cp := &SimpleStorage{
		favoriteNumber: new(big.Int).Set(s.favoriteNumber),
		people:         append([]person(nil), s.people...),
		byName:         make(map[string]*big.Int, len(s.byName)),
	}
	for k, v := range s.byName {
		cp.byName[k] = v
	}
	return cp
}

func (s *SimpleStorage) Invoke(env *devchain.Env, method string, args []any) ([]any, error) {
	switch method {
	case "store":
		s.favoriteNumber = new(big.Int).Set(args[0].(*big.Int))
		return nil, nil
	case "retrieve":
		return []any{new(big.Int).Set(s.favoriteNumber)}, nil
	case "addPerson":
		name, n := args[0].(string), new(big.Int).Set(args[1].(*big.Int))
		s.people = append(s.people, person{favoriteNumber: n, name: name})
		s.byName[name] = n
		return nil, nil
	case "nameToFavoriteNumber":
		if n, ok := s.byName[args[0].(string)]; ok {
			return []any{new(big.Int).Set(n)}, nil
		}
		return []any{new(big.Int)}, nil
	case "people":
		i := args[0].(*big.Int)
		if !i.IsInt64() || i.Int64() >= int64(len(s.people)) {
			return nil, devchain.Revert("index out of range")
		}
		p := s.people[i.Int64()]
		return []any{new(big.Int).Set(p.favoriteNumber), p.name}, nil
	default:
		return nil, devchain.Revert("unknown method " + method)
	}
}
