package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/lottery/internal/devchain"
	"github.com/mbd888/lottery/internal/lottery"
)

// USDEntryFee is the ticket price in USD with 18 decimals (50 USD).
var USDEntryFee = new(big.Int).Mul(big.NewInt(50), big.NewInt(1e18))

// Lottery is the native lottery: players buy tickets while OPEN, the owner
// ends the round by requesting randomness from the VRF coordinator, and the
// coordinator's callback pays the whole pot to players[randomness % n].
type Lottery struct {
	owner          common.Address
	priceFeed      common.Address
	vrfCoordinator common.Address
	link           common.Address
	fee            *big.Int
	keyHash        [32]byte

	state        lottery.State
	players      []common.Address
	recentWinner common.Address
	randomness   *big.Int
	pending      [32]byte
}

// NewLottery is the Factory for lottery.ContractName.
// Constructor: (priceFeed, vrfCoordinator, link, fee, keyHash).
func NewLottery(env *devchain.Env, args []any) (devchain.Contract, error) {
	if len(args) != 5 {
		return nil, fmt.Errorf("lottery: constructor takes 5 args, got %d", len(args))
	}
	return &Lottery{
		owner:          env.Sender,
		priceFeed:      args[0].(common.Address),
		vrfCoordinator: args[1].(common.Address),
		link:           args[2].(common.Address),
		fee:            new(big.Int).Set(args[3].(*big.Int)),
		keyHash:        args[4].([32]byte),
		state:          lottery.StateClosed,
		randomness:     new(big.Int),
	}, nil
}

func (l *Lottery) Clone() devchain.Contract {
	cp := *l
	cp.players = append([]common.Address(nil), l.players...)
	cp.fee = new(big.Int).Set(l.fee)
	cp.randomness = new(big.Int).Set(l.randomness)
	return &cp
}

func (l *Lottery) Invoke(env *devchain.Env, method string, args []any) ([]any, error) {
	switch method {
	case "getEntranceFee":
		fee, err := l.entranceFee(env)
		if err != nil {
			return nil, err
		}
		return []any{fee}, nil
	case "enter":
		return nil, l.enter(env)
	case "startLottery":
		return nil, l.start(env)
	case "endLottery":
		return nil, l.end(env)
	case "rawFulfillRandomness":
		return nil, l.fulfill(env, args[0].([32]byte), args[1].(*big.Int))
	case "lottery_state":
		return []any{uint8(l.state)}, nil
	case "players":
		i := args[0].(*big.Int)
		if !i.IsInt64() || i.Int64() >= int64(len(l.players)) {
			return nil, devchain.Revert("index out of range")
		}
		return []any{l.players[i.Int64()]}, nil
	case "playerCount":
		return []any{big.NewInt(int64(len(l.players)))}, nil
	case "recentWinner":
		return []any{l.recentWinner}, nil
	case "randomness":
		return []any{new(big.Int).Set(l.randomness)}, nil
	case "pendingRequestId":
		return []any{l.pending}, nil
	case "usdEntryFee":
		return []any{new(big.Int).Set(USDEntryFee)}, nil
	case "owner":
		return []any{l.owner}, nil
	default:
		return nil, devchain.Revert("unknown method " + method)
	}
}

// entranceFee converts the USD ticket price to wei at the feed's price.
func (l *Lottery) entranceFee(env *devchain.Env) (*big.Int, error) {
	round, err := env.Call(l.priceFeed, "latestRoundData", nil)
	if err != nil {
		return nil, err
	}
	dec, err := env.Call(l.priceFeed, "decimals", nil)
	if err != nil {
		return nil, err
	}
	price := round[1].(*big.Int)
	if price.Sign() <= 0 {
		return nil, devchain.Revert("invalid price")
	}
	// Scale the answer to 18 decimals.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-int(dec[0].(uint8)))), nil)
	adjusted := new(big.Int).Mul(price, scale)

	fee := new(big.Int).Mul(USDEntryFee, big.NewInt(1e18))
	return fee.Quo(fee, adjusted), nil
}

func (l *Lottery) enter(env *devchain.Env) error {
	if err := devchain.Require(l.state == lottery.StateOpen, lottery.ReasonNotOpen); err != nil {
		return err
	}
	fee, err := l.entranceFee(env)
	if err != nil {
		return err
	}
	if err := devchain.Require(env.Value.Cmp(fee) >= 0, lottery.ReasonNotEnoughETH); err != nil {
		return err
	}
	l.players = append(l.players, env.Sender)
	return nil
}

func (l *Lottery) start(env *devchain.Env) error {
	if err := devchain.Require(env.Sender == l.owner, lottery.ReasonNotOwner); err != nil {
		return err
	}
	if err := devchain.Require(l.state == lottery.StateClosed, lottery.ReasonCantStart); err != nil {
		return err
	}
	l.state = lottery.StateOpen
	return nil
}

func (l *Lottery) end(env *devchain.Env) error {
	if err := devchain.Require(env.Sender == l.owner, lottery.ReasonNotOwner); err != nil {
		return err
	}
	if err := devchain.Require(l.state == lottery.StateOpen, lottery.ReasonNotOpen); err != nil {
		return err
	}
	if err := devchain.Require(len(l.players) > 0, lottery.ReasonNoPlayers); err != nil {
		return err
	}
	bal, err := env.Call(l.link, "balanceOf", nil, env.Self)
	if err != nil {
		return err
	}
	if err := devchain.Require(bal[0].(*big.Int).Cmp(l.fee) >= 0, lottery.ReasonNotEnoughLINK); err != nil {
		return err
	}

	l.state = lottery.StateCalculating
	if _, err := env.Call(l.link, "transfer", nil, l.vrfCoordinator, l.fee); err != nil {
		return err
	}
	out, err := env.Call(l.vrfCoordinator, "requestRandomness", nil, l.keyHash, l.fee)
	if err != nil {
		return err
	}
	l.pending = out[0].([32]byte)
	return env.Emit(lottery.EventRequestRandomness, l.pending)
}

func (l *Lottery) fulfill(env *devchain.Env, requestID [32]byte, randomness *big.Int) error {
	if err := devchain.Require(env.Sender == l.vrfCoordinator, lottery.ReasonOnlyCoordinator); err != nil {
		return err
	}
	if err := devchain.Require(requestID == l.pending, lottery.ReasonUnknownRequest); err != nil {
		return err
	}
	if err := devchain.Require(l.state == lottery.StateCalculating, lottery.ReasonNotCalculating); err != nil {
		return err
	}
	if err := devchain.Require(randomness.Sign() > 0, lottery.ReasonNoRandomness); err != nil {
		return err
	}

	idx := new(big.Int).Mod(randomness, big.NewInt(int64(len(l.players)))).Int64()
	winner := l.players[idx]
	pot := env.Balance(env.Self)
	if err := env.Transfer(winner, pot); err != nil {
		return err
	}

	l.recentWinner = winner
	l.randomness = new(big.Int).Set(randomness)
	l.players = nil
	l.state = lottery.StateClosed
	l.pending = [32]byte{}
	return env.Emit(lottery.EventWinnerPicked, winner, requestID, pot, randomness)
}
