package lottery

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/mbd888/lottery/internal/chain"
)

// ContractName is the artifact name of the lottery contract.
const ContractName = "Lottery"

// Revert reasons raised by the lottery contract.
const (
	ReasonNotOpen         = "lottery not open"
	ReasonNotEnoughETH    = "not enough ETH"
	ReasonCantStart       = "can't start a new lottery yet"
	ReasonNotOwner        = "only owner"
	ReasonNoPlayers       = "no players"
	ReasonNotEnoughLINK   = "not enough LINK"
	ReasonNotCalculating  = "lottery not calculating"
	ReasonUnknownRequest  = "unknown request"
	ReasonOnlyCoordinator = "only VRF coordinator can fulfill"
	ReasonNoRandomness    = "random-not-found"
)

// Event names.
const (
	EventRequestRandomness = "RequestRandomness"
	EventWinnerPicked      = "WinnerPicked"
)

// ABIJSON is the lottery contract interface.
const ABIJSON = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[
		{"name":"_priceFeedAddress","type":"address"},
		{"name":"_vrfCoordinator","type":"address"},
		{"name":"_link","type":"address"},
		{"name":"_fee","type":"uint256"},
		{"name":"_keyhash","type":"bytes32"}]},
	{"type":"function","name":"enter","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"getEntranceFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"startLottery","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"endLottery","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"rawFulfillRandomness","stateMutability":"nonpayable","inputs":[
		{"name":"requestId","type":"bytes32"},
		{"name":"randomness","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"lottery_state","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"players","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"playerCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"recentWinner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"randomness","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"pendingRequestId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"usdEntryFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"RequestRandomness","anonymous":false,"inputs":[
		{"name":"requestId","type":"bytes32","indexed":false}]},
	{"type":"event","name":"WinnerPicked","anonymous":false,"inputs":[
		{"name":"winner","type":"address","indexed":true},
		{"name":"requestId","type":"bytes32","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"randomness","type":"uint256","indexed":false}]}
]`

// ABI is the parsed lottery interface.
var ABI = chain.MustParseABI(ABIJSON)

// CheckArtifact reports an artifact whose interface lacks a method or event
// the Orchestrator uses, or declares one with a different signature. Contracts
// compiled from contracts/Lottery.sol pass.
func CheckArtifact(a *chain.Artifact) error {
	var missing []string
	for name, want := range ABI.Methods {
		got, ok := a.ABI.Methods[name]
		if !ok || got.Sig != want.Sig || !sameTypes(got.Outputs, want.Outputs) {
			missing = append(missing, want.Sig)
		}
	}
	for name, want := range ABI.Events {
		got, ok := a.ABI.Events[name]
		if !ok || got.Sig != want.Sig {
			missing = append(missing, "event "+want.Sig)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("%w: %s lacks %s", chain.ErrInvalidArtifact, a.Name, strings.Join(missing, ", "))
}

func sameTypes(a, b abi.Arguments) bool {
	return slices.EqualFunc(a, b, func(x, y abi.Argument) bool {
		return x.Type.String() == y.Type.String()
	})
}
