// Package deploy puts the lottery and its collaborators on a network.
//
// On local networks the price feed, LINK token and VRF coordinator are mocks
// deployed on demand; on live and forked networks their configured addresses
// are used as is.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/funding"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/oracle"
	"github.com/mbd888/lottery/internal/pricefeed"
)

var ErrMissingAddress = errors.New("deploy: contract address not configured")

// Stack is the set of contracts a lottery works with.
type Stack struct {
	Lottery        common.Address `json:"lottery"`
	PriceFeed      common.Address `json:"priceFeed"`
	VRFCoordinator common.Address `json:"vrfCoordinator"`
	LinkToken      common.Address `json:"linkToken"`
}

// Deployer deploys contracts resolved from Artifacts.
type Deployer struct {
	Client    chain.Client
	Artifacts chain.ArtifactSource
	Config    *config.Config
	Logger    *slog.Logger
}

func (d *Deployer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// interfaceChecks vet artifacts whose interface the tooling depends on before
// anything is sent.
var interfaceChecks = map[string]func(*chain.Artifact) error{
	lottery.ContractName: lottery.CheckArtifact,
}

func (d *Deployer) deploy(ctx context.Context, from common.Address, name string, args ...any) (common.Address, error) {
	artifact, err := d.Artifacts.Artifact(name)
	if err != nil {
		return common.Address{}, err
	}
	if check, ok := interfaceChecks[name]; ok {
		if err := check(artifact); err != nil {
			return common.Address{}, err
		}
	}
	addr, receipt, err := d.Client.Deploy(ctx, from, artifact, args...)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: %w", name, err)
	}
	d.logger().Info("deployed", "contract", name, "address", addr.Hex(), "tx", receipt.TxHash.Hex())
	return addr, nil
}

// DeployMocks deploys the price feed, LINK token and VRF coordinator mocks.
func (d *Deployer) DeployMocks(ctx context.Context, from common.Address) (*Stack, error) {
	answer, err := pricefeed.ToAnswer(d.Config.EthUSDPrice, config.FeedDecimals)
	if err != nil {
		return nil, fmt.Errorf("ETH_USD_PRICE: %w", err)
	}

	d.logger().Info("deploying mocks", "network", d.Config.Network)
	stack := &Stack{}
	if stack.PriceFeed, err = d.deploy(ctx, from, pricefeed.MockName, uint8(config.FeedDecimals), answer); err != nil {
		return nil, err
	}
	if stack.LinkToken, err = d.deploy(ctx, from, funding.TokenName); err != nil {
		return nil, err
	}
	if stack.VRFCoordinator, err = d.deploy(ctx, from, oracle.CoordinatorName, stack.LinkToken); err != nil {
		return nil, err
	}
	return stack, nil
}

// Collaborators returns the price feed, LINK token and coordinator for the
// configured network, deploying mocks on local networks.
func (d *Deployer) Collaborators(ctx context.Context, from common.Address) (*Stack, error) {
	if d.Config.IsLocal() {
		return d.DeployMocks(ctx, from)
	}
	stack := &Stack{}
	for _, c := range []struct {
		dst  *common.Address
		addr string
		name string
	}{
		{&stack.PriceFeed, d.Config.PriceFeedAddress, "PRICE_FEED_ADDRESS"},
		{&stack.LinkToken, d.Config.LinkTokenAddress, "LINK_TOKEN_ADDRESS"},
		{&stack.VRFCoordinator, d.Config.VRFCoordinatorAddress, "VRF_COORDINATOR_ADDRESS"},
	} {
		if !common.IsHexAddress(c.addr) {
			return nil, fmt.Errorf("%w: %s", ErrMissingAddress, c.name)
		}
		*c.dst = common.HexToAddress(c.addr)
	}
	return stack, nil
}

// DeployLottery deploys a lottery wired to the network's collaborators.
func (d *Deployer) DeployLottery(ctx context.Context, owner common.Address) (*Stack, error) {
	stack, err := d.Collaborators(ctx, owner)
	if err != nil {
		return nil, err
	}
	keyHash, err := d.Config.KeyHashBytes()
	if err != nil {
		return nil, err
	}
	stack.Lottery, err = d.deploy(ctx, owner, lottery.ContractName,
		stack.PriceFeed, stack.VRFCoordinator, stack.LinkToken, d.Config.LinkFeeWei(), keyHash)
	if err != nil {
		return nil, err
	}
	return stack, nil
}

// Existing returns the stack of an already deployed lottery from config.
// Collaborator addresses that are not configured stay zero.
func Existing(cfg *config.Config) (*Stack, error) {
	if !common.IsHexAddress(cfg.LotteryAddress) {
		return nil, fmt.Errorf("%w: LOTTERY_ADDRESS", ErrMissingAddress)
	}
	return &Stack{
		Lottery:        common.HexToAddress(cfg.LotteryAddress),
		PriceFeed:      common.HexToAddress(cfg.PriceFeedAddress),
		VRFCoordinator: common.HexToAddress(cfg.VRFCoordinatorAddress),
		LinkToken:      common.HexToAddress(cfg.LinkTokenAddress),
	}, nil
}

// Fund tops up the lottery's LINK to the configured amount.
func (d *Deployer) Fund(ctx context.Context, stack *Stack, from common.Address) (*funding.Result, error) {
	return funding.FundWithAsset(ctx, d.Client, stack.LinkToken, from, stack.Lottery, d.Config.LinkFundWei())
}

// Fulfiller returns the oracle simulator for the stack's coordinator, or nil
// when the network's oracle answers on its own.
func (d *Deployer) Fulfiller(stack *Stack, from common.Address) lottery.Fulfiller {
	if !d.Config.SupportsOracleSimulation() {
		return nil
	}
	return &oracle.Simulator{
		Client:      d.Client,
		Coordinator: stack.VRFCoordinator,
		From:        from,
		Randomness:  new(big.Int).Set(d.Config.RandomnessValue()),
	}
}
