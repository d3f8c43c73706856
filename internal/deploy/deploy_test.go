package deploy_test

import (
	"context"
	"encoding/json"
	"slices"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/deploy"
	"github.com/mbd888/lottery/internal/devchain/contracts"
	"github.com/mbd888/lottery/internal/funding"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/oracle"
	"github.com/mbd888/lottery/internal/pricefeed"
)

func testConfig(network string) *config.Config {
	return &config.Config{
		Network:        network,
		LocalNetworks:  []string{"development"},
		EthUSDPrice:    config.DefaultEthUSDPrice,
		LinkFee:        config.DefaultLinkFee,
		LinkFundAmount: config.DefaultLinkFundAmount,
		KeyHash:        config.DefaultKeyHash,
		Randomness:     config.DefaultRandomness,
	}
}

func TestDeployLottery_Local(t *testing.T) {
	ctx := context.Background()
	c := contracts.NewChain()
	defer c.Close()
	owner, err := chain.Account(ctx, c, 0)
	require.NoError(t, err)

	d := &deploy.Deployer{Client: c, Artifacts: contracts.Source{}, Config: testConfig("development")}
	stack, err := d.DeployLottery(ctx, owner)
	require.NoError(t, err)

	for name, addr := range map[string]common.Address{
		"lottery": stack.Lottery, "feed": stack.PriceFeed, "vrf": stack.VRFCoordinator, "link": stack.LinkToken,
	} {
		assert.NotEqual(t, common.Address{}, addr, name)
	}

	price, err := pricefeed.Latest(ctx, c, stack.PriceFeed)
	require.NoError(t, err)
	assert.Equal(t, "2000", price.String())

	o := lottery.New(c, stack.Lottery)
	state, err := o.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, lottery.StateClosed, state)

	owned, err := chain.CallAddress(ctx, c, chain.CallRequest{To: stack.Lottery, ABI: &lottery.ABI, Method: "owner"})
	require.NoError(t, err)
	assert.Equal(t, owner, owned)

	// Funding twice tops up once.
	first, err := d.Fund(ctx, stack, owner)
	require.NoError(t, err)
	assert.False(t, first.Skipped())
	second, err := d.Fund(ctx, stack, owner)
	require.NoError(t, err)
	assert.True(t, second.Skipped())

	bal, err := funding.BalanceOf(ctx, c, stack.LinkToken, stack.Lottery)
	require.NoError(t, err)
	assert.Equal(t, chain.MustToWei(config.DefaultLinkFundAmount), bal)

	sim, ok := d.Fulfiller(stack, owner).(*oracle.Simulator)
	require.True(t, ok)
	assert.Equal(t, stack.VRFCoordinator, sim.Coordinator)
	assert.Equal(t, "777", sim.Randomness.String())
}

func TestCollaborators_LiveNetwork(t *testing.T) {
	cfg := testConfig("sepolia")
	d := &deploy.Deployer{Config: cfg}

	_, err := d.Collaborators(context.Background(), common.Address{})
	assert.ErrorIs(t, err, deploy.ErrMissingAddress)

	cfg.PriceFeedAddress = "0x694AA1769357215DE4FAC081bf1f309aDC325306"
	cfg.VRFCoordinatorAddress = "0x8103B0A8A00be2DDC778e6e7eaa21791Cd364625"
	cfg.LinkTokenAddress = "0x779877A7B0D9E8603169DdbD7836e478b4624789"
	stack, err := d.Collaborators(context.Background(), common.Address{})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(cfg.PriceFeedAddress), stack.PriceFeed)
	assert.Equal(t, common.HexToAddress(cfg.LinkTokenAddress), stack.LinkToken)
	assert.Equal(t, common.HexToAddress(cfg.VRFCoordinatorAddress), stack.VRFCoordinator)

	// No simulator off local networks: the real oracle answers.
	assert.Nil(t, d.Fulfiller(stack, common.Address{}))
}

func TestExisting(t *testing.T) {
	cfg := testConfig("development")
	_, err := deploy.Existing(cfg)
	assert.ErrorIs(t, err, deploy.ErrMissingAddress)

	cfg.LotteryAddress = "0x00000000000000000000000000000000000000c0"
	stack, err := deploy.Existing(cfg)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(cfg.LotteryAddress), stack.Lottery)
	assert.Equal(t, common.Address{}, stack.LinkToken)
}

func TestDeployMocks_BadPrice(t *testing.T) {
	cfg := testConfig("development")
	cfg.EthUSDPrice = "lots"
	d := &deploy.Deployer{Client: contracts.NewChain(), Artifacts: contracts.Source{}, Config: cfg}

	_, err := d.DeployMocks(context.Background(), common.Address{})
	assert.Error(t, err)
}

// legacyLottery serves a lottery artifact built from an interface without the
// playerCount and pendingRequestId getters.
type legacyLottery struct {
	contracts.Source
}

func (s legacyLottery) Artifact(name string) (*chain.Artifact, error) {
	if name != lottery.ContractName {
		return s.Source.Artifact(name)
	}
	var entries []map[string]any
	if err := json.Unmarshal([]byte(lottery.ABIJSON), &entries); err != nil {
		return nil, err
	}
	entries = slices.DeleteFunc(entries, func(e map[string]any) bool {
		return e["name"] == "playerCount" || e["name"] == "pendingRequestId"
	})
	trimmed, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return chain.NewArtifact(name, string(trimmed), "0x6080")
}

func TestDeployLottery_RejectsIncompatibleArtifact(t *testing.T) {
	ctx := context.Background()
	c := contracts.NewChain()
	defer c.Close()
	owner, err := chain.Account(ctx, c, 0)
	require.NoError(t, err)

	d := &deploy.Deployer{Client: c, Artifacts: legacyLottery{}, Config: testConfig("development")}
	_, err = d.DeployLottery(ctx, owner)
	require.ErrorIs(t, err, chain.ErrInvalidArtifact)
	assert.Contains(t, err.Error(), "playerCount()")
	assert.Contains(t, err.Error(), "pendingRequestId()")
}

func TestCheckArtifact_AcceptsNativeLottery(t *testing.T) {
	assert.NoError(t, lottery.CheckArtifact(contracts.MustArtifact(lottery.ContractName)))
}
