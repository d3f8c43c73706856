package simplestorage_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/devchain"
	"github.com/mbd888/lottery/internal/devchain/contracts"
	"github.com/mbd888/lottery/internal/simplestorage"
)

func run(t *testing.T, ctx context.Context, c *devchain.Chain, value *big.Int) (*simplestorage.Report, error) {
	t.Helper()
	from, err := chain.Account(ctx, c, 0)
	require.NoError(t, err)
	return simplestorage.Run(ctx, c, contracts.MustArtifact(simplestorage.ContractName), from, value)
}

func TestRun_MineOnWait(t *testing.T) {
	c := contracts.NewChain(devchain.WithMiningMode(devchain.MineOnWait))
	defer c.Close()

	report, err := run(t, context.Background(), c, nil)
	require.NoError(t, err)

	assert.Zero(t, report.Initial.Sign())
	assert.Zero(t, report.Simulated.Sign(), "simulated store must not persist")
	assert.Zero(t, report.Unmined.Sign(), "read before the receipt sees the old value")
	assert.Equal(t, big.NewInt(15), report.Final)
	assert.Equal(t, simplestorage.DefaultValue, report.Expected)
	assert.NotNil(t, report.Block)
}

func TestRun_Automine(t *testing.T) {
	c := contracts.NewChain()
	defer c.Close()

	report, err := run(t, context.Background(), c, big.NewInt(42))
	require.NoError(t, err)

	assert.Zero(t, report.Simulated.Sign())
	// Mined on submission.
	assert.Equal(t, big.NewInt(42), report.Unmined)
	assert.Equal(t, big.NewInt(42), report.Final)
}

func TestRun_ManualNeverMinedTimesOut(t *testing.T) {
	c := contracts.NewChain(devchain.WithMiningMode(devchain.Manual))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := run(t, ctx, c, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_BlockTimer(t *testing.T) {
	c := contracts.NewChain(devchain.WithBlockTime(5 * time.Millisecond))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := run(t, ctx, c, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(15), report.Final)
}

func TestPeople(t *testing.T) {
	ctx := context.Background()
	c := contracts.NewChain()
	defer c.Close()

	report, err := run(t, ctx, c, nil)
	require.NoError(t, err)
	from, err := chain.Account(ctx, c, 0)
	require.NoError(t, err)

	_, err = chain.SendAndWait(ctx, c, chain.TxRequest{
		From: from, To: report.Address, ABI: &simplestorage.ABI,
		Method: "addPerson", Args: []any{"Ada", big.NewInt(7)},
	})
	require.NoError(t, err)

	n, err := chain.CallBig(ctx, c, chain.CallRequest{
		To: report.Address, ABI: &simplestorage.ABI, Method: "nameToFavoriteNumber", Args: []any{"Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), n)

	out, err := c.Call(ctx, chain.CallRequest{
		To: report.Address, ABI: &simplestorage.ABI, Method: "people", Args: []any{big.NewInt(0)},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, big.NewInt(7), out[0])
	assert.Equal(t, "Ada", out[1])

	_, err = c.Call(ctx, chain.CallRequest{
		To: report.Address, ABI: &simplestorage.ABI, Method: "people", Args: []any{big.NewInt(1)},
	})
	assert.True(t, chain.IsRevert(err))
}
