// Package contracts holds native implementations of the contracts the lottery
// tooling deploys to the dev chain, together with the artifacts that name
// them.
package contracts

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/devchain"
	"github.com/mbd888/lottery/internal/funding"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/oracle"
	"github.com/mbd888/lottery/internal/pricefeed"
	"github.com/mbd888/lottery/internal/simplestorage"
)

type entry struct {
	abi     abi.ABI
	factory devchain.Factory
}

var registry = map[string]entry{
	lottery.ContractName:       {lottery.ABI, NewLottery},
	simplestorage.ContractName: {simplestorage.ABI, NewSimpleStorage},
	funding.TokenName:          {funding.ABI, NewLinkToken},
	oracle.CoordinatorName:     {oracle.ABI, NewVRFCoordinator},
	pricefeed.MockName:         {pricefeed.ABI, NewPriceFeed},
}

// Install registers every native contract with c.
func Install(c *devchain.Chain) {
	for name, e := range registry {
		c.Install(name, e.factory)
	}
}

// Source serves artifacts for the native contracts. The bytecode is a marker
// derived from the name; the dev chain dispatches on the artifact name.
type Source struct{}

var _ chain.ArtifactSource = Source{}

// Artifact implements chain.ArtifactSource.
func (Source) Artifact(name string) (*chain.Artifact, error) {
	e, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: no native contract %s", chain.ErrInvalidArtifact, name)
	}
	return &chain.Artifact{
		Name:     name,
		ABI:      e.abi,
		Bytecode: crypto.Keccak256([]byte("devchain:" + name)),
	}, nil
}

// MustArtifact is Source.Artifact for names known to exist.
func MustArtifact(name string) *chain.Artifact {
	a, err := Source{}.Artifact(name)
	if err != nil {
		panic(err)
	}
	return a
}

// NewChain creates a dev chain with every native contract installed.
func NewChain(opts ...devchain.Option) *devchain.Chain {
	c := devchain.New(opts...)
	Install(c)
	return c
}
