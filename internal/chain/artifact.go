package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ArtifactSource resolves compiled contracts by name.
type ArtifactSource interface {
	Artifact(name string) (*Artifact, error)
}

// MustParseABI parses a JSON ABI and panics on malformed input.
// Only use it for ABI constants compiled into the binary.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse ABI: %v", err))
	}
	return parsed
}

// NewArtifact builds an artifact from a JSON ABI and hex bytecode.
func NewArtifact(name, abiJSON, bytecodeHex string) (*Artifact, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %s abi: %v", ErrInvalidArtifact, name, err)
	}
	return &Artifact{
		Name:     name,
		ABI:      parsed,
		Bytecode: common.FromHex(bytecodeHex),
	}, nil
}

// solc standard-JSON output, trimmed to what deployment needs.
type standardOutput struct {
	Contracts map[string]map[string]struct {
		ABI json.RawMessage `json:"abi"`
		EVM struct {
			Bytecode struct {
				Object string `json:"object"`
			} `json:"bytecode"`
		} `json:"evm"`
	} `json:"contracts"`
	Errors []struct {
		Severity         string `json:"severity"`
		FormattedMessage string `json:"formattedMessage"`
	} `json:"errors"`
}

// build-directory artifact as written by brownie/hardhat/truffle.
type buildArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// ParseArtifact extracts contract name from either a solc standard-JSON
// output document or a single-contract build artifact.
func ParseArtifact(data []byte, name string) (*Artifact, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	if _, ok := top["contracts"]; ok {
		var out standardOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
		}
		for _, e := range out.Errors {
			if e.Severity == "error" {
				return nil, fmt.Errorf("%w: compiler error: %s", ErrInvalidArtifact, e.FormattedMessage)
			}
		}
		for _, contracts := range out.Contracts {
			c, ok := contracts[name]
			if !ok {
				continue
			}
			return NewArtifact(name, string(c.ABI), c.EVM.Bytecode.Object)
		}
		return nil, fmt.Errorf("%w: contract %s not found in compiler output", ErrInvalidArtifact, name)
	}

	var b buildArtifact
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if len(bytes.TrimSpace(b.ABI)) == 0 {
		return nil, fmt.Errorf("%w: %s has no abi", ErrInvalidArtifact, name)
	}
	if b.ContractName != "" && b.ContractName != name {
		return nil, fmt.Errorf("%w: file holds %s, want %s", ErrInvalidArtifact, b.ContractName, name)
	}
	return NewArtifact(name, string(b.ABI), b.Bytecode)
}

// LoadArtifact reads a compiled contract from disk.
func LoadArtifact(path, name string) (*Artifact, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied artifact path
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return ParseArtifact(data, name)
}

// DirArtifacts resolves <dir>/<Name>.json build artifacts.
//
// The Lottery artifact must expose the interface of contracts/Lottery.sol:
// besides enter, startLottery, endLottery and the VRF callback it needs the
// view getters lottery_state, players(uint256), playerCount, recentWinner,
// randomness, pendingRequestId, getEntranceFee, usdEntryFee and owner. The
// deployer checks this before sending anything, so a build of an older
// contract without playerCount or pendingRequestId is refused.
type DirArtifacts string

// Artifact implements ArtifactSource.
func (d DirArtifacts) Artifact(name string) (*Artifact, error) {
	return LoadArtifact(filepath.Join(string(d), name+".json"), name)
}
