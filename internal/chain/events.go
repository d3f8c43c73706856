package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event is a decoded contract log.
type Event struct {
	Name    string
	Address common.Address
	TxHash  common.Hash
	Index   uint
	Args    map[string]any
}

// DecodeEvents decodes the logs emitted by contract that appear in a.
// Logs from other addresses or with unknown signatures are skipped.
func DecodeEvents(a *abi.ABI, contract common.Address, logs []*types.Log) ([]Event, error) {
	var events []Event
	for _, l := range logs {
		if l.Address != contract || len(l.Topics) == 0 {
			continue
		}
		ev, err := a.EventByID(l.Topics[0])
		if err != nil {
			continue
		}

		args := make(map[string]any)
		if err := ev.Inputs.UnpackIntoMap(args, l.Data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", ev.Name, err)
		}
		var indexed abi.Arguments
		for _, in := range ev.Inputs {
			if in.Indexed {
				indexed = append(indexed, in)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
				return nil, fmt.Errorf("decode %s topics: %w", ev.Name, err)
			}
		}

		events = append(events, Event{
			Name:    ev.Name,
			Address: l.Address,
			TxHash:  l.TxHash,
			Index:   l.Index,
			Args:    args,
		})
	}
	return events, nil
}

// FindEvent returns the first event called name in receipt.
func FindEvent(a *abi.ABI, contract common.Address, receipt *types.Receipt, name string) (*Event, error) {
	events, err := DecodeEvents(a, contract, receipt.Logs)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].Name == name {
			return &events[i], nil
		}
	}
	return nil, fmt.Errorf("chain: event %s not found in tx %s", name, receipt.TxHash.Hex())
}
