package registry

import (
	"fmt"
	"math/big"

	"github.com/gateway-fm/supplychain/internal/sender"
)

// decodeLibraryInfo finds the first LibraryInfo event the registry emitted in
// receipt.
func (r *Registry) decodeLibraryInfo(receipt *sender.Receipt) (*LibraryReport, error) {
	event, ok := r.abi.Events["LibraryInfo"]
	if !ok {
		return nil, fmt.Errorf("LibraryInfo event missing from ABI")
	}
	for _, l := range receipt.Logs {
		if l.Address != r.address || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		var fields struct {
			Project     string
			Version     string
			Reliability *big.Int
			Level       string
		}
		if err := r.abi.UnpackIntoInterface(&fields, "LibraryInfo", l.Data); err != nil {
			return nil, fmt.Errorf("decode LibraryInfo: %w", err)
		}
		return &LibraryReport{
			Project:     fields.Project,
			Version:     fields.Version,
			Reliability: fields.Reliability,
			Level:       fields.Level,
		}, nil
	}
	return nil, fmt.Errorf("no LibraryInfo event in %s", receipt.TxHash.Hex())
}
