// Package txbuilder constructs and signs the transaction envelopes the
// submitter sends.
package txbuilder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Envelope holds the fields of one outgoing call.
type Envelope struct {
	ChainID  *big.Int
	Nonce    uint64
	To       *common.Address // nil deploys a contract
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	// GasTipCap applies to dynamic-fee envelopes only; defaults to GasPrice.
	GasTipCap *big.Int
	Data      []byte
	Legacy    bool
}

// Build creates either a LegacyTx carrying GasPrice or a DynamicFeeTx using
// GasPrice as the fee cap.
func Build(e Envelope) *types.Transaction {
	value := e.Value
	if value == nil {
		value = new(big.Int)
	}
	if e.Legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    e.Nonce,
			GasPrice: e.GasPrice,
			Gas:      e.Gas,
			To:       e.To,
			Value:    value,
			Data:     e.Data,
		})
	}
	tip := e.GasTipCap
	if tip == nil || tip.Cmp(e.GasPrice) > 0 {
		tip = e.GasPrice
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.ChainID,
		Nonce:     e.Nonce,
		GasTipCap: tip,
		GasFeeCap: e.GasPrice,
		Gas:       e.Gas,
		To:        e.To,
		Value:     value,
		Data:      e.Data,
	})
}

// Sign signs the envelope for its chain and returns the signed transaction
// with its binary encoding.
func Sign(e Envelope, key *ecdsa.PrivateKey) (*types.Transaction, []byte, error) {
	signed, err := types.SignTx(Build(e), types.LatestSignerForChainID(e.ChainID), key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("encode tx: %w", err)
	}
	return signed, raw, nil
}
