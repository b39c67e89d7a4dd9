package eth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FeeParams are the EIP-1559 inputs for a new transaction
type FeeParams struct {
	Tip     *big.Int
	BaseFee *big.Int
	// TipMultiplier raises the suggested tip for priority inclusion, 1 keeps it as is
	TipMultiplier int64
}

// Caps returns the priority fee and max fee per gas.
// The fee cap leaves room for two full base fee doublings.
func (p FeeParams) Caps() (tip *big.Int, feeCap *big.Int) {
	mult := p.TipMultiplier
	if mult < 1 {
		mult = 1
	}
	tip = new(big.Int).Mul(nonNil(p.Tip), big.NewInt(mult))
	feeCap = new(big.Int).Mul(nonNil(p.BaseFee), big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tip, feeCap
}

// NewDynamicFeeTx builds an unsigned EIP-1559 transaction
func NewDynamicFeeTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gas uint64, fees FeeParams, data []byte) *types.Transaction {
	tip, feeCap := fees.Caps()
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     nonNil(value),
		Data:      data,
	})
}

// Sender recovers the signer of a signed transaction
func Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
