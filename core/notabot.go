package core

import (
	"math/big"
	"time"
)

// FundingLedgerEntry tracks how often a rivet address has been funded
type FundingLedgerEntry struct {
	RivetAddress  string    `json:"rivetAddress"`
	FirstFundedAt time.Time `json:"firstFundedAt"`
	LastFundedAt  time.Time `json:"lastFundedAt"`
	FundingCount  int       `json:"fundingCount"`
}

// NotabotEvent is one link of a client-side event chain
type NotabotEvent struct {
	Timestamp    int64   `json:"timestamp"` // unix milliseconds
	EntropyScore float64 `json:"entropyScore"`
	EventType    string  `json:"eventType"`
	PreviousHash string  `json:"previousHash"`
	Hash         string  `json:"hash"`
	Signature    string  `json:"signature"`
}

// NotabotCommitment is the score state recorded on the ledger
type NotabotCommitment struct {
	TotalPoints *big.Int `json:"totalPoints"`
	ChainHead   string   `json:"chainHead"`
	EventCount  uint64   `json:"eventCount"`
	LastUpdate  uint64   `json:"lastUpdate"`
}

// TxReceipt is the subset of a ledger receipt callers care about
type TxReceipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
	Success     bool   `json:"success"`
}

// UnsignedTx describes a transaction the client must sign locally
type UnsignedTx struct {
	ChainID              *big.Int `json:"chainId"`
	From                 string   `json:"from"`
	To                   string   `json:"to"`
	Nonce                uint64   `json:"nonce"`
	Gas                  uint64   `json:"gas"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
	Value                *big.Int `json:"value"`
	Data                 string   `json:"data"`
}

// CommitPreparation is returned by the commit endpoint
type CommitPreparation struct {
	Funding     *TxReceipt  `json:"funding,omitempty"`
	Transaction *UnsignedTx `json:"transaction"`
}
