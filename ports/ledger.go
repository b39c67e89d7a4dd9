package ports

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/rivetgate/core"
)

// Ledger is the external source of truth for membership, balances and scores.
// Every call may block on the network; callers bound it with a context deadline.
type Ledger interface {
	GetMembership(ctx context.Context, list string) ([]core.ListMembership, error)
	MutateMembership(ctx context.Context, list string, op core.MembershipOp) (*core.TxReceipt, error)
	GetSponsor(ctx context.Context) (string, error)

	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (tip *big.Int, baseFee *big.Int, err error)
	EstimateGas(ctx context.Context, from common.Address, to common.Address, value *big.Int, data []byte) (uint64, error)
	SendSignedTransaction(ctx context.Context, tx *types.Transaction) (*core.TxReceipt, error)

	GetNotabotCommitment(ctx context.Context, address common.Address) (*core.NotabotCommitment, error)
	// NotabotCommitCalldata encodes the commit call the rivet signs itself
	NotabotCommitCalldata(commitment core.NotabotCommitment) ([]byte, error)
	// IsNotabotCommit reports whether calldata invokes the commit method
	IsNotabotCommit(data []byte) bool
	NotabotContract() common.Address
}
