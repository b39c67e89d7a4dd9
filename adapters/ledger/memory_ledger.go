package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/ports"
)

// MemoryLedger is a process-local Ledger for development and tests.
// Transactions are applied immediately and always "mined" in the next block.
type MemoryLedger struct {
	mu          sync.Mutex
	chainID     *big.Int
	sponsor     string
	notabot     common.Address
	lists       map[string][]core.ListMembership
	balances    map[common.Address]*big.Int
	nonces      map[common.Address]uint64
	commitments map[common.Address]*core.NotabotCommitment
	sent        []*types.Transaction
	block       uint64
	delay       time.Duration
	failErr     error
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger(chainID int64, sponsor string, notabot common.Address) *MemoryLedger {
	return &MemoryLedger{
		chainID:     big.NewInt(chainID),
		sponsor:     sponsor,
		notabot:     notabot,
		lists:       make(map[string][]core.ListMembership),
		balances:    make(map[common.Address]*big.Int),
		nonces:      make(map[common.Address]uint64),
		commitments: make(map[common.Address]*core.NotabotCommitment),
	}
}

// SetBalance credits an address
func (l *MemoryLedger) SetBalance(address common.Address, wei *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = new(big.Int).Set(wei)
}

// SetDelay makes every call block for d or until its context expires
func (l *MemoryLedger) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// FailWith makes every call return err until reset with nil
func (l *MemoryLedger) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

// Sent returns the transactions broadcast so far
func (l *MemoryLedger) Sent() []*types.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*types.Transaction(nil), l.sent...)
}

func (l *MemoryLedger) GetMembership(ctx context.Context, list string) ([]core.ListMembership, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.ListMembership(nil), l.lists[list]...), nil
}

func (l *MemoryLedger) MutateMembership(ctx context.Context, list string, op core.MembershipOp) (*core.TxReceipt, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	members := l.lists[list]
	kept := members[:0:0]
	for _, m := range members {
		if !core.SameAddress(m.Address, op.Address) {
			kept = append(kept, m)
		}
	}

	switch op.Kind {
	case core.MembershipAdd:
		kept = append(kept, core.ListMembership{
			Address:     op.Address,
			DisplayName: op.DisplayName,
			Role:        op.Role,
			AddedAt:     time.Now().UTC(),
			Metadata:    op.Metadata,
		})
	case core.MembershipRemove:
	default:
		return nil, fmt.Errorf("unknown membership op %q", op.Kind)
	}
	l.lists[list] = kept

	return l.mine(common.Hash{}), nil
}

func (l *MemoryLedger) GetSponsor(ctx context.Context) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	return l.sponsor, nil
}

func (l *MemoryLedger) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (l *MemoryLedger) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(l.chainID), nil
}

func (l *MemoryLedger) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[address], nil
}

func (l *MemoryLedger) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	if err := l.wait(ctx); err != nil {
		return nil, nil, err
	}
	return big.NewInt(1_000_000_000), big.NewInt(10_000_000_000), nil
}

func (l *MemoryLedger) EstimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 21_000, nil
	}
	return 100_000, nil
}

func (l *MemoryLedger) SendSignedTransaction(ctx context.Context, tx *types.Transaction) (*core.TxReceipt, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	from, err := eth.Sender(tx)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Nonce() != l.nonces[from] {
		return nil, fmt.Errorf("nonce mismatch: have %d want %d", tx.Nonce(), l.nonces[from])
	}
	cost := tx.Cost()
	balance := l.balances[from]
	if balance == nil || balance.Cmp(cost) < 0 {
		return nil, fmt.Errorf("insufficient funds for gas * price + value")
	}

	if to := tx.To(); to != nil && *to == l.notabot && len(tx.Data()) > 0 {
		c, err := unpackCommit(tx.Data())
		if err != nil {
			return nil, err
		}
		c.LastUpdate = uint64(time.Now().Unix())
		l.commitments[from] = c
	}

	balance.Sub(balance, cost)
	if to := tx.To(); to != nil && tx.Value().Sign() > 0 {
		if l.balances[*to] == nil {
			l.balances[*to] = new(big.Int)
		}
		l.balances[*to].Add(l.balances[*to], tx.Value())
	}
	l.nonces[from]++
	l.sent = append(l.sent, tx)

	return l.mine(tx.Hash()), nil
}

func (l *MemoryLedger) GetNotabotCommitment(ctx context.Context, address common.Address) (*core.NotabotCommitment, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.commitments[address]; ok {
		copied := *c
		return &copied, nil
	}
	return &core.NotabotCommitment{TotalPoints: new(big.Int), ChainHead: common.Hash{}.Hex()}, nil
}

func (l *MemoryLedger) NotabotCommitCalldata(c core.NotabotCommitment) ([]byte, error) {
	return packCommit(c)
}

func (l *MemoryLedger) IsNotabotCommit(data []byte) bool {
	return isCommitCalldata(data)
}

func (l *MemoryLedger) NotabotContract() common.Address {
	return l.notabot
}

// mine must be called with the lock held
func (l *MemoryLedger) mine(hash common.Hash) *core.TxReceipt {
	l.block++
	return &core.TxReceipt{
		TxHash:      hash.Hex(),
		BlockNumber: l.block,
		GasUsed:     21_000,
		Success:     true,
	}
}

func (l *MemoryLedger) wait(ctx context.Context) error {
	l.mu.Lock()
	delay, failErr := l.delay, l.failErr
	l.mu.Unlock()

	if failErr != nil {
		return failErr
	}
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ ports.Ledger = (*MemoryLedger)(nil)
