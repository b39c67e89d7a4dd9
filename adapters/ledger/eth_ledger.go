package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/ports"
	"github.com/rs/zerolog/log"
)

// Config holds the contract addresses and timing for an EthLedger
type Config struct {
	MembershipContract common.Address
	NotabotContract    common.Address
	// ReceiptPoll is the interval between receipt lookups
	ReceiptPoll time.Duration
	// TipMultiplier is applied to the suggested tip for server-sent transactions
	TipMultiplier int64
}

// EthLedger implements the Ledger interface on top of a JSON-RPC node
type EthLedger struct {
	client *ethclient.Client
	signer eth.Signer
	cfg    Config
}

// Dial connects to the node at rpcURL
func Dial(ctx context.Context, rpcURL string, signer eth.Signer, cfg Config) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger: %w", err)
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = time.Second
	}
	return &EthLedger{client: client, signer: signer, cfg: cfg}, nil
}

// Close closes the RPC connection
func (l *EthLedger) Close() {
	l.client.Close()
}

func (l *EthLedger) GetMembership(ctx context.Context, list string) ([]core.ListMembership, error) {
	data, err := membershipABI.Pack("getMembers", list)
	if err != nil {
		return nil, err
	}
	out, err := l.call(ctx, l.cfg.MembershipContract, data)
	if err != nil {
		return nil, fmt.Errorf("getMembers: %w", err)
	}
	return unpackMembers(out)
}

func (l *EthLedger) MutateMembership(ctx context.Context, list string, op core.MembershipOp) (*core.TxReceipt, error) {
	data, err := packMembershipOp(list, op)
	if err != nil {
		return nil, err
	}
	return l.transact(ctx, l.cfg.MembershipContract, data)
}

func (l *EthLedger) GetSponsor(ctx context.Context) (string, error) {
	data, err := membershipABI.Pack("sponsor")
	if err != nil {
		return "", err
	}
	out, err := l.call(ctx, l.cfg.MembershipContract, data)
	if err != nil {
		return "", fmt.Errorf("sponsor: %w", err)
	}
	res, err := membershipABI.Unpack("sponsor", out)
	if err != nil || len(res) != 1 {
		return "", fmt.Errorf("failed to unpack sponsor: %v", err)
	}
	addr, ok := res[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected sponsor type %T", res[0])
	}
	return addr.Hex(), nil
}

func (l *EthLedger) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return l.client.BalanceAt(ctx, address, nil)
}

func (l *EthLedger) ChainID(ctx context.Context) (*big.Int, error) {
	return l.client.ChainID(ctx)
}

func (l *EthLedger) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	return l.client.PendingNonceAt(ctx, address)
}

func (l *EthLedger) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return tip, baseFee, nil
}

func (l *EthLedger) EstimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error) {
	return l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
}

// SendSignedTransaction broadcasts tx and waits for its receipt until ctx expires
func (l *EthLedger) SendSignedTransaction(ctx context.Context, tx *types.Transaction) (*core.TxReceipt, error) {
	if err := l.client.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	log.Debug().Str("tx", tx.Hash().Hex()).Msg("transaction broadcast")

	ticker := time.NewTicker(l.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			return toReceipt(receipt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *EthLedger) GetNotabotCommitment(ctx context.Context, address common.Address) (*core.NotabotCommitment, error) {
	data, err := notabotABI.Pack("commitments", address)
	if err != nil {
		return nil, err
	}
	out, err := l.call(ctx, l.cfg.NotabotContract, data)
	if err != nil {
		return nil, fmt.Errorf("commitments: %w", err)
	}
	return unpackCommitment(out)
}

func (l *EthLedger) NotabotCommitCalldata(c core.NotabotCommitment) ([]byte, error) {
	return packCommit(c)
}

func (l *EthLedger) IsNotabotCommit(data []byte) bool {
	return isCommitCalldata(data)
}

func (l *EthLedger) NotabotContract() common.Address {
	return l.cfg.NotabotContract
}

func (l *EthLedger) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return l.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// transact sends a server-signed contract call
func (l *EthLedger) transact(ctx context.Context, to common.Address, data []byte) (*core.TxReceipt, error) {
	from := l.signer.Address()

	chainID, err := l.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := l.PendingNonce(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, baseFee, err := l.SuggestFees(ctx)
	if err != nil {
		return nil, err
	}
	gas, err := l.EstimateGas(ctx, from, to, nil, data)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := eth.NewDynamicFeeTx(chainID, nonce, to, nil, gas, eth.FeeParams{
		Tip:           tip,
		BaseFee:       baseFee,
		TipMultiplier: l.cfg.TipMultiplier,
	}, data)

	signed, err := l.signer.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	receipt, err := l.SendSignedTransaction(ctx, signed)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return receipt, fmt.Errorf("transaction %s reverted", receipt.TxHash)
	}
	return receipt, nil
}

func toReceipt(r *types.Receipt) *core.TxReceipt {
	receipt := &core.TxReceipt{
		TxHash:  r.TxHash.Hex(),
		GasUsed: r.GasUsed,
		Success: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	return receipt
}

var _ ports.Ledger = (*EthLedger)(nil)
