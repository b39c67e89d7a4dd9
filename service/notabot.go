package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/layer-3/rivetgate/ports"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	DefaultFundingCooldown   = time.Hour
	DefaultMaxFundingsPerDay = 30.0
	DefaultReceiptTimeout    = 2 * time.Minute

	// timing checks need more than this many events to say anything
	minTimingEvents = 5

	// intervals whose stddev is below this share of the mean look machine-made
	uniformityRatio = 0.1

	// floor for the velocity denominator so a first funding does not divide by ~0
	velocityEpsilon = time.Hour
	maxChainLength  = 10_000
)

// NotabotConfig tunes the anti-automation guard
type NotabotConfig struct {
	Cooldown          time.Duration
	MaxFundingsPerDay float64
	// FundingAmount is in ether
	FundingAmount  decimal.Decimal
	TipMultiplier  int64
	LedgerTimeout  time.Duration
	ReceiptTimeout time.Duration
}

// WeiFromEther converts a decimal ether amount to wei
func WeiFromEther(amount decimal.Decimal) *big.Int {
	return amount.Shift(18).Truncate(0).BigInt()
}

// NotabotService gates a small gas grant behind cooldown, velocity and timing checks.
// Funding state lives in a ports.Store; with the in-memory store every instance
// keeps its own cooldowns, so multi-instance deployments need a shared store.
type NotabotService struct {
	ledger ports.Ledger
	store  ports.Store
	signer eth.Signer
	events ports.EventPublisher
	cfg    NotabotConfig
	now    func() time.Time
}

// NewNotabotService creates the guard; zero config values take the defaults
func NewNotabotService(ledger ports.Ledger, store ports.Store, signer eth.Signer, events ports.EventPublisher, cfg NotabotConfig) *NotabotService {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultFundingCooldown
	}
	if cfg.MaxFundingsPerDay <= 0 {
		cfg.MaxFundingsPerDay = DefaultMaxFundingsPerDay
	}
	if cfg.TipMultiplier < 1 {
		cfg.TipMultiplier = 2
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = DefaultLedgerTimeout
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	return &NotabotService{
		ledger: ledger,
		store:  store,
		signer: signer,
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithClock overrides the time source
func (s *NotabotService) WithClock(now func() time.Time) *NotabotService {
	s.now = now
	return s
}

// CheckEligibility rejects addresses funded less than one cooldown ago
func (s *NotabotService) CheckEligibility(ctx context.Context, address string) error {
	entry, err := s.entry(ctx, address)
	if err != nil || entry == nil {
		return err
	}
	if wait := s.cfg.Cooldown - s.now().Sub(entry.LastFundedAt); wait > 0 {
		metrics.NotabotRejection("cooldown")
		return &core.CooldownError{Wait: wait}
	}
	return nil
}

// CheckVelocity rejects addresses funded more often than the daily ceiling on average
func (s *NotabotService) CheckVelocity(ctx context.Context, address string) error {
	entry, err := s.entry(ctx, address)
	if err != nil || entry == nil {
		return err
	}
	days := math.Max(s.now().Sub(entry.FirstFundedAt).Hours(), velocityEpsilon.Hours()) / 24
	if float64(entry.FundingCount)/days > s.cfg.MaxFundingsPerDay {
		metrics.NotabotRejection("velocity")
		return core.ErrRateExceeded
	}
	return nil
}

// CheckTimingPlausibility rejects event chains whose inter-arrival times are too regular.
// Chains of five events or fewer always pass.
func CheckTimingPlausibility(chain []core.NotabotEvent) error {
	if len(chain) <= minTimingEvents {
		return nil
	}

	intervals := make([]float64, 0, len(chain)-1)
	var sum float64
	for i := 1; i < len(chain); i++ {
		d := float64(chain[i].Timestamp - chain[i-1].Timestamp)
		intervals = append(intervals, d)
		sum += d
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return core.ErrSyntheticTiming
	}

	var variance float64
	for _, d := range intervals {
		variance += (d - mean) * (d - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(intervals)))

	if stdDev < uniformityRatio*mean {
		return core.ErrSyntheticTiming
	}
	return nil
}

// ValidateChain checks the hash links and basic plausibility of a submitted chain.
// Entry hashes are not recomputed: the chain is judged for plausibility, not replayed.
func ValidateChain(chain []core.NotabotEvent) error {
	if len(chain) > maxChainLength {
		return core.NewError(core.KindInvalidInput, "event chain too long", nil)
	}
	for i, ev := range chain {
		if ev.Hash == "" || ev.Timestamp <= 0 {
			return core.NewError(core.KindInvalidInput, fmt.Sprintf("event %d is incomplete", i), nil)
		}
		if ev.EntropyScore < 0 || ev.EntropyScore > 1 || math.IsNaN(ev.EntropyScore) {
			return core.NewError(core.KindInvalidInput, fmt.Sprintf("event %d entropy out of range", i), nil)
		}
		if i == 0 {
			continue
		}
		prev := chain[i-1]
		if !strings.EqualFold(ev.PreviousHash, prev.Hash) {
			return core.NewError(core.KindInvalidInput, fmt.Sprintf("event %d does not link to its predecessor", i), nil)
		}
		if ev.Timestamp < prev.Timestamp {
			return core.NewError(core.KindInvalidInput, fmt.Sprintf("event %d goes back in time", i), nil)
		}
	}
	return nil
}

// GrantFunding sends the configured amount to address with raised priority fees and
// records the grant once the transfer is mined. Cooldown and velocity are checked while
// the address's funding marker is held. Failures are reported, not retried.
func (s *NotabotService) GrantFunding(ctx context.Context, address string) (*core.TxReceipt, error) {
	var receipt *core.TxReceipt
	err := s.withFundingMarker(ctx, address, func() error {
		if err := s.checkRateLimits(ctx, address); err != nil {
			return err
		}
		var err error
		receipt, err = s.fund(ctx, address)
		return err
	})
	return receipt, err
}

// withFundingMarker runs fn while holding the address's in-flight marker. Every read of
// the funding entry that leads to a grant happens under it, so a second request can only
// see the entry after the first one recorded its grant.
func (s *NotabotService) withFundingMarker(ctx context.Context, address string, fn func() error) error {
	key := "notabot:inflight:" + strings.ToLower(address)
	// outlives every bounded call made while held
	ttl := s.cfg.ReceiptTimeout + 6*s.cfg.LedgerTimeout
	locked, err := ledgerCall(ctx, s.cfg.LedgerTimeout, "store.cas", func(ctx context.Context) (bool, error) {
		return s.store.CompareAndSwap(ctx, key, "", "1", ttl)
	})
	if err != nil {
		return err
	}
	if !locked {
		metrics.NotabotRejection("in_flight")
		return core.NewError(core.KindRateExceeded, "funding already in progress", nil)
	}
	defer func() {
		if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			log.Warn().Err(err).Str("address", address).Msg("failed to release funding marker")
		}
	}()
	return fn()
}

func (s *NotabotService) checkRateLimits(ctx context.Context, address string) error {
	if err := s.CheckEligibility(ctx, address); err != nil {
		return err
	}
	return s.CheckVelocity(ctx, address)
}

// fund must be called under the funding marker
func (s *NotabotService) fund(ctx context.Context, address string) (*core.TxReceipt, error) {
	to := common.HexToAddress(address)
	from := s.signer.Address()
	amount := WeiFromEther(s.cfg.FundingAmount)

	tx, err := s.buildFundingTx(ctx, from, to, amount)
	if err != nil {
		metrics.Funding("failed")
		return nil, err
	}

	chainID := tx.ChainId()
	signed, err := s.signer.SignTx(tx, chainID)
	if err != nil {
		metrics.Funding("failed")
		return nil, core.NewError(core.KindFundingFailed, "could not sign funding transaction", err)
	}

	receipt, err := ledgerCall(ctx, s.cfg.ReceiptTimeout, "sendFunding", func(ctx context.Context) (*core.TxReceipt, error) {
		return s.ledger.SendSignedTransaction(ctx, signed)
	})
	if err != nil {
		metrics.Funding("failed")
		return nil, core.NewError(core.KindFundingFailed, "funding transfer failed", err)
	}
	if !receipt.Success {
		metrics.Funding("reverted")
		return nil, core.NewError(core.KindFundingFailed, "funding transfer reverted", nil)
	}

	if err := s.record(ctx, address); err != nil {
		// the transfer happened; losing the ledger entry only weakens rate limiting
		log.Error().Err(err).Str("address", address).Str("tx", receipt.TxHash).Msg("failed to record funding")
	}

	metrics.Funding("ok")
	log.Info().Str("address", address).Str("tx", receipt.TxHash).Msg("rivet funded")
	publish(ctx, s.events, ports.TopicNotabotFunded, address, map[string]any{
		"address": address,
		"amount":  s.cfg.FundingAmount.String(),
		"tx":      receipt.TxHash,
	})
	return receipt, nil
}

func (s *NotabotService) buildFundingTx(ctx context.Context, from, to common.Address, amount *big.Int) (*types.Transaction, error) {
	type plan struct {
		chainID *big.Int
		nonce   uint64
		tip     *big.Int
		baseFee *big.Int
		gas     uint64
		balance *big.Int
	}

	p, err := ledgerCall(ctx, s.cfg.LedgerTimeout, "prepareFunding", func(ctx context.Context) (plan, error) {
		var p plan
		var err error
		if p.chainID, err = s.ledger.ChainID(ctx); err != nil {
			return p, err
		}
		if p.nonce, err = s.ledger.PendingNonce(ctx, from); err != nil {
			return p, err
		}
		if p.tip, p.baseFee, err = s.ledger.SuggestFees(ctx); err != nil {
			return p, err
		}
		if p.gas, err = s.ledger.EstimateGas(ctx, from, to, amount, nil); err != nil {
			return p, err
		}
		p.balance, err = s.ledger.GetBalance(ctx, from)
		return p, err
	})
	if err != nil {
		return nil, core.NewError(core.KindFundingFailed, "could not prepare funding", err)
	}

	tx := eth.NewDynamicFeeTx(p.chainID, p.nonce, to, amount, p.gas, eth.FeeParams{
		Tip:           p.tip,
		BaseFee:       p.baseFee,
		TipMultiplier: s.cfg.TipMultiplier,
	}, nil)
	if p.balance.Cmp(tx.Cost()) < 0 {
		log.Error().
			Str("balance", p.balance.String()).
			Str("needed", tx.Cost().String()).
			Msg("server balance too low to fund")
		return nil, core.NewError(core.KindFundingFailed, "insufficient server balance", nil)
	}
	return tx, nil
}

// Commit runs the full guard for the caller's rivet: chain plausibility and timing,
// then cooldown and velocity under the funding marker, then funding. It answers with an unsigned commit transaction the
// rivet signs locally and hands to Submit; no key material reaches the server.
func (s *NotabotService) Commit(ctx context.Context, address string, commitment core.NotabotCommitment, chain []core.NotabotEvent) (*core.CommitPreparation, error) {
	if !eth.IsAddress(address) {
		return nil, core.NewError(core.KindInvalidInput, "malformed address", nil)
	}
	if err := ValidateChain(chain); err != nil {
		return nil, err
	}
	if commitment.EventCount != uint64(len(chain)) {
		return nil, core.NewError(core.KindInvalidInput, "event count does not match chain", nil)
	}
	if len(chain) > 0 && !strings.EqualFold(commitment.ChainHead, chain[len(chain)-1].Hash) {
		return nil, core.NewError(core.KindInvalidInput, "chain head does not match chain", nil)
	}
	if commitment.TotalPoints == nil || commitment.TotalPoints.Sign() < 0 {
		return nil, core.NewError(core.KindInvalidInput, "invalid point total", nil)
	}

	if _, err := s.ledger.NotabotCommitCalldata(commitment); err != nil {
		return nil, core.NewError(core.KindInvalidInput, "invalid commitment", err)
	}
	if err := CheckTimingPlausibility(chain); err != nil {
		metrics.NotabotRejection("timing")
		return nil, err
	}

	// the commit transaction is built before any funds move
	var prep *core.CommitPreparation
	err := s.withFundingMarker(ctx, address, func() error {
		if err := s.checkRateLimits(ctx, address); err != nil {
			return err
		}
		unsigned, err := s.PrepareCommit(ctx, address, commitment)
		if err != nil {
			return err
		}
		receipt, err := s.fund(ctx, address)
		if err != nil {
			return err
		}
		prep = &core.CommitPreparation{Funding: receipt, Transaction: unsigned}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prep, nil
}

// PrepareCommit describes the commit transaction for the rivet to sign
func (s *NotabotService) PrepareCommit(ctx context.Context, address string, commitment core.NotabotCommitment) (*core.UnsignedTx, error) {
	data, err := s.ledger.NotabotCommitCalldata(commitment)
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, "invalid commitment", err)
	}
	from := common.HexToAddress(address)
	to := s.ledger.NotabotContract()

	type plan struct {
		chainID *big.Int
		nonce   uint64
		tip     *big.Int
		baseFee *big.Int
		gas     uint64
	}
	p, err := ledgerCall(ctx, s.cfg.LedgerTimeout, "prepareCommit", func(ctx context.Context) (plan, error) {
		var p plan
		var err error
		if p.chainID, err = s.ledger.ChainID(ctx); err != nil {
			return p, err
		}
		if p.nonce, err = s.ledger.PendingNonce(ctx, from); err != nil {
			return p, err
		}
		if p.tip, p.baseFee, err = s.ledger.SuggestFees(ctx); err != nil {
			return p, err
		}
		p.gas, err = s.ledger.EstimateGas(ctx, from, to, nil, data)
		return p, err
	})
	if err != nil {
		return nil, err
	}

	tip, feeCap := eth.FeeParams{Tip: p.tip, BaseFee: p.baseFee, TipMultiplier: s.cfg.TipMultiplier}.Caps()
	return &core.UnsignedTx{
		ChainID:              p.chainID,
		From:                 from.Hex(),
		To:                   to.Hex(),
		Nonce:                p.nonce,
		Gas:                  p.gas,
		MaxFeePerGas:         feeCap,
		MaxPriorityFeePerGas: tip,
		Value:                new(big.Int),
		Data:                 hexutil.Encode(data),
	}, nil
}

// Submit broadcasts a commit transaction the rivet signed itself. The payload is
// immutable: it is only checked for sender, destination and call, never re-signed.
func (s *NotabotService) Submit(ctx context.Context, address string, rawTx string) (*core.TxReceipt, error) {
	raw, err := hexutil.Decode(rawTx)
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, "transaction must be hex encoded", nil)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, core.NewError(core.KindInvalidInput, "malformed transaction", nil)
	}

	chainID, err := ledgerCall(ctx, s.cfg.LedgerTimeout, "chainId", s.ledger.ChainID)
	if err != nil {
		return nil, err
	}
	if tx.ChainId().Cmp(chainID) != 0 {
		return nil, core.NewError(core.KindInvalidInput, "wrong chain", nil)
	}
	sender, err := eth.Sender(tx)
	if err != nil {
		return nil, core.ErrSignatureInvalid
	}
	if !core.SameAddress(sender.Hex(), address) {
		return nil, core.ErrIdentityMismatch
	}
	if tx.To() == nil || *tx.To() != s.ledger.NotabotContract() {
		return nil, core.NewError(core.KindInvalidInput, "transaction is not addressed to the notabot contract", nil)
	}
	if !s.ledger.IsNotabotCommit(tx.Data()) {
		return nil, core.NewError(core.KindInvalidInput, "transaction is not a commit call", nil)
	}

	receipt, err := ledgerCall(ctx, s.cfg.ReceiptTimeout, "sendCommit", func(ctx context.Context) (*core.TxReceipt, error) {
		return s.ledger.SendSignedTransaction(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("address", address).Str("tx", receipt.TxHash).Bool("success", receipt.Success).Msg("notabot commitment submitted")
	publish(ctx, s.events, ports.TopicNotabotCommit, address, map[string]any{
		"address": address,
		"tx":      receipt.TxHash,
		"success": receipt.Success,
	})
	return receipt, nil
}

// Score reads the committed score. It is advisory: the ledger copy is authoritative.
func (s *NotabotService) Score(ctx context.Context, address string) (*core.NotabotCommitment, error) {
	if !eth.IsAddress(address) {
		return nil, core.NewError(core.KindInvalidInput, "malformed address", nil)
	}
	return ledgerCall(ctx, s.cfg.LedgerTimeout, "getNotabotCommitment", func(ctx context.Context) (*core.NotabotCommitment, error) {
		return s.ledger.GetNotabotCommitment(ctx, common.HexToAddress(address))
	})
}

// FundingEntry returns the funding ledger entry for address, nil when never funded
func (s *NotabotService) FundingEntry(ctx context.Context, address string) (*core.FundingLedgerEntry, error) {
	return s.entry(ctx, address)
}

func (s *NotabotService) entry(ctx context.Context, address string) (*core.FundingLedgerEntry, error) {
	raw, err := s.rawEntry(ctx, address)
	if err != nil || raw == "" {
		return nil, err
	}
	var entry core.FundingLedgerEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("corrupt funding entry: %w", err)
	}
	return &entry, nil
}

func (s *NotabotService) rawEntry(ctx context.Context, address string) (string, error) {
	return ledgerCall(ctx, s.cfg.LedgerTimeout, "store.get", func(ctx context.Context) (string, error) {
		v, err := s.store.Get(ctx, fundingKey(address))
		if errors.Is(err, ports.ErrKeyNotFound) {
			return "", nil
		}
		return v, err
	})
}

// record bumps the funding entry with compare-and-swap
func (s *NotabotService) record(ctx context.Context, address string) error {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		raw, err := s.rawEntry(ctx, address)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		entry := core.FundingLedgerEntry{RivetAddress: address, FirstFundedAt: now}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return fmt.Errorf("corrupt funding entry: %w", err)
			}
		}
		entry.LastFundedAt = now
		entry.FundingCount++

		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		swapped, err := ledgerCall(ctx, s.cfg.LedgerTimeout, "store.cas", func(ctx context.Context) (bool, error) {
			return s.store.CompareAndSwap(ctx, fundingKey(address), raw, string(encoded), 0)
		})
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return errors.New("funding entry contention")
}

func fundingKey(address string) string {
	return "notabot:funding:" + strings.ToLower(address)
}
