// Package vault implements the native to foreign escrow: it accepts
// deposits, forms outbound batches, applies the relayer-signed per-transfer
// statuses and escrows refunds for rejected transfers.
package vault

import (
	"context"
	"fmt"
	"sync"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/batch"
	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/db"
	"github.com/fedbridge/fedbridge/node/pkg/fee"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
)

const (
	// DefaultMaxTxBatchSize is the record-count seal threshold.
	DefaultMaxTxBatchSize = 10
	// DefaultMaxTxBatchBlockDuration is the block-age seal threshold.
	DefaultMaxTxBatchBlockDuration = 100
	// DefaultEthTxGasLimit is the foreign-leg gas limit charged on deposits.
	DefaultEthTxGasLimit = 150_000

	// FeeBasisPointsTotal is what a fee distribution's basis points must sum to.
	FeeBasisPointsTotal = 10_000

	batchStoreName = "outbound"
)

var (
	depositsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedbridge_vault_deposits_total",
			Help: "Total number of accepted outbound deposits",
		})
	refundsEscrowedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedbridge_vault_refunds_escrowed_total",
			Help: "Total number of rejected transfers escrowed for refund",
		})
	batchesFinalizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedbridge_vault_batches_finalized_total",
			Help: "Total number of outbound batches finalized by relayer status",
		})
)

// Vault is the outbound escrow. All operations validate fully before
// mutating, so a returned error means no state was changed.
type Vault struct {
	mu     sync.Mutex
	logger *zap.Logger

	addr  bridge.Address
	owner bridge.Address

	registry  *registry.Registry
	ledger    bridge.TokenLedger
	estimator *fee.Estimator
	batches   *batch.Store
	db        db.VaultDB

	paused        bool
	ethTxGasLimit uint64

	accumulatedFees map[bridge.TokenID]*uint256.Int
	refunds         map[bridge.Address]map[bridge.TokenID]*uint256.Int
}

// FeePair is one recipient of a fee distribution.
type FeePair struct {
	Addr        bridge.Address
	BasisPoints uint64
}

func New(
	logger *zap.Logger,
	addr bridge.Address,
	owner bridge.Address,
	reg *registry.Registry,
	ledger bridge.TokenLedger,
	estimator *fee.Estimator,
	database db.VaultDB,
) *Vault {
	return &Vault{
		logger:          logger,
		addr:            addr,
		owner:           owner,
		registry:        reg,
		ledger:          ledger,
		estimator:       estimator,
		batches:         batch.NewStore(batchStoreName, DefaultMaxTxBatchSize, DefaultMaxTxBatchBlockDuration),
		db:              database,
		ethTxGasLimit:   DefaultEthTxGasLimit,
		accumulatedFees: make(map[bridge.TokenID]*uint256.Int),
		refunds:         make(map[bridge.Address]map[bridge.TokenID]*uint256.Int),
	}
}

// Addr returns the vault's escrow account address.
func (v *Vault) Addr() bridge.Address { return v.addr }

// Run restores persisted batches.
func (v *Vault) Run() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.db == nil {
		return nil
	}
	batches, err := v.db.LoadPendingBatches(batchStoreName)
	if err != nil {
		return fmt.Errorf("failed to reload outbound batches: %w", err)
	}
	if err := v.batches.Restore(batches); err != nil {
		return err
	}
	refunds, err := v.db.LoadRefundAmounts()
	if err != nil {
		return fmt.Errorf("failed to reload refund amounts: %w", err)
	}
	if refunds != nil {
		v.refunds = refunds
	}
	v.logger.Info("restored vault state",
		zap.Int("batches", len(batches)),
		zap.Int("refund_accounts", len(refunds)))
	return nil
}

// Deposit escrows a payment for bridging to toForeign. Returns the batch id
// and the record sequence assigned to the transfer. The fee for the foreign
// leg is deducted from the bridged amount and accumulated per token.
func (v *Vault) Deposit(ctx context.Context, caller bridge.Caller, toForeign eth_common.Address, payment bridge.Payment, nowSeq uint64) (uint64, uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.paused {
		return 0, 0, bridge.ErrPaused
	}
	if !v.registry.IsWhitelisted(payment.Token) {
		return 0, 0, fmt.Errorf("token %s: %w", payment.Token, bridge.ErrNotWhitelisted)
	}
	if payment.Amount == nil || payment.Amount.IsZero() {
		return 0, 0, fmt.Errorf("deposit amount must be positive: %w", bridge.ErrBadAmount)
	}

	policy, _ := v.registry.Policy(payment.Token)
	if policy.MaxBridgedAmount != nil && payment.Amount.Gt(policy.MaxBridgedAmount) {
		return 0, 0, fmt.Errorf("deposit of %s exceeds max bridged amount %s: %w",
			payment.Amount, policy.MaxBridgedAmount, bridge.ErrBadAmount)
	}

	txFee := v.estimator.CalculateRequiredFee(ctx, payment.Token, v.ethTxGasLimit)
	if !txFee.Lt(payment.Amount) {
		return 0, 0, fmt.Errorf("fee %s on amount %s: %w", txFee, payment.Amount, bridge.ErrFeesExceedAmount)
	}

	if policy.Kind == bridge.KindMintBurn && !v.ledger.HasMintRole(v.addr, payment.Token) {
		return 0, 0, fmt.Errorf("vault cannot burn %s: %w", payment.Token, bridge.ErrBadState)
	}

	// All gates passed; take custody and update the ledgers.
	if err := v.ledger.Transfer(caller.Addr, v.addr, payment.Token, payment.Amount); err != nil {
		return 0, 0, err
	}
	switch policy.Kind {
	case bridge.KindNative:
		if err := v.registry.AddLocked(payment.Token, payment.Amount); err != nil {
			return 0, 0, err
		}
	case bridge.KindMintBurn:
		if err := v.ledger.Burn(v.addr, v.addr, payment.Token, payment.Amount); err != nil {
			return 0, 0, err
		}
		if err := v.registry.AddBurned(payment.Token, payment.Amount); err != nil {
			return 0, 0, err
		}
	}

	bridged := new(uint256.Int).Sub(payment.Amount, txFee)
	r := &bridge.TransferRecord{
		BlockSeq: nowSeq,
		From:     caller.Addr,
		To:       toForeign,
		Token:    payment.Token,
		Amount:   bridged,
	}
	batchID := v.batches.Append(r)
	v.accumulateFee(payment.Token, txFee)
	v.persistBatch(batchID)

	depositsTotal.Inc()
	v.logger.Info("deposit accepted",
		zap.Stringer("from", caller.Addr),
		zap.String("to_foreign", toForeign.Hex()),
		zap.Stringer("token", payment.Token),
		zap.Stringer("amount", bridged),
		zap.Stringer("fee", txFee),
		zap.Uint64("batch_id", batchID),
		zap.Uint64("seq", r.Seq))
	return batchID, r.Seq, nil
}

// AddRefundBatch ingests the failed transfers of an inbound delivery as new
// outbound records flagged as refunds. The attached payments must match the
// transfers one to one; custody moves from the inbound executor to the vault.
func (v *Vault) AddRefundBatch(caller bridge.Caller, txs []*bridge.EthTransaction, payments []bridge.Payment, nowSeq uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.paused {
		return bridge.ErrPaused
	}
	if !caller.Is(bridge.RoleInboundExecutor) {
		return fmt.Errorf("add_refund_batch requires the inbound executor: %w", bridge.ErrUnauthorized)
	}
	if len(txs) == 0 {
		return fmt.Errorf("empty refund batch: %w", bridge.ErrBadAmount)
	}
	if err := paymentsMatch(txs, payments); err != nil {
		return err
	}

	for _, p := range payments {
		if err := v.ledger.Transfer(caller.Addr, v.addr, p.Token, p.Amount); err != nil {
			return err
		}
	}

	records := make([]*bridge.TransferRecord, len(txs))
	for i, tx := range txs {
		policy, ok := v.registry.Policy(tx.Token)
		if !ok {
			return fmt.Errorf("token %s: %w", tx.Token, bridge.ErrNotWhitelisted)
		}
		// Mint-burn refunds arrive already minted and accounted by the
		// executor; only the native lock needs restating here.
		if policy.Kind == bridge.KindNative {
			if err := v.registry.AddLocked(tx.Token, tx.Amount); err != nil {
				return err
			}
		}
		records[i] = &bridge.TransferRecord{
			BlockSeq: nowSeq,
			From:     tx.To,
			To:       tx.FromForeign,
			Token:    tx.Token,
			Amount:   tx.Amount.Clone(),
			IsRefund: true,
		}
	}

	ids := v.batches.AppendMany(records)
	for _, id := range ids {
		v.persistBatch(id)
	}
	refundsEscrowedTotal.Add(float64(len(records)))
	v.logger.Info("refund batch ingested",
		zap.Int("transfers", len(records)),
		zap.Uint64("first_batch_id", ids[0]),
		zap.Uint64("last_batch_id", ids[len(ids)-1]))
	return nil
}

// ReleaseLocked hands locked native-kind custody to the inbound executor so
// an incoming transfer can be credited on this side.
func (v *Vault) ReleaseLocked(caller bridge.Caller, token bridge.TokenID, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !caller.Is(bridge.RoleInboundExecutor) {
		return fmt.Errorf("release_locked requires the inbound executor: %w", bridge.ErrUnauthorized)
	}
	policy, ok := v.registry.Policy(token)
	if !ok {
		return fmt.Errorf("token %s: %w", token, bridge.ErrNotWhitelisted)
	}
	if policy.Kind != bridge.KindNative {
		return fmt.Errorf("token %s is not native kind: %w", token, bridge.ErrBadState)
	}
	if err := v.registry.SubLocked(token, amount); err != nil {
		return err
	}
	return v.ledger.Transfer(v.addr, caller.Addr, token, amount)
}

// SetBatchStatus applies the relayer-signed per-transfer statuses to the
// first sealed and final batch, then garbage collects it.
func (v *Vault) SetBatchStatus(caller bridge.Caller, batchID uint64, statuses []bridge.TxStatus, nowSeq uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !caller.Is(bridge.RoleCoordinator) {
		return fmt.Errorf("set_batch_status requires the coordinator: %w", bridge.ErrUnauthorized)
	}
	if batchID != v.batches.FirstID() {
		return fmt.Errorf("batch %d is not the first pending batch %d: %w",
			batchID, v.batches.FirstID(), bridge.ErrBadState)
	}
	b := v.batches.Get(batchID)
	if b == nil || !v.batches.IsSealed(batchID, nowSeq) || !v.batches.IsFinal(batchID, nowSeq) {
		return fmt.Errorf("batch %d is not sealed and final: %w", batchID, bridge.ErrBadState)
	}
	if len(statuses) != len(b.Records) {
		return fmt.Errorf("got %d statuses for %d transfers: %w", len(statuses), len(b.Records), bridge.ErrBadState)
	}
	for i, s := range statuses {
		if s != bridge.StatusExecuted && s != bridge.StatusRejected {
			return fmt.Errorf("status %s at index %d: %w", s, i, bridge.ErrBadState)
		}
	}

	for i, r := range b.Records {
		policy, _ := v.registry.Policy(r.Token)
		switch statuses[i] {
		case bridge.StatusExecuted:
			if err := v.applyExecuted(r, policy); err != nil {
				return err
			}
		case bridge.StatusRejected:
			if err := v.applyRejected(r, policy); err != nil {
				return err
			}
		}
	}

	v.batches.ClearFirst()
	if v.db != nil {
		if err := v.db.DeletePendingBatch(batchStoreName, batchID); err != nil {
			v.logger.Error("failed to delete finalized batch", zap.Uint64("batch_id", batchID), zap.Error(err))
		}
	}
	batchesFinalizedTotal.Inc()
	v.logger.Info("batch finalized",
		zap.Uint64("batch_id", batchID),
		zap.Int("transfers", len(statuses)),
		zap.Uint64("next_batch_id", v.batches.FirstID()))
	return nil
}

func (v *Vault) applyExecuted(r *bridge.TransferRecord, policy registry.Policy) error {
	switch policy.Kind {
	case bridge.KindNative:
		// The lock is realized as a mint on the foreign side.
		return v.registry.SubLocked(r.Token, r.Amount)
	case bridge.KindMintBurn:
		if !r.IsRefund {
			// Already burned on deposit.
			return nil
		}
		// Refund records were minted back on ingestion; executing the
		// foreign leg burns them again.
		if err := v.ledger.Burn(v.addr, v.addr, r.Token, r.Amount); err != nil {
			return err
		}
		return v.registry.AddBurned(r.Token, r.Amount)
	}
	return nil
}

func (v *Vault) applyRejected(r *bridge.TransferRecord, policy registry.Policy) error {
	if policy.Kind == bridge.KindMintBurn && !r.IsRefund {
		// Deposits were burned up front; mint the escrow back.
		if err := v.ledger.Mint(v.addr, v.addr, r.Token, r.Amount); err != nil {
			return err
		}
		if err := v.registry.AddMinted(r.Token, r.Amount); err != nil {
			return err
		}
	}

	byToken, ok := v.refunds[r.From]
	if !ok {
		byToken = make(map[bridge.TokenID]*uint256.Int)
		v.refunds[r.From] = byToken
	}
	b, ok := byToken[r.Token]
	if !ok {
		b = uint256.NewInt(0)
		byToken[r.Token] = b
	}
	b.Add(b, r.Amount)
	v.persistRefund(r.From, r.Token, b)
	return nil
}

// ClaimRefund pays out the caller's escrowed refund for the given token.
func (v *Vault) ClaimRefund(caller bridge.Caller, token bridge.TokenID) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	amount, ok := v.refunds[caller.Addr][token]
	if !ok || amount.IsZero() {
		return nil, bridge.ErrNothingToRefund
	}

	paid := amount.Clone()
	if err := v.ledger.Transfer(v.addr, caller.Addr, token, paid); err != nil {
		return nil, err
	}
	if policy, ok := v.registry.Policy(token); ok && policy.Kind == bridge.KindNative {
		if err := v.registry.SubLocked(token, paid); err != nil {
			return nil, err
		}
	}
	delete(v.refunds[caller.Addr], token)
	v.persistRefund(caller.Addr, token, uint256.NewInt(0))

	v.logger.Info("refund claimed",
		zap.Stringer("addr", caller.Addr),
		zap.Stringer("token", token),
		zap.Stringer("amount", paid))
	return paid, nil
}

// DistributeFees pays the accumulated fees of every whitelisted token to the
// given recipients pro rata. Basis points must sum to 10000; any integer
// division remainder goes to the last recipient so the accumulator drains
// fully.
func (v *Vault) DistributeFees(caller bridge.Caller, pairs []FeePair) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no fee recipients: %w", bridge.ErrBadAmount)
	}
	var sum uint64
	for _, p := range pairs {
		sum += p.BasisPoints
	}
	if sum != FeeBasisPointsTotal {
		return fmt.Errorf("basis points sum to %d, want %d: %w", sum, FeeBasisPointsTotal, bridge.ErrBadAmount)
	}

	for _, token := range v.registry.WhitelistedTokens() {
		fees, ok := v.accumulatedFees[token]
		if !ok || fees.IsZero() {
			continue
		}
		policy, _ := v.registry.Policy(token)
		if policy.Kind == bridge.KindMintBurn {
			// Deposits burned the fee portion too; mint it back to pay out.
			if err := v.ledger.Mint(v.addr, v.addr, token, fees); err != nil {
				return err
			}
			if err := v.registry.AddMinted(token, fees); err != nil {
				return err
			}
		}

		remaining := fees.Clone()
		for i, p := range pairs {
			share := new(uint256.Int)
			if i == len(pairs)-1 {
				share.Set(remaining)
			} else {
				share.Mul(fees, uint256.NewInt(p.BasisPoints))
				share.Div(share, uint256.NewInt(FeeBasisPointsTotal))
			}
			if share.IsZero() {
				continue
			}
			if err := v.ledger.Transfer(v.addr, p.Addr, token, share); err != nil {
				return err
			}
			remaining.Sub(remaining, share)
		}
		if policy.Kind == bridge.KindNative {
			if err := v.registry.SubLocked(token, fees); err != nil {
				return err
			}
		}
		delete(v.accumulatedFees, token)

		v.logger.Info("fees distributed",
			zap.Stringer("token", token),
			zap.Stringer("amount", fees),
			zap.Int("recipients", len(pairs)))
	}
	return nil
}

func (v *Vault) accumulateFee(token bridge.TokenID, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	b, ok := v.accumulatedFees[token]
	if !ok {
		b = uint256.NewInt(0)
		v.accumulatedFees[token] = b
	}
	b.Add(b, amount)
}

func (v *Vault) requireOwner(caller bridge.Caller) error {
	if !caller.Is(bridge.RoleOwner) || caller.Addr != v.owner {
		return fmt.Errorf("owner only: %w", bridge.ErrUnauthorized)
	}
	return nil
}

func (v *Vault) persistBatch(id uint64) {
	if v.db == nil {
		return
	}
	if err := v.db.StorePendingBatch(batchStoreName, v.batches.Get(id)); err != nil {
		v.logger.Error("failed to persist batch", zap.Uint64("batch_id", id), zap.Error(err))
	}
}

func (v *Vault) persistRefund(addr bridge.Address, token bridge.TokenID, amount *uint256.Int) {
	if v.db == nil {
		return
	}
	if err := v.db.StoreRefundAmount(addr, token, amount); err != nil {
		v.logger.Error("failed to persist refund amount",
			zap.Stringer("addr", addr),
			zap.Stringer("token", token),
			zap.Error(err))
	}
}

// paymentsMatch checks that the (token, amount) multi-set of payments equals
// that of the transfers.
func paymentsMatch(txs []*bridge.EthTransaction, payments []bridge.Payment) error {
	if len(txs) != len(payments) {
		return fmt.Errorf("%d payments for %d transfers: %w", len(payments), len(txs), bridge.ErrBadAmount)
	}

	type entry struct {
		token  bridge.TokenID
		amount string
	}
	counts := make(map[entry]int, len(txs))
	for _, tx := range txs {
		counts[entry{tx.Token, tx.Amount.String()}]++
	}
	for _, p := range payments {
		e := entry{p.Token, p.Amount.String()}
		counts[e]--
		if counts[e] < 0 {
			return fmt.Errorf("payment (%s, %s) does not match refund transfers: %w", p.Token, p.Amount, bridge.ErrBadAmount)
		}
	}
	return nil
}
