// Package inbound applies foreign to native batches. Each delivered transfer
// is either credited directly, forwarded to the call proxy when it carries a
// contract call, or queued into a refund batch that is later pushed back to
// the vault for the return leg.
package inbound

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/callproxy"
	"github.com/fedbridge/fedbridge/node/pkg/db"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
	"github.com/fedbridge/fedbridge/node/pkg/vault"
	"github.com/fedbridge/fedbridge/node/pkg/wrapper"
)

const (
	// DefaultMaxRefundBatchSize seals a refund batch once it holds this many
	// failed transfers.
	DefaultMaxRefundBatchSize = 10

	// DefaultMaxRefundBatchBlockDuration seals a non-empty refund batch by
	// age, in block sequence numbers.
	DefaultMaxRefundBatchBlockDuration = 100
)

var (
	transfersDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedbridge_inbound_transfers_delivered_total",
			Help: "Total number of inbound transfers applied, grouped by outcome",
		}, []string{"outcome"})
	batchesDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedbridge_inbound_batches_delivered_total",
			Help: "Total number of inbound batches applied",
		})
)

// refundBatch collects the failed transfers of one or more deliveries until
// it seals by size or age.
type refundBatch struct {
	id       uint64
	txs      []*bridge.EthTransaction
	lastSeq  uint64
	firstSeq uint64
}

// Executor is the inbound delivery engine. It owns the refund batch store
// and the two delivery cursors.
type Executor struct {
	mu     sync.Mutex
	logger *zap.Logger

	addr  bridge.Address
	owner bridge.Address

	registry *registry.Registry
	ledger   bridge.TokenLedger
	vault    *vault.Vault
	wrapper  *wrapper.Wrapper
	proxy    *callproxy.Proxy
	db       db.InboundDB

	lastExecutedBatchID uint64
	lastExecutedTxID    uint64

	refundFirstID uint64
	refundLastID  uint64
	refundBatches map[uint64]*refundBatch
	refundMaxSize int
	refundMaxAge  uint64

	unprocessed       map[uint64]*bridge.EthTransaction
	nextUnprocessedID uint64
}

func New(
	logger *zap.Logger,
	addr bridge.Address,
	owner bridge.Address,
	reg *registry.Registry,
	ledger bridge.TokenLedger,
	v *vault.Vault,
	w *wrapper.Wrapper,
	proxy *callproxy.Proxy,
	database db.InboundDB,
) *Executor {
	return &Executor{
		logger:        logger,
		addr:          addr,
		owner:         owner,
		registry:      reg,
		ledger:        ledger,
		vault:         v,
		wrapper:       w,
		proxy:         proxy,
		db:            database,
		refundFirstID: 1,
		refundLastID:  1,
		refundBatches: map[uint64]*refundBatch{1: {id: 1}},
		refundMaxSize: DefaultMaxRefundBatchSize,
		refundMaxAge:  DefaultMaxRefundBatchBlockDuration,
		unprocessed:   make(map[uint64]*bridge.EthTransaction),
	}
}

// Addr returns the executor's custody account address.
func (e *Executor) Addr() bridge.Address { return e.addr }

// Run restores the cursors and the refund pipeline.
func (e *Executor) Run() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return nil
	}
	batchID, txID, err := e.db.LoadInboundCursors()
	if err != nil {
		return fmt.Errorf("failed to reload inbound cursors: %w", err)
	}
	e.lastExecutedBatchID = batchID
	e.lastExecutedTxID = txID

	refunds, err := e.db.LoadRefundTxs()
	if err != nil {
		return fmt.Errorf("failed to reload refund batches: %w", err)
	}
	for id, txs := range refunds {
		e.refundBatches[id] = &refundBatch{id: id, txs: txs}
		if id < e.refundFirstID {
			e.refundFirstID = id
		}
		if id > e.refundLastID {
			e.refundLastID = id
		}
	}

	unprocessed, err := e.db.LoadUnprocessedRefundTxs()
	if err != nil {
		return fmt.Errorf("failed to reload unprocessed refund txs: %w", err)
	}
	for id, tx := range unprocessed {
		e.unprocessed[id] = tx
		if id >= e.nextUnprocessedID {
			e.nextUnprocessedID = id + 1
		}
	}

	e.logger.Info("restored inbound state",
		zap.Uint64("last_batch_id", batchID),
		zap.Uint64("last_tx_id", txID),
		zap.Int("refund_batches", len(refunds)),
		zap.Int("unprocessed_refund_txs", len(unprocessed)))
	return nil
}

// Deliver applies one inbound batch. Coordinator only. The batch id must be
// the successor of the last executed one and the tx nonces must continue the
// tx cursor contiguously; both cursors advance atomically on success.
func (e *Executor) Deliver(caller bridge.Caller, batchID uint64, txs []*bridge.EthTransaction, nowEpoch, nowSeq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !caller.Is(bridge.RoleCoordinator) {
		return fmt.Errorf("deliver requires the coordinator: %w", bridge.ErrUnauthorized)
	}
	if batchID != e.lastExecutedBatchID+1 {
		return fmt.Errorf("batch %d does not follow last executed batch %d: %w",
			batchID, e.lastExecutedBatchID, bridge.ErrBadState)
	}
	if len(txs) == 0 {
		return fmt.Errorf("empty inbound batch: %w", bridge.ErrBadState)
	}
	for i, tx := range txs {
		if tx.TxNonce != e.lastExecutedTxID+uint64(i)+1 {
			return fmt.Errorf("tx nonce %d at index %d breaks the contiguous run after %d: %w",
				tx.TxNonce, i, e.lastExecutedTxID, bridge.ErrBadState)
		}
	}

	for _, tx := range txs {
		e.applyTx(tx, nowEpoch, nowSeq)
	}

	e.lastExecutedBatchID = batchID
	e.lastExecutedTxID = txs[len(txs)-1].TxNonce
	e.persistCursors()

	batchesDeliveredTotal.Inc()
	e.logger.Info("inbound batch delivered",
		zap.Uint64("batch_id", batchID),
		zap.Int("transfers", len(txs)),
		zap.Uint64("last_tx_id", e.lastExecutedTxID))
	return nil
}

// applyTx routes a single transfer. Failures never abort the batch; they are
// queued for the refund leg instead.
func (e *Executor) applyTx(tx *bridge.EthTransaction, nowEpoch, nowSeq uint64) {
	if tx.To.IsContract() || tx.HasCall() {
		if err := e.forwardToProxy(tx, nowEpoch); err != nil {
			e.queueRefund(tx, nowSeq, "proxy", err)
			return
		}
		transfersDeliveredTotal.WithLabelValues("proxied").Inc()
		return
	}

	if err := e.checkDirect(tx); err != nil {
		e.queueRefund(tx, nowSeq, "invalid", err)
		return
	}
	if err := e.acquire(tx.Token, tx.Amount); err != nil {
		e.queueRefund(tx, nowSeq, "acquire", err)
		return
	}
	if err := e.ledger.Transfer(e.addr, tx.To, tx.Token, tx.Amount); err != nil {
		e.release(tx.Token, tx.Amount)
		e.queueRefund(tx, nowSeq, "credit", err)
		return
	}
	transfersDeliveredTotal.WithLabelValues("credited").Inc()
	e.logger.Info("inbound transfer credited",
		zap.Uint64("tx_nonce", tx.TxNonce),
		zap.Stringer("to", tx.To),
		zap.Stringer("token", tx.Token),
		zap.Stringer("amount", tx.Amount))
}

func (e *Executor) checkDirect(tx *bridge.EthTransaction) error {
	if tx.Amount == nil || tx.Amount.IsZero() {
		return fmt.Errorf("amount must be positive: %w", bridge.ErrBadAmount)
	}
	policy, ok := e.registry.Policy(tx.Token)
	if !ok || !e.registry.IsWhitelisted(tx.Token) {
		return fmt.Errorf("token %s: %w", tx.Token, bridge.ErrNotWhitelisted)
	}
	if policy.MaxBridgedAmount != nil && tx.Amount.Gt(policy.MaxBridgedAmount) {
		return fmt.Errorf("amount %s exceeds max bridged amount %s: %w",
			tx.Amount, policy.MaxBridgedAmount, bridge.ErrBadAmount)
	}
	if policy.Kind == bridge.KindMintBurn && !e.ledger.HasMintRole(e.addr, tx.Token) {
		return fmt.Errorf("executor cannot mint %s: %w", tx.Token, bridge.ErrBadState)
	}
	return nil
}

// acquire obtains custody of an inbound amount: mint-burn tokens are minted,
// native-kind tokens are released from the vault's locked supply.
func (e *Executor) acquire(token bridge.TokenID, amount *uint256.Int) error {
	policy, ok := e.registry.Policy(token)
	if !ok {
		return fmt.Errorf("token %s: %w", token, bridge.ErrNotWhitelisted)
	}
	self := bridge.Caller{Addr: e.addr, Role: bridge.RoleInboundExecutor}
	switch policy.Kind {
	case bridge.KindMintBurn:
		if err := e.ledger.Mint(e.addr, e.addr, token, amount); err != nil {
			return err
		}
		return e.registry.AddMinted(token, amount)
	case bridge.KindNative:
		return e.vault.ReleaseLocked(self, token, amount)
	default:
		return fmt.Errorf("token %s has unknown kind: %w", token, bridge.ErrBadState)
	}
}

// release undoes acquire: minted tokens are burned again and native-kind
// custody moves back under the vault's lock.
func (e *Executor) release(token bridge.TokenID, amount *uint256.Int) {
	policy, ok := e.registry.Policy(token)
	if !ok {
		return
	}
	var err error
	switch policy.Kind {
	case bridge.KindMintBurn:
		if err = e.ledger.Burn(e.addr, e.addr, token, amount); err == nil {
			err = e.registry.SubMinted(token, amount)
		}
	case bridge.KindNative:
		if err = e.ledger.Transfer(e.addr, e.vault.Addr(), token, amount); err == nil {
			err = e.registry.AddLocked(token, amount)
		}
	}
	if err != nil {
		e.logger.Error("failed to release acquired refund custody",
			zap.Stringer("token", token),
			zap.Stringer("amount", amount),
			zap.Error(err))
	}
}

// forwardToProxy escrows a call-carrying transfer with the call proxy. When
// the transfer's token has a universal representation the amount is wrapped
// first so the proxy escrow matches what the callee expects.
func (e *Executor) forwardToProxy(tx *bridge.EthTransaction, nowEpoch uint64) error {
	if err := e.checkDirect(tx); err != nil {
		return err
	}
	if err := e.acquire(tx.Token, tx.Amount); err != nil {
		return err
	}

	self := bridge.Caller{Addr: e.addr, Role: bridge.RoleInboundExecutor}
	payment := bridge.Payment{Token: tx.Token, Amount: tx.Amount.Clone()}
	if e.wrapper != nil {
		if _, ok := e.wrapper.UniversalOf(tx.Token); ok {
			wrapped, err := e.wrapper.WrapTokens(self, []bridge.Payment{payment})
			if err != nil {
				e.release(tx.Token, tx.Amount)
				return err
			}
			payment = wrapped[0]
		}
	}

	_, err := e.proxy.Deposit(self, tx, payment, nowEpoch)
	if err != nil {
		if payment.Token != tx.Token {
			if _, uerr := e.wrapper.UnwrapToken(self, payment, tx.Token); uerr != nil {
				e.logger.Error("failed to unwrap rejected proxy escrow",
					zap.Stringer("token", payment.Token), zap.Error(uerr))
				return err
			}
		}
		e.release(tx.Token, tx.Amount)
	}
	return err
}

// queueRefund appends a failed transfer to the current refund batch, sealing
// and opening batches as needed.
func (e *Executor) queueRefund(tx *bridge.EthTransaction, nowSeq uint64, cause string, causeErr error) {
	b := e.refundBatches[e.refundLastID]
	if e.isRefundBatchSealed(b, nowSeq) {
		e.refundLastID++
		b = &refundBatch{id: e.refundLastID}
		e.refundBatches[e.refundLastID] = b
	}
	if len(b.txs) == 0 {
		b.firstSeq = nowSeq
	}
	b.txs = append(b.txs, tx)
	b.lastSeq = nowSeq
	if e.db != nil {
		if err := e.db.StoreRefundTx(b.id, tx); err != nil {
			e.logger.Error("failed to persist refund tx", zap.Uint64("tx_nonce", tx.TxNonce), zap.Error(err))
		}
	}
	transfersDeliveredTotal.WithLabelValues("refunded").Inc()
	e.logger.Warn("inbound transfer queued for refund",
		zap.Uint64("tx_nonce", tx.TxNonce),
		zap.Stringer("token", tx.Token),
		zap.String("cause", cause),
		zap.Error(causeErr))
}

func (e *Executor) isRefundBatchSealed(b *refundBatch, nowSeq uint64) bool {
	if len(b.txs) >= e.refundMaxSize {
		return true
	}
	return len(b.txs) > 0 && nowSeq-b.firstSeq >= e.refundMaxAge
}

// AddUnprocessedRefundTxToBatch requeues a parked refund tx into the current
// refund batch. Owner only; used after the blocking condition, a missing
// mint role or a delisted token, has been fixed.
func (e *Executor) AddUnprocessedRefundTxToBatch(caller bridge.Caller, id uint64, nowSeq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOwner(caller); err != nil {
		return err
	}
	tx, ok := e.unprocessed[id]
	if !ok {
		return fmt.Errorf("no unprocessed refund tx %d: %w", id, bridge.ErrBadState)
	}
	delete(e.unprocessed, id)
	if e.db != nil {
		if err := e.db.DeleteUnprocessedRefundTx(id); err != nil {
			e.logger.Error("failed to delete unprocessed refund tx", zap.Uint64("id", id), zap.Error(err))
		}
	}
	e.queueRefund(tx, nowSeq, "requeued", nil)
	return nil
}

// MoveRefundBatchToSafe funds the first sealed refund batch and hands it to
// the vault for the return leg. Transfers that cannot be funded are parked
// as unprocessed. Owner only.
func (e *Executor) MoveRefundBatchToSafe(caller bridge.Caller, nowSeq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOwner(caller); err != nil {
		return err
	}
	b := e.refundBatches[e.refundFirstID]
	if b == nil || len(b.txs) == 0 {
		return fmt.Errorf("no refund batch to move: %w", bridge.ErrBadState)
	}
	if !e.isRefundBatchSealed(b, nowSeq) {
		return fmt.Errorf("refund batch %d is not sealed: %w", b.id, bridge.ErrBadState)
	}

	var funded []*bridge.EthTransaction
	var payments []bridge.Payment
	for _, tx := range b.txs {
		if err := e.acquire(tx.Token, tx.Amount); err != nil {
			e.park(tx)
			e.logger.Warn("refund tx cannot be funded, parked as unprocessed",
				zap.Uint64("tx_nonce", tx.TxNonce),
				zap.Stringer("token", tx.Token),
				zap.Error(err))
			continue
		}
		funded = append(funded, tx)
		payments = append(payments, bridge.Payment{Token: tx.Token, Amount: tx.Amount.Clone()})
	}

	if len(funded) > 0 {
		self := bridge.Caller{Addr: e.addr, Role: bridge.RoleInboundExecutor}
		if err := e.vault.AddRefundBatch(self, funded, payments, nowSeq); err != nil {
			// The batch stays queued for a retry; give the acquired custody
			// back so the retry acquires from a clean slate.
			for _, tx := range funded {
				e.release(tx.Token, tx.Amount)
			}
			return fmt.Errorf("failed to move refund batch %d to the vault: %w", b.id, err)
		}
	}

	delete(e.refundBatches, b.id)
	if e.refundFirstID == e.refundLastID {
		e.refundLastID++
		e.refundBatches[e.refundLastID] = &refundBatch{id: e.refundLastID}
	}
	e.refundFirstID++
	if e.db != nil {
		if err := e.db.DeleteRefundBatch(b.id); err != nil {
			e.logger.Error("failed to delete moved refund batch", zap.Uint64("batch_id", b.id), zap.Error(err))
		}
	}
	e.logger.Info("refund batch moved to the vault",
		zap.Uint64("batch_id", b.id),
		zap.Int("funded", len(funded)),
		zap.Int("parked", len(b.txs)-len(funded)))
	return nil
}

func (e *Executor) park(tx *bridge.EthTransaction) {
	id := e.nextUnprocessedID
	e.nextUnprocessedID++
	e.unprocessed[id] = tx
	if e.db != nil {
		if err := e.db.StoreUnprocessedRefundTx(id, tx); err != nil {
			e.logger.Error("failed to persist unprocessed refund tx", zap.Uint64("id", id), zap.Error(err))
		}
	}
}

// Views.

func (e *Executor) LastExecutedBatchID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastExecutedBatchID
}

func (e *Executor) LastExecutedTxID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastExecutedTxID
}

// CurrentRefundBatch lists the transfers of the newest refund batch.
func (e *Executor) CurrentRefundBatch() (uint64, []*bridge.EthTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.refundBatches[e.refundLastID]
	return b.id, append([]*bridge.EthTransaction(nil), b.txs...)
}

// FirstRefundBatch lists the transfers of the oldest refund batch.
func (e *Executor) FirstRefundBatch() (uint64, []*bridge.EthTransaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.refundBatches[e.refundFirstID]
	if b == nil {
		return e.refundFirstID, nil
	}
	return b.id, append([]*bridge.EthTransaction(nil), b.txs...)
}

// UnprocessedRefundTxs lists the parked refund transfers by id.
func (e *Executor) UnprocessedRefundTxs() map[uint64]*bridge.EthTransaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint64]*bridge.EthTransaction, len(e.unprocessed))
	for id, tx := range e.unprocessed {
		out[id] = tx
	}
	return out
}

func (e *Executor) SetMaxRefundBatchSize(caller bridge.Caller, size int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("refund batch size must be positive: %w", bridge.ErrBadAmount)
	}
	e.refundMaxSize = size
	return nil
}

func (e *Executor) requireOwner(caller bridge.Caller) error {
	if !caller.Is(bridge.RoleOwner) || caller.Addr != e.owner {
		return fmt.Errorf("owner only: %w", bridge.ErrUnauthorized)
	}
	return nil
}

func (e *Executor) persistCursors() {
	if e.db == nil {
		return
	}
	if err := e.db.StoreInboundCursors(e.lastExecutedBatchID, e.lastExecutedTxID); err != nil {
		e.logger.Error("failed to persist inbound cursors", zap.Error(err))
	}
}
