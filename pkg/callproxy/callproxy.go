// Package callproxy escrows inbound transfers that carry an embedded
// contract call, invokes the call asynchronously and compensates failures
// with refunds routed back to the foreign chain.
package callproxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/calldata"
	"github.com/fedbridge/fedbridge/node/pkg/db"
	"github.com/fedbridge/fedbridge/node/pkg/vault"
	"github.com/fedbridge/fedbridge/node/pkg/wrapper"
)

const (
	// MinGasLimitForSCCall is the minimum accepted gas limit of an embedded
	// call; anything lower is refunded without attempting the call.
	MinGasLimitForSCCall = 10_000_000

	// DefaultGasLimitForRefundCallback is reserved for the completion
	// handler of every issued call.
	DefaultGasLimitForRefundCallback = 20_000_000

	// DelayBeforeOwnerCanCancel is how many epochs a call must have been in
	// flight before the owner may cancel it.
	DelayBeforeOwnerCanCancel = 10
)

var (
	callsIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedbridge_proxy_calls_issued_total",
			Help: "Total number of asynchronous contract calls issued",
		})
	callsRefundedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedbridge_proxy_calls_refunded_total",
			Help: "Total number of escrowed calls refunded, grouped by cause",
		}, []string{"cause"})
)

// AsyncCaller dispatches an asynchronous contract call on the host VM. The
// result must be delivered back through Proxy.CompleteExecution.
type AsyncCaller interface {
	Call(to bridge.Address, endpoint []byte, args [][]byte, gasLimit, callbackGasLimit uint64, payment bridge.Payment) error
}

type callState uint8

const (
	stateQueued callState = iota + 1
	stateInFlight
)

type entry struct {
	tx            *bridge.EthTransaction
	payment       bridge.Payment
	openedEpoch   uint64
	state         callState
	inFlightEpoch uint64
}

// Proxy holds the pending transaction table. Entry ids are a push-back
// index; lowestTxID is advanced lazily as entries are cleaned up.
type Proxy struct {
	mu     sync.Mutex
	logger *zap.Logger

	addr  bridge.Address
	owner bridge.Address

	ledger  bridge.TokenLedger
	caller  AsyncCaller
	vault   *vault.Vault
	wrapper *wrapper.Wrapper
	db      db.ProxyDB

	paused            bool
	multiTransferAddr bridge.Address

	entries    map[uint64]*entry
	lowestTxID uint64
	nextTxID   uint64
}

func New(
	logger *zap.Logger,
	addr bridge.Address,
	owner bridge.Address,
	ledger bridge.TokenLedger,
	caller AsyncCaller,
	v *vault.Vault,
	w *wrapper.Wrapper,
	database db.ProxyDB,
) *Proxy {
	return &Proxy{
		logger:     logger,
		addr:       addr,
		owner:      owner,
		ledger:     ledger,
		caller:     caller,
		vault:      v,
		wrapper:    w,
		db:         database,
		entries:    make(map[uint64]*entry),
		lowestTxID: 1,
		nextTxID:   1,
	}
}

// Addr returns the proxy's escrow account address.
func (p *Proxy) Addr() bridge.Address { return p.addr }

// Run restores the pending call table.
func (p *Proxy) Run() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}
	calls, err := p.db.LoadPendingCalls()
	if err != nil {
		return fmt.Errorf("failed to reload pending calls: %w", err)
	}
	for _, c := range calls {
		e := &entry{
			tx:          c.Tx,
			payment:     c.Payment,
			openedEpoch: c.OpenedEpoch,
			state:       stateQueued,
		}
		if c.InFlight {
			// The callback for an interrupted in-flight call will never
			// arrive; requeue so execute can be retried.
			p.logger.Warn("requeueing interrupted in-flight call", zap.Uint64("tx_id", c.ID))
		}
		p.entries[c.ID] = e
		if c.ID >= p.nextTxID {
			p.nextTxID = c.ID + 1
		}
	}
	p.compact()
	p.logger.Info("restored pending calls", zap.Int("count", len(calls)))
	return nil
}

// SetMultiTransferAddress pins which inbound executor account may deposit.
func (p *Proxy) SetMultiTransferAddress(caller bridge.Caller, addr bridge.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOwner(caller); err != nil {
		return err
	}
	p.multiTransferAddr = addr
	return nil
}

// SetBridgedTokensWrapper swaps the wrapper used for refund routing.
func (p *Proxy) SetBridgedTokensWrapper(caller bridge.Caller, w *wrapper.Wrapper) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOwner(caller); err != nil {
		return err
	}
	p.wrapper = w
	return nil
}

// Deposit escrows an inbound transfer that awaits call execution. The
// payment is what the executor actually hands over; when a wrapping mapping
// exists it is the universal form of tx.Token. Inbound executor only.
// Returns the assigned tx id.
func (p *Proxy) Deposit(caller bridge.Caller, tx *bridge.EthTransaction, payment bridge.Payment, nowEpoch uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !caller.Is(bridge.RoleInboundExecutor) {
		return 0, fmt.Errorf("deposit requires the inbound executor: %w", bridge.ErrUnauthorized)
	}
	if p.multiTransferAddr != (bridge.Address{}) && caller.Addr != p.multiTransferAddr {
		return 0, fmt.Errorf("deposit from unexpected executor %s: %w", caller.Addr, bridge.ErrUnauthorized)
	}

	payment = bridge.Payment{Token: payment.Token, Amount: payment.Amount.Clone()}
	if err := p.ledger.Transfer(caller.Addr, p.addr, payment.Token, payment.Amount); err != nil {
		return 0, err
	}

	id := p.nextTxID
	p.nextTxID++
	e := &entry{tx: tx, payment: payment, openedEpoch: nowEpoch, state: stateQueued}
	p.entries[id] = e
	p.persist(id, e)

	p.logger.Info("call escrowed",
		zap.Uint64("tx_id", id),
		zap.Stringer("to", tx.To),
		zap.Stringer("token", payment.Token),
		zap.Stringer("amount", payment.Amount))
	return id, nil
}

// Execute issues the escrowed call. Callable by anyone while the entry is
// queued. A malformed or undersized call description is compensated with a
// synchronous refund instead of an error.
func (p *Proxy) Execute(ctx context.Context, txID uint64, nowEpoch, nowSeq uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return bridge.ErrPaused
	}
	e, ok := p.entries[txID]
	if !ok {
		return fmt.Errorf("no pending call %d: %w", txID, bridge.ErrBadState)
	}
	if e.state == stateInFlight {
		return fmt.Errorf("call %d is in flight: %w", txID, bridge.ErrBadState)
	}
	if e.payment.Amount.IsZero() {
		return fmt.Errorf("call %d has no payment: %w", txID, bridge.ErrBadAmount)
	}

	cd, err := calldata.Unmarshal(e.tx.CallData)
	if err != nil || cd.IsEmpty() || cd.GasLimit < MinGasLimitForSCCall {
		// Graceful failure: refund synchronously, no callback involved.
		cause := "low-gas"
		if err != nil {
			cause = "bad-encoding"
		} else if cd.IsEmpty() {
			cause = "no-endpoint"
		}
		if rerr := p.refund(ctx, e, nowSeq); rerr != nil {
			return fmt.Errorf("graceful refund of call %d failed: %w", txID, rerr)
		}
		p.cleanup(txID)
		callsRefundedTotal.WithLabelValues(cause).Inc()
		p.logger.Info("call refunded without execution",
			zap.Uint64("tx_id", txID),
			zap.String("cause", cause),
			zap.Error(err))
		return nil
	}

	if err := p.caller.Call(e.tx.To, cd.Endpoint, cd.Args, cd.GasLimit, DefaultGasLimitForRefundCallback, e.payment); err != nil {
		return fmt.Errorf("failed to issue call %d: %w", txID, err)
	}
	e.state = stateInFlight
	e.inFlightEpoch = nowEpoch
	p.persist(txID, e)

	callsIssuedTotal.Inc()
	p.logger.Info("call issued",
		zap.Uint64("tx_id", txID),
		zap.Stringer("to", e.tx.To),
		zap.String("endpoint", string(cd.Endpoint)),
		zap.Uint64("gas_limit", cd.GasLimit))
	return nil
}

// CompleteExecution is the completion handler resumed by the host VM when
// an issued call settles. A success hands the payment to the callee; an
// error turns into a refund. Either way the slot is cleared.
func (p *Proxy) CompleteExecution(ctx context.Context, txID uint64, callErr error, nowSeq uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[txID]
	if !ok {
		return fmt.Errorf("no pending call %d: %w", txID, bridge.ErrBadState)
	}
	if e.state != stateInFlight {
		return fmt.Errorf("call %d is not in flight: %w", txID, bridge.ErrBadState)
	}

	if callErr == nil {
		if err := p.ledger.Transfer(p.addr, e.tx.To, e.payment.Token, e.payment.Amount); err != nil {
			return err
		}
		p.logger.Info("call completed", zap.Uint64("tx_id", txID))
	} else {
		if err := p.refund(ctx, e, nowSeq); err != nil {
			return fmt.Errorf("refund of failed call %d failed: %w", txID, err)
		}
		callsRefundedTotal.WithLabelValues("callback-error").Inc()
		p.logger.Info("failed call refunded",
			zap.Uint64("tx_id", txID),
			zap.NamedError("call_error", callErr))
	}
	p.cleanup(txID)
	return nil
}

// Cancel refunds a call stuck in flight. Owner only, and only once the
// cancel delay has elapsed since the call was issued.
func (p *Proxy) Cancel(ctx context.Context, caller bridge.Caller, txID uint64, nowEpoch, nowSeq uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireOwner(caller); err != nil {
		return err
	}
	e, ok := p.entries[txID]
	if !ok {
		return fmt.Errorf("no pending call %d: %w", txID, bridge.ErrBadState)
	}
	if e.state != stateInFlight {
		return fmt.Errorf("call %d is not in flight: %w", txID, bridge.ErrBadState)
	}
	// Guard against epoch skew after a reorg; a call issued "in the future"
	// simply has not aged yet.
	if nowEpoch <= e.inFlightEpoch || nowEpoch-e.inFlightEpoch <= DelayBeforeOwnerCanCancel {
		return fmt.Errorf("call %d may not be cancelled before %d epochs in flight: %w",
			txID, DelayBeforeOwnerCanCancel, bridge.ErrBadState)
	}

	if err := p.refund(ctx, e, nowSeq); err != nil {
		return fmt.Errorf("refund of cancelled call %d failed: %w", txID, err)
	}
	p.cleanup(txID)
	callsRefundedTotal.WithLabelValues("cancelled").Inc()
	p.logger.Info("call cancelled", zap.Uint64("tx_id", txID))
	return nil
}

// refund sends the escrowed payment back to the foreign sender. When the
// escrow holds the universal representation of the transfer's token it is
// unwrapped first so the chain-specific accounting stays balanced; otherwise
// the payment goes straight out through the vault.
func (p *Proxy) refund(ctx context.Context, e *entry, nowSeq uint64) error {
	caller := bridge.Caller{Addr: p.addr, Role: bridge.RoleCallProxy}

	if p.wrapper != nil {
		if universal, ok := p.wrapper.UniversalOf(e.tx.Token); ok && universal == e.payment.Token {
			_, err := p.wrapper.UnwrapTokenCreateTransaction(ctx, caller, e.payment, e.tx.Token, e.tx.FromForeign, nowSeq)
			return err
		}
	}
	_, _, err := p.vault.Deposit(ctx, caller, e.tx.FromForeign, e.payment, nowSeq)
	return err
}

// cleanup clears the slot and lazily advances lowestTxID over the gap.
func (p *Proxy) cleanup(txID uint64) {
	delete(p.entries, txID)
	if p.db != nil {
		if err := p.db.DeletePendingCall(txID); err != nil {
			p.logger.Error("failed to delete pending call", zap.Uint64("tx_id", txID), zap.Error(err))
		}
	}
	p.compact()
}

func (p *Proxy) compact() {
	for p.lowestTxID < p.nextTxID {
		if _, ok := p.entries[p.lowestTxID]; ok {
			break
		}
		p.lowestTxID++
	}
}

func (p *Proxy) Pause(caller bridge.Caller) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOwner(caller); err != nil {
		return err
	}
	p.paused = true
	return nil
}

func (p *Proxy) Unpause(caller bridge.Caller) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOwner(caller); err != nil {
		return err
	}
	p.paused = false
	return nil
}

// Views.

// PendingTransaction is one listed entry of the pending call table.
type PendingTransaction struct {
	TxID    uint64
	Tx      *bridge.EthTransaction
	Payment bridge.Payment
}

func (p *Proxy) GetPendingTransactionByID(txID uint64) (*PendingTransaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[txID]
	if !ok {
		return nil, false
	}
	return &PendingTransaction{TxID: txID, Tx: e.tx, Payment: e.payment}, true
}

// GetPendingTransactions lists every pending entry in id order.
func (p *Proxy) GetPendingTransactions() []*PendingTransaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*PendingTransaction
	for id := p.lowestTxID; id < p.nextTxID; id++ {
		if e, ok := p.entries[id]; ok {
			out = append(out, &PendingTransaction{TxID: id, Tx: e.tx, Payment: e.payment})
		}
	}
	return out
}

func (p *Proxy) LowestTxID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lowestTxID
}

func (p *Proxy) requireOwner(caller bridge.Caller) error {
	if !caller.Is(bridge.RoleOwner) || caller.Addr != p.owner {
		return fmt.Errorf("owner only: %w", bridge.ErrUnauthorized)
	}
	return nil
}

func (p *Proxy) persist(id uint64, e *entry) {
	if p.db == nil {
		return
	}
	err := p.db.StorePendingCall(&db.StoredCall{
		ID:          id,
		Tx:          e.tx,
		Payment:     e.payment,
		OpenedEpoch: e.openedEpoch,
		InFlight:    e.state == stateInFlight,
	})
	if err != nil {
		p.logger.Error("failed to persist pending call", zap.Uint64("tx_id", id), zap.Error(err))
	}
}
