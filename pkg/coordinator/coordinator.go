// Package coordinator runs the relayer board: staking, action proposals,
// signature collection and quorum-gated execution against the vault and the
// inbound executor.
package coordinator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/db"
	"github.com/fedbridge/fedbridge/node/pkg/inbound"
	"github.com/fedbridge/fedbridge/node/pkg/vault"
)

// MaxBoard caps the relayer board size.
const MaxBoard = 40

var (
	actionsProposedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedbridge_coordinator_actions_proposed_total",
			Help: "Total number of actions proposed, grouped by kind",
		}, []string{"kind"})
	actionsExecutedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedbridge_coordinator_actions_executed_total",
			Help: "Total number of actions executed with quorum",
		})
	boardMembersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fedbridge_coordinator_board_members",
			Help: "Current relayer board size",
		})
)

type actionKind uint8

const (
	actionSetBatchStatus actionKind = iota + 1
	actionBatchTransferIn
)

func (k actionKind) String() string {
	switch k {
	case actionSetBatchStatus:
		return "set_batch_status"
	case actionBatchTransferIn:
		return "batch_transfer_in"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Action is one proposed batch operation awaiting quorum.
type Action struct {
	ID       uint64
	Kind     actionKind
	BatchID  uint64
	Statuses []bridge.TxStatus
	Txs      []*bridge.EthTransaction
}

type actionState struct {
	action  *Action
	key     [32]byte
	signers map[bridge.Address]struct{}
}

// Coordinator owns the action table and the staking ledger. The stake token
// is the chain's gas token; custody of staked amounts sits on the
// coordinator's own account.
type Coordinator struct {
	mu     sync.Mutex
	logger *zap.Logger

	addr  bridge.Address
	owner bridge.Address

	ledger   bridge.TokenLedger
	vault    *vault.Vault
	executor *inbound.Executor
	db       db.CoordinatorDB

	stakeToken    bridge.TokenID
	requiredStake *uint256.Int
	slashAmount   *uint256.Int

	paused bool
	quorum int

	board    []bridge.Address
	boardSet map[bridge.Address]bool
	stakes   map[bridge.Address]*uint256.Int
	slashed  *uint256.Int

	actions      map[uint64]*actionState
	dedup        map[[32]byte]uint64
	executed     map[uint64]bool
	nextActionID uint64
}

func New(
	logger *zap.Logger,
	addr bridge.Address,
	owner bridge.Address,
	ledger bridge.TokenLedger,
	v *vault.Vault,
	executor *inbound.Executor,
	database db.CoordinatorDB,
	stakeToken bridge.TokenID,
	requiredStake *uint256.Int,
	slashAmount *uint256.Int,
	quorum int,
) *Coordinator {
	return &Coordinator{
		logger:        logger,
		addr:          addr,
		owner:         owner,
		ledger:        ledger,
		vault:         v,
		executor:      executor,
		db:            database,
		stakeToken:    stakeToken,
		requiredStake: requiredStake.Clone(),
		slashAmount:   slashAmount.Clone(),
		quorum:        quorum,
		boardSet:      make(map[bridge.Address]bool),
		stakes:        make(map[bridge.Address]*uint256.Int),
		slashed:       uint256.NewInt(0),
		actions:       make(map[uint64]*actionState),
		dedup:         make(map[[32]byte]uint64),
		executed:      make(map[uint64]bool),
		nextActionID:  1,
	}
}

// Run restores stakes, pending actions and their signer sets.
func (c *Coordinator) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	stakes, err := c.db.LoadStakes()
	if err != nil {
		return fmt.Errorf("failed to reload stakes: %w", err)
	}
	for addr, amount := range stakes {
		c.stakes[addr] = amount
	}

	executed, err := c.db.LoadExecutedActions()
	if err != nil {
		return fmt.Errorf("failed to reload executed actions: %w", err)
	}
	for id, keyBytes := range executed {
		c.executed[id] = true
		if len(keyBytes) == 32 {
			var key [32]byte
			copy(key[:], keyBytes)
			c.dedup[key] = id
		}
		if id >= c.nextActionID {
			c.nextActionID = id + 1
		}
	}

	raw, err := c.db.LoadActions()
	if err != nil {
		return fmt.Errorf("failed to reload actions: %w", err)
	}
	signerSets, err := c.db.LoadActionSigners()
	if err != nil {
		return fmt.Errorf("failed to reload action signers: %w", err)
	}
	for id, data := range raw {
		a, err := unmarshalAction(id, data)
		if err != nil {
			return fmt.Errorf("failed to unmarshal action %d: %w", id, err)
		}
		st := &actionState{
			action:  a,
			key:     a.dedupKey(),
			signers: make(map[bridge.Address]struct{}),
		}
		for _, s := range signerSets[id] {
			st.signers[s] = struct{}{}
		}
		c.actions[id] = st
		c.dedup[st.key] = id
		if id >= c.nextActionID {
			c.nextActionID = id + 1
		}
	}

	c.logger.Info("restored coordinator state",
		zap.Int("stakers", len(stakes)),
		zap.Int("pending_actions", len(raw)),
		zap.Int("executed_actions", len(executed)))
	return nil
}

// Board management.

func (c *Coordinator) AddBoardMember(caller bridge.Caller, addr bridge.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOwner(caller); err != nil {
		return err
	}
	if c.boardSet[addr] {
		return fmt.Errorf("%s is already a board member: %w", addr, bridge.ErrBadState)
	}
	if len(c.board) >= MaxBoard {
		return fmt.Errorf("board is full at %d members: %w", MaxBoard, bridge.ErrBadState)
	}
	c.board = append(c.board, addr)
	c.boardSet[addr] = true
	boardMembersGauge.Set(float64(len(c.board)))
	c.logger.Info("board member added", zap.Stringer("relayer", addr))
	return nil
}

func (c *Coordinator) RemoveUser(caller bridge.Caller, addr bridge.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOwner(caller); err != nil {
		return err
	}
	if !c.boardSet[addr] {
		return fmt.Errorf("%s is not a board member: %w", addr, bridge.ErrBadState)
	}
	if len(c.board)-1 < c.quorum {
		return fmt.Errorf("removal would shrink the board below quorum %d: %w", c.quorum, bridge.ErrBadState)
	}
	delete(c.boardSet, addr)
	for i, b := range c.board {
		if b == addr {
			c.board = append(c.board[:i], c.board[i+1:]...)
			break
		}
	}
	boardMembersGauge.Set(float64(len(c.board)))
	c.logger.Info("board member removed", zap.Stringer("relayer", addr))
	return nil
}

func (c *Coordinator) ChangeQuorum(caller bridge.Caller, quorum int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOwner(caller); err != nil {
		return err
	}
	if quorum < 2 {
		return fmt.Errorf("quorum %d below the minimum of 2: %w", quorum, bridge.ErrBadAmount)
	}
	staked := c.stakedBoardCount()
	if quorum > staked {
		return fmt.Errorf("quorum %d exceeds the %d board members with valid stake: %w",
			quorum, staked, bridge.ErrBadAmount)
	}
	c.quorum = quorum
	c.logger.Info("quorum changed", zap.Int("quorum", quorum))
	return nil
}

// Staking.

// Stake credits the caller's stake with the attached payment. The payment
// must be in the stake token.
func (c *Coordinator) Stake(caller bridge.Caller, payment bridge.Payment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if payment.Token != c.stakeToken {
		return fmt.Errorf("stake must be paid in %s, got %s: %w", c.stakeToken, payment.Token, bridge.ErrBadAmount)
	}
	if payment.Amount == nil || payment.Amount.IsZero() {
		return fmt.Errorf("stake amount must be positive: %w", bridge.ErrBadAmount)
	}
	if err := c.ledger.Transfer(caller.Addr, c.addr, payment.Token, payment.Amount); err != nil {
		return err
	}
	cur := c.stakeOf(caller.Addr)
	c.stakes[caller.Addr] = new(uint256.Int).Add(cur, payment.Amount)
	c.persistStake(caller.Addr)
	c.logger.Info("stake added",
		zap.Stringer("relayer", caller.Addr),
		zap.Stringer("amount", payment.Amount),
		zap.Stringer("total", c.stakes[caller.Addr]))
	return nil
}

// Unstake pays back part of the caller's stake. Board members must keep at
// least the required stake; everyone else may drain to zero.
func (c *Coordinator) Unstake(caller bridge.Caller, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.stakeOf(caller.Addr)
	if amount == nil || amount.IsZero() || cur.Lt(amount) {
		return fmt.Errorf("cannot unstake %s of %s: %w", amount, cur, bridge.ErrBadAmount)
	}
	remaining := new(uint256.Int).Sub(cur, amount)
	if c.boardSet[caller.Addr] && remaining.Lt(c.requiredStake) {
		return fmt.Errorf("board members must keep a stake of %s: %w", c.requiredStake, bridge.ErrBadAmount)
	}
	if err := c.ledger.Transfer(c.addr, caller.Addr, c.stakeToken, amount); err != nil {
		return err
	}
	c.stakes[caller.Addr] = remaining
	c.persistStake(caller.Addr)
	c.logger.Info("stake withdrawn",
		zap.Stringer("relayer", caller.Addr),
		zap.Stringer("amount", amount),
		zap.Stringer("remaining", remaining))
	return nil
}

// SlashBoardMember moves the slash amount from a relayer's stake into the
// slashed pool. Owner only.
func (c *Coordinator) SlashBoardMember(caller bridge.Caller, addr bridge.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOwner(caller); err != nil {
		return err
	}
	if !c.boardSet[addr] {
		return fmt.Errorf("%s is not a board member: %w", addr, bridge.ErrBadState)
	}
	cur := c.stakeOf(addr)
	if cur.Lt(c.slashAmount) {
		return fmt.Errorf("stake %s below slash amount %s: %w", cur, c.slashAmount, bridge.ErrBadAmount)
	}
	c.stakes[addr] = new(uint256.Int).Sub(cur, c.slashAmount)
	c.slashed.Add(c.slashed, c.slashAmount)
	c.persistStake(addr)
	c.logger.Warn("board member slashed",
		zap.Stringer("relayer", addr),
		zap.Stringer("amount", c.slashAmount),
		zap.Stringer("remaining", c.stakes[addr]))
	return nil
}

// WithdrawSlashedAmount drains the slashed pool to the owner.
func (c *Coordinator) WithdrawSlashedAmount(caller bridge.Caller) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOwner(caller); err != nil {
		return nil, err
	}
	if c.slashed.IsZero() {
		return nil, fmt.Errorf("slashed pool is empty: %w", bridge.ErrNothingToRefund)
	}
	amount := c.slashed.Clone()
	if err := c.ledger.Transfer(c.addr, c.owner, c.stakeToken, amount); err != nil {
		return nil, err
	}
	c.slashed.Clear()
	c.logger.Info("slashed pool withdrawn", zap.Stringer("amount", amount))
	return amount, nil
}

// Proposals.

// ProposeSetBatchStatus proposes the per-transfer statuses for the vault's
// first sealed and final outbound batch. Re-proposing structurally equal
// content yields the already assigned action id.
func (c *Coordinator) ProposeSetBatchStatus(caller bridge.Caller, batchID uint64, statuses []bridge.TxStatus, nowSeq uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.canPropose(caller); err != nil {
		return 0, err
	}
	firstID, b, ok := c.vault.CurrentSealedFinalBatch(nowSeq)
	if !ok || batchID != firstID {
		return 0, fmt.Errorf("batch %d is not the first sealed final outbound batch: %w", batchID, bridge.ErrBadState)
	}
	if len(statuses) != len(b.Records) {
		return 0, fmt.Errorf("got %d statuses for %d transfers: %w", len(statuses), len(b.Records), bridge.ErrBadState)
	}
	for i, s := range statuses {
		if s != bridge.StatusExecuted && s != bridge.StatusRejected {
			return 0, fmt.Errorf("status %s at index %d: %w", s, i, bridge.ErrBadState)
		}
	}

	a := &Action{Kind: actionSetBatchStatus, BatchID: batchID, Statuses: statuses}
	return c.admit(caller, a)
}

// ProposeBatchTransferIn proposes an inbound batch. The batch id and the tx
// nonces must continue the executor's cursors; violations reject the whole
// proposal.
func (c *Coordinator) ProposeBatchTransferIn(caller bridge.Caller, batchID uint64, txs []*bridge.EthTransaction) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.canPropose(caller); err != nil {
		return 0, err
	}
	if batchID != c.executor.LastExecutedBatchID()+1 {
		return 0, fmt.Errorf("batch %d does not follow last executed batch %d: %w",
			batchID, c.executor.LastExecutedBatchID(), bridge.ErrBadState)
	}
	if len(txs) == 0 {
		return 0, fmt.Errorf("empty inbound batch: %w", bridge.ErrBadState)
	}
	lastTxID := c.executor.LastExecutedTxID()
	for i, tx := range txs {
		if tx.TxNonce != lastTxID+uint64(i)+1 {
			return 0, fmt.Errorf("tx nonce %d at index %d breaks the contiguous run after %d: %w",
				tx.TxNonce, i, lastTxID, bridge.ErrBadState)
		}
	}

	a := &Action{Kind: actionBatchTransferIn, BatchID: batchID, Txs: txs}
	return c.admit(caller, a)
}

// admit deduplicates and stores a proposed action under the caller lock.
func (c *Coordinator) admit(caller bridge.Caller, a *Action) (uint64, error) {
	key := a.dedupKey()
	if id, ok := c.dedup[key]; ok {
		if c.executed[id] {
			return id, fmt.Errorf("action %d was already executed: %w", id, bridge.ErrDuplicateProposal)
		}
		// Same content, same id. The proposer joins the signer set if
		// their stake qualifies.
		c.signLocked(c.actions[id], caller.Addr)
		return id, nil
	}

	a.ID = c.nextActionID
	c.nextActionID++
	st := &actionState{action: a, key: key, signers: make(map[bridge.Address]struct{})}
	c.actions[a.ID] = st
	c.dedup[key] = a.ID
	c.persistAction(st)
	c.signLocked(st, caller.Addr)

	actionsProposedTotal.WithLabelValues(a.Kind.String()).Inc()
	c.logger.Info("action proposed",
		zap.Uint64("action_id", a.ID),
		zap.Stringer("kind", a.Kind),
		zap.Uint64("batch_id", a.BatchID),
		zap.Stringer("proposer", caller.Addr))
	return a.ID, nil
}

// Sign records the caller's signature on a pending action. Allowed while
// paused so quorum can form before unpause.
func (c *Coordinator) Sign(caller bridge.Caller, actionID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.boardSet[caller.Addr] {
		return fmt.Errorf("signing requires board membership: %w", bridge.ErrUnauthorized)
	}
	if c.stakeOf(caller.Addr).Lt(c.requiredStake) {
		return fmt.Errorf("signing requires a stake of %s: %w", c.requiredStake, bridge.ErrUnauthorized)
	}
	st, ok := c.actions[actionID]
	if !ok {
		return fmt.Errorf("no pending action %d: %w", actionID, bridge.ErrBadState)
	}
	if _, dup := st.signers[caller.Addr]; dup {
		return nil
	}
	st.signers[caller.Addr] = struct{}{}
	c.persistSigners(st)
	c.logger.Info("action signed",
		zap.Uint64("action_id", actionID),
		zap.Stringer("signer", caller.Addr),
		zap.Int("signers", len(st.signers)))
	return nil
}

// signLocked records a signature if the signer's stake qualifies, silently
// skipping otherwise. Used for the implicit proposer signature.
func (c *Coordinator) signLocked(st *actionState, addr bridge.Address) {
	if !c.boardSet[addr] || c.stakeOf(addr).Lt(c.requiredStake) {
		return
	}
	if _, dup := st.signers[addr]; dup {
		return
	}
	st.signers[addr] = struct{}{}
	c.persistSigners(st)
}

// Perform executes an action once enough signatures are valid. Signers are
// re-validated at execution time: a signer who left the board or dropped
// below the required stake no longer counts.
func (c *Coordinator) Perform(caller bridge.Caller, actionID uint64, nowEpoch, nowSeq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return bridge.ErrPaused
	}
	// No caller gate: a quorum of recorded signatures is the authorization,
	// so anyone may trigger the execution.
	st, ok := c.actions[actionID]
	if !ok {
		return fmt.Errorf("no pending action %d: %w", actionID, bridge.ErrBadState)
	}
	if c.validSignerCount(st) < c.quorum {
		return fmt.Errorf("action %d has %d valid signers of the %d required: %w",
			actionID, c.validSignerCount(st), c.quorum, bridge.ErrQuorumNotReached)
	}

	self := bridge.Caller{Addr: c.addr, Role: bridge.RoleCoordinator}
	a := st.action
	var err error
	switch a.Kind {
	case actionSetBatchStatus:
		err = c.vault.SetBatchStatus(self, a.BatchID, a.Statuses, nowSeq)
	case actionBatchTransferIn:
		err = c.executor.Deliver(self, a.BatchID, a.Txs, nowEpoch, nowSeq)
	default:
		err = fmt.Errorf("action %d has unknown kind %s: %w", actionID, a.Kind, bridge.ErrBadState)
	}
	if err != nil {
		return fmt.Errorf("failed to execute action %d: %w", actionID, err)
	}

	// The slot is cleared and the id is never handed out again.
	delete(c.actions, actionID)
	c.executed[actionID] = true
	if c.db != nil {
		if serr := c.db.StoreExecutedAction(actionID, st.key[:]); serr != nil {
			c.logger.Error("failed to persist executed action", zap.Uint64("action_id", actionID), zap.Error(serr))
		}
		if derr := c.db.DeleteAction(actionID); derr != nil {
			c.logger.Error("failed to delete executed action", zap.Uint64("action_id", actionID), zap.Error(derr))
		}
	}
	actionsExecutedTotal.Inc()
	c.logger.Info("action executed",
		zap.Uint64("action_id", actionID),
		zap.Stringer("kind", a.Kind),
		zap.Uint64("batch_id", a.BatchID))
	return nil
}

func (c *Coordinator) Pause(caller bridge.Caller) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.paused = true
	c.logger.Info("coordinator paused")
	return nil
}

func (c *Coordinator) Unpause(caller bridge.Caller) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.paused = false
	c.logger.Info("coordinator unpaused")
	return nil
}

// Views.

func (c *Coordinator) QuorumReached(actionID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.actions[actionID]
	return ok && c.validSignerCount(st) >= c.quorum
}

func (c *Coordinator) GetActionData(actionID uint64) (*Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.actions[actionID]
	if !ok {
		return nil, false
	}
	return st.action, true
}

func (c *Coordinator) GetActionSignerCount(actionID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.actions[actionID]
	if !ok {
		return 0
	}
	return len(st.signers)
}

func (c *Coordinator) GetActionValidSignerCount(actionID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.actions[actionID]
	if !ok {
		return 0
	}
	return c.validSignerCount(st)
}

func (c *Coordinator) WasActionExecuted(actionID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed[actionID]
}

// WasTransferActionProposed reports whether an inbound batch with exactly
// these transfers has a pending or executed action.
func (c *Coordinator) WasTransferActionProposed(batchID uint64, txs []*bridge.EthTransaction) bool {
	_, ok := c.GetActionIDForTransferBatch(batchID, txs)
	return ok
}

func (c *Coordinator) GetActionIDForTransferBatch(batchID uint64, txs []*bridge.EthTransaction) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &Action{Kind: actionBatchTransferIn, BatchID: batchID, Txs: txs}
	id, ok := c.dedup[a.dedupKey()]
	return id, ok
}

func (c *Coordinator) GetAllBoardMembers() []bridge.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bridge.Address(nil), c.board...)
}

// GetAllStakedRelayers lists every address with a positive stake, board
// member or not.
func (c *Coordinator) GetAllStakedRelayers() []bridge.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bridge.Address
	for addr, amount := range c.stakes {
		if !amount.IsZero() {
			out = append(out, addr)
		}
	}
	return out
}

func (c *Coordinator) Quorum() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quorum
}

// Internals.

func (c *Coordinator) canPropose(caller bridge.Caller) error {
	if c.paused {
		return bridge.ErrPaused
	}
	if !c.boardSet[caller.Addr] {
		return fmt.Errorf("proposing requires board membership: %w", bridge.ErrUnauthorized)
	}
	return nil
}

func (c *Coordinator) validSignerCount(st *actionState) int {
	n := 0
	for addr := range st.signers {
		if c.boardSet[addr] && !c.stakeOf(addr).Lt(c.requiredStake) {
			n++
		}
	}
	return n
}

func (c *Coordinator) stakedBoardCount() int {
	n := 0
	for _, addr := range c.board {
		if !c.stakeOf(addr).Lt(c.requiredStake) {
			n++
		}
	}
	return n
}

func (c *Coordinator) stakeOf(addr bridge.Address) *uint256.Int {
	if s, ok := c.stakes[addr]; ok {
		return s
	}
	return uint256.NewInt(0)
}

func (c *Coordinator) requireOwner(caller bridge.Caller) error {
	if !caller.Is(bridge.RoleOwner) || caller.Addr != c.owner {
		return fmt.Errorf("owner only: %w", bridge.ErrUnauthorized)
	}
	return nil
}

func (c *Coordinator) persistStake(addr bridge.Address) {
	if c.db == nil {
		return
	}
	if err := c.db.StoreStake(addr, c.stakes[addr]); err != nil {
		c.logger.Error("failed to persist stake", zap.Stringer("relayer", addr), zap.Error(err))
	}
}

func (c *Coordinator) persistAction(st *actionState) {
	if c.db == nil {
		return
	}
	data, err := marshalAction(st.action)
	if err != nil {
		c.logger.Error("failed to marshal action", zap.Uint64("action_id", st.action.ID), zap.Error(err))
		return
	}
	if err := c.db.StoreAction(st.action.ID, data); err != nil {
		c.logger.Error("failed to persist action", zap.Uint64("action_id", st.action.ID), zap.Error(err))
	}
}

func (c *Coordinator) persistSigners(st *actionState) {
	if c.db == nil {
		return
	}
	signers := make([]bridge.Address, 0, len(st.signers))
	for addr := range st.signers {
		signers = append(signers, addr)
	}
	if err := c.db.StoreActionSigners(st.action.ID, signers); err != nil {
		c.logger.Error("failed to persist signers", zap.Uint64("action_id", st.action.ID), zap.Error(err))
	}
}

// dedupKey is the content hash that makes structurally equal proposals land
// on one action id: keccak256 over the kind, the big-endian batch id and the
// serialized payload.
func (a *Action) dedupKey() [32]byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(a.Kind))
	_ = binary.Write(buf, binary.BigEndian, a.BatchID)
	switch a.Kind {
	case actionSetBatchStatus:
		for _, s := range a.Statuses {
			buf.WriteByte(byte(s))
		}
	case actionBatchTransferIn:
		for _, tx := range a.Txs {
			raw, err := db.MarshalEthTransaction(tx)
			if err != nil {
				// Marshalling only fails on a nil amount, which the
				// propose gates already rejected.
				continue
			}
			buf.Write(raw)
		}
	}
	var key [32]byte
	copy(key[:], crypto.Keccak256(buf.Bytes()))
	return key
}

func marshalAction(a *Action) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(a.Kind))
	_ = binary.Write(buf, binary.BigEndian, a.BatchID)
	switch a.Kind {
	case actionSetBatchStatus:
		_ = binary.Write(buf, binary.BigEndian, uint32(len(a.Statuses)))
		for _, s := range a.Statuses {
			buf.WriteByte(byte(s))
		}
	case actionBatchTransferIn:
		_ = binary.Write(buf, binary.BigEndian, uint32(len(a.Txs)))
		for _, tx := range a.Txs {
			raw, err := db.MarshalEthTransaction(tx)
			if err != nil {
				return nil, err
			}
			_ = binary.Write(buf, binary.BigEndian, uint32(len(raw)))
			buf.Write(raw)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalAction(id uint64, data []byte) (*Action, error) {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	a := &Action{ID: id, Kind: actionKind(kind)}
	if err := binary.Read(r, binary.BigEndian, &a.BatchID); err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	switch a.Kind {
	case actionSetBatchStatus:
		a.Statuses = make([]bridge.TxStatus, count)
		for i := range a.Statuses {
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			a.Statuses[i] = bridge.TxStatus(b)
		}
	case actionBatchTransferIn:
		a.Txs = make([]*bridge.EthTransaction, count)
		for i := range a.Txs {
			var n uint32
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return nil, err
			}
			raw := make([]byte, n)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, err
			}
			if a.Txs[i], err = db.UnmarshalEthTransaction(raw); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown action kind %d: %w", kind, bridge.ErrInvalidEncoding)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes after action payload: %w", bridge.ErrInvalidEncoding)
	}
	return a, nil
}
