package coordinator

import (
	"context"
	"testing"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/callproxy"
	"github.com/fedbridge/fedbridge/node/pkg/db"
	"github.com/fedbridge/fedbridge/node/pkg/fee"
	"github.com/fedbridge/fedbridge/node/pkg/inbound"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
	"github.com/fedbridge/fedbridge/node/pkg/vault"
)

var (
	coordAddr    = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x0a}
	vaultAddr    = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x0b}
	proxyAddr    = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x0c}
	executorAddr = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x0d}
	ownerAddr    = bridge.Address{0x01}
	relayer1     = bridge.Address{0x02}
	relayer2     = bridge.Address{0x03}
	userAddr     = bridge.Address{0x04}
	destEth      = eth_common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")

	tokenT     = bridge.TokenID("TKN-1a2b3c")
	stakeToken = bridge.TokenID(bridge.GweiTicker)
)

type noopCaller struct{}

func (noopCaller) Call(bridge.Address, []byte, [][]byte, uint64, uint64, bridge.Payment) error {
	return nil
}

type world struct {
	ledger *bridge.MemoryLedger
	reg    *registry.Registry
	vault  *vault.Vault
	exec   *inbound.Executor
	coord  *Coordinator
}

// newWorld wires a two-relayer board with quorum 2, both staked, and one
// whitelisted native-kind token with a zero default price.
func newWorld(t *testing.T) *world {
	t.Helper()
	logger := zap.NewNop()

	ledger := bridge.NewMemoryLedger()
	reg := registry.New(logger)
	require.NoError(t, reg.AddToken(tokenT, registry.Policy{
		Ticker:   "TKN",
		Kind:     bridge.KindNative,
		Decimals: 6,
	}))

	est := fee.NewEstimator(logger, reg, nil)
	v := vault.New(logger, vaultAddr, ownerAddr, reg, ledger, est, db.MockVaultDB{})
	p := callproxy.New(logger, proxyAddr, ownerAddr, ledger, noopCaller{}, v, nil, db.MockProxyDB{})
	e := inbound.New(logger, executorAddr, ownerAddr, reg, ledger, v, nil, p, db.MockInboundDB{})

	requiredStake := uint256.NewInt(1_000)
	c := New(logger, coordAddr, ownerAddr, ledger, v, e, db.MockCoordinatorDB{},
		stakeToken, requiredStake, uint256.NewInt(500), 2)

	for _, r := range []bridge.Address{relayer1, relayer2} {
		require.NoError(t, c.AddBoardMember(owner(), r))
		ledger.Credit(r, stakeToken, uint256.NewInt(2_000))
		require.NoError(t, c.Stake(relayer(r), bridge.Payment{Token: stakeToken, Amount: uint256.NewInt(2_000)}))
	}
	return &world{ledger: ledger, reg: reg, vault: v, exec: e, coord: c}
}

func owner() bridge.Caller {
	return bridge.Caller{Addr: ownerAddr, Role: bridge.RoleOwner}
}

func relayer(addr bridge.Address) bridge.Caller {
	return bridge.Caller{Addr: addr, Role: bridge.RoleUser}
}

// depositAndSeal puts one user deposit into the vault and ages it past the
// sealing and finality thresholds. Returns the block seq to use afterwards.
func (w *world) depositAndSeal(t *testing.T, amount uint64) uint64 {
	t.Helper()
	w.ledger.Credit(userAddr, tokenT, uint256.NewInt(amount))
	_, _, err := w.vault.Deposit(context.Background(),
		bridge.Caller{Addr: userAddr, Role: bridge.RoleUser},
		destEth, bridge.Payment{Token: tokenT, Amount: uint256.NewInt(amount)}, 10)
	require.NoError(t, err)

	// Age past max batch duration plus finality.
	return 10 + vault.DefaultMaxTxBatchBlockDuration + 20
}

func TestOutboundExecutedFlow(t *testing.T) {
	w := newWorld(t)
	nowSeq := w.depositAndSeal(t, 500)

	id, err := w.coord.ProposeSetBatchStatus(relayer(relayer1), 1, []bridge.TxStatus{bridge.StatusExecuted}, nowSeq)
	require.NoError(t, err)
	assert.Equal(t, 1, w.coord.GetActionSignerCount(id))
	assert.False(t, w.coord.QuorumReached(id))

	require.NoError(t, w.coord.Sign(relayer(relayer2), id))
	assert.True(t, w.coord.QuorumReached(id))

	require.NoError(t, w.coord.Perform(relayer(relayer1), id, 1, nowSeq))

	// With a zero default price the fee is zero: the whole amount stays
	// locked, batch 1 is gone and the cursor moved on.
	assert.True(t, w.reg.TotalLocked(tokenT).Eq(uint256.NewInt(500)))
	assert.True(t, w.vault.AccumulatedFees(tokenT).IsZero())
	assert.Equal(t, uint64(2), w.vault.FirstBatchID())
	assert.True(t, w.coord.WasActionExecuted(id))
}

func TestOutboundRejectedFlow(t *testing.T) {
	w := newWorld(t)
	nowSeq := w.depositAndSeal(t, 500)

	id, err := w.coord.ProposeSetBatchStatus(relayer(relayer1), 1, []bridge.TxStatus{bridge.StatusRejected}, nowSeq)
	require.NoError(t, err)
	require.NoError(t, w.coord.Sign(relayer(relayer2), id))
	require.NoError(t, w.coord.Perform(relayer(relayer2), id, 1, nowSeq))

	refund := w.vault.GetRefundAmount(userAddr, tokenT)
	assert.True(t, refund.Eq(uint256.NewInt(500)))

	got, err := w.vault.ClaimRefund(bridge.Caller{Addr: userAddr, Role: bridge.RoleUser}, tokenT)
	require.NoError(t, err)
	assert.True(t, got.Eq(uint256.NewInt(500)))
	assert.True(t, w.ledger.BalanceOf(userAddr, tokenT).Eq(uint256.NewInt(500)))
	assert.True(t, w.reg.TotalLocked(tokenT).IsZero())
}

func TestPerformOpenToAnyCaller(t *testing.T) {
	w := newWorld(t)
	nowSeq := w.depositAndSeal(t, 500)

	id, err := w.coord.ProposeSetBatchStatus(relayer(relayer1), 1, []bridge.TxStatus{bridge.StatusExecuted}, nowSeq)
	require.NoError(t, err)
	require.NoError(t, w.coord.Sign(relayer(relayer2), id))

	// The quorum of signatures authorizes the action, not the caller.
	require.NoError(t, w.coord.Perform(relayer(userAddr), id, 1, nowSeq))
	assert.True(t, w.coord.WasActionExecuted(id))
}

func TestExecutedActionsSurviveRestart(t *testing.T) {
	w := newWorld(t)
	database := db.OpenInMemory()
	t.Cleanup(func() { _ = database.Close() })

	c := New(zap.NewNop(), coordAddr, ownerAddr, w.ledger, w.vault, w.exec, database,
		stakeToken, uint256.NewInt(1_000), uint256.NewInt(500), 2)
	for _, r := range []bridge.Address{relayer1, relayer2} {
		require.NoError(t, c.AddBoardMember(owner(), r))
		w.ledger.Credit(r, stakeToken, uint256.NewInt(2_000))
		require.NoError(t, c.Stake(relayer(r), bridge.Payment{Token: stakeToken, Amount: uint256.NewInt(2_000)}))
	}

	nowSeq := w.depositAndSeal(t, 500)
	id, err := c.ProposeSetBatchStatus(relayer(relayer1), 1, []bridge.TxStatus{bridge.StatusExecuted}, nowSeq)
	require.NoError(t, err)
	require.NoError(t, c.Sign(relayer(relayer2), id))
	require.NoError(t, c.Perform(relayer(relayer1), id, 1, nowSeq))

	restarted := New(zap.NewNop(), coordAddr, ownerAddr, w.ledger, w.vault, w.exec, database,
		stakeToken, uint256.NewInt(1_000), uint256.NewInt(500), 2)
	require.NoError(t, restarted.Run())
	assert.True(t, restarted.WasActionExecuted(id))

	// Spent ids are never handed out again: a fresh proposal after the
	// restart continues the id sequence.
	require.NoError(t, restarted.AddBoardMember(owner(), relayer1))
	w.ledger.Credit(relayer1, stakeToken, uint256.NewInt(2_000))
	require.NoError(t, restarted.Stake(relayer(relayer1), bridge.Payment{Token: stakeToken, Amount: uint256.NewInt(2_000)}))

	nowSeq = w.depositAndSeal(t, 300)
	newID, err := restarted.ProposeSetBatchStatus(relayer(relayer1), 2, []bridge.TxStatus{bridge.StatusExecuted}, nowSeq)
	require.NoError(t, err)
	assert.Greater(t, newID, id)
}

func TestPerformWithoutQuorum(t *testing.T) {
	w := newWorld(t)
	nowSeq := w.depositAndSeal(t, 500)

	id, err := w.coord.ProposeSetBatchStatus(relayer(relayer1), 1, []bridge.TxStatus{bridge.StatusExecuted}, nowSeq)
	require.NoError(t, err)

	err = w.coord.Perform(relayer(relayer1), id, 1, nowSeq)
	assert.ErrorIs(t, err, bridge.ErrQuorumNotReached)
	// The action slot stays intact for more signatures.
	_, ok := w.coord.GetActionData(id)
	assert.True(t, ok)
}

func TestSignersRevalidatedAtExecution(t *testing.T) {
	w := newWorld(t)
	nowSeq := w.depositAndSeal(t, 500)

	id, err := w.coord.ProposeSetBatchStatus(relayer(relayer1), 1, []bridge.TxStatus{bridge.StatusExecuted}, nowSeq)
	require.NoError(t, err)
	require.NoError(t, w.coord.Sign(relayer(relayer2), id))
	assert.Equal(t, 2, w.coord.GetActionValidSignerCount(id))

	// relayer2's stake drops below the requirement after signing.
	require.NoError(t, w.coord.SlashBoardMember(owner(), relayer2))
	require.NoError(t, w.coord.SlashBoardMember(owner(), relayer2))
	require.NoError(t, w.coord.SlashBoardMember(owner(), relayer2))

	assert.Equal(t, 2, w.coord.GetActionSignerCount(id))
	assert.Equal(t, 1, w.coord.GetActionValidSignerCount(id))
	err = w.coord.Perform(relayer(relayer1), id, 1, nowSeq)
	assert.ErrorIs(t, err, bridge.ErrQuorumNotReached)
}

func TestProposalDeduplication(t *testing.T) {
	w := newWorld(t)
	nowSeq := w.depositAndSeal(t, 500)

	statuses := []bridge.TxStatus{bridge.StatusExecuted}
	id1, err := w.coord.ProposeSetBatchStatus(relayer(relayer1), 1, statuses, nowSeq)
	require.NoError(t, err)

	// Structurally equal content from another relayer resolves to the same
	// id, and the re-proposer counts as a signer.
	id2, err := w.coord.ProposeSetBatchStatus(relayer(relayer2), 1, statuses, nowSeq)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 2, w.coord.GetActionSignerCount(id1))

	require.NoError(t, w.coord.Perform(relayer(relayer1), id1, 1, nowSeq))

	// Re-proposing executed content reports the duplicate.
	_, err = w.coord.ProposeSetBatchStatus(relayer(relayer1), 1, statuses, nowSeq)
	assert.ErrorIs(t, err, bridge.ErrDuplicateProposal)
}

func TestInboundTransferAction(t *testing.T) {
	w := newWorld(t)

	txs := []*bridge.EthTransaction{{
		FromForeign: destEth,
		To:          userAddr,
		Token:       tokenT,
		Amount:      uint256.NewInt(300),
		TxNonce:     1,
	}}

	// Lock supply so the native-kind credit can be released.
	w.ledger.Credit(ownerAddr, tokenT, uint256.NewInt(1_000))
	require.NoError(t, w.vault.InitSupply(owner(), bridge.Payment{Token: tokenT, Amount: uint256.NewInt(1_000)}))

	id, err := w.coord.ProposeBatchTransferIn(relayer(relayer1), 1, txs)
	require.NoError(t, err)
	assert.True(t, w.coord.WasTransferActionProposed(1, txs))
	gotID, ok := w.coord.GetActionIDForTransferBatch(1, txs)
	require.True(t, ok)
	assert.Equal(t, id, gotID)

	require.NoError(t, w.coord.Sign(relayer(relayer2), id))
	require.NoError(t, w.coord.Perform(relayer(relayer2), id, 1, 10))

	assert.True(t, w.ledger.BalanceOf(userAddr, tokenT).Eq(uint256.NewInt(300)))
	assert.Equal(t, uint64(1), w.exec.LastExecutedBatchID())
}

func TestInboundProposalRejectsGaps(t *testing.T) {
	w := newWorld(t)

	badBatch := []*bridge.EthTransaction{{
		FromForeign: destEth, To: userAddr, Token: tokenT, Amount: uint256.NewInt(1), TxNonce: 1,
	}}
	_, err := w.coord.ProposeBatchTransferIn(relayer(relayer1), 2, badBatch)
	assert.ErrorIs(t, err, bridge.ErrBadState)

	badNonce := []*bridge.EthTransaction{{
		FromForeign: destEth, To: userAddr, Token: tokenT, Amount: uint256.NewInt(1), TxNonce: 5,
	}}
	_, err = w.coord.ProposeBatchTransferIn(relayer(relayer1), 1, badNonce)
	assert.ErrorIs(t, err, bridge.ErrBadState)
}

func TestProposeRequiresBoardMembership(t *testing.T) {
	w := newWorld(t)
	nowSeq := w.depositAndSeal(t, 500)

	_, err := w.coord.ProposeSetBatchStatus(relayer(userAddr), 1, []bridge.TxStatus{bridge.StatusExecuted}, nowSeq)
	assert.ErrorIs(t, err, bridge.ErrUnauthorized)
}

func TestSigningAllowedWhilePaused(t *testing.T) {
	w := newWorld(t)
	nowSeq := w.depositAndSeal(t, 500)

	id, err := w.coord.ProposeSetBatchStatus(relayer(relayer1), 1, []bridge.TxStatus{bridge.StatusExecuted}, nowSeq)
	require.NoError(t, err)

	require.NoError(t, w.coord.Pause(owner()))

	// No proposing, no performing, but quorum may still form.
	_, err = w.coord.ProposeSetBatchStatus(relayer(relayer2), 1, []bridge.TxStatus{bridge.StatusRejected}, nowSeq)
	assert.ErrorIs(t, err, bridge.ErrPaused)
	require.NoError(t, w.coord.Sign(relayer(relayer2), id))
	assert.ErrorIs(t, w.coord.Perform(relayer(relayer1), id, 1, nowSeq), bridge.ErrPaused)

	require.NoError(t, w.coord.Unpause(owner()))
	require.NoError(t, w.coord.Perform(relayer(relayer1), id, 1, nowSeq))
}

func TestStakeAndUnstakeRules(t *testing.T) {
	w := newWorld(t)

	// Board members keep the required stake.
	err := w.coord.Unstake(relayer(relayer1), uint256.NewInt(1_500))
	assert.ErrorIs(t, err, bridge.ErrBadAmount)
	require.NoError(t, w.coord.Unstake(relayer(relayer1), uint256.NewInt(1_000)))

	// Non-members may drain to zero.
	w.ledger.Credit(userAddr, stakeToken, uint256.NewInt(700))
	require.NoError(t, w.coord.Stake(relayer(userAddr), bridge.Payment{Token: stakeToken, Amount: uint256.NewInt(700)}))
	require.NoError(t, w.coord.Unstake(relayer(userAddr), uint256.NewInt(700)))
	assert.True(t, w.ledger.BalanceOf(userAddr, stakeToken).Eq(uint256.NewInt(700)))
}

func TestSlashAndWithdraw(t *testing.T) {
	w := newWorld(t)

	require.NoError(t, w.coord.SlashBoardMember(owner(), relayer1))
	got, err := w.coord.WithdrawSlashedAmount(owner())
	require.NoError(t, err)
	assert.True(t, got.Eq(uint256.NewInt(500)))
	assert.True(t, w.ledger.BalanceOf(ownerAddr, stakeToken).Eq(uint256.NewInt(500)))

	_, err = w.coord.WithdrawSlashedAmount(owner())
	assert.ErrorIs(t, err, bridge.ErrNothingToRefund)
}

func TestChangeQuorumBounds(t *testing.T) {
	w := newWorld(t)

	assert.ErrorIs(t, w.coord.ChangeQuorum(owner(), 1), bridge.ErrBadAmount)
	assert.ErrorIs(t, w.coord.ChangeQuorum(owner(), 3), bridge.ErrBadAmount)
	require.NoError(t, w.coord.ChangeQuorum(owner(), 2))
	assert.Equal(t, 2, w.coord.Quorum())
}

func TestBoardLimits(t *testing.T) {
	w := newWorld(t)

	assert.ErrorIs(t, w.coord.AddBoardMember(owner(), relayer1), bridge.ErrBadState)
	assert.ErrorIs(t, w.coord.RemoveUser(owner(), relayer1), bridge.ErrBadState)
	assert.Len(t, w.coord.GetAllBoardMembers(), 2)
	assert.Len(t, w.coord.GetAllStakedRelayers(), 2)
}

func TestOwnerPassThroughSettings(t *testing.T) {
	w := newWorld(t)

	assert.ErrorIs(t, w.coord.SetMaxTxBatchSize(relayer(relayer1), 5), bridge.ErrUnauthorized)
	assert.ErrorIs(t, w.coord.SetMaxRefundBatchSize(relayer(relayer1), 5), bridge.ErrUnauthorized)

	require.NoError(t, w.coord.SetMaxTxBatchSize(owner(), 5))
	require.NoError(t, w.coord.SetMaxTxBatchBlockDuration(owner(), 40))
	require.NoError(t, w.coord.SetEthTxGasLimit(owner(), 200_000))
	require.NoError(t, w.coord.SetMaxBridgedAmount(owner(), tokenT, uint256.NewInt(1_000_000)))
	require.NoError(t, w.coord.SetMaxRefundBatchSize(owner(), 5))
}
