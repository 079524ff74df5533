package db

import (
	"bytes"
	"testing"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedbridge/fedbridge/node/pkg/batch"
	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
)

var (
	addr1 = bridge.Address{0x01}
	addr2 = bridge.Address{0x02}
	ethA  = eth_common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")

	tokenA = bridge.TokenID("USDC-1a2b3c")
	tokenB = bridge.TokenID("WEGLD-4d5e6f")
)

func openDB(t *testing.T) *Database {
	t.Helper()
	d := OpenInMemory()
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func record(seq uint64, amount uint64) *bridge.TransferRecord {
	return &bridge.TransferRecord{
		BlockSeq: 10,
		Seq:      seq,
		From:     addr1,
		To:       ethA,
		Token:    tokenA,
		Amount:   uint256.NewInt(amount),
		IsRefund: seq%2 == 0,
	}
}

func TestPendingBatchLifecycle(t *testing.T) {
	d := openDB(t)

	b2 := &batch.Batch{ID: 2, Records: []*bridge.TransferRecord{record(3, 300)}}
	b1 := &batch.Batch{ID: 1, Records: []*bridge.TransferRecord{record(1, 100), record(2, 200)}}
	require.NoError(t, d.StorePendingBatch("outbound", b2))
	require.NoError(t, d.StorePendingBatch("outbound", b1))

	got, err := d.LoadPendingBatches("outbound")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].ID)
	assert.Equal(t, uint64(2), got[1].ID)
	require.Len(t, got[0].Records, 2)
	r := got[0].Records[1]
	assert.Equal(t, uint64(2), r.Seq)
	assert.Equal(t, addr1, r.From)
	assert.Equal(t, ethA, r.To)
	assert.True(t, r.Amount.Eq(uint256.NewInt(200)))
	assert.True(t, r.IsRefund)

	// Stores are namespaced.
	other, err := d.LoadPendingBatches("refunds")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, d.DeletePendingBatch("outbound", 1))
	got, err = d.LoadPendingBatches("outbound")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
}

func TestStoreRefundAmountZeroDeletes(t *testing.T) {
	d := openDB(t)

	require.NoError(t, d.StoreRefundAmount(addr1, tokenA, uint256.NewInt(500)))
	require.NoError(t, d.StoreRefundAmount(addr1, tokenB, uint256.NewInt(7)))
	require.NoError(t, d.StoreRefundAmount(addr2, tokenA, uint256.NewInt(9)))

	got, err := d.LoadRefundAmounts()
	require.NoError(t, err)
	require.Len(t, got[addr1], 2)
	assert.True(t, got[addr1][tokenA].Eq(uint256.NewInt(500)))
	assert.True(t, got[addr2][tokenA].Eq(uint256.NewInt(9)))

	// Claiming writes a zero, which must drop the key entirely.
	require.NoError(t, d.StoreRefundAmount(addr1, tokenA, uint256.NewInt(0)))
	got, err = d.LoadRefundAmounts()
	require.NoError(t, err)
	_, ok := got[addr1][tokenA]
	assert.False(t, ok)
	assert.True(t, got[addr1][tokenB].Eq(uint256.NewInt(7)))
}

func TestTokenPolicyRoundTrip(t *testing.T) {
	d := openDB(t)

	require.NoError(t, d.StoreTokenPolicy(tokenA, registry.Policy{
		Ticker:                 "USDC",
		Kind:                   bridge.KindNative,
		Decimals:               6,
		DefaultPricePerGasUnit: uint256.NewInt(3),
		MaxBridgedAmount:       uint256.NewInt(1_000_000),
	}))
	require.NoError(t, d.StoreTokenPolicy(tokenB, registry.Policy{
		Ticker:   "WEGLD",
		Kind:     bridge.KindMintBurn,
		Decimals: 18,
	}))

	got, err := d.LoadTokenPolicies()
	require.NoError(t, err)
	require.Len(t, got, 2)

	p := got[tokenA]
	assert.Equal(t, "USDC", p.Ticker)
	assert.Equal(t, bridge.KindNative, p.Kind)
	assert.Equal(t, uint8(6), p.Decimals)
	require.NotNil(t, p.DefaultPricePerGasUnit)
	assert.True(t, p.DefaultPricePerGasUnit.Eq(uint256.NewInt(3)))
	require.NotNil(t, p.MaxBridgedAmount)
	assert.True(t, p.MaxBridgedAmount.Eq(uint256.NewInt(1_000_000)))

	p = got[tokenB]
	assert.Equal(t, bridge.KindMintBurn, p.Kind)
	assert.Nil(t, p.DefaultPricePerGasUnit)
	assert.Nil(t, p.MaxBridgedAmount)
}

func TestPendingCallsOrderedByID(t *testing.T) {
	d := openDB(t)

	call := func(id uint64, inFlight bool, callData []byte) *StoredCall {
		return &StoredCall{
			ID: id,
			Tx: &bridge.EthTransaction{
				FromForeign: ethA,
				To:          addr1,
				Token:       tokenA,
				Amount:      uint256.NewInt(100),
				TxNonce:     id,
				CallData:    callData,
			},
			Payment:     bridge.Payment{Token: tokenA, Amount: uint256.NewInt(90)},
			OpenedEpoch: 5,
			InFlight:    inFlight,
		}
	}
	require.NoError(t, d.StorePendingCall(call(12, true, []byte{0x01, 0x02})))
	require.NoError(t, d.StorePendingCall(call(3, false, nil)))

	got, err := d.LoadPendingCalls()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].ID)
	assert.Equal(t, uint64(12), got[1].ID)
	assert.False(t, got[0].InFlight)
	assert.Nil(t, got[0].Tx.CallData)
	assert.True(t, got[1].InFlight)
	assert.Equal(t, []byte{0x01, 0x02}, got[1].Tx.CallData)
	assert.True(t, got[1].Payment.Amount.Eq(uint256.NewInt(90)))

	require.NoError(t, d.DeletePendingCall(12))
	got, err = d.LoadPendingCalls()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].ID)
}

func TestInboundCursors(t *testing.T) {
	d := openDB(t)

	batchID, txID, err := d.LoadInboundCursors()
	require.NoError(t, err)
	assert.Zero(t, batchID)
	assert.Zero(t, txID)

	require.NoError(t, d.StoreInboundCursors(7, 42))
	batchID, txID, err = d.LoadInboundCursors()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), batchID)
	assert.Equal(t, uint64(42), txID)
}

func TestRefundTxBatches(t *testing.T) {
	d := openDB(t)

	tx := func(nonce uint64) *bridge.EthTransaction {
		return &bridge.EthTransaction{
			FromForeign: ethA,
			To:          addr1,
			Token:       tokenA,
			Amount:      uint256.NewInt(nonce * 10),
			TxNonce:     nonce,
		}
	}
	require.NoError(t, d.StoreRefundTx(1, tx(5)))
	require.NoError(t, d.StoreRefundTx(1, tx(2)))
	require.NoError(t, d.StoreRefundTx(2, tx(9)))

	got, err := d.LoadRefundTxs()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, got[1], 2)
	assert.Equal(t, uint64(2), got[1][0].TxNonce)
	assert.Equal(t, uint64(5), got[1][1].TxNonce)
	assert.True(t, got[1][1].Amount.Eq(uint256.NewInt(50)))

	require.NoError(t, d.DeleteRefundBatch(1))
	got, err = d.LoadRefundTxs()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[2], 1)
}

func TestUnprocessedRefundTxs(t *testing.T) {
	d := openDB(t)

	tx := &bridge.EthTransaction{
		FromForeign: ethA,
		To:          addr2,
		Token:       tokenB,
		Amount:      uint256.NewInt(33),
		TxNonce:     4,
	}
	require.NoError(t, d.StoreUnprocessedRefundTx(1, tx))

	got, err := d.LoadUnprocessedRefundTxs()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, addr2, got[1].To)
	assert.True(t, got[1].Amount.Eq(uint256.NewInt(33)))

	require.NoError(t, d.DeleteUnprocessedRefundTx(1))
	got, err = d.LoadUnprocessedRefundTxs()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWrapperStateRoundTrip(t *testing.T) {
	d := openDB(t)
	universal := bridge.TokenID("WUSDC-9f8e7d")

	require.NoError(t, d.StoreChainSpecificToUniversalMapping(tokenA, universal))
	require.NoError(t, d.StoreTokenLiquidity(tokenA, uint256.NewInt(777)))
	require.NoError(t, d.StoreWrappedTokenMeta(universal, 18, true))
	require.NoError(t, d.StoreWrappedTokenMeta(tokenA, 6, false))

	mappings, err := d.LoadChainSpecificToUniversalMappings()
	require.NoError(t, err)
	assert.Equal(t, universal, mappings[tokenA])

	liq, err := d.LoadTokenLiquidity()
	require.NoError(t, err)
	assert.True(t, liq[tokenA].Eq(uint256.NewInt(777)))

	meta, err := d.LoadWrappedTokenMeta()
	require.NoError(t, err)
	assert.Equal(t, uint8(18), meta[universal].Decimals)
	assert.True(t, meta[universal].Whitelisted)
	assert.False(t, meta[tokenA].Whitelisted)

	require.NoError(t, d.DeleteChainSpecificToUniversalMapping(tokenA))
	mappings, err = d.LoadChainSpecificToUniversalMappings()
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestCoordinatorStateRoundTrip(t *testing.T) {
	d := openDB(t)

	require.NoError(t, d.StoreAction(1, []byte{0xaa, 0xbb}))
	require.NoError(t, d.StoreAction(2, []byte{0xcc}))
	require.NoError(t, d.StoreActionSigners(1, []bridge.Address{addr1, addr2}))
	require.NoError(t, d.StoreStake(addr1, uint256.NewInt(2_000)))

	actions, err := d.LoadActions()
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, []byte{0xaa, 0xbb}, actions[1])

	signers, err := d.LoadActionSigners()
	require.NoError(t, err)
	assert.Equal(t, []bridge.Address{addr1, addr2}, signers[1])

	stakes, err := d.LoadStakes()
	require.NoError(t, err)
	assert.True(t, stakes[addr1].Eq(uint256.NewInt(2_000)))

	require.NoError(t, d.DeleteAction(1))
	actions, err = d.LoadActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	_, ok := actions[1]
	assert.False(t, ok)

	// Spent ids outlive the action payloads, carrying their content hash.
	key := bytes.Repeat([]byte{0x5a}, 32)
	require.NoError(t, d.StoreExecutedAction(1, key))
	executed, err := d.LoadExecutedActions()
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, key, executed[1])
}
