package wrapper

import (
	"context"
	"testing"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/db"
	"github.com/fedbridge/fedbridge/node/pkg/fee"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
	"github.com/fedbridge/fedbridge/node/pkg/vault"
)

var (
	wrapperAddr = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x02}
	vaultAddr   = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	ownerAddr   = bridge.Address{0x01}
	userAddr    = bridge.Address{0x02}
	destEth     = eth_common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")

	// USDC as issued on two different chains, unified into one token.
	tokenC1   = bridge.TokenID("USDC-1a2b3c")
	tokenC2   = bridge.TokenID("USDC-4d5e6f")
	universal = bridge.TokenID("WUSDC-9f8e7d")
)

// tokenC1 has 6 decimals, tokenC2 and the universal token 18.
const c1Scale = 1_000_000_000_000

type world struct {
	ledger  *bridge.MemoryLedger
	reg     *registry.Registry
	vault   *vault.Vault
	wrapper *Wrapper
}

func newWorld(t *testing.T) *world {
	t.Helper()
	logger := zap.NewNop()

	ledger := bridge.NewMemoryLedger()
	reg := registry.New(logger)
	require.NoError(t, reg.AddToken(tokenC1, registry.Policy{Ticker: "USDC", Kind: bridge.KindNative, Decimals: 6}))
	require.NoError(t, reg.AddToken(tokenC2, registry.Policy{Ticker: "USDC", Kind: bridge.KindNative, Decimals: 18}))

	est := fee.NewEstimator(logger, reg, nil)
	v := vault.New(logger, vaultAddr, ownerAddr, reg, ledger, est, db.MockVaultDB{})
	w := New(logger, wrapperAddr, ownerAddr, ledger, v, db.MockWrapperDB{})

	ledger.GrantMintRole(wrapperAddr, universal)
	require.NoError(t, w.AddWrappedToken(owner(), universal, 18))
	require.NoError(t, w.WhitelistToken(owner(), tokenC1, 6, universal))
	require.NoError(t, w.WhitelistToken(owner(), tokenC2, 18, universal))
	return &world{ledger: ledger, reg: reg, vault: v, wrapper: w}
}

func owner() bridge.Caller { return bridge.Caller{Addr: ownerAddr, Role: bridge.RoleOwner} }
func user() bridge.Caller  { return bridge.Caller{Addr: userAddr, Role: bridge.RoleUser} }

func TestWrapScalesDecimalsUp(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(500))

	out, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, universal, out[0].Token)
	assert.True(t, out[0].Amount.Eq(uint256.NewInt(500*c1Scale)))

	assert.True(t, w.ledger.BalanceOf(userAddr, universal).Eq(uint256.NewInt(500*c1Scale)))
	assert.True(t, w.ledger.BalanceOf(userAddr, tokenC1).IsZero())
	assert.True(t, w.wrapper.TokenLiquidity(tokenC1).Eq(uint256.NewInt(500)))
}

func TestWrapPassesThroughUnmappedToken(t *testing.T) {
	w := newWorld(t)
	other := bridge.TokenID("EGLD-aabbcc")
	w.ledger.Credit(userAddr, other, uint256.NewInt(100))

	out, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: other, Amount: uint256.NewInt(100)},
	})
	require.NoError(t, err)
	assert.Equal(t, other, out[0].Token)
	assert.True(t, out[0].Amount.Eq(uint256.NewInt(100)))
	assert.True(t, w.ledger.BalanceOf(userAddr, other).Eq(uint256.NewInt(100)))
}

func TestWrapUnwrapIdentity(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(500))

	out, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	require.NoError(t, err)

	got, err := w.wrapper.UnwrapToken(user(), out[0], tokenC1)
	require.NoError(t, err)
	assert.True(t, got.Eq(uint256.NewInt(500)))

	assert.True(t, w.ledger.BalanceOf(userAddr, tokenC1).Eq(uint256.NewInt(500)))
	assert.True(t, w.ledger.BalanceOf(userAddr, universal).IsZero())
	assert.True(t, w.wrapper.TokenLiquidity(tokenC1).IsZero())
}

func TestUnwrapAcrossChains(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(500))
	w.ledger.Credit(ownerAddr, tokenC2, uint256.NewInt(200*c1Scale))
	require.NoError(t, w.wrapper.DepositLiquidity(owner(),
		bridge.Payment{Token: tokenC2, Amount: uint256.NewInt(200 * c1Scale)}))

	_, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	require.NoError(t, err)

	// Exit on the other chain's representation instead.
	got, err := w.wrapper.UnwrapToken(user(),
		bridge.Payment{Token: universal, Amount: uint256.NewInt(200 * c1Scale)}, tokenC2)
	require.NoError(t, err)
	assert.True(t, got.Eq(uint256.NewInt(200*c1Scale)))
	assert.True(t, w.wrapper.TokenLiquidity(tokenC2).IsZero())
	assert.True(t, w.wrapper.TokenLiquidity(tokenC1).Eq(uint256.NewInt(500)))
}

func TestUnwrapRejectsDust(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(500))
	_, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	require.NoError(t, err)

	// Not a multiple of the 10^12 decimal gap.
	_, err = w.wrapper.UnwrapToken(user(),
		bridge.Payment{Token: universal, Amount: uint256.NewInt(c1Scale + 1)}, tokenC1)
	assert.ErrorIs(t, err, bridge.ErrBadAmount)
}

func TestUnwrapRequiresLiquidity(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, universal, uint256.NewInt(c1Scale))

	_, err := w.wrapper.UnwrapToken(user(),
		bridge.Payment{Token: universal, Amount: uint256.NewInt(c1Scale)}, tokenC1)
	assert.ErrorIs(t, err, bridge.ErrBadAmount)
}

func TestUnwrapRejectsWrongUniversal(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(5))

	_, err := w.wrapper.UnwrapToken(user(),
		bridge.Payment{Token: tokenC1, Amount: uint256.NewInt(5)}, tokenC1)
	assert.ErrorIs(t, err, bridge.ErrBadState)
}

func TestBlacklistBlocksWrapAllowsUnwrap(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(500))
	out, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	require.NoError(t, err)

	require.NoError(t, w.wrapper.BlacklistToken(owner(), tokenC1))

	// Blacklisted tokens pass through wrapping untouched.
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(100))
	out2, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(100)},
	})
	require.NoError(t, err)
	assert.Equal(t, tokenC1, out2[0].Token)

	err = w.wrapper.DepositLiquidity(user(), bridge.Payment{Token: tokenC1, Amount: uint256.NewInt(100)})
	assert.ErrorIs(t, err, bridge.ErrNotWhitelisted)

	// Holders can still exit.
	got, err := w.wrapper.UnwrapToken(user(), out[0], tokenC1)
	require.NoError(t, err)
	assert.True(t, got.Eq(uint256.NewInt(500)))
}

func TestRemoveAndUpdateRequireZeroLiquidity(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(500))
	out, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	require.NoError(t, err)

	err = w.wrapper.RemoveWrappedToken(owner(), universal)
	assert.ErrorIs(t, err, bridge.ErrBadState)
	err = w.wrapper.UpdateWrappedToken(owner(), universal, 12)
	assert.ErrorIs(t, err, bridge.ErrBadState)

	_, err = w.wrapper.UnwrapToken(user(), out[0], tokenC1)
	require.NoError(t, err)

	require.NoError(t, w.wrapper.UpdateWrappedToken(owner(), universal, 12))
	require.NoError(t, w.wrapper.RemoveWrappedToken(owner(), universal))
	_, ok := w.wrapper.UniversalOf(tokenC1)
	assert.False(t, ok)
}

func TestAddWrappedTokenRequiresMintRole(t *testing.T) {
	w := newWorld(t)
	err := w.wrapper.AddWrappedToken(owner(), bridge.TokenID("WEGLD-112233"), 18)
	assert.ErrorIs(t, err, bridge.ErrBadState)
}

func TestUnwrapTokenCreateTransaction(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(500))
	out, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	require.NoError(t, err)

	batchID, err := w.wrapper.UnwrapTokenCreateTransaction(
		context.Background(), user(), out[0], tokenC1, destEth, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), batchID)

	// The released liquidity went straight into vault escrow.
	assert.True(t, w.ledger.BalanceOf(userAddr, tokenC1).IsZero())
	assert.True(t, w.reg.TotalLocked(tokenC1).Eq(uint256.NewInt(500)))
	b := w.vault.GetCurrentTxBatch()
	require.Len(t, b.Records, 1)
	assert.Equal(t, destEth, b.Records[0].To)
}

func TestPauseBlocksWrapAndUnwrap(t *testing.T) {
	w := newWorld(t)
	w.ledger.Credit(userAddr, tokenC1, uint256.NewInt(500))
	require.NoError(t, w.wrapper.Pause(owner()))

	_, err := w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	assert.ErrorIs(t, err, bridge.ErrPaused)
	_, err = w.wrapper.UnwrapToken(user(),
		bridge.Payment{Token: universal, Amount: uint256.NewInt(c1Scale)}, tokenC1)
	assert.ErrorIs(t, err, bridge.ErrPaused)

	require.NoError(t, w.wrapper.Unpause(owner()))
	_, err = w.wrapper.WrapTokens(user(), []bridge.Payment{
		{Token: tokenC1, Amount: uint256.NewInt(500)},
	})
	require.NoError(t, err)
}
