package registry

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

const token = bridge.TokenID("WUSDC-a1b2c3")

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(zap.NewNop())
	require.NoError(t, r.AddToken(token, Policy{
		Ticker:   "WUSDC",
		Kind:     bridge.KindNative,
		Decimals: 6,
	}))
	return r
}

func TestKindIsImmutable(t *testing.T) {
	r := newTestRegistry(t)

	err := r.AddToken(token, Policy{Ticker: "WUSDC", Kind: bridge.KindMintBurn, Decimals: 6})
	assert.ErrorIs(t, err, bridge.ErrBadState)
}

func TestRemoveAndReAddKeepsLedgers(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.AddLocked(token, uint256.NewInt(500)))
	require.NoError(t, r.RemoveToken(token))
	assert.False(t, r.IsWhitelisted(token))

	require.NoError(t, r.AddToken(token, Policy{Ticker: "WUSDC", Kind: bridge.KindNative, Decimals: 6}))
	assert.True(t, r.IsWhitelisted(token))
	assert.Equal(t, uint256.NewInt(500), r.TotalLocked(token))
}

func TestLedgerUnderflowAborts(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.AddLocked(token, uint256.NewInt(100)))
	err := r.SubLocked(token, uint256.NewInt(101))
	assert.ErrorIs(t, err, bridge.ErrBadState)
	assert.Equal(t, uint256.NewInt(100), r.TotalLocked(token))
}

func TestUnknownTokenLedger(t *testing.T) {
	r := newTestRegistry(t)

	err := r.AddLocked("UNKNOWN-000000", uint256.NewInt(1))
	assert.ErrorIs(t, err, bridge.ErrNotWhitelisted)
	assert.Equal(t, uint256.NewInt(0), r.TotalLocked("UNKNOWN-000000"))
}

func TestPolicyReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.SetMaxBridgedAmount(token, uint256.NewInt(1000)))
	p, ok := r.Policy(token)
	require.True(t, ok)
	p.MaxBridgedAmount.SetUint64(5)

	p2, _ := r.Policy(token)
	assert.Equal(t, uint256.NewInt(1000), p2.MaxBridgedAmount)
}
