package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
)

var (
	ownerAddr = bridge.Address{0x01}
	userAddr  = bridge.Address{0x02}
	destEth   = eth_common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	tokenUSDC = bridge.TokenID("USDC-1a2b3c")
)

const testAdminToken = "test-admin-token"

type noopCaller struct{}

func (noopCaller) Call(bridge.Address, []byte, [][]byte, uint64, uint64, bridge.Payment) error {
	return nil
}

func newTestServer(t *testing.T) (*World, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	world, err := NewWorld(logger, Config{
		Owner:         ownerAddr,
		StakeToken:    bridge.GweiTicker + "-000001",
		RequiredStake: uint256.NewInt(1_000),
		SlashAmount:   uint256.NewInt(500),
		Quorum:        2,
	}, noopCaller{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = world.Close() })
	require.NoError(t, world.Run())

	s := NewServer(logger, world, "127.0.0.1:0", testAdminToken)
	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return world, ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var status map[string]any
	resp := getJSON(t, ts.URL+"/v1/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, float64(1), status["first_batch_id"])
	assert.Equal(t, float64(2), status["quorum"])
}

func TestTokensAndBatchEndpoints(t *testing.T) {
	world, ts := newTestServer(t)

	owner := bridge.Caller{Addr: ownerAddr, Role: bridge.RoleOwner}
	require.NoError(t, world.Vault.AddTokenToWhitelist(owner, tokenUSDC, registry.Policy{
		Ticker:   "USDC",
		Kind:     bridge.KindNative,
		Decimals: 6,
	}))
	world.Ledger.Credit(userAddr, tokenUSDC, uint256.NewInt(500))
	_, _, err := world.Vault.Deposit(context.Background(),
		bridge.Caller{Addr: userAddr, Role: bridge.RoleUser}, destEth,
		bridge.Payment{Token: tokenUSDC, Amount: uint256.NewInt(500)}, 10)
	require.NoError(t, err)

	var tokens []map[string]any
	resp := getJSON(t, ts.URL+"/v1/tokens", &tokens)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, tokens, 1)
	assert.Equal(t, string(tokenUSDC), tokens[0]["token"])
	assert.Equal(t, "500", tokens[0]["total_locked"])

	var b map[string]any
	resp = getJSON(t, ts.URL+"/v1/batches/current", &b)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), b["id"])
	assert.Len(t, b["transfers"], 1)

	resp = getJSON(t, ts.URL+"/v1/batches/99", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	world, ts := newTestServer(t)

	body := `{"token":"USDC-1a2b3c","ticker":"USDC","kind":"native","decimals":6}`
	resp, err := http.Post(ts.URL+"/v1/admin/tokens", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, world.Registry.IsWhitelisted(tokenUSDC))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/admin/tokens", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, world.Registry.IsWhitelisted(tokenUSDC))
}

func TestAdminPauseEndpoint(t *testing.T) {
	world, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/admin/pause", strings.NewReader(`{"component":"vault"}`))
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, err = world.Vault.Deposit(context.Background(),
		bridge.Caller{Addr: userAddr, Role: bridge.RoleUser}, destEth,
		bridge.Payment{Token: tokenUSDC, Amount: uint256.NewInt(1)}, 10)
	assert.ErrorIs(t, err, bridge.ErrPaused)
}

func TestReadyzEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
