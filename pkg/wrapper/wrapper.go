// Package wrapper unifies several chain-specific representations of the
// same asset into one universal token with its own decimals. Wrapping mints
// universal supply against chain-specific liquidity held by the wrapper;
// unwrapping burns it and releases liquidity.
package wrapper

import (
	"context"
	"fmt"
	"sync"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/db"
	"github.com/fedbridge/fedbridge/node/pkg/vault"
)

type universalEntry struct {
	decimals      uint8
	chainSpecific []bridge.TokenID
}

type chainEntry struct {
	universal   bridge.TokenID
	decimals    uint8
	liquidity   *uint256.Int
	whitelisted bool
}

type Wrapper struct {
	mu     sync.Mutex
	logger *zap.Logger

	addr  bridge.Address
	owner bridge.Address

	ledger bridge.TokenLedger
	vault  *vault.Vault
	db     db.WrapperDB

	paused    bool
	universal map[bridge.TokenID]*universalEntry
	chains    map[bridge.TokenID]*chainEntry
}

func New(
	logger *zap.Logger,
	addr bridge.Address,
	owner bridge.Address,
	ledger bridge.TokenLedger,
	v *vault.Vault,
	database db.WrapperDB,
) *Wrapper {
	return &Wrapper{
		logger:    logger,
		addr:      addr,
		owner:     owner,
		ledger:    ledger,
		vault:     v,
		db:        database,
		universal: make(map[bridge.TokenID]*universalEntry),
		chains:    make(map[bridge.TokenID]*chainEntry),
	}
}

// Addr returns the wrapper's custody account address.
func (w *Wrapper) Addr() bridge.Address { return w.addr }

// Run restores the token mapping and liquidity from the database.
func (w *Wrapper) Run() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db == nil {
		return nil
	}
	mappings, err := w.db.LoadChainSpecificToUniversalMappings()
	if err != nil {
		return fmt.Errorf("failed to reload token mappings: %w", err)
	}
	meta, err := w.db.LoadWrappedTokenMeta()
	if err != nil {
		return fmt.Errorf("failed to reload wrapped token meta: %w", err)
	}
	liquidity, err := w.db.LoadTokenLiquidity()
	if err != nil {
		return fmt.Errorf("failed to reload token liquidity: %w", err)
	}

	for c, u := range mappings {
		ue, ok := w.universal[u]
		if !ok {
			ue = &universalEntry{decimals: meta[u].Decimals}
			w.universal[u] = ue
		}
		ue.chainSpecific = append(ue.chainSpecific, c)

		liq, ok := liquidity[c]
		if !ok {
			liq = uint256.NewInt(0)
		}
		w.chains[c] = &chainEntry{
			universal:   u,
			decimals:    meta[c].Decimals,
			liquidity:   liq,
			whitelisted: meta[c].Whitelisted,
		}
	}
	w.logger.Info("restored wrapper state",
		zap.Int("universal_tokens", len(w.universal)),
		zap.Int("chain_specific_tokens", len(w.chains)))
	return nil
}

// AddWrappedToken registers a universal token. The wrapper must hold the
// mint role so it can issue and burn the universal supply.
func (w *Wrapper) AddWrappedToken(caller bridge.Caller, universal bridge.TokenID, decimals uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOwner(caller); err != nil {
		return err
	}
	if _, exists := w.universal[universal]; exists {
		return fmt.Errorf("universal token %s already registered: %w", universal, bridge.ErrBadState)
	}
	if !w.ledger.HasMintRole(w.addr, universal) {
		return fmt.Errorf("wrapper lacks mint role on %s: %w", universal, bridge.ErrBadState)
	}

	w.universal[universal] = &universalEntry{decimals: decimals}
	w.persistMeta(universal, decimals, true)
	w.logger.Info("universal token registered",
		zap.Stringer("token", universal),
		zap.Uint8("decimals", decimals))
	return nil
}

// RemoveWrappedToken drops a universal token. Only safe once every mapped
// chain-specific liquidity is zero.
func (w *Wrapper) RemoveWrappedToken(caller bridge.Caller, universal bridge.TokenID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOwner(caller); err != nil {
		return err
	}
	ue, ok := w.universal[universal]
	if !ok {
		return fmt.Errorf("universal token %s: %w", universal, bridge.ErrNotWhitelisted)
	}
	for _, c := range ue.chainSpecific {
		if !w.chains[c].liquidity.IsZero() {
			return fmt.Errorf("chain-specific token %s still has liquidity: %w", c, bridge.ErrBadState)
		}
	}

	for _, c := range ue.chainSpecific {
		delete(w.chains, c)
		if w.db != nil {
			if err := w.db.DeleteChainSpecificToUniversalMapping(c); err != nil {
				w.logger.Error("failed to delete token mapping", zap.Stringer("token", c), zap.Error(err))
			}
		}
	}
	delete(w.universal, universal)
	return nil
}

// UpdateWrappedToken changes the universal token's decimals. Refused while
// any liquidity is outstanding since existing supply was scaled with the old
// value.
func (w *Wrapper) UpdateWrappedToken(caller bridge.Caller, universal bridge.TokenID, decimals uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOwner(caller); err != nil {
		return err
	}
	ue, ok := w.universal[universal]
	if !ok {
		return fmt.Errorf("universal token %s: %w", universal, bridge.ErrNotWhitelisted)
	}
	for _, c := range ue.chainSpecific {
		if !w.chains[c].liquidity.IsZero() {
			return fmt.Errorf("chain-specific token %s still has liquidity: %w", c, bridge.ErrBadState)
		}
	}
	ue.decimals = decimals
	w.persistMeta(universal, decimals, true)
	return nil
}

// WhitelistToken maps a chain-specific token onto a universal one.
func (w *Wrapper) WhitelistToken(caller bridge.Caller, chainSpecific bridge.TokenID, decimals uint8, universal bridge.TokenID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOwner(caller); err != nil {
		return err
	}
	if _, ok := w.universal[universal]; !ok {
		return fmt.Errorf("universal token %s: %w", universal, bridge.ErrNotWhitelisted)
	}
	if !w.ledger.HasMintRole(w.addr, universal) {
		return fmt.Errorf("wrapper lacks mint role on %s: %w", universal, bridge.ErrBadState)
	}
	if _, mapped := w.chains[chainSpecific]; mapped {
		return fmt.Errorf("token %s is already mapped: %w", chainSpecific, bridge.ErrBadState)
	}

	w.chains[chainSpecific] = &chainEntry{
		universal:   universal,
		decimals:    decimals,
		liquidity:   uint256.NewInt(0),
		whitelisted: true,
	}
	w.universal[universal].chainSpecific = append(w.universal[universal].chainSpecific, chainSpecific)

	if w.db != nil {
		if err := w.db.StoreChainSpecificToUniversalMapping(chainSpecific, universal); err != nil {
			w.logger.Error("failed to persist token mapping", zap.Stringer("token", chainSpecific), zap.Error(err))
		}
	}
	w.persistMeta(chainSpecific, decimals, true)
	w.logger.Info("chain-specific token whitelisted",
		zap.Stringer("token", chainSpecific),
		zap.Stringer("universal", universal),
		zap.Uint8("decimals", decimals))
	return nil
}

// BlacklistToken stops wrapping and liquidity deposits for a chain-specific
// token. Unwrapping stays possible so holders can exit.
func (w *Wrapper) BlacklistToken(caller bridge.Caller, chainSpecific bridge.TokenID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOwner(caller); err != nil {
		return err
	}
	ce, ok := w.chains[chainSpecific]
	if !ok {
		return fmt.Errorf("token %s: %w", chainSpecific, bridge.ErrNotWhitelisted)
	}
	ce.whitelisted = false
	w.persistMeta(chainSpecific, ce.decimals, false)
	return nil
}

// DepositLiquidity adds chain-specific inventory without minting universal
// supply. Used to seed the wrapper so unwraps can be served.
func (w *Wrapper) DepositLiquidity(caller bridge.Caller, payment bridge.Payment) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused {
		return bridge.ErrPaused
	}
	ce, ok := w.chains[payment.Token]
	if !ok || !ce.whitelisted {
		return fmt.Errorf("token %s: %w", payment.Token, bridge.ErrNotWhitelisted)
	}
	if payment.Amount == nil || payment.Amount.IsZero() {
		return fmt.Errorf("liquidity amount must be positive: %w", bridge.ErrBadAmount)
	}
	if err := w.ledger.Transfer(caller.Addr, w.addr, payment.Token, payment.Amount); err != nil {
		return err
	}
	ce.liquidity.Add(ce.liquidity, payment.Amount)
	w.persistLiquidity(payment.Token, ce.liquidity)
	return nil
}

// WrapTokens converts each whitelisted chain-specific payment into its
// universal representation, minted to the caller. Entries whose token is not
// a whitelisted chain-specific token pass through unchanged. The whole batch
// is validated before any state changes.
func (w *Wrapper) WrapTokens(caller bridge.Caller, payments []bridge.Payment) ([]bridge.Payment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused {
		return nil, bridge.ErrPaused
	}

	type plan struct {
		index     int
		ce        *chainEntry
		converted *uint256.Int
	}
	out := make([]bridge.Payment, len(payments))
	var plans []plan
	for i, p := range payments {
		out[i] = p
		ce, ok := w.chains[p.Token]
		if !ok || !ce.whitelisted {
			continue
		}
		if p.Amount == nil || p.Amount.IsZero() {
			return nil, fmt.Errorf("wrap amount must be positive: %w", bridge.ErrBadAmount)
		}
		converted, err := convert(p.Amount, ce.decimals, w.universal[ce.universal].decimals)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan{index: i, ce: ce, converted: converted})
	}

	for _, pl := range plans {
		p := payments[pl.index]
		if err := w.ledger.Transfer(caller.Addr, w.addr, p.Token, p.Amount); err != nil {
			return nil, err
		}
		if err := w.ledger.Mint(w.addr, caller.Addr, pl.ce.universal, pl.converted); err != nil {
			return nil, err
		}
		pl.ce.liquidity.Add(pl.ce.liquidity, p.Amount)
		w.persistLiquidity(p.Token, pl.ce.liquidity)
		out[pl.index] = bridge.Payment{Token: pl.ce.universal, Amount: pl.converted}
	}
	return out, nil
}

// UnwrapToken burns a universal payment and releases the equivalent
// chain-specific liquidity to the caller.
func (w *Wrapper) UnwrapToken(caller bridge.Caller, payment bridge.Payment, chainSpecific bridge.TokenID) (*uint256.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unwrapLocked(caller, payment, chainSpecific)
}

func (w *Wrapper) unwrapLocked(caller bridge.Caller, payment bridge.Payment, chainSpecific bridge.TokenID) (*uint256.Int, error) {
	if w.paused {
		return nil, bridge.ErrPaused
	}
	ce, ok := w.chains[chainSpecific]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", chainSpecific, bridge.ErrNotWhitelisted)
	}
	if ce.universal != payment.Token {
		return nil, fmt.Errorf("%s does not unwrap to %s: %w", payment.Token, chainSpecific, bridge.ErrBadState)
	}
	if payment.Amount == nil || payment.Amount.IsZero() {
		return nil, fmt.Errorf("unwrap amount must be positive: %w", bridge.ErrBadAmount)
	}
	converted, err := convert(payment.Amount, w.universal[ce.universal].decimals, ce.decimals)
	if err != nil {
		return nil, err
	}
	if ce.liquidity.Lt(converted) {
		return nil, fmt.Errorf("liquidity %s below %s: %w", ce.liquidity, converted, bridge.ErrBadAmount)
	}

	if err := w.ledger.Transfer(caller.Addr, w.addr, payment.Token, payment.Amount); err != nil {
		return nil, err
	}
	if err := w.ledger.Burn(w.addr, w.addr, payment.Token, payment.Amount); err != nil {
		return nil, err
	}
	ce.liquidity.Sub(ce.liquidity, converted)
	w.persistLiquidity(chainSpecific, ce.liquidity)
	if err := w.ledger.Transfer(w.addr, caller.Addr, chainSpecific, converted); err != nil {
		return nil, err
	}
	return converted, nil
}

// UnwrapTokenCreateTransaction unwraps and immediately re-escrows the
// chain-specific tokens in the vault for the foreign leg, on behalf of the
// caller.
func (w *Wrapper) UnwrapTokenCreateTransaction(
	ctx context.Context,
	caller bridge.Caller,
	payment bridge.Payment,
	chainSpecific bridge.TokenID,
	toForeign eth_common.Address,
	nowSeq uint64,
) (uint64, error) {
	w.mu.Lock()
	converted, err := w.unwrapLocked(caller, payment, chainSpecific)
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}

	batchID, _, err := w.vault.Deposit(ctx, caller, toForeign, bridge.Payment{Token: chainSpecific, Amount: converted}, nowSeq)
	return batchID, err
}

func (w *Wrapper) Pause(caller bridge.Caller) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireOwner(caller); err != nil {
		return err
	}
	w.paused = true
	return nil
}

func (w *Wrapper) Unpause(caller bridge.Caller) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireOwner(caller); err != nil {
		return err
	}
	w.paused = false
	return nil
}

// Views.

// UniversalOf resolves a chain-specific token to its universal token. This
// is the read-through interface other components use instead of touching the
// wrapper's storage keys.
func (w *Wrapper) UniversalOf(chainSpecific bridge.TokenID) (bridge.TokenID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ce, ok := w.chains[chainSpecific]
	if !ok {
		return "", false
	}
	return ce.universal, true
}

func (w *Wrapper) TokenLiquidity(chainSpecific bridge.TokenID) *uint256.Int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ce, ok := w.chains[chainSpecific]; ok {
		return ce.liquidity.Clone()
	}
	return uint256.NewInt(0)
}

func (w *Wrapper) UniversalTokens() []bridge.TokenID {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]bridge.TokenID, 0, len(w.universal))
	for u := range w.universal {
		out = append(out, u)
	}
	return out
}

func (w *Wrapper) ChainSpecificTokens(universal bridge.TokenID) []bridge.TokenID {
	w.mu.Lock()
	defer w.mu.Unlock()

	ue, ok := w.universal[universal]
	if !ok {
		return nil
	}
	out := make([]bridge.TokenID, len(ue.chainSpecific))
	copy(out, ue.chainSpecific)
	return out
}

func (w *Wrapper) requireOwner(caller bridge.Caller) error {
	if !caller.Is(bridge.RoleOwner) || caller.Addr != w.owner {
		return fmt.Errorf("owner only: %w", bridge.ErrUnauthorized)
	}
	return nil
}

func (w *Wrapper) persistLiquidity(token bridge.TokenID, amount *uint256.Int) {
	if w.db == nil {
		return
	}
	if err := w.db.StoreTokenLiquidity(token, amount); err != nil {
		w.logger.Error("failed to persist liquidity", zap.Stringer("token", token), zap.Error(err))
	}
}

func (w *Wrapper) persistMeta(token bridge.TokenID, decimals uint8, whitelisted bool) {
	if w.db == nil {
		return
	}
	if err := w.db.StoreWrappedTokenMeta(token, decimals, whitelisted); err != nil {
		w.logger.Error("failed to persist wrapped token meta", zap.Stringer("token", token), zap.Error(err))
	}
}

// convert rescales an amount between two decimal widths. The division
// direction must leave no remainder; dust is rejected rather than silently
// burned.
func convert(amount *uint256.Int, fromDecimals, toDecimals uint8) (*uint256.Int, error) {
	if fromDecimals == toDecimals {
		return amount.Clone(), nil
	}
	if toDecimals > fromDecimals {
		scale := pow10(toDecimals - fromDecimals)
		out := new(uint256.Int)
		if _, overflow := out.MulOverflow(amount, scale); overflow {
			return nil, fmt.Errorf("scaled amount overflows: %w", bridge.ErrBadAmount)
		}
		return out, nil
	}
	scale := pow10(fromDecimals - toDecimals)
	rem := new(uint256.Int).Mod(amount, scale)
	if !rem.IsZero() {
		return nil, fmt.Errorf("amount %s leaves dust at %d decimals: %w", amount, toDecimals, bridge.ErrBadAmount)
	}
	return new(uint256.Int).Div(amount, scale), nil
}

func pow10(n uint8) *uint256.Int {
	out := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}
