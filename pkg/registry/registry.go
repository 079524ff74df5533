// Package registry keeps the token whitelist, the per-token bridging policy
// and the lock/mint/burn accounting counters shared by the vault, the
// inbound executor and the wrapper.
package registry

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

// Policy is the bridging policy of one whitelisted token. Kind is immutable
// after the token is added.
type Policy struct {
	Ticker                 string
	Kind                   bridge.TokenKind
	Decimals               uint8
	DefaultPricePerGasUnit *uint256.Int
	// MaxBridgedAmount caps single transfers when non-nil.
	MaxBridgedAmount *uint256.Int
}

type Registry struct {
	mu     sync.Mutex
	logger *zap.Logger

	policies    map[bridge.TokenID]*Policy
	whitelisted map[bridge.TokenID]bool

	totalLocked map[bridge.TokenID]*uint256.Int
	totalMinted map[bridge.TokenID]*uint256.Int
	totalBurned map[bridge.TokenID]*uint256.Int
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:      logger,
		policies:    make(map[bridge.TokenID]*Policy),
		whitelisted: make(map[bridge.TokenID]bool),
		totalLocked: make(map[bridge.TokenID]*uint256.Int),
		totalMinted: make(map[bridge.TokenID]*uint256.Int),
		totalBurned: make(map[bridge.TokenID]*uint256.Int),
	}
}

// AddToken whitelists a token and installs its policy, zeroing the ledgers.
// Re-adding a previously removed token restores the whitelist flag but must
// keep the original kind.
func (r *Registry) AddToken(token bridge.TokenID, p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.policies[token]; ok {
		if existing.Kind != p.Kind {
			return fmt.Errorf("token %s kind is immutable (%s): %w", token, existing.Kind, bridge.ErrBadState)
		}
		existing.Ticker = p.Ticker
		existing.Decimals = p.Decimals
		existing.DefaultPricePerGasUnit = clone(p.DefaultPricePerGasUnit)
		existing.MaxBridgedAmount = clone(p.MaxBridgedAmount)
		r.whitelisted[token] = true
		return nil
	}

	stored := p
	stored.DefaultPricePerGasUnit = clone(p.DefaultPricePerGasUnit)
	stored.MaxBridgedAmount = clone(p.MaxBridgedAmount)
	r.policies[token] = &stored
	r.whitelisted[token] = true
	r.totalLocked[token] = uint256.NewInt(0)
	r.totalMinted[token] = uint256.NewInt(0)
	r.totalBurned[token] = uint256.NewInt(0)

	r.logger.Info("token whitelisted",
		zap.Stringer("token", token),
		zap.Stringer("kind", p.Kind),
		zap.Uint8("decimals", p.Decimals))
	return nil
}

// RemoveToken drops the token from the whitelist. Policy and ledgers are
// retained so the token can be re-added with the same kind.
func (r *Registry) RemoveToken(token bridge.TokenID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.whitelisted[token] {
		return fmt.Errorf("token %s: %w", token, bridge.ErrNotWhitelisted)
	}
	r.whitelisted[token] = false
	return nil
}

func (r *Registry) IsWhitelisted(token bridge.TokenID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.whitelisted[token]
}

// Policy returns a copy of the token's policy.
func (r *Registry) Policy(token bridge.TokenID) (Policy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[token]
	if !ok {
		return Policy{}, false
	}
	out := *p
	out.DefaultPricePerGasUnit = clone(p.DefaultPricePerGasUnit)
	out.MaxBridgedAmount = clone(p.MaxBridgedAmount)
	return out, true
}

func (r *Registry) SetMaxBridgedAmount(token bridge.TokenID, max *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[token]
	if !ok {
		return fmt.Errorf("token %s: %w", token, bridge.ErrNotWhitelisted)
	}
	p.MaxBridgedAmount = clone(max)
	return nil
}

// Tokens returns every token ever added, whitelisted or not.
func (r *Registry) Tokens() []bridge.TokenID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]bridge.TokenID, 0, len(r.policies))
	for t := range r.policies {
		out = append(out, t)
	}
	return out
}

// WhitelistedTokens returns the currently whitelisted tokens.
func (r *Registry) WhitelistedTokens() []bridge.TokenID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]bridge.TokenID, 0, len(r.whitelisted))
	for t, on := range r.whitelisted {
		if on {
			out = append(out, t)
		}
	}
	return out
}

// Ledger mutators. All counters are non-negative; an underflow aborts the
// calling operation before any state was changed.

func (r *Registry) AddLocked(token bridge.TokenID, amount *uint256.Int) error {
	return r.ledgerAdd(r.totalLocked, token, amount)
}

func (r *Registry) SubLocked(token bridge.TokenID, amount *uint256.Int) error {
	return r.ledgerSub(r.totalLocked, token, amount)
}

func (r *Registry) AddMinted(token bridge.TokenID, amount *uint256.Int) error {
	return r.ledgerAdd(r.totalMinted, token, amount)
}

func (r *Registry) SubMinted(token bridge.TokenID, amount *uint256.Int) error {
	return r.ledgerSub(r.totalMinted, token, amount)
}

func (r *Registry) AddBurned(token bridge.TokenID, amount *uint256.Int) error {
	return r.ledgerAdd(r.totalBurned, token, amount)
}

func (r *Registry) TotalLocked(token bridge.TokenID) *uint256.Int {
	return r.ledgerGet(r.totalLocked, token)
}

func (r *Registry) TotalMinted(token bridge.TokenID) *uint256.Int {
	return r.ledgerGet(r.totalMinted, token)
}

func (r *Registry) TotalBurned(token bridge.TokenID) *uint256.Int {
	return r.ledgerGet(r.totalBurned, token)
}

// InitSupply seeds the counters at genesis or migration time.
func (r *Registry) InitSupply(token bridge.TokenID, locked, minted, burned *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.policies[token]; !ok {
		return fmt.Errorf("token %s: %w", token, bridge.ErrNotWhitelisted)
	}
	r.totalLocked[token] = clone(locked)
	r.totalMinted[token] = clone(minted)
	r.totalBurned[token] = clone(burned)
	return nil
}

func (r *Registry) ledgerAdd(m map[bridge.TokenID]*uint256.Int, token bridge.TokenID, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := m[token]
	if !ok {
		return fmt.Errorf("token %s: %w", token, bridge.ErrNotWhitelisted)
	}
	b.Add(b, amount)
	return nil
}

func (r *Registry) ledgerSub(m map[bridge.TokenID]*uint256.Int, token bridge.TokenID, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := m[token]
	if !ok {
		return fmt.Errorf("token %s: %w", token, bridge.ErrNotWhitelisted)
	}
	if b.Lt(amount) {
		return fmt.Errorf("ledger underflow for %s: %w", token, bridge.ErrBadState)
	}
	b.Sub(b, amount)
	return nil
}

func (r *Registry) ledgerGet(m map[bridge.TokenID]*uint256.Int, token bridge.TokenID) *uint256.Int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := m[token]; ok {
		return b.Clone()
	}
	return uint256.NewInt(0)
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
