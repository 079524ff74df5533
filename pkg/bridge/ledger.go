package bridge

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// TokenLedger is the view of the host chain's fungible token ledger that the
// bridge components need. The host VM providing dispatch is a collaborator;
// MemoryLedger below is the in-process implementation used by the daemon and
// the tests.
type TokenLedger interface {
	// Mint issues new supply of token to the given account. The minter must
	// hold the mint role for the token.
	Mint(minter Address, to Address, token TokenID, amount *uint256.Int) error
	// Burn destroys supply held by from. The burner must hold the mint role.
	Burn(burner Address, from Address, token TokenID, amount *uint256.Int) error
	Transfer(from, to Address, token TokenID, amount *uint256.Int) error
	BalanceOf(addr Address, token TokenID) *uint256.Int
	HasMintRole(addr Address, token TokenID) bool
}

type ledgerKey struct {
	addr  Address
	token TokenID
}

// MemoryLedger is an in-memory TokenLedger.
type MemoryLedger struct {
	mu        sync.Mutex
	balances  map[ledgerKey]*uint256.Int
	mintRoles map[ledgerKey]bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:  make(map[ledgerKey]*uint256.Int),
		mintRoles: make(map[ledgerKey]bool),
	}
}

// GrantMintRole allows addr to mint and burn the given token.
func (l *MemoryLedger) GrantMintRole(addr Address, token TokenID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mintRoles[ledgerKey{addr, token}] = true
}

func (l *MemoryLedger) HasMintRole(addr Address, token TokenID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mintRoles[ledgerKey{addr, token}]
}

// Credit funds an account out of thin air. Test and genesis helper.
func (l *MemoryLedger) Credit(addr Address, token TokenID, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(addr, token, amount)
}

func (l *MemoryLedger) Mint(minter Address, to Address, token TokenID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.mintRoles[ledgerKey{minter, token}] {
		return fmt.Errorf("%s missing mint role for %s: %w", minter, token, ErrUnauthorized)
	}
	l.add(to, token, amount)
	return nil
}

func (l *MemoryLedger) Burn(burner Address, from Address, token TokenID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.mintRoles[ledgerKey{burner, token}] {
		return fmt.Errorf("%s missing mint role for %s: %w", burner, token, ErrUnauthorized)
	}
	return l.sub(from, token, amount)
}

func (l *MemoryLedger) Transfer(from, to Address, token TokenID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sub(from, token, amount); err != nil {
		return err
	}
	l.add(to, token, amount)
	return nil
}

func (l *MemoryLedger) BalanceOf(addr Address, token TokenID) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.balances[ledgerKey{addr, token}]; ok {
		return b.Clone()
	}
	return uint256.NewInt(0)
}

func (l *MemoryLedger) add(addr Address, token TokenID, amount *uint256.Int) {
	key := ledgerKey{addr, token}
	b, ok := l.balances[key]
	if !ok {
		b = uint256.NewInt(0)
		l.balances[key] = b
	}
	b.Add(b, amount)
}

func (l *MemoryLedger) sub(addr Address, token TokenID, amount *uint256.Int) error {
	key := ledgerKey{addr, token}
	b, ok := l.balances[key]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("insufficient balance of %s for %s: %w", token, addr, ErrBadAmount)
	}
	b.Sub(b, amount)
	return nil
}
