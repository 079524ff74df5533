package vault

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/batch"
	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
)

// Owner-gated settings and the view surface.

func (v *Vault) AddTokenToWhitelist(caller bridge.Caller, token bridge.TokenID, p registry.Policy) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	if err := v.registry.AddToken(token, p); err != nil {
		return err
	}
	if v.db != nil {
		if err := v.db.StoreTokenPolicy(token, p); err != nil {
			v.logger.Error("failed to persist token policy", zap.Stringer("token", token), zap.Error(err))
		}
	}
	return nil
}

func (v *Vault) RemoveTokenFromWhitelist(caller bridge.Caller, token bridge.TokenID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	return v.registry.RemoveToken(token)
}

func (v *Vault) SetMaxBridgedAmount(caller bridge.Caller, token bridge.TokenID, max *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	return v.registry.SetMaxBridgedAmount(token, max)
}

func (v *Vault) SetMaxTxBatchSize(caller bridge.Caller, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	return v.batches.SetMaxSize(size)
}

func (v *Vault) SetMaxTxBatchBlockDuration(caller bridge.Caller, blocks uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	return v.batches.SetMaxAge(blocks)
}

func (v *Vault) SetEthTxGasLimit(caller bridge.Caller, gasLimit uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	v.ethTxGasLimit = gasLimit
	return nil
}

// InitSupply seeds inventory for a native-kind token: the payment moves into
// the vault and total_locked starts at its amount.
func (v *Vault) InitSupply(caller bridge.Caller, payment bridge.Payment) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	policy, ok := v.registry.Policy(payment.Token)
	if !ok {
		return fmt.Errorf("token %s: %w", payment.Token, bridge.ErrNotWhitelisted)
	}
	if policy.Kind != bridge.KindNative {
		return fmt.Errorf("init_supply is for native-kind tokens only: %w", bridge.ErrBadState)
	}
	if err := v.ledger.Transfer(caller.Addr, v.addr, payment.Token, payment.Amount); err != nil {
		return err
	}
	return v.registry.AddLocked(payment.Token, payment.Amount)
}

// InitSupplyMintBurn seeds the mint and burn counters of a mint-burn token,
// mirroring supply that already circulates on the foreign side.
func (v *Vault) InitSupplyMintBurn(caller bridge.Caller, token bridge.TokenID, minted, burned *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	policy, ok := v.registry.Policy(token)
	if !ok {
		return fmt.Errorf("token %s: %w", token, bridge.ErrNotWhitelisted)
	}
	if policy.Kind != bridge.KindMintBurn {
		return fmt.Errorf("init_supply_mint_burn is for mint-burn tokens only: %w", bridge.ErrBadState)
	}
	return v.registry.InitSupply(token, uint256.NewInt(0), minted, burned)
}

func (v *Vault) Pause(caller bridge.Caller) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	v.paused = true
	v.logger.Info("vault paused")
	return nil
}

func (v *Vault) Unpause(caller bridge.Caller) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireOwner(caller); err != nil {
		return err
	}
	v.paused = false
	v.logger.Info("vault unpaused")
	return nil
}

// Views.

func (v *Vault) GetBatch(id uint64) *batch.Batch {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.batches.Get(id)
}

func (v *Vault) GetBatchStatus(id uint64, nowSeq uint64) batch.StatusReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.batches.Report(id, nowSeq)
}

// GetCurrentTxBatch returns the batch currently accepting deposits.
func (v *Vault) GetCurrentTxBatch() *batch.Batch {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.batches.Get(v.batches.LastID())
}

// CurrentSealedFinalBatch returns the first batch once it is consumable.
func (v *Vault) CurrentSealedFinalBatch(nowSeq uint64) (uint64, *batch.Batch, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.batches.CurrentSealedFinal(nowSeq)
}

func (v *Vault) FirstBatchID() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.batches.FirstID()
}

func (v *Vault) CalculateRequiredFee(ctx context.Context, token bridge.TokenID) *uint256.Int {
	v.mu.Lock()
	gasLimit := v.ethTxGasLimit
	v.mu.Unlock()
	return v.estimator.CalculateRequiredFee(ctx, token, gasLimit)
}

func (v *Vault) GetRefundAmount(addr bridge.Address, token bridge.TokenID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount, ok := v.refunds[addr][token]; ok {
		return amount.Clone()
	}
	return uint256.NewInt(0)
}

// GetRefundAmounts returns every non-zero refund escrowed for addr.
func (v *Vault) GetRefundAmounts(addr bridge.Address) map[bridge.TokenID]*uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[bridge.TokenID]*uint256.Int)
	for token, amount := range v.refunds[addr] {
		if !amount.IsZero() {
			out[token] = amount.Clone()
		}
	}
	return out
}

func (v *Vault) AccumulatedFees(token bridge.TokenID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if b, ok := v.accumulatedFees[token]; ok {
		return b.Clone()
	}
	return uint256.NewInt(0)
}
