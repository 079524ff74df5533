package coordinator

import (
	"github.com/holiman/uint256"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

// Owner pass-throughs for the settings of the components the coordinator
// drives. The gate lives here so an operator works against one surface; the
// child re-checks the capability itself.

func (c *Coordinator) SetMaxTxBatchSize(caller bridge.Caller, size uint64) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	return c.vault.SetMaxTxBatchSize(caller, size)
}

func (c *Coordinator) SetMaxTxBatchBlockDuration(caller bridge.Caller, blocks uint64) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	return c.vault.SetMaxTxBatchBlockDuration(caller, blocks)
}

func (c *Coordinator) SetEthTxGasLimit(caller bridge.Caller, gasLimit uint64) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	return c.vault.SetEthTxGasLimit(caller, gasLimit)
}

func (c *Coordinator) SetMaxBridgedAmount(caller bridge.Caller, token bridge.TokenID, max *uint256.Int) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	return c.vault.SetMaxBridgedAmount(caller, token, max)
}

func (c *Coordinator) SetMaxRefundBatchSize(caller bridge.Caller, size int) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	return c.executor.SetMaxRefundBatchSize(caller, size)
}
