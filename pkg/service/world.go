// Package service assembles the bridge components into one node and exposes
// their views over HTTP.
package service

import (
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/callproxy"
	"github.com/fedbridge/fedbridge/node/pkg/coordinator"
	"github.com/fedbridge/fedbridge/node/pkg/db"
	"github.com/fedbridge/fedbridge/node/pkg/fee"
	"github.com/fedbridge/fedbridge/node/pkg/inbound"
	"github.com/fedbridge/fedbridge/node/pkg/readiness"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
	"github.com/fedbridge/fedbridge/node/pkg/vault"
	"github.com/fedbridge/fedbridge/node/pkg/wrapper"
)

// Config carries everything needed to assemble a node.
type Config struct {
	DataDir       string
	Owner         bridge.Address
	AggregatorURL string

	StakeToken    bridge.TokenID
	RequiredStake *uint256.Int
	SlashAmount   *uint256.Int
	Quorum        int
}

// Well-known component account addresses. The first eight zero bytes mark
// them as contract accounts.
var (
	VaultAddr       = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	WrapperAddr     = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x02}
	ProxyAddr       = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x03}
	ExecutorAddr    = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x04}
	CoordinatorAddr = bridge.Address{0, 0, 0, 0, 0, 0, 0, 0, 0x05}
)

// World is the fully wired component graph backed by one database.
type World struct {
	logger *zap.Logger

	Owner       bridge.Address
	DB          *db.Database
	Ledger      *bridge.MemoryLedger
	Registry    *registry.Registry
	Estimator   *fee.Estimator
	Aggregator  *fee.AggregatorClient
	Vault       *vault.Vault
	Wrapper     *wrapper.Wrapper
	Proxy       *callproxy.Proxy
	Executor    *inbound.Executor
	Coordinator *coordinator.Coordinator
}

// AsyncCaller is how the world reaches the host VM for contract calls; the
// node wires a real dispatcher, tests plug in fakes.
func NewWorld(logger *zap.Logger, cfg Config, caller callproxy.AsyncCaller) (*World, error) {
	var database *db.Database
	var err error
	if cfg.DataDir == "" {
		database = db.OpenInMemory()
	} else if database, err = db.Open(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ledger := bridge.NewMemoryLedger()
	reg := registry.New(logger.Named("registry"))

	var aggregator *fee.AggregatorClient
	var source fee.PriceSource
	if cfg.AggregatorURL != "" {
		client, err := fee.NewAggregatorClient(logger.Named("aggregator"), cfg.AggregatorURL)
		if err != nil {
			return nil, err
		}
		aggregator = client
		source = client
	}
	estimator := fee.NewEstimator(logger.Named("fee"), reg, source)

	v := vault.New(logger.Named("vault"), VaultAddr, cfg.Owner, reg, ledger, estimator, database)
	w := wrapper.New(logger.Named("wrapper"), WrapperAddr, cfg.Owner, ledger, v, database)
	proxy := callproxy.New(logger.Named("callproxy"), ProxyAddr, cfg.Owner, ledger, caller, v, w, database)
	executor := inbound.New(logger.Named("inbound"), ExecutorAddr, cfg.Owner, reg, ledger, v, w, proxy, database)
	coord := coordinator.New(logger.Named("coordinator"), CoordinatorAddr, cfg.Owner, ledger, v, executor,
		database, cfg.StakeToken, cfg.RequiredStake, cfg.SlashAmount, cfg.Quorum)

	return &World{
		logger:      logger,
		Owner:       cfg.Owner,
		DB:          database,
		Ledger:      ledger,
		Registry:    reg,
		Estimator:   estimator,
		Aggregator:  aggregator,
		Vault:       v,
		Wrapper:     w,
		Proxy:       proxy,
		Executor:    executor,
		Coordinator: coord,
	}, nil
}

// Run restores every component from the database, in dependency order.
func (w *World) Run() error {
	policies, err := w.DB.LoadTokenPolicies()
	if err != nil {
		return fmt.Errorf("failed to reload token policies: %w", err)
	}
	for token, p := range policies {
		if err := w.Registry.AddToken(token, p); err != nil {
			return err
		}
	}
	if err := w.Vault.Run(); err != nil {
		return err
	}
	readiness.SetReady(readiness.ComponentVault)
	if err := w.Wrapper.Run(); err != nil {
		return err
	}
	readiness.SetReady(readiness.ComponentWrapper)
	if err := w.Proxy.Run(); err != nil {
		return err
	}
	readiness.SetReady(readiness.ComponentCallProxy)
	if err := w.Executor.Run(); err != nil {
		return err
	}
	readiness.SetReady(readiness.ComponentInbound)
	if err := w.Coordinator.Run(); err != nil {
		return err
	}
	readiness.SetReady(readiness.ComponentCoordinator)
	w.logger.Info("world restored")
	return nil
}

func (w *World) Close() error {
	return w.DB.Close()
}
