package bridged

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/readiness"
	"github.com/fedbridge/fedbridge/node/pkg/service"
	"github.com/fedbridge/fedbridge/node/pkg/version"
)

const (
	serverShutdownTimeout = 10 * time.Second
	pricePollInterval     = 5 * time.Minute
)

var (
	dataDir       *string
	statusAddr    *string
	logLevel      *string
	aggregatorURL *string
	adminToken    *string

	ownerAddress  *string
	stakeToken    *string
	requiredStake *string
	slashAmount   *string
	quorum        *int
)

// NodeCmd runs the bridge coordination node.
var NodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the bridge coordination node",
	Run:   runNode,
}

func init() {
	dataDir = NodeCmd.Flags().String("dataDir", "", "Data directory (in-memory database when empty)")
	statusAddr = NodeCmd.Flags().String("statusAddr", "[::]:6060", "Listen address for the status and metrics server")
	logLevel = NodeCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error)")
	aggregatorURL = NodeCmd.Flags().String("aggregatorUrl", "", "Base URL of the gas price aggregator")
	adminToken = NodeCmd.Flags().String("adminToken", "", "Shared token guarding the admin HTTP routes (disabled when empty)")

	ownerAddress = NodeCmd.Flags().String("owner", "", "Owner account address (hex)")
	stakeToken = NodeCmd.Flags().String("stakeToken", "GWEI-000001", "Token relayers stake in")
	requiredStake = NodeCmd.Flags().String("requiredStake", "1000", "Stake required to sign actions")
	slashAmount = NodeCmd.Flags().String("slashAmount", "500", "Amount moved to the slashed pool per slash")
	quorum = NodeCmd.Flags().Int("quorum", 2, "Number of valid signatures required to execute an action")
}

func runNode(cmd *cobra.Command, args []string) {
	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting bridge node", zap.String("version", version.Version()))

	owner, err := bridge.StringToAddress(*ownerAddress)
	if err != nil {
		logger.Fatal("invalid owner address", zap.Error(err))
	}
	required, err := uint256.FromDecimal(*requiredStake)
	if err != nil {
		logger.Fatal("invalid required stake", zap.Error(err))
	}
	slash, err := uint256.FromDecimal(*slashAmount)
	if err != nil {
		logger.Fatal("invalid slash amount", zap.Error(err))
	}

	readiness.RegisterComponent(readiness.ComponentVault)
	readiness.RegisterComponent(readiness.ComponentWrapper)
	readiness.RegisterComponent(readiness.ComponentCallProxy)
	readiness.RegisterComponent(readiness.ComponentInbound)
	readiness.RegisterComponent(readiness.ComponentCoordinator)

	world, err := service.NewWorld(logger, service.Config{
		DataDir:       *dataDir,
		Owner:         owner,
		AggregatorURL: *aggregatorURL,
		StakeToken:    bridge.TokenID(*stakeToken),
		RequiredStake: required,
		SlashAmount:   slash,
		Quorum:        *quorum,
	}, noopCaller{})
	if err != nil {
		logger.Fatal("failed to assemble the node", zap.Error(err))
	}
	defer world.Close() //nolint:errcheck

	if err := world.Run(); err != nil {
		logger.Fatal("failed to restore state", zap.Error(err))
	}

	server := service.NewServer(logger.Named("http"), world, *statusAddr, *adminToken)
	errC := make(chan error, 1)
	go func() { errC <- server.ListenAndServe() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if world.Aggregator != nil {
		go world.Aggregator.Poll(ctx, pricePollInterval, func() []string {
			tickers := make([]string, 0, 8)
			for _, token := range world.Registry.WhitelistedTokens() {
				tickers = append(tickers, token.Ticker())
			}
			return tickers
		})
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown failed", zap.Error(err))
		}
	case err := <-errC:
		logger.Fatal("status server failed", zap.Error(err))
	}
}

// noopCaller stands in for the host VM dispatcher until an execution
// backend is attached; issued calls never complete, so every pending call
// eventually goes through the owner-cancel refund path.
type noopCaller struct{}

func (noopCaller) Call(bridge.Address, []byte, [][]byte, uint64, uint64, bridge.Payment) error {
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
