// Package fee computes the per-transfer fee charged on the native to foreign
// path. The price of one foreign gas unit, denominated in the bridged token
// itself, comes from an external price aggregator with a per-token default
// as fallback.
package fee

import (
	"context"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
)

// PriceSource quotes the price of one unit of base denominated in quote.
// An implementation returning (nil, nil) has no quote for the pair.
type PriceSource interface {
	PricePerGasUnit(ctx context.Context, base, quote string) (*uint256.Int, error)
}

type Estimator struct {
	logger   *zap.Logger
	registry *registry.Registry
	source   PriceSource
}

// NewEstimator creates an estimator. source may be nil, in which case only
// the per-token default prices are used.
func NewEstimator(logger *zap.Logger, reg *registry.Registry, source PriceSource) *Estimator {
	return &Estimator{logger: logger, registry: reg, source: source}
}

// CalculateRequiredFee returns price_per_gas_unit(token) * gasLimit. A zero
// gas limit always yields a zero fee. Aggregator failures fall back to the
// token's default price and never abort the caller.
func (e *Estimator) CalculateRequiredFee(ctx context.Context, token bridge.TokenID, gasLimit uint64) *uint256.Int {
	if gasLimit == 0 {
		return uint256.NewInt(0)
	}

	price := e.pricePerGasUnit(ctx, token)
	fee := new(uint256.Int).Mul(price, uint256.NewInt(gasLimit))
	return fee
}

func (e *Estimator) pricePerGasUnit(ctx context.Context, token bridge.TokenID) *uint256.Int {
	if e.source != nil {
		price, err := e.source.PricePerGasUnit(ctx, bridge.GweiTicker, token.Ticker())
		if err != nil {
			e.logger.Warn("price aggregator query failed, using default price",
				zap.Stringer("token", token),
				zap.Error(err))
		} else if price != nil {
			return price
		}
	}

	if p, ok := e.registry.Policy(token); ok && p.DefaultPricePerGasUnit != nil {
		return p.DefaultPricePerGasUnit
	}
	return uint256.NewInt(0)
}
