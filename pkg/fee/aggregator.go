// This file contains the HTTP client for the external price aggregator.
// An example of the query generated: {base_url}/price?base=GWEI&quote=WUSDC
// The response body is JSON carrying the integer price as a string, e.g.
// {"base":"GWEI","quote":"WUSDC","price":"350"}.
package fee

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
)

const (
	// aggregatorCacheTTL specifies how long a fetched price stays fresh.
	aggregatorCacheTTL = 15 * time.Minute

	// aggregatorRequestsPerSecond rate limits outgoing queries.
	aggregatorRequestsPerSecond = 4

	aggregatorCacheSize  = 512
	aggregatorMaxRetries = 3
	aggregatorTimeout    = 10 * time.Second
)

type cachedPrice struct {
	price     *uint256.Int
	fetchedAt time.Time
}

// AggregatorClient is a PriceSource backed by the aggregator's HTTP API.
type AggregatorClient struct {
	logger  *zap.Logger
	baseURL string
	client  *http.Client
	cache   *lru.Cache
	limiter *rate.Limiter
}

func NewAggregatorClient(logger *zap.Logger, baseURL string) (*AggregatorClient, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid aggregator url: %w", err)
	}
	cache, err := lru.New(aggregatorCacheSize)
	if err != nil {
		return nil, err
	}
	return &AggregatorClient{
		logger:  logger,
		baseURL: baseURL,
		client:  &http.Client{Timeout: aggregatorTimeout},
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(aggregatorRequestsPerSecond), 1),
	}, nil
}

func (a *AggregatorClient) PricePerGasUnit(ctx context.Context, base, quote string) (*uint256.Int, error) {
	key := base + "/" + quote
	if v, ok := a.cache.Get(key); ok {
		entry := v.(cachedPrice)
		if time.Since(entry.fetchedAt) < aggregatorCacheTTL {
			return entry.price.Clone(), nil
		}
		a.cache.Remove(key)
	}

	price, err := a.fetch(ctx, base, quote)
	if err != nil {
		return nil, err
	}
	if price == nil {
		// The aggregator has no answer for this pair; don't cache that.
		return nil, nil
	}

	a.cache.Add(key, cachedPrice{price: price.Clone(), fetchedAt: time.Now()})
	return price, nil
}

// Poll keeps the price cache warm for the pairs GWEI/<ticker> until ctx is
// cancelled. Deposits then price against a fresh cache entry instead of
// paying the fetch latency inline.
func (a *AggregatorClient) Poll(ctx context.Context, interval time.Duration, tickers func() []string) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, quote := range tickers() {
			if _, err := a.PricePerGasUnit(ctx, bridge.GweiTicker, quote); err != nil {
				a.logger.Warn("price poll failed", zap.String("quote", quote), zap.Error(err))
			}
		}
	}
}

func (a *AggregatorClient) fetch(ctx context.Context, base, quote string) (*uint256.Int, error) {
	params := url.Values{}
	params.Add("base", base)
	params.Add("quote", quote)
	query := a.baseURL + "/price?" + params.Encode()

	var body []byte
	op := func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, query, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			// No quote for the pair; not a transient failure.
			body = nil
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("aggregator returned status %d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), aggregatorMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("aggregator query failed: %w", err)
	}
	if body == nil {
		return nil, nil
	}

	raw := gjson.GetBytes(body, "price")
	if !raw.Exists() {
		return nil, fmt.Errorf("aggregator response has no price field")
	}
	price, err := uint256.FromDecimal(raw.String())
	if err != nil {
		return nil, fmt.Errorf("aggregator returned bad price %q: %w", raw.String(), err)
	}

	a.logger.Debug("fetched gas price",
		zap.String("base", base),
		zap.String("quote", quote),
		zap.Stringer("price", price))
	return price, nil
}
