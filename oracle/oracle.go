// Package oracle quotes fiat prices for crypto symbols.
//
// The fallback policy is a business decision, not a bug: for payment
// quoting, a stale or approximate price is better than no price, so when
// the upstream feed errors or rate-limits, the oracle serves a static
// per-symbol fallback and caches it for the normal TTL to avoid hammering
// a failing feed.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openmart/web3pay/logger"
	"github.com/openmart/web3pay/metrics"
	"github.com/openmart/web3pay/types"
)

const cacheTTL = 60 * time.Second

// coinIDs maps ticker symbols to the feed's coin identifiers.
var coinIDs = map[string]string{
	"ETH":   "ethereum",
	"MATIC": "matic-network",
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"BTC":   "bitcoin",
}

// fallbackPrices are approximate and only served when the feed is
// unavailable.
var fallbackPrices = map[string]decimal.Decimal{
	"ETH":   decimal.NewFromInt(2000),
	"MATIC": decimal.NewFromFloat(0.8),
	"USDC":  decimal.NewFromInt(1),
	"USDT":  decimal.NewFromInt(1),
	"BTC":   decimal.NewFromInt(40000),
}

type cacheEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Oracle fetches fiat prices with a short-TTL cache and static fallback.
type Oracle struct {
	feedURL string
	client  *http.Client
	now     func() time.Time
	log     logger.Logger
	rec     metrics.Recorder

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds an Oracle against the given feed base URL.
func New(feedURL string, client *http.Client, now func() time.Time, log logger.Logger, rec metrics.Recorder) *Oracle {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Oracle{
		feedURL: strings.TrimRight(feedURL, "/"),
		client:  client,
		now:     now,
		log:     log,
		rec:     rec,
		cache:   make(map[string]cacheEntry),
	}
}

// GetPrice returns the USD price for a crypto symbol, always positive.
func (o *Oracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)

	if price, ok := o.cached(symbol); ok {
		o.rec.IncCounter(metrics.EventPriceCacheHit, map[string]string{"chain": symbol})
		return price, nil
	}

	price, err := o.fetch(ctx, symbol)
	if err != nil {
		return o.fallback(symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, types.E(types.ErrPriceUnavailable, "feed returned no price for %s", symbol)
	}

	o.store(symbol, price)
	o.rec.IncCounter(metrics.EventPriceFetched, map[string]string{"chain": symbol})
	return price, nil
}

// CalculateCryptoAmount converts a fiat amount to the symbol's currency,
// fixed to 8 decimal places.
func (o *Oracle) CalculateCryptoAmount(ctx context.Context, fiatAmount decimal.Decimal, symbol string) (string, error) {
	price, err := o.GetPrice(ctx, symbol)
	if err != nil {
		return "", err
	}
	return fiatAmount.Div(price).StringFixed(8), nil
}

func (o *Oracle) cached(symbol string) (decimal.Decimal, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.cache[symbol]
	if !ok || o.now().Sub(entry.fetchedAt) >= cacheTTL {
		return decimal.Zero, false
	}
	return entry.price, true
}

func (o *Oracle) store(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	o.cache[symbol] = cacheEntry{price: price, fetchedAt: o.now()}
	o.mu.Unlock()
}

// fetch queries the upstream feed. The cache lock is never held here.
func (o *Oracle) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	coinID, ok := coinIDs[symbol]
	if !ok {
		coinID = strings.ToLower(symbol)
	}

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", o.feedURL, url.QueryEscape(coinID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	o.rec.ObserveLatency(metrics.OpPriceFetch, time.Since(start), map[string]string{"chain": symbol})
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return decimal.Zero, errRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("malformed price feed response: %w", err)
	}

	return body[coinID].USD, nil
}

var errRateLimited = fmt.Errorf("price feed rate limit")

// fallback serves the static table when the feed failed. Rate limits are
// expected operational noise and logged at warn; anything else is an error.
// The fallback value is cached like a real quote.
func (o *Oracle) fallback(symbol string, cause error) (decimal.Decimal, error) {
	if cause == errRateLimited {
		o.log.Warn("price feed rate limit hit, using fallback price", map[string]any{"symbol": symbol})
	} else {
		o.log.Error("price feed fetch failed", map[string]any{"symbol": symbol, "error": cause.Error()})
	}

	price, ok := fallbackPrices[symbol]
	if !ok || !price.IsPositive() {
		return decimal.Zero, types.Wrap(types.ErrPriceUnavailable, cause, "no price available for %s", symbol)
	}

	o.store(symbol, price)
	o.rec.IncCounter(metrics.EventPriceFallback, map[string]string{"chain": symbol})
	return price, nil
}
