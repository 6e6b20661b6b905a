// Package index fetches external index prices for funding premium
// sampling. Prices come from an HTTP oracle endpoint and are cached
// briefly so the sampler does not hammer the upstream.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	fpmath "curvex/internal/math"
	"curvex/internal/wire"
)

type cacheEntry struct {
	price     int64 // Price scale
	fetchedAt time.Time
}

type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:  baseURL,
		Timeout:  5 * time.Second,
		CacheTTL: time.Second,
	}
}

// Oracle resolves instrument addresses to index prices. Safe for
// concurrent use; every matching lane samples through one shared Oracle.
type Oracle struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewOracle(cfg Config, logger zerolog.Logger) *Oracle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Second
	}
	return &Oracle{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

type priceResponse struct {
	Instrument string `json:"instrument"`
	Price      string `json:"price"` // Decimal string
}

// Price returns the index price for an instrument at Price scale. A fresh
// cache entry short-circuits the fetch; on upstream failure a stale cache
// entry is served rather than an error, and the caller only sees an error
// when no price was ever observed.
func (o *Oracle) Price(ctx context.Context, instrument string) (int64, error) {
	o.mu.RLock()
	cached, ok := o.cache[instrument]
	o.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < o.cfg.CacheTTL {
		return cached.price, nil
	}

	price, err := o.fetch(ctx, instrument)
	if err != nil {
		if ok {
			o.logger.Warn().Err(err).Str("instrument", instrument).
				Msg("index fetch failed, serving stale price")
			return cached.price, nil
		}
		return 0, err
	}

	o.mu.Lock()
	o.cache[instrument] = cacheEntry{price: price, fetchedAt: time.Now()}
	o.mu.Unlock()
	return price, nil
}

func (o *Oracle) fetch(ctx context.Context, instrument string) (int64, error) {
	u := fmt.Sprintf("%s/price?instrument=%s", o.cfg.BaseURL, url.QueryEscape(instrument))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("index fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("index fetch: upstream status %d", resp.StatusCode)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("index fetch: decode: %w", err)
	}

	price, err := wire.ParseDecimal(body.Price, fpmath.PriceConfig)
	if err != nil {
		return 0, fmt.Errorf("index fetch: bad price %q: %w", body.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("index fetch: non-positive price %d", price)
	}
	return price, nil
}
