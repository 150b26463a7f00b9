// internal/service/oracle/oracle.go
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// cryptoAmountPrecision bounds the quote's decimal places; chain base units
// never need more than 18.
const cryptoAmountPrecision = 12

// RateFetcher returns the fiat price of one whole unit of an asset.
type RateFetcher interface {
	FetchRate(ctx context.Context, asset string) (decimal.Decimal, error)
}

type cachedRate struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// Service converts fiat amounts to crypto amounts. Rates are cached for a
// short TTL; on fetch failure the last-known rate is used, then the static
// configured rates. The cache is owned by the instance and the clock is
// injectable, so tests run without timers or network.
type Service struct {
	fetcher RateFetcher
	ttl     time.Duration
	static  map[string]decimal.Decimal
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRate
}

func NewService(fetcher RateFetcher, ttl time.Duration, static map[string]decimal.Decimal, logger *zap.Logger) *Service {
	return &Service{
		fetcher: fetcher,
		ttl:     ttl,
		static:  static,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]cachedRate),
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// GetRate returns the fiat price per whole unit of asset.
func (s *Service) GetRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	asset = strings.ToUpper(asset)

	s.mu.Lock()
	cached, ok := s.cache[asset]
	s.mu.Unlock()
	if ok && s.now().Sub(cached.fetchedAt) < s.ttl {
		return cached.value, nil
	}

	rate, err := s.fetcher.FetchRate(ctx, asset)
	if err == nil {
		if !rate.IsPositive() {
			return decimal.Zero, fmt.Errorf("oracle returned non-positive rate %s for %s", rate, asset)
		}
		s.mu.Lock()
		s.cache[asset] = cachedRate{value: rate, fetchedAt: s.now()}
		s.mu.Unlock()
		return rate, nil
	}

	// Provider down: serve the stale cache first, then the static floor.
	if ok {
		s.logger.Warn("price oracle fetch failed, serving last-known rate",
			zap.String("asset", asset),
			zap.Error(err),
		)
		return cached.value, nil
	}
	if static, found := s.static[asset]; found {
		s.logger.Warn("price oracle fetch failed, serving static rate",
			zap.String("asset", asset),
			zap.Error(err),
		)
		return static, nil
	}

	return decimal.Zero, fmt.Errorf("no rate available for %s: %w", asset, err)
}

// FiatToCrypto converts a fiat amount into the asset amount at the current
// rate. The result is what the buyer is quoted and what verification later
// checks against; it is computed once per order.
func (s *Service) FiatToCrypto(ctx context.Context, asset string, fiat decimal.Decimal) (decimal.Decimal, error) {
	rate, err := s.GetRate(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return fiat.DivRound(rate, cryptoAmountPrecision), nil
}

// HTTPFetcher queries the rates endpoint
// (GET {base}/v1/rates/{asset}?currency=NGN -> {"rate": "269800"}).
type HTTPFetcher struct {
	baseURL  string
	currency string
	http     *http.Client
}

func NewHTTPFetcher(baseURL, currency string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:  baseURL,
		currency: currency,
		http:     &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) FetchRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v1/rates/%s?currency=%s", f.baseURL, asset, f.currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build rate request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate response: %w", err)
	}
	return body.Rate, nil
}
