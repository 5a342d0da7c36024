package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// bootstrap fetches recent candle history over HTTP and seeds the cache.
// Runs once per subscription, retrying with backoff; the tick path never
// touches HTTP.
func (s *Service) bootstrap(ctx context.Context, symbol string, interval types.Interval) error {
	candles, err := utils.Retry(utils.DefaultRetryConfig(), func() ([]types.Candle, error) {
		return s.FetchCandles(ctx, symbol, interval, s.config.BootstrapBars)
	})
	if err != nil {
		return err
	}

	s.SeedCandles(symbol, interval, candles)
	s.logger.Debug("Bootstrapped candle history",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)),
		zap.Int("bars", len(candles)))
	return nil
}

// FetchCandles retrieves up to limit recent candles over HTTP, oldest first.
func (s *Service) FetchCandles(ctx context.Context, symbol string, interval types.Interval, limit int) ([]types.Candle, error) {
	endpoint := fmt.Sprintf("%s/api/v1/candles?%s", s.config.HTTPURL, url.Values{
		"symbol":   {symbol},
		"interval": {string(interval)},
		"limit":    {strconv.Itoa(limit)},
	}.Encode())

	body, err := s.httpGet(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetching candles %s %s: %w", symbol, interval, err)
	}

	var payloads []candlePayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("decoding candle history: %w", err)
	}

	candles := make([]types.Candle, 0, len(payloads))
	for _, p := range payloads {
		candle, err := p.toCandle()
		if err != nil {
			return nil, err
		}
		candle.Symbol = symbol
		candle.Interval = interval
		candles = append(candles, candle)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}

type tickerPayload struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quote_volume"`
}

// FetchSymbolVolumes retrieves 24h quote volume per listed symbol, used
// by the symbol registry to rank the tradable universe.
func (s *Service) FetchSymbolVolumes(ctx context.Context) ([]types.SymbolVolume, error) {
	body, err := s.httpGet(ctx, s.config.HTTPURL+"/api/v1/tickers/24h")
	if err != nil {
		return nil, fmt.Errorf("fetching 24h tickers: %w", err)
	}

	var payloads []tickerPayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("decoding 24h tickers: %w", err)
	}

	volumes := make([]types.SymbolVolume, 0, len(payloads))
	for _, p := range payloads {
		volume, err := decimal.NewFromString(p.QuoteVolume)
		if err != nil {
			continue
		}
		volumes = append(volumes, types.SymbolVolume{Symbol: p.Symbol, QuoteVolume: volume})
	}
	return volumes, nil
}

func (s *Service) httpGet(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
