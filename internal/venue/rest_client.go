package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RESTClient implements Client against the venue's signed HTTP API. Every
// call goes through a circuit breaker so a flapping venue degrades into
// fast failures instead of piled-up timeouts.
type RESTClient struct {
	logger      *zap.Logger
	config      Config
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rateLimiter
}

// NewRESTClient creates a signed REST client.
func NewRESTClient(config Config, logger *zap.Logger) *RESTClient {
	c := &RESTClient{
		logger:      logger.Named("venue"),
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimiter: newRateLimiter(10, 100*time.Millisecond),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "venue",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c
}

// Compile-time interface check.
var _ Client = (*RESTClient)(nil)

// SetLeverage sets isolated leverage for a symbol on a subaccount.
func (c *RESTClient) SetLeverage(ctx context.Context, subaccountID int, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("subaccount", strconv.Itoa(subaccountID))
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	params.Set("marginMode", "isolated")

	_, err := c.signedRequest(ctx, http.MethodPost, "/api/v1/leverage", params)
	if err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

// PlaceBracketedOrder places a market entry with attached SL/TP legs.
func (c *RESTClient) PlaceBracketedOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	side := "buy"
	if req.Direction == "short" {
		side = "sell"
	}

	params := url.Values{}
	params.Set("subaccount", strconv.Itoa(req.SubaccountID))
	params.Set("symbol", req.Symbol)
	params.Set("side", side)
	params.Set("type", "market")
	params.Set("size", req.Size.String())
	params.Set("leverage", strconv.Itoa(req.Leverage))
	if !req.StopLoss.IsZero() {
		params.Set("stopLoss", req.StopLoss.String())
	}
	if !req.TakeProfit.IsZero() {
		params.Set("takeProfit", req.TakeProfit.String())
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v1/order/bracket", params)
	if err != nil {
		return nil, fmt.Errorf("place bracketed order: %w", err)
	}
	return parseOrderResult(body)
}

// ClosePosition market-closes the position on a symbol.
func (c *RESTClient) ClosePosition(ctx context.Context, subaccountID int, symbol string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("subaccount", strconv.Itoa(subaccountID))
	params.Set("symbol", symbol)

	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v1/position/close", params)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}
	return parseOrderResult(body)
}

// GetBalance fetches one subaccount's equity.
func (c *RESTClient) GetBalance(ctx context.Context, subaccountID int) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("subaccount", strconv.Itoa(subaccountID))

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v1/balance", params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}

	var payload struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return payload.Balance, nil
}

// ListSubaccounts fetches every venue subaccount with its equity.
func (c *RESTClient) ListSubaccounts(ctx context.Context) ([]SubaccountBalance, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v1/subaccounts", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("list subaccounts: %w", err)
	}

	var payload struct {
		Subaccounts []SubaccountBalance `json:"subaccounts"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse subaccounts: %w", err)
	}
	return payload.Subaccounts, nil
}

func parseOrderResult(body []byte) (*OrderResult, error) {
	var result OrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse order result: %w", err)
	}
	if result.FilledAt.IsZero() {
		result.FilledAt = time.Now().UTC()
	}
	return &result, nil
}

// signedRequest signs params with HMAC-SHA256 and executes the call
// through the circuit breaker.
func (c *RESTClient) signedRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	c.rateLimiter.acquire()

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", c.sign(params.Encode()))

	reqURL := c.config.BaseURL + endpoint + "?" + params.Encode()

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-KEY", c.config.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("venue returned %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *RESTClient) sign(data string) string {
	mac := hmac.New(sha256.New, []byte(c.config.APISecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// rateLimiter is a simple token bucket guarding the venue's rate limits.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

func newRateLimiter(maxTokens int, refillRate time.Duration) *rateLimiter {
	return &rateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// acquire takes a token, sleeping until one refills if the bucket is dry.
func (rl *rateLimiter) acquire() {
	for {
		rl.mu.Lock()
		now := time.Now()
		refilled := int(now.Sub(rl.lastRefill) / rl.refillRate)
		if refilled > 0 {
			rl.tokens += refilled
			if rl.tokens > rl.maxTokens {
				rl.tokens = rl.maxTokens
			}
			rl.lastRefill = now
		}
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return
		}
		rl.mu.Unlock()
		time.Sleep(rl.refillRate)
	}
}
