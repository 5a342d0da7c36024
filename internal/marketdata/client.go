// Package marketdata maintains a websocket market-data stream and an
// in-memory candle cache. Live reads are served from the cache only;
// HTTP is used once per subscription to bootstrap recent history.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Config controls the stream client.
type Config struct {
	WSURL             string        `json:"ws_url" mapstructure:"ws_url"`
	HTTPURL           string        `json:"http_url" mapstructure:"http_url"`
	BufferSize        int           `json:"buffer_size" mapstructure:"buffer_size"`
	BootstrapBars     int           `json:"bootstrap_bars" mapstructure:"bootstrap_bars"`
	ReconnectInterval time.Duration `json:"reconnect_interval" mapstructure:"reconnect_interval"`
	RequestTimeout    time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
}

// DefaultConfig returns production-ready stream settings.
func DefaultConfig() Config {
	return Config{
		WSURL:             "wss://stream.venue.example/ws",
		HTTPURL:           "https://api.venue.example",
		BufferSize:        1000,
		BootstrapBars:     500,
		ReconnectInterval: 5 * time.Second,
		RequestTimeout:    10 * time.Second,
	}
}

type subKey struct {
	symbol   string
	interval types.Interval
}

// Service is the live market-data client. One instance serves every
// strategy on the host; candle history is cached per (symbol, interval).
type Service struct {
	mu         sync.RWMutex
	conn       *websocket.Conn
	allMids    bool
	candleSubs map[subKey]bool
	prices     map[string]types.PriceUpdate
	candles    map[subKey][]types.Candle

	onPrice     func(types.PriceUpdate)
	onCandle    func(types.Candle)
	onReconnect func()

	httpClient *http.Client
	config     Config
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a stream client. Call Start before subscribing.
func NewService(config Config, logger *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		candleSubs: make(map[subKey]bool),
		prices:     make(map[string]types.PriceUpdate),
		candles:    make(map[subKey][]types.Candle),
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		config:     config,
		logger:     logger.Named("marketdata"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnPrice registers a callback invoked for every mid-price tick.
func (s *Service) OnPrice(fn func(types.PriceUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPrice = fn
}

// OnCandle registers a callback invoked for every candle update.
func (s *Service) OnCandle(fn func(types.Candle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCandle = fn
}

// OnReconnect registers a callback invoked after every successful reconnect.
func (s *Service) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = fn
}

// Start connects the websocket and launches the read and reconnect loops.
func (s *Service) Start() error {
	if err := s.connect(); err != nil {
		return fmt.Errorf("connecting market data stream: %w", err)
	}

	s.wg.Add(1)
	go s.reconnectMonitor()

	s.logger.Info("Market data service started", zap.String("ws_url", s.config.WSURL))
	return nil
}

// Stop closes the stream and waits for the loops to exit.
func (s *Service) Stop() {
	s.cancel()

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Market data service stopped")
}

func (s *Service) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: s.config.RequestTimeout}
	conn, _, err := dialer.Dial(s.config.WSURL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

type subscribeRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Type     string         `json:"type"`
	Symbol   string         `json:"symbol,omitempty"`
	Interval types.Interval `json:"interval,omitempty"`
}

// SubscribeAllMids subscribes the mid-price feed for every listed symbol.
func (s *Service) SubscribeAllMids() error {
	s.mu.Lock()
	s.allMids = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.WriteJSON(subscribeRequest{
		Method:       "subscribe",
		Subscription: subscription{Type: "allMids"},
	})
}

// SubscribeCandles subscribes the candle feed for one (symbol, interval)
// pair and bootstraps recent history over HTTP so indicator warm-up does
// not wait for live bars. Re-subscribing an already-subscribed pair is a
// no-op.
func (s *Service) SubscribeCandles(ctx context.Context, symbol string, interval types.Interval) error {
	key := subKey{symbol: symbol, interval: interval}

	s.mu.Lock()
	if s.candleSubs[key] {
		s.mu.Unlock()
		return nil
	}
	s.candleSubs[key] = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	if err := s.bootstrap(ctx, symbol, interval); err != nil {
		s.logger.Warn("Candle bootstrap failed, continuing with live data only",
			zap.String("symbol", symbol),
			zap.String("interval", string(interval)),
			zap.Error(err))
	}

	err := conn.WriteJSON(subscribeRequest{
		Method:       "subscribe",
		Subscription: subscription{Type: "candle", Symbol: symbol, Interval: interval},
	})
	if err != nil {
		return fmt.Errorf("subscribing candles %s %s: %w", symbol, interval, err)
	}

	s.logger.Debug("Subscribed to candles",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)))
	return nil
}

// UnsubscribeCandles removes a candle subscription and drops its cache.
func (s *Service) UnsubscribeCandles(symbol string, interval types.Interval) error {
	key := subKey{symbol: symbol, interval: interval}

	s.mu.Lock()
	delete(s.candleSubs, key)
	delete(s.candles, key)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.WriteJSON(subscribeRequest{
		Method:       "unsubscribe",
		Subscription: subscription{Type: "candle", Symbol: symbol, Interval: interval},
	})
}

type streamMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type allMidsPayload struct {
	Mids map[string]string `json:"mids"`
}

type candlePayload struct {
	Symbol   string         `json:"symbol"`
	Interval types.Interval `json:"interval"`
	OpenTime int64          `json:"open_time"`
	Open     string         `json:"open"`
	High     string         `json:"high"`
	Low      string         `json:"low"`
	Close    string         `json:"close"`
	Volume   string         `json:"volume"`
	Closed   bool           `json:"closed"`
}

func (s *Service) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("Stream read error", zap.Error(err))
			s.markDisconnected(conn)
			return
		}

		if err := s.handleMessage(data); err != nil {
			s.logger.Debug("Dropping malformed stream message", zap.Error(err))
		}
	}
}

func (s *Service) handleMessage(data []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	switch msg.Channel {
	case "allMids":
		return s.handleAllMids(msg.Data)
	case "candle":
		return s.handleCandle(msg.Data)
	case "subscriptionResponse", "pong":
		return nil
	default:
		return nil
	}
}

func (s *Service) handleAllMids(data json.RawMessage) error {
	var payload allMidsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	updates := make([]types.PriceUpdate, 0, len(payload.Mids))

	s.mu.Lock()
	for symbol, raw := range payload.Mids {
		mid, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		update := types.PriceUpdate{
			Symbol:    symbol,
			Bid:       mid,
			Ask:       mid,
			Mid:       mid,
			Timestamp: now,
		}
		s.prices[symbol] = update
		updates = append(updates, update)
	}
	onPrice := s.onPrice
	s.mu.Unlock()

	if onPrice != nil {
		for _, u := range updates {
			onPrice(u)
		}
	}
	return nil
}

func (s *Service) handleCandle(data json.RawMessage) error {
	var payload candlePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	candle, err := payload.toCandle()
	if err != nil {
		return err
	}

	key := subKey{symbol: candle.Symbol, interval: candle.Interval}

	s.mu.Lock()
	buf := s.candles[key]
	if n := len(buf); n > 0 && buf[n-1].OpenTime.Equal(candle.OpenTime) {
		// Update of the still-forming bar.
		buf[n-1] = candle
	} else {
		buf = append(buf, candle)
		if len(buf) > s.config.BufferSize {
			buf = buf[len(buf)-s.config.BufferSize:]
		}
	}
	s.candles[key] = buf
	onCandle := s.onCandle
	s.mu.Unlock()

	if onCandle != nil {
		onCandle(candle)
	}
	return nil
}

func (p candlePayload) toCandle() (types.Candle, error) {
	open, err := decimal.NewFromString(p.Open)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parsing open: %w", err)
	}
	high, err := decimal.NewFromString(p.High)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parsing high: %w", err)
	}
	low, err := decimal.NewFromString(p.Low)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parsing low: %w", err)
	}
	closePrice, err := decimal.NewFromString(p.Close)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parsing close: %w", err)
	}
	volume, err := decimal.NewFromString(p.Volume)
	if err != nil {
		return types.Candle{}, fmt.Errorf("parsing volume: %w", err)
	}

	return types.Candle{
		Symbol:   p.Symbol,
		Interval: p.Interval,
		OpenTime: time.UnixMilli(p.OpenTime).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
		Closed:   p.Closed,
	}, nil
}

func (s *Service) markDisconnected(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn.Close()
		s.conn = nil
	}
}

// reconnectMonitor probes the connection on a fixed cadence and rebuilds
// it, with all subscriptions, after a drop.
func (s *Service) reconnectMonitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn != nil {
				deadline := time.Now().Add(s.config.RequestTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err == nil {
					continue
				}
				s.logger.Warn("Stream ping failed, reconnecting")
				s.markDisconnected(conn)
			}

			if err := s.reconnect(); err != nil {
				s.logger.Error("Stream reconnect failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) reconnect() error {
	if err := s.connect(); err != nil {
		return err
	}

	s.mu.RLock()
	allMids := s.allMids
	keys := make([]subKey, 0, len(s.candleSubs))
	for key := range s.candleSubs {
		keys = append(keys, key)
	}
	onReconnect := s.onReconnect
	s.mu.RUnlock()

	if allMids {
		if err := s.SubscribeAllMids(); err != nil {
			s.logger.Warn("Resubscribe allMids failed", zap.Error(err))
		}
	}
	for _, key := range keys {
		// Clear the flag so SubscribeCandles does not short-circuit.
		s.mu.Lock()
		delete(s.candleSubs, key)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
		if err := s.SubscribeCandles(ctx, key.symbol, key.interval); err != nil {
			s.logger.Warn("Resubscribe candles failed",
				zap.String("symbol", key.symbol),
				zap.String("interval", string(key.interval)),
				zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("Stream reconnected",
		zap.Bool("all_mids", allMids),
		zap.Int("candle_subs", len(keys)))

	if onReconnect != nil {
		onReconnect()
	}
	return nil
}

// Candles returns a copy of the cached history for one (symbol, interval)
// pair, oldest first.
func (s *Service) Candles(symbol string, interval types.Interval) []types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.candles[subKey{symbol: symbol, interval: interval}]
	out := make([]types.Candle, len(buf))
	copy(out, buf)
	return out
}

// LastPrice returns the most recent mid-price tick for a symbol.
func (s *Service) LastPrice(symbol string) (types.PriceUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	update, ok := s.prices[symbol]
	return update, ok
}

// SeedCandles replaces the cached history for one pair. Used by the HTTP
// bootstrap and by tests.
func (s *Service) SeedCandles(symbol string, interval types.Interval, candles []types.Candle) {
	key := subKey{symbol: symbol, interval: interval}
	buf := make([]types.Candle, len(candles))
	copy(buf, candles)
	if len(buf) > s.config.BufferSize {
		buf = buf[len(buf)-s.config.BufferSize:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[key] = buf
}
