// Package stream is the best-effort secondary quote channel. Delivery is not
// guaranteed; the polled acquisition path remains the source of record and
// nothing here blocks or degrades it.
package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/wombatsyoks/mariom/internal/domain"
	"github.com/wombatsyoks/mariom/internal/events"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute

	cacheStaleThreshold = 5 * time.Minute
)

// QuoteNormalizer converts one raw frame into canonical quotes.
type QuoteNormalizer interface {
	Normalize(raw []byte) []domain.CanonicalQuote
}

// SIDProvider supplies the vendor session id the stream authenticates with.
// The polled client owns the credential; the stream only borrows it.
type SIDProvider func(ctx context.Context) (string, error)

// Client maintains a WebSocket subscription for live quote ticks.
type Client struct {
	url        string
	symbols    []string
	sid        SIDProvider
	httpClient *http.Client
	normalizer QuoteNormalizer
	bus        *events.Bus
	log        zerolog.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancelFunc   context.CancelFunc
	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	cacheMu    sync.RWMutex
	quoteCache map[string]domain.CanonicalQuote
	lastUpdate time.Time
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Required because CDN fronting negotiates HTTP/2 via TLS ALPN, but the
// WebSocket upgrade handshake needs HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewClient creates a stream client for the given symbols.
func NewClient(url string, symbols []string, sid SIDProvider, normalizer QuoteNormalizer, bus *events.Bus, log zerolog.Logger) *Client {
	return &Client{
		url:        url,
		symbols:    symbols,
		sid:        sid,
		httpClient: createHTTP1Client(),
		normalizer: normalizer,
		bus:        bus,
		log:        log.With().Str("component", "quote_stream").Logger(),
		quoteCache: make(map[string]domain.CanonicalQuote),
		stopChan:   make(chan struct{}),
	}
}

// Start connects and begins the read loop. A failed initial connection is not
// fatal; the reconnect loop keeps trying in the background.
func (c *Client) Start() error {
	c.log.Info().Msg("Starting quote stream client")

	if err := c.connect(); err != nil {
		c.log.Warn().Err(err).Msg("Initial stream connection failed, will retry in background")
		go c.reconnectLoop()
		return err
	}

	c.mu.RLock()
	ctx := c.connCtx
	c.mu.RUnlock()
	go c.readMessages(ctx)

	return nil
}

// Stop shuts the stream down.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info().Msg("Stopping quote stream client")
	close(c.stopChan)
	return c.disconnect()
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	wsURL := c.url
	if c.sid != nil {
		sid, err := c.sid(dialCtx)
		if err != nil {
			return fmt.Errorf("failed to obtain session id for stream: %w", err)
		}
		sep := "?"
		if strings.Contains(wsURL, "?") {
			sep = "&"
		}
		wsURL += sep + "sid=" + sid
	}

	c.log.Info().Str("url", c.url).Msg("Connecting to quote stream")

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCtx = connCtx
	c.cancelFunc = connCancel
	c.connected = true

	if err := c.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		c.conn = nil
		c.connCtx = nil
		c.cancelFunc = nil
		c.connected = false
		return fmt.Errorf("failed to subscribe to quote stream: %w", err)
	}

	if c.bus != nil {
		c.bus.Emit(events.StreamConnected, "quote_stream", map[string]interface{}{
			"symbols": len(c.symbols),
		})
	}
	return nil
}

func (c *Client) disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	c.connCtx = nil
	c.connected = false

	if err != nil {
		return fmt.Errorf("error closing stream: %w", err)
	}
	return nil
}

// subscribe sends the symbol subscription frame: ["quotes", ["AAPL", ...]].
func (c *Client) subscribe(ctx context.Context) error {
	msg := []interface{}{"quotes", c.symbols}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}
	return nil
}

func (c *Client) readMessages(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		stopped := c.stopped
		c.mu.Unlock()

		if c.bus != nil {
			c.bus.Emit(events.StreamDisconnected, "quote_stream", nil)
		}
		if !stopped {
			go c.reconnectLoop()
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				c.log.Info().Int("status", int(closeStatus)).Msg("Stream closed normally")
			} else if ctx.Err() != nil {
				c.log.Debug().Msg("Stream read cancelled")
			} else {
				c.log.Error().Err(err).Msg("Unexpected stream read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		// Parse errors never kill the stream; a bad frame is dropped.
		c.handleFrame(message)
	}
}

// handleFrame runs each frame through the same format-tolerant normalization
// as the polled path and merges the results into the tick cache.
func (c *Client) handleFrame(message []byte) {
	quotes := c.normalizer.Normalize(message)

	fresh := make([]domain.CanonicalQuote, 0, len(quotes))
	for _, q := range quotes {
		if q.Source == domain.SourceDiagnostic {
			c.log.Debug().Int("raw_length", q.RawLength).Msg("Dropping unparsable stream frame")
			continue
		}
		fresh = append(fresh, q)
	}
	if len(fresh) == 0 {
		return
	}

	c.cacheMu.Lock()
	for _, q := range fresh {
		c.quoteCache[strings.ToUpper(q.Symbol)] = q
	}
	c.lastUpdate = time.Now()
	c.cacheMu.Unlock()

	c.log.Debug().Int("count", len(fresh)).Msg("Stream tick cache updated")
}

// reconnectLoop retries with exponential backoff until stopped. There is no
// attempt cap; a best-effort channel that gives up is just a dead channel.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		attempt++
		delay := calculateBackoff(attempt)
		c.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Attempting stream reconnect")

		select {
		case <-time.After(delay):
		case <-c.stopChan:
			return
		}

		if err := c.connect(); err != nil {
			c.log.Error().Err(err).Int("attempt", attempt).Msg("Stream reconnect failed")
			continue
		}

		c.mu.RLock()
		ctx := c.connCtx
		c.mu.RUnlock()
		go c.readMessages(ctx)
		return
	}
}

func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// LatestQuote returns the most recent streamed quote for a symbol.
func (c *Client) LatestQuote(symbol string) (domain.CanonicalQuote, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	q, ok := c.quoteCache[strings.ToUpper(symbol)]
	return q, ok
}

// LatestQuotes returns a copy of the tick cache.
func (c *Client) LatestQuotes() map[string]domain.CanonicalQuote {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	result := make(map[string]domain.CanonicalQuote, len(c.quoteCache))
	for k, v := range c.quoteCache {
		result[k] = v
	}
	return result
}

// IsStale reports whether no tick has arrived recently. Consumers should fall
// back to the polled snapshot when the stream is stale.
func (c *Client) IsStale() bool {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	if c.lastUpdate.IsZero() {
		return true
	}
	return time.Since(c.lastUpdate) > cacheStaleThreshold
}

// IsConnected returns current connection status.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
