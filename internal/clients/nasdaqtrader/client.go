package nasdaqtrader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wombatsyoks/mariom/internal/domain"
	"github.com/wombatsyoks/mariom/internal/retry"
)

const (
	haltMethod     = "BL_TradeHalt.GetTradeHalts"
	rpcVersion     = "1.1"
	defaultTimeout = 30 * time.Second
)

// Client fetches the trading-halt feed over the exchange's RPC handler.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *retry.Executor
	parser     *Parser
	log        zerolog.Logger
}

// NewClient creates a halt feed client. httpClient and now may be nil.
func NewClient(baseURL string, httpClient *http.Client, now func() time.Time, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		executor:   retry.New(log),
		parser:     NewParser(now, log),
		log:        log.With().Str("client", "nasdaqtrader").Logger(),
	}
}

// rpcRequest is the JSON-RPC-like envelope the handler expects. params is a
// string containing a serialized array, not an array, per the upstream contract.
type rpcRequest struct {
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  string `json:"params"`
	Version string `json:"version"`
}

// FetchHalts retrieves and parses today's trading halts. An empty list is the
// expected result on most days.
func (c *Client) FetchHalts(ctx context.Context) ([]domain.CanonicalHalt, error) {
	raw, err := retry.Do(c.executor, ctx, "halt feed", retry.DefaultPolicy, func(attemptCtx context.Context) ([]byte, error) {
		payload, err := json.Marshal(rpcRequest{
			ID:      1,
			Method:  haltMethod,
			Params:  "[]",
			Version: rpcVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal halt request: %w", err)
		}

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/RPCHandler.axd", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build halt request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("halt request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read halt response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, domain.NewUpstreamError(resp.StatusCode, fmt.Errorf("halt feed returned %s", resp.Status))
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}

	halts, err := c.parser.Parse(raw)
	if err != nil {
		// Parse failures never abort the request chain: the caller gets a
		// valid empty collection and the classified error for its status channel.
		c.log.Warn().Err(err).Int("raw_len", len(raw)).Msg("Halt feed payload could not be parsed")
		return []domain.CanonicalHalt{}, err
	}
	return halts, nil
}
