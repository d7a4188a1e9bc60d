// Package probe issues an ordered list of candidate requests against a fragile
// vendor and accepts the first response that looks like quote data. Vendors in
// this tier silently change URLs and parameters over time, so the probe also
// reports which endpoint actually worked.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wombatsyoks/mariom/internal/domain"
	"github.com/wombatsyoks/mariom/internal/retry"
)

// Candidate is one request descriptor. Candidates are tried in declared order
// (sequential mode) or raced in a bounded group (race mode); the first accepted
// payload wins and the rest are abandoned.
type Candidate struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

// Response is the winning raw payload plus its originating endpoint.
type Response struct {
	Body        []byte
	ContentType string
	Endpoint    string
}

// AcceptFunc decides whether a candidate's body is usable.
type AcceptFunc func(body []byte, contentType string) bool

// quoteFieldMarkers are the field-name substrings associated with quote-shaped
// payloads. Any one of them is enough for the default heuristic.
var quoteFieldMarkers = []string{`"price"`, `"last"`, `"bid"`, `"ask"`, `"volume"`, `"change"`, `"quote"`}

// LooksLikeQuoteData is the default accept heuristic: the body parses as JSON
// (or at least starts with '{' or '[') and mentions at least one quote field.
func LooksLikeQuoteData(body []byte, _ string) bool {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return false
	}

	jsonShaped := strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
	if !jsonShaped {
		var probe interface{}
		if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
			return false
		}
	}

	lowered := strings.ToLower(trimmed)
	for _, marker := range quoteFieldMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// Prober tries candidates until one yields an accepted payload.
type Prober struct {
	httpClient *http.Client
	executor   *retry.Executor
	policy     retry.Policy
	log        zerolog.Logger
}

// New creates a prober. Each candidate gets exactly one pass of the supplied
// per-candidate policy; there is no cross-candidate retry.
func New(httpClient *http.Client, policy retry.Policy, log zerolog.Logger) *Prober {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Prober{
		httpClient: httpClient,
		executor:   retry.New(log),
		policy:     policy,
		log:        log.With().Str("component", "endpoint_probe").Logger(),
	}
}

// Probe tries candidates strictly in order and returns the first accepted
// response. When no candidate is accepted it returns ErrNoEndpointAccepted —
// a typed absence, never conflated with an accepted-but-empty payload.
func (p *Prober) Probe(ctx context.Context, candidates []Candidate, accept AcceptFunc) (*Response, error) {
	if accept == nil {
		accept = LooksLikeQuoteData
	}

	probeID := uuid.New().String()[:8]
	var lastErr error
	authStatus := 0
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, domain.NewTimeoutError(err)
		}

		resp, err := p.tryCandidate(ctx, candidate)
		if err != nil {
			lastErr = err
			if s := domain.StatusOf(err); s == 401 || s == 403 {
				authStatus = s
			}
			p.log.Debug().
				Str("probe_id", probeID).
				Int("candidate", i).
				Str("url", candidate.URL).
				Str("class", string(domain.ClassOf(err))).
				Err(err).
				Msg("Candidate failed")
			continue
		}

		if !accept(resp.Body, resp.ContentType) {
			p.log.Debug().
				Str("probe_id", probeID).
				Int("candidate", i).
				Str("url", candidate.URL).
				Int("body_len", len(resp.Body)).
				Msg("Candidate rejected by accept heuristic")
			continue
		}

		p.log.Info().
			Str("probe_id", probeID).
			Int("candidate", i).
			Str("url", candidate.URL).
			Msg("Candidate accepted")
		return resp, nil
	}

	if lastErr == nil {
		return nil, domain.ErrNoEndpointAccepted
	}
	// Carry a credential-rejection status outward so the caller can
	// invalidate its cached credentials before the next cycle.
	return nil, &domain.ClassifiedError{Class: domain.ClassNotFound, Status: authStatus, Err: lastErr}
}

// ProbeRace issues the first maxConcurrent candidates concurrently and returns
// the earliest accepted response, cancelling the losers. Falls back to the
// remaining candidates sequentially if the raced group all fail. Sequential
// Probe is the safer default given the shared rate limits these vendors apply.
func (p *Prober) ProbeRace(ctx context.Context, candidates []Candidate, accept AcceptFunc, maxConcurrent int) (*Response, error) {
	if maxConcurrent <= 1 || len(candidates) <= 1 {
		return p.Probe(ctx, candidates, accept)
	}
	if accept == nil {
		accept = LooksLikeQuoteData
	}
	if maxConcurrent > len(candidates) {
		maxConcurrent = len(candidates)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type raceResult struct {
		resp *Response
		err  error
	}
	results := make(chan raceResult, maxConcurrent)

	for _, candidate := range candidates[:maxConcurrent] {
		go func(c Candidate) {
			resp, err := p.tryCandidate(raceCtx, c)
			if err == nil && !accept(resp.Body, resp.ContentType) {
				err = domain.NewParseError(fmt.Errorf("rejected by accept heuristic: %s", c.URL))
			}
			results <- raceResult{resp: resp, err: err}
		}(candidate)
	}

	for i := 0; i < maxConcurrent; i++ {
		select {
		case r := <-results:
			if r.err == nil {
				cancel()
				return r.resp, nil
			}
		case <-ctx.Done():
			return nil, domain.NewTimeoutError(ctx.Err())
		}
	}

	return p.Probe(ctx, candidates[maxConcurrent:], accept)
}

// tryCandidate issues one candidate through the retry executor.
func (p *Prober) tryCandidate(ctx context.Context, candidate Candidate) (*Response, error) {
	return retry.Do(p.executor, ctx, "probe "+candidate.URL, p.policy, func(attemptCtx context.Context) (*Response, error) {
		method := candidate.Method
		if method == "" {
			method = http.MethodGet
		}

		var bodyReader io.Reader
		if candidate.Body != "" {
			bodyReader = strings.NewReader(candidate.Body)
		}

		req, err := http.NewRequestWithContext(attemptCtx, method, candidate.URL, bodyReader)
		if err != nil {
			return nil, domain.NewParseError(fmt.Errorf("build request: %w", err))
		}
		for k, v := range candidate.Headers {
			req.Header.Set(k, v)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", candidate.URL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response %s: %w", candidate.URL, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, domain.NewUpstreamError(resp.StatusCode, fmt.Errorf("%s returned %s", candidate.URL, resp.Status))
		}

		return &Response{
			Body:        body,
			ContentType: resp.Header.Get("Content-Type"),
			Endpoint:    candidate.URL,
		}, nil
	})
}
