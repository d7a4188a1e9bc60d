package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wombatsyoks/mariom/internal/domain"
	"github.com/wombatsyoks/mariom/internal/retry"
)

func testProber() *Prober {
	return New(nil, retry.Policy{MaxAttempts: 1, AttemptTimeout: 2 * time.Second}, zerolog.New(nil).Level(zerolog.Disabled))
}

func quoteServer(t *testing.T, hits *atomic.Int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLooksLikeQuoteData(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"quote object", `{"results":{"quote":[{"price":1.2}]}}`, true},
		{"array with last", `[{"last":10.5,"symbol":"AAPL"}]`, true},
		{"json without quote fields", `{"copyright":"somebody"}`, false},
		{"html page", `<html><body>maintenance</body></html>`, false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksLikeQuoteData([]byte(tt.body), "application/json"))
		})
	}
}

func TestProbe_FirstAcceptedWins_LaterCandidatesNeverIssued(t *testing.T) {
	p := testProber()

	var hitsA, hitsB, hitsC atomic.Int32
	a := quoteServer(t, &hitsA, http.StatusInternalServerError, "boom")
	b := quoteServer(t, &hitsB, http.StatusOK, `{"quotes":[{"symbol":"AAPL","price":258.06}]}`)
	c := quoteServer(t, &hitsC, http.StatusOK, `{"quotes":[{"symbol":"MSFT","price":500}]}`)

	resp, err := p.Probe(context.Background(), []Candidate{
		{URL: a.URL},
		{URL: b.URL},
		{URL: c.URL},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, b.URL, resp.Endpoint)
	assert.Contains(t, string(resp.Body), "AAPL")
	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())
	assert.Equal(t, int32(0), hitsC.Load(), "candidate after the winner must never be issued")
}

func TestProbe_RejectedByHeuristicMovesOn(t *testing.T) {
	p := testProber()

	notQuotes := quoteServer(t, nil, http.StatusOK, `{"message":"ok"}`)
	quotes := quoteServer(t, nil, http.StatusOK, `{"data":[{"bid":1.0,"ask":1.1}]}`)

	resp, err := p.Probe(context.Background(), []Candidate{
		{URL: notQuotes.URL},
		{URL: quotes.URL},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, quotes.URL, resp.Endpoint)
}

func TestProbe_AllFail_ReturnsNotFound(t *testing.T) {
	p := testProber()

	a := quoteServer(t, nil, http.StatusForbidden, "denied")
	b := quoteServer(t, nil, http.StatusOK, "<html></html>")

	_, err := p.Probe(context.Background(), []Candidate{{URL: a.URL}, {URL: b.URL}}, nil)

	require.Error(t, err)
	assert.Equal(t, domain.ClassNotFound, domain.ClassOf(err))
}

func TestProbe_NoCandidates_ReturnsNotFound(t *testing.T) {
	p := testProber()

	_, err := p.Probe(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ClassNotFound, domain.ClassOf(err))
}

func TestProbe_CustomAcceptAndHeaders(t *testing.T) {
	p := testProber()

	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Session")
		_, _ = w.Write([]byte("plain text payload"))
	}))
	t.Cleanup(srv.Close)

	resp, err := p.Probe(context.Background(), []Candidate{
		{URL: srv.URL, Headers: map[string]string{"X-Session": "sid-123"}},
	}, func(body []byte, _ string) bool { return len(body) > 0 })

	require.NoError(t, err)
	assert.Equal(t, "sid-123", gotHeader)
	assert.Equal(t, "plain text payload", string(resp.Body))
}

func TestProbeRace_ReturnsAWinner(t *testing.T) {
	p := testProber()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"quotes":[{"price":1}]}`))
	}))
	t.Cleanup(slow.Close)
	fast := quoteServer(t, nil, http.StatusOK, `{"quotes":[{"symbol":"FAST","price":2}]}`)

	start := time.Now()
	resp, err := p.ProbeRace(context.Background(), []Candidate{{URL: slow.URL}, {URL: fast.URL}}, nil, 2)

	require.NoError(t, err)
	assert.Equal(t, fast.URL, resp.Endpoint)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "race must not wait for the slow loser")
}
