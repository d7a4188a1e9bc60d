package quotemedia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wombatsyoks/mariom/internal/domain"
)

// vendorFake simulates the auth portal plus the stats endpoint on one server.
type vendorFake struct {
	srv         *httptest.Server
	logins      atomic.Int32
	tokenCalls  atomic.Int32
	statsCalls  atomic.Int32
	rejectStats atomic.Bool
	statsBody   string
}

func newVendorFake(t *testing.T) *vendorFake {
	t.Helper()
	f := &vendorFake{
		statsBody: `{"results":{"quote":[{"key":{"symbol":"AAPL"},"pricedata":{"last":258.06}}],"symbolcount":1}}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session.php", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		require.NoError(t, r.ParseForm())
		if r.FormValue("username") != "user" || r.FormValue("password") != "pass" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Set-Cookie", "PHPSESSID=sess-abc123; path=/; HttpOnly")
		w.Header().Set("Location", "/home")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/auth/g/authenticate/dataTool/v0/", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		var body struct {
			SID string `json:"sid"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.SID != "sess-abc123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-xyz"})
	})
	mux.HandleFunc("/datatool/getMarketStats.json", func(w http.ResponseWriter, r *http.Request) {
		f.statsCalls.Add(1)
		if f.rejectStats.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(f.statsBody))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *vendorFake) clientConfig() Config {
	return Config{
		AuthBaseURL: f.srv.URL,
		Hosts:       []string{f.srv.URL},
		Username:    "user",
		Password:    "pass",
		WMID:        "90423",
		StaticHash:  "deadbeef",
	}
}

func TestFetchMarketStats_FullLifecycle(t *testing.T) {
	fake := newVendorFake(t)
	client := NewClient(fake.clientConfig(), nil, nopLog())

	resp, err := client.FetchMarketStats(context.Background(), StatsRequest{
		Session:  SessionNormal,
		Stat:     StatPercentGainers,
		Exchange: "NSD",
		Country:  "US",
		Top:      25,
	})

	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), "AAPL")
	assert.Equal(t, int32(1), fake.logins.Load())
	assert.Equal(t, int32(1), fake.tokenCalls.Load())
}

func TestFetchMarketStats_ReusesCachedCredentials(t *testing.T) {
	fake := newVendorFake(t)
	client := NewClient(fake.clientConfig(), nil, nopLog())

	for i := 0; i < 3; i++ {
		_, err := client.FetchMarketStats(context.Background(), StatsRequest{Session: SessionNormal, Stat: StatVolumeActives})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), fake.logins.Load(), "SID must be cached across calls within its TTL")
	assert.Equal(t, int32(1), fake.tokenCalls.Load())
	assert.Equal(t, int32(3), fake.statsCalls.Load())
}

func TestFetchMarketStats_QueryContract(t *testing.T) {
	fake := newVendorFake(t)

	var gotQuery map[string][]string
	mux := http.NewServeMux()
	mux.HandleFunc("/session.php", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "PHPSESSID=sess-abc123")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/auth/g/authenticate/dataTool/v0/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})
	mux.HandleFunc("/datatool/getMarketStats.json", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(fake.statsBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		AuthBaseURL: srv.URL,
		Hosts:       []string{srv.URL},
		Username:    "user",
		Password:    "pass",
		WMID:        "90423",
		StaticHash:  "deadbeef",
	}, nil, nopLog())

	_, err := client.FetchMarketStats(context.Background(), StatsRequest{
		Session: SessionPre,
		Stat:    StatDollarVolume,
		Top:     10,
	})
	require.NoError(t, err)

	assert.Equal(t, "PRE", gotQuery["marketSession"][0])
	assert.Equal(t, "dv", gotQuery["stat"][0])
	assert.Equal(t, "sess-abc123", gotQuery["sid"][0])
	assert.Equal(t, "90423", gotQuery["webmasterId"][0])
	assert.Equal(t, "true", gotQuery["premarket"][0], "PRE session must request premarket data")
}

func TestFetchMarketStats_401InvalidatesAndRetriesOnce(t *testing.T) {
	fake := newVendorFake(t)
	client := NewClient(fake.clientConfig(), nil, nopLog())

	// Warm the credential cache.
	_, err := client.FetchMarketStats(context.Background(), StatsRequest{Session: SessionNormal, Stat: StatVolume})
	require.NoError(t, err)

	// Vendor starts rejecting the session mid-flight.
	fake.rejectStats.Store(true)
	_, err = client.FetchMarketStats(context.Background(), StatsRequest{Session: SessionNormal, Stat: StatVolume})
	require.Error(t, err)
	assert.Equal(t, domain.ClassAuth, domain.ClassOf(err))
	assert.GreaterOrEqual(t, fake.logins.Load(), int32(2), "a 401 must force a credential refresh before the retry")

	// Vendor recovers: the refreshed credentials work without manual help.
	fake.rejectStats.Store(false)
	_, err = client.FetchMarketStats(context.Background(), StatsRequest{Session: SessionNormal, Stat: StatVolume})
	require.NoError(t, err)
}

func TestAuthenticateSession_BadCredentials(t *testing.T) {
	fake := newVendorFake(t)
	cfg := fake.clientConfig()
	cfg.Password = "wrong"
	client := NewClient(cfg, nil, nopLog())

	_, err := client.FetchMarketStats(context.Background(), StatsRequest{Session: SessionNormal, Stat: StatVolume})
	require.Error(t, err)
	assert.Equal(t, int32(0), fake.statsCalls.Load(), "stats must not be probed without a session")
}
