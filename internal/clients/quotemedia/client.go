package quotemedia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wombatsyoks/mariom/internal/domain"
	"github.com/wombatsyoks/mariom/internal/probe"
	"github.com/wombatsyoks/mariom/internal/retry"
)

// MarketSession selects which trading session the stats request covers.
type MarketSession string

const (
	SessionNormal MarketSession = "NORMAL"
	SessionPre    MarketSession = "PRE"
	SessionPost   MarketSession = "POST"
)

// StatKind is the vendor's market-stat selector: dollar volume, percent
// gainers/losers, volume actives, dollar gainers/losers, after hours, volume.
type StatKind string

const (
	StatDollarVolume   StatKind = "dv"
	StatPercentGainers StatKind = "pg"
	StatPercentLosers  StatKind = "pl"
	StatVolumeActives  StatKind = "va"
	StatDollarGainers  StatKind = "dg"
	StatDollarLosers   StatKind = "dl"
	StatAfterHours     StatKind = "ah"
	StatVolume         StatKind = "vol"
)

// StatsRequest describes one getMarketStats.json call.
type StatsRequest struct {
	Session  MarketSession
	Stat     StatKind
	Exchange string
	Country  string
	Top      int
}

// Config holds vendor connection settings. Hosts is the ordered list of base
// URLs probed for market stats; the vendor has been observed moving the
// endpoint between hosts without notice.
type Config struct {
	AuthBaseURL string
	Hosts       []string
	Username    string
	Password    string
	WMID        string
	StaticHash  string
	Timezone    string
}

// phpsessidPattern extracts the session id from the login Set-Cookie header.
var phpsessidPattern = regexp.MustCompile(`PHPSESSID=([^;]+)`)

// Client is the authenticated quote vendor client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	executor   *retry.Executor
	prober     *probe.Prober
	creds      *CredentialCache
	log        zerolog.Logger
}

// NewClient creates a vendor client. httpClient may be nil; the default never
// follows redirects because the session login answers 302 and the credential
// lives in that response's Set-Cookie header, not in the redirect target.
func NewClient(cfg Config, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "America/New_York"
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		executor:   retry.New(log),
		prober:     probe.New(httpClient, retry.ProbePolicy, log),
		log:        log.With().Str("client", "quotemedia").Logger(),
	}
	c.creds = NewCredentialCache(c.refreshCredential, nil, log)
	return c
}

// Credentials exposes the cache for status reporting and cross-component use
// (the streaming channel authenticates with the same SID).
func (c *Client) Credentials() *CredentialCache { return c.creds }

// refreshCredential is the kind-dispatching RefreshFunc wired into the cache.
func (c *Client) refreshCredential(ctx context.Context, kind CredentialKind) (string, error) {
	switch kind {
	case KindSID:
		return c.authenticateSession(ctx)
	case KindToken:
		return c.authenticateToken(ctx)
	default:
		return "", fmt.Errorf("unknown credential kind %q", kind)
	}
}

// authenticateSession performs the form login and extracts PHPSESSID from the
// Set-Cookie header of the 302 response.
func (c *Client) authenticateSession(ctx context.Context) (string, error) {
	sid, err := retry.Do(c.executor, ctx, "session login", retry.DefaultPolicy, func(attemptCtx context.Context) (string, error) {
		form := url.Values{}
		form.Set("username", c.cfg.Username)
		form.Set("password", c.cfg.Password)
		form.Set("wmid", c.cfg.WMID)

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.AuthBaseURL+"/session.php", strings.NewReader(form.Encode()))
		if err != nil {
			return "", fmt.Errorf("build login request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("login request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 400 {
			return "", domain.NewUpstreamError(resp.StatusCode, fmt.Errorf("login returned %s", resp.Status))
		}

		for _, cookie := range resp.Header.Values("Set-Cookie") {
			if m := phpsessidPattern.FindStringSubmatch(cookie); m != nil {
				return m[1], nil
			}
		}
		return "", domain.NewAuthError(fmt.Errorf("login response carried no PHPSESSID cookie (status %d)", resp.StatusCode))
	})
	if err != nil {
		if domain.ClassOf(err) != domain.ClassAuth {
			return "", domain.NewAuthError(err)
		}
		return "", err
	}

	c.log.Debug().Msg("Session credential obtained")
	return sid, nil
}

// authenticateToken exchanges a live SID plus the static integration hash for
// a dataTool token.
func (c *Client) authenticateToken(ctx context.Context) (string, error) {
	sid, err := c.creds.Get(ctx, KindSID)
	if err != nil {
		return "", fmt.Errorf("token refresh needs a live session: %w", err)
	}

	token, err := retry.Do(c.executor, ctx, "token exchange", retry.DefaultPolicy, func(attemptCtx context.Context) (string, error) {
		endpoint := fmt.Sprintf("%s/auth/g/authenticate/dataTool/v0/%s/%s", c.cfg.AuthBaseURL, c.cfg.WMID, c.cfg.StaticHash)

		payload, err := json.Marshal(map[string]string{"sid": sid.Value})
		if err != nil {
			return "", fmt.Errorf("marshal token request: %w", err)
		}

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("token request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("read token response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", domain.NewUpstreamError(resp.StatusCode, fmt.Errorf("token endpoint returned %s", resp.Status))
		}

		var parsed struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", domain.NewParseError(fmt.Errorf("token response: %w", err))
		}
		if parsed.Token == "" {
			return "", domain.NewTokenError(fmt.Errorf("token response carried no token"))
		}
		return parsed.Token, nil
	})
	if err != nil {
		switch domain.ClassOf(err) {
		case domain.ClassToken, domain.ClassAuth:
			return "", err
		default:
			return "", domain.NewTokenError(err)
		}
	}

	c.log.Debug().Msg("DataTool token obtained")
	return token, nil
}

// FetchMarketStats probes the configured hosts for the stats payload and
// returns the raw accepted response. A 401/403 along the way invalidates the
// cached credentials and the probe is repeated once with fresh ones; a second
// rejection surfaces as an auth failure for the facade to report.
func (c *Client) FetchMarketStats(ctx context.Context, req StatsRequest) (*probe.Response, error) {
	resp, err := c.fetchStatsOnce(ctx, req)
	if err == nil {
		return resp, nil
	}

	if s := domain.StatusOf(err); s == 401 || s == 403 {
		c.log.Warn().Int("status", s).Msg("Stats probe rejected credentials, refreshing and retrying once")
		c.creds.Invalidate(KindSID)

		resp, err = c.fetchStatsOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		if s := domain.StatusOf(err); s == 401 || s == 403 {
			return nil, domain.NewAuthError(err)
		}
	}
	return nil, err
}

func (c *Client) fetchStatsOnce(ctx context.Context, req StatsRequest) (*probe.Response, error) {
	sid, err := c.creds.Get(ctx, KindSID)
	if err != nil {
		return nil, err
	}
	token, err := c.creds.Get(ctx, KindToken)
	if err != nil {
		return nil, err
	}

	candidates := c.statsCandidates(req, sid.Value, token.Value)
	return c.prober.Probe(ctx, candidates, probe.LooksLikeQuoteData)
}

// statsCandidates builds one candidate per configured host, in declared order.
// All hosts share the query contract; only the base URL differs.
func (c *Client) statsCandidates(req StatsRequest, sid, token string) []probe.Candidate {
	top := req.Top
	if top <= 0 {
		top = 10
	}

	q := url.Values{}
	q.Set("marketSession", string(req.Session))
	q.Set("stat", string(req.Stat))
	q.Set("statExchange", req.Exchange)
	q.Set("statCountry", req.Country)
	q.Set("statTop", strconv.Itoa(top))
	q.Set("sid", sid)
	q.Set("webmasterId", c.cfg.WMID)
	q.Set("timezone", c.cfg.Timezone)
	if req.Session == SessionPre {
		q.Set("premarket", "true")
	}
	query := q.Encode()

	candidates := make([]probe.Candidate, 0, len(c.cfg.Hosts))
	for _, host := range c.cfg.Hosts {
		candidates = append(candidates, probe.Candidate{
			URL:    strings.TrimRight(host, "/") + "/datatool/getMarketStats.json?" + query,
			Method: http.MethodGet,
			Headers: map[string]string{
				"Authorization": "Bearer " + token,
				"Cookie":        "PHPSESSID=" + sid,
			},
		})
	}
	return candidates
}
