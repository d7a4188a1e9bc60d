// Package marketdata is the acquisition facade: it coordinates the vendor
// quote client, the normalizer, and the halt feed client, and exposes the
// canonical snapshots the rest of the application reads.
package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wombatsyoks/mariom/internal/clients/quotemedia"
	"github.com/wombatsyoks/mariom/internal/domain"
	"github.com/wombatsyoks/mariom/internal/events"
	"github.com/wombatsyoks/mariom/internal/probe"
)

// Source names used in status events and availability tracking.
const (
	SourceQuotes = "quotes"
	SourceHalts  = "halts"
)

// QuoteFetcher is the vendor quote client surface the facade needs.
type QuoteFetcher interface {
	FetchMarketStats(ctx context.Context, req quotemedia.StatsRequest) (*probe.Response, error)
}

// HaltFetcher is the halt feed client surface the facade needs.
type HaltFetcher interface {
	FetchHalts(ctx context.Context) ([]domain.CanonicalHalt, error)
}

// QuoteNormalizer converts a raw vendor payload into canonical quotes.
type QuoteNormalizer interface {
	Normalize(raw []byte) []domain.CanonicalQuote
}

// sourceState tracks availability so recovery can be announced once, not on
// every successful poll.
type sourceState struct {
	available bool
	lastError error
	lastTry   time.Time
}

// Service is the acquisition facade.
type Service struct {
	quotes     QuoteFetcher
	halts      HaltFetcher
	normalizer QuoteNormalizer
	bus        *events.Bus
	statsReq   quotemedia.StatsRequest
	now        func() time.Time
	log        zerolog.Logger

	mu            sync.RWMutex
	quoteSnapshot domain.QuoteSnapshot
	haltSnapshot  domain.HaltSnapshot
	states        map[string]*sourceState
}

// NewService creates the acquisition facade. statsReq is the market-stats
// query used for quote polling; zero values get vendor-sensible defaults.
func NewService(quotes QuoteFetcher, halts HaltFetcher, normalizer QuoteNormalizer, bus *events.Bus, statsReq quotemedia.StatsRequest, log zerolog.Logger) *Service {
	if statsReq.Session == "" {
		statsReq.Session = quotemedia.SessionNormal
	}
	if statsReq.Stat == "" {
		statsReq.Stat = quotemedia.StatVolumeActives
	}
	if statsReq.Top == 0 {
		statsReq.Top = 100
	}

	return &Service{
		quotes:     quotes,
		halts:      halts,
		normalizer: normalizer,
		bus:        bus,
		statsReq:   statsReq,
		now:        time.Now,
		log:        log.With().Str("component", "marketdata").Logger(),
		states: map[string]*sourceState{
			SourceQuotes: {available: true},
			SourceHalts:  {available: true},
		},
	}
}

// FetchQuotes fetches and normalizes the latest quotes. When symbols is
// non-empty the result is filtered to those symbols. On total failure it
// returns an empty collection and reports the failure on the event bus; the
// caller never sees an error.
func (s *Service) FetchQuotes(ctx context.Context, symbols []string) []domain.CanonicalQuote {
	resp, err := s.quotes.FetchMarketStats(ctx, s.statsReq)
	if err != nil {
		s.markUnavailable(SourceQuotes, err)
		return []domain.CanonicalQuote{}
	}

	quotes := s.normalizer.Normalize(resp.Body)
	filtered := filterQuotes(quotes, symbols)

	snapshot := domain.QuoteSnapshot{
		Quotes:    quotes,
		Endpoint:  resp.Endpoint,
		FetchedAt: s.now(),
	}

	// Snapshots replace wholesale; partial results never merge into old data.
	s.mu.Lock()
	s.quoteSnapshot = snapshot
	s.mu.Unlock()

	s.markAvailable(SourceQuotes)
	s.bus.Emit(events.QuotesUpdated, SourceQuotes, map[string]interface{}{
		"count":    len(quotes),
		"endpoint": resp.Endpoint,
	})
	return filtered
}

// FetchHalts fetches today's trading halts. On total failure it returns an
// empty collection and reports the failure on the event bus.
func (s *Service) FetchHalts(ctx context.Context) []domain.CanonicalHalt {
	halts, err := s.halts.FetchHalts(ctx)
	if err != nil {
		s.markUnavailable(SourceHalts, err)
		if halts == nil {
			halts = []domain.CanonicalHalt{}
		}
		return halts
	}

	s.mu.Lock()
	s.haltSnapshot = domain.HaltSnapshot{
		Halts:     halts,
		FetchedAt: s.now(),
	}
	s.mu.Unlock()

	s.markAvailable(SourceHalts)
	s.bus.Emit(events.HaltsUpdated, SourceHalts, map[string]interface{}{
		"count": len(halts),
	})
	return halts
}

// RefreshAll fetches both data classes concurrently. A failure in one never
// delays or aborts the other.
func (s *Service) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.FetchQuotes(ctx, nil)
	}()
	go func() {
		defer wg.Done()
		s.FetchHalts(ctx)
	}()
	wg.Wait()
}

// QuoteSnapshot returns the most recent quote snapshot.
func (s *Service) QuoteSnapshot() domain.QuoteSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quoteSnapshot
}

// HaltSnapshot returns the most recent halt snapshot.
func (s *Service) HaltSnapshot() domain.HaltSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.haltSnapshot
}

// SourceStatus reports whether a source is currently available and, when it
// is not, the classified error from its last attempt.
func (s *Service) SourceStatus(source string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[source]
	if !ok {
		return false, nil
	}
	return st.available, st.lastError
}

func (s *Service) markUnavailable(source string, err error) {
	s.mu.Lock()
	st := s.states[source]
	wasAvailable := st.available
	st.available = false
	st.lastError = err
	st.lastTry = s.now()
	s.mu.Unlock()

	s.log.Warn().
		Err(err).
		Str("source", source).
		Str("class", string(domain.ClassOf(err))).
		Msg("Source fetch failed, serving empty collection")

	if wasAvailable {
		s.bus.Emit(events.SourceUnavailable, source, map[string]interface{}{
			"class":   string(domain.ClassOf(err)),
			"message": err.Error(),
		})
	}
}

func (s *Service) markAvailable(source string) {
	s.mu.Lock()
	st := s.states[source]
	wasAvailable := st.available
	st.available = true
	st.lastError = nil
	st.lastTry = s.now()
	s.mu.Unlock()

	if !wasAvailable {
		s.log.Info().Str("source", source).Msg("Source recovered")
		s.bus.Emit(events.SourceRecovered, source, nil)
	}
}

func filterQuotes(quotes []domain.CanonicalQuote, symbols []string) []domain.CanonicalQuote {
	if len(symbols) == 0 {
		return quotes
	}
	wanted := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		wanted[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	filtered := []domain.CanonicalQuote{}
	for _, q := range quotes {
		if wanted[strings.ToUpper(q.Symbol)] {
			filtered = append(filtered, q)
		}
	}
	return filtered
}
