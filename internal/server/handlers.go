package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wombatsyoks/mariom/internal/domain"
	"github.com/wombatsyoks/mariom/internal/marketdata"
)

// sourceStatus is the machine-readable availability block attached to data
// responses. A consumer seeing available=false renders its own messaging and
// retries after the given delay; the data fields stay well-formed throughout.
type sourceStatus struct {
	Available         bool   `json:"available"`
	Class             string `json:"class,omitempty"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

type quotesResponse struct {
	Quotes    []domain.CanonicalQuote `json:"quotes"`
	Endpoint  string                  `json:"endpoint,omitempty"`
	FetchedAt time.Time               `json:"fetchedAt"`
	Status    sourceStatus            `json:"status"`
}

type haltsResponse struct {
	Halts     []domain.CanonicalHalt `json:"halts"`
	FetchedAt time.Time              `json:"fetchedAt"`
	Status    sourceStatus           `json:"status"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// sourceStatusFor builds the availability block for one data source.
func (s *Server) sourceStatusFor(source string) sourceStatus {
	available, lastErr := s.marketData.SourceStatus(source)
	if available {
		return sourceStatus{Available: true}
	}

	status := sourceStatus{
		Available:         false,
		RetryAfterSeconds: s.retryAfterSeconds(source),
	}
	if lastErr != nil {
		status.Class = string(domain.ClassOf(lastErr))
		status.Message = lastErr.Error()
	}
	return status
}

// retryAfterSeconds derives the retry hint from the source's poll schedule.
func (s *Server) retryAfterSeconds(source string) int {
	schedule := s.cfg.Polling.QuotesSchedule
	if source == marketdata.SourceHalts {
		schedule = s.cfg.Polling.HaltsSchedule
	}
	if rest, ok := strings.CutPrefix(schedule, "@every "); ok {
		if d, err := time.ParseDuration(rest); err == nil {
			return int(d.Seconds())
		}
	}
	return 60
}

// handleGetQuotes serves the latest quote snapshot. Without an explicit
// symbols query the watchlist drives the selection; an empty watchlist means
// the full snapshot.
// GET /api/quotes?symbols=AAPL,MSFT
func (s *Server) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	snap := s.marketData.QuoteSnapshot()

	var symbols []string
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		symbols = strings.Split(raw, ",")
	} else if watched, err := s.watchlist.Symbols(); err == nil {
		symbols = watched
	}

	quotes := snap.Quotes
	if len(symbols) > 0 {
		wanted := make(map[string]bool)
		for _, sym := range symbols {
			wanted[strings.ToUpper(strings.TrimSpace(sym))] = true
		}
		filtered := []domain.CanonicalQuote{}
		for _, q := range quotes {
			if wanted[strings.ToUpper(q.Symbol)] {
				filtered = append(filtered, q)
			}
		}
		quotes = filtered
	}
	if quotes == nil {
		quotes = []domain.CanonicalQuote{}
	}

	s.writeJSON(w, http.StatusOK, quotesResponse{
		Quotes:    quotes,
		Endpoint:  snap.Endpoint,
		FetchedAt: snap.FetchedAt,
		Status:    s.sourceStatusFor(marketdata.SourceQuotes),
	})
}

// handleRefreshQuotes triggers an immediate quote fetch.
// POST /api/quotes/refresh
func (s *Server) handleRefreshQuotes(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Msg("Manual quote refresh triggered")
	quotes := s.marketData.FetchQuotes(r.Context(), nil)

	snap := s.marketData.QuoteSnapshot()
	s.writeJSON(w, http.StatusOK, quotesResponse{
		Quotes:    quotes,
		Endpoint:  snap.Endpoint,
		FetchedAt: snap.FetchedAt,
		Status:    s.sourceStatusFor(marketdata.SourceQuotes),
	})
}

// handleGetHalts serves the latest halt snapshot.
// GET /api/halts
func (s *Server) handleGetHalts(w http.ResponseWriter, r *http.Request) {
	snap := s.marketData.HaltSnapshot()
	halts := snap.Halts
	if halts == nil {
		halts = []domain.CanonicalHalt{}
	}

	s.writeJSON(w, http.StatusOK, haltsResponse{
		Halts:     halts,
		FetchedAt: snap.FetchedAt,
		Status:    s.sourceStatusFor(marketdata.SourceHalts),
	})
}

// handleRefreshHalts triggers an immediate halt feed fetch.
// POST /api/halts/refresh
func (s *Server) handleRefreshHalts(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Msg("Manual halt refresh triggered")
	halts := s.marketData.FetchHalts(r.Context())

	snap := s.marketData.HaltSnapshot()
	s.writeJSON(w, http.StatusOK, haltsResponse{
		Halts:     halts,
		FetchedAt: snap.FetchedAt,
		Status:    s.sourceStatusFor(marketdata.SourceHalts),
	})
}

// handleGetWatchlist lists watched symbols.
// GET /api/watchlist
func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.watchlist.List()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list watchlist")
		s.writeError(w, http.StatusInternalServerError, "failed to list watchlist")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": entries})
}

// handleAddWatchlistSymbol adds a symbol.
// POST /api/watchlist {"symbol": "AAPL"}
func (s *Server) handleAddWatchlistSymbol(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Symbol) == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	if err := s.watchlist.Add(body.Symbol); err != nil {
		s.log.Error().Err(err).Str("symbol", body.Symbol).Msg("Failed to add watchlist symbol")
		s.writeError(w, http.StatusInternalServerError, "failed to add symbol")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"symbol": strings.ToUpper(strings.TrimSpace(body.Symbol)),
		"status": "added",
	})
}

// handleRemoveWatchlistSymbol removes a symbol.
// DELETE /api/watchlist/{symbol}
func (s *Server) handleRemoveWatchlistSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	err := s.watchlist.Remove(symbol)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, http.StatusNotFound, "symbol not in watchlist")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to remove watchlist symbol")
		s.writeError(w, http.StatusInternalServerError, "failed to remove symbol")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"symbol": strings.ToUpper(strings.TrimSpace(symbol)),
		"status": "removed",
	})
}

// handleGetStreamQuotes serves the live tick cache from the best-effort
// stream channel. Consumers must treat it as advisory and fall back to
// /api/quotes when the stream is stale or disabled.
// GET /api/stream/quotes
func (s *Server) handleGetStreamQuotes(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": false,
			"quotes":  map[string]domain.CanonicalQuote{},
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":   true,
		"connected": s.stream.IsConnected(),
		"stale":     s.stream.IsStale(),
		"quotes":    s.stream.LatestQuotes(),
	})
}

// handleHealth is the liveness probe.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
