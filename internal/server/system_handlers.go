package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wombatsyoks/mariom/internal/marketdata"
)

// handleSystemHealth reports process and dependency health in one payload.
// GET /api/system/health
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	cpuPct, ramPct := s.systemStats()

	dbStatus := "ok"
	if s.db != nil {
		if err := s.db.QuickCheck(r.Context()); err != nil {
			dbStatus = "error: " + err.Error()
		}
	} else {
		dbStatus = "disabled"
	}

	sources := map[string]sourceStatus{
		marketdata.SourceQuotes: s.sourceStatusFor(marketdata.SourceQuotes),
		marketdata.SourceHalts:  s.sourceStatusFor(marketdata.SourceHalts),
	}

	streamInfo := map[string]interface{}{"enabled": false}
	if s.stream != nil {
		streamInfo = map[string]interface{}{
			"enabled":   true,
			"connected": s.stream.IsConnected(),
			"stale":     s.stream.IsStale(),
		}
	}

	overall := "ok"
	for _, st := range sources {
		if !st.Available {
			overall = "degraded"
		}
	}
	if dbStatus != "ok" && dbStatus != "disabled" {
		overall = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         overall,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"cpu_percent":    cpuPct,
		"ram_percent":    ramPct,
		"database":       dbStatus,
		"sources":        sources,
		"stream":         streamInfo,
		"subscribers":    s.eventBus.SubscriberCount(),
	})
}

// systemStats calculates CPU and RAM usage percentages.
// Uses a short sampling interval so the endpoint answers quickly.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
