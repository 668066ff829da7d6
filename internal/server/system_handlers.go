package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dhaneshraok/optionflow/internal/database"
	"github.com/dhaneshraok/optionflow/internal/modules/market_hours"
)

// SystemHandlers handles health and monitoring endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
	databases   map[string]*database.DB
	marketHours *market_hours.Service
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(dataDir string, databases map[string]*database.DB, marketHours *market_hours.Service, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
		databases:   databases,
		marketHours: marketHours,
	}
}

// HandleHealth handles GET /health. Returns 503 when any database
// fails its ping.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(h.databases))

	for name, db := range h.databases {
		if err := db.QuickCheck(ctx); err != nil {
			h.log.Error().Err(err).Str("database", name).Msg("Health check failed")
			checks[name] = "unreachable"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	h.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "optionflow",
		"databases": checks,
	})
}

// HandleSystemStatus handles GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	cpuPercent, ramPercent := h.systemStats()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":     int64(now.Sub(h.startupTime).Seconds()),
		"cpu_percent":        cpuPercent,
		"ram_percent":        ramPercent,
		"market_open":        h.marketHours.IsOpen(now),
		"poll_interval_secs": int64(h.marketHours.PollInterval(now).Seconds()),
	})
}

// HandleDatabaseStats handles GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	type dbInfo struct {
		Name   string  `json:"name"`
		SizeMB float64 `json:"size_mb"`
	}

	infos := make([]dbInfo, 0, len(h.databases))
	totalMB := 0.0
	for name := range h.databases {
		path := filepath.Join(h.dataDir, name+".db")
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		sizeMB := float64(stat.Size()) / 1024 / 1024
		totalMB += sizeMB
		infos = append(infos, dbInfo{Name: name + ".db", SizeMB: sizeMB})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"databases":     infos,
		"total_size_mb": totalMB,
		"last_checked":  time.Now().Format(time.RFC3339),
	})
}

// systemStats returns CPU and RAM usage percentages. The short CPU
// sampling window keeps the endpoint responsive.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
