package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nopu-sh/agent/internal/metrics"
	"github.com/nopu-sh/agent/internal/server"
	"go.uber.org/zap"
)

// Fleet is the registry view the status endpoint reports.
type Fleet interface {
	Snapshot() []server.Status
	TotalServers() int
	ConnectedServers() int
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	Name             string           `json:"name"`
	Version          string           `json:"version"`
	PublicKey        string           `json:"pubkey,omitempty"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	TotalServers     int              `json:"total_servers"`
	ConnectedServers int              `json:"connected_servers"`
	Servers          []server.Status  `json:"servers"`
	Counters         metrics.Snapshot `json:"counters"`
	Timestamp        int64            `json:"timestamp"`
}

// Handler provides the status API handlers
type Handler struct {
	name      string
	version   string
	fleet     Fleet
	pubkey    func() string
	logger    *zap.Logger
	startTime time.Time
}

// NewHandler creates a new status handler. pubkey may be nil.
func NewHandler(name, version string, fleet Fleet, pubkey func() string, logger *zap.Logger) *Handler {
	return &Handler{
		name:      name,
		version:   version,
		fleet:     fleet,
		pubkey:    pubkey,
		logger:    logger,
		startTime: time.Now(),
	}
}

// HandleStatus serves the fleet snapshot as JSON.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	servers := h.fleet.Snapshot()
	if servers == nil {
		servers = []server.Status{}
	}
	response := StatusResponse{
		Name:             h.name,
		Version:          h.version,
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		TotalServers:     h.fleet.TotalServers(),
		ConnectedServers: h.fleet.ConnectedServers(),
		Servers:          servers,
		Counters:         metrics.GetSnapshot(),
		Timestamp:        time.Now().Unix(),
	}
	if h.pubkey != nil {
		response.PublicKey = h.pubkey()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode status response", zap.Error(err))
	}
}
