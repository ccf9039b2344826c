package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// StatusHandler reports the process mode and bridge state for dashboards.
type StatusHandler struct {
	mode      string
	collector string
	bridge    BridgeControl
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler. bridge may be nil.
func NewStatusHandler(mode, collector string, bridge BridgeControl, startedAt time.Time) *StatusHandler {
	return &StatusHandler{mode: mode, collector: collector, bridge: bridge, startedAt: startedAt}
}

// Snapshot returns the status payload. The WebSocket hub sends it to each
// client on connect.
func (h *StatusHandler) Snapshot() map[string]any {
	state := domain.BridgeDisconnected
	if h.bridge != nil {
		state = h.bridge.Status().State
	}
	return map[string]any{
		"mode":           h.mode,
		"collector":      h.collector,
		"bridge_state":   state,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
}

// GetStatus responds with the current mode, collector and bridge state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}
