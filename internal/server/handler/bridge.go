package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// BridgeControl is the operator view of the chat bridge. *chat.Bridge
// implements it.
type BridgeControl interface {
	Status() domain.BridgeStatus
	Restart() bool
}

// BridgeHandler serves bridge status and restart.
type BridgeHandler struct {
	bridge BridgeControl
	logger *slog.Logger
}

// NewBridgeHandler creates a BridgeHandler. bridge may be nil when the
// process runs without a chat connection.
func NewBridgeHandler(bridge BridgeControl, logger *slog.Logger) *BridgeHandler {
	return &BridgeHandler{bridge: bridge, logger: logHandler(logger, "bridge")}
}

// Status reports the bridge connection state.
// GET /api/bridge
func (h *BridgeHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		writeJSON(w, http.StatusOK, domain.BridgeStatus{State: domain.BridgeDisconnected})
		return
	}
	writeJSON(w, http.StatusOK, h.bridge.Status())
}

// Restart brings an OFFLINE bridge back into its connect loop.
// POST /api/bridge/restart
func (h *BridgeHandler) Restart(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "chat bridge not running in this mode")
		return
	}
	if !h.bridge.Restart() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "bridge is not offline",
			"state": h.bridge.Status().State,
		})
		return
	}
	h.logger.InfoContext(r.Context(), "bridge: restart requested", slog.String("actor", actorFrom(r).Ref))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}
