package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// SettlementDesk resolves settlements whose delivery is unknown.
// *service.Dispatcher implements it.
type SettlementDesk interface {
	Unconfirmed(ctx context.Context) ([]domain.Settlement, error)
	Confirm(ctx context.Context, id string, actor domain.Actor) (domain.Settlement, error)
	Requeue(ctx context.Context, id string, actor domain.Actor) (domain.Settlement, error)
}

// SettlementHandler serves the operator review queue.
type SettlementHandler struct {
	desk   SettlementDesk
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(desk SettlementDesk, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{desk: desk, logger: logHandler(logger, "settlements")}
}

// Unconfirmed lists settlements that may or may not have been paid.
// GET /api/settlements/unconfirmed
func (h *SettlementHandler) Unconfirmed(w http.ResponseWriter, r *http.Request) {
	held, err := h.desk.Unconfirmed(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if held == nil {
		held = []domain.Settlement{}
	}
	writeJSON(w, http.StatusOK, held)
}

// Confirm marks a held settlement as paid.
// POST /api/settlements/{id}/confirm
func (h *SettlementHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	st, err := h.desk.Confirm(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Requeue sends a held settlement again.
// POST /api/settlements/{id}/requeue
func (h *SettlementHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	st, err := h.desk.Requeue(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
