package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/service"
)

// TradeHandler serves the operator trade endpoints.
type TradeHandler struct {
	trades   *service.TradeService
	resolver *service.Resolver
	logger   *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades *service.TradeService, resolver *service.Resolver, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, resolver: resolver, logger: logHandler(logger, "trades")}
}

// Create opens a trade.
// POST /api/trades
func (h *TradeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.OpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	t, err := h.trades.Open(r.Context(), req, actorFrom(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// List returns trades filtered by ?status= and ?tenant=.
// GET /api/trades
func (h *TradeHandler) List(w http.ResponseWriter, r *http.Request) {
	f := domain.TradeFilter{ListOpts: parseListOpts(r), TenantID: r.URL.Query().Get("tenant")}
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := domain.ParseTradeStatus(s)
		if err != nil {
			writeDomainError(w, r, h.logger, &domain.FieldError{Field: "status", Reason: err.Error()})
			return
		}
		f.Status = st
	}
	trades, err := h.trades.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Get returns one trade.
// GET /api/trades/{id}
func (h *TradeHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) { return h.trades.Get(r.Context(), id) })
}

// Audit returns a trade's audit trail.
// GET /api/trades/{id}/audit
func (h *TradeHandler) Audit(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		if _, err := h.trades.Get(r.Context(), id); err != nil {
			return nil, err
		}
		entries, err := h.trades.Audit(r.Context(), id, parseListOpts(r))
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		return entries, err
	})
}

// Verifications returns the payment events consumed by a trade.
// GET /api/trades/{id}/verifications
func (h *TradeHandler) Verifications(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		vs, err := h.trades.Verifications(r.Context(), id)
		if vs == nil {
			vs = []domain.Verification{}
		}
		return vs, err
	})
}

// Settlements returns a trade's pay instructions.
// GET /api/trades/{id}/settlements
func (h *TradeHandler) Settlements(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		sts, err := h.trades.Settlements(r.Context(), id)
		if sts == nil {
			sts = []domain.Settlement{}
		}
		return sts, err
	})
}

// Release confirms delivery.
// POST /api/trades/{id}/release
func (h *TradeHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) { return h.resolver.Release(r.Context(), id, actorFrom(r)) })
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// Dispute opens a dispute.
// POST /api/trades/{id}/dispute
func (h *TradeHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		var req disputeRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if req.Reason == "" {
			return nil, &domain.FieldError{Field: "reason"}
		}
		return h.resolver.OpenDispute(r.Context(), id, actorFrom(r), req.Reason)
	})
}

type adjudicateRequest struct {
	Beneficiary domain.Role `json:"beneficiary"`
}

// Adjudicate resolves a dispute.
// POST /api/trades/{id}/adjudicate
func (h *TradeHandler) Adjudicate(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		var req adjudicateRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		return h.resolver.Adjudicate(r.Context(), id, actorFrom(r), req.Beneficiary)
	})
}

// Cancel records a cancellation request or cancels outright.
// POST /api/trades/{id}/cancel
func (h *TradeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		t, cancelled, err := h.resolver.Cancel(r.Context(), id, actorFrom(r))
		if err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": cancelled, "trade": t}, nil
	})
}

// Freeze blocks fund movement on a disputed trade.
// POST /api/trades/{id}/freeze
func (h *TradeHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) { return h.resolver.Freeze(r.Context(), id, actorFrom(r)) })
}

// Unfreeze lifts a freeze.
// POST /api/trades/{id}/unfreeze
func (h *TradeHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) { return h.resolver.Unfreeze(r.Context(), id, actorFrom(r)) })
}

// CloseTicket closes the trade's ticket.
// POST /api/trades/{id}/close-ticket
func (h *TradeHandler) CloseTicket(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) { return h.resolver.CloseTicket(r.Context(), id, actorFrom(r)) })
}

func (h *TradeHandler) withID(w http.ResponseWriter, r *http.Request, fn func(id int64) (any, error)) {
	id, err := tradeID(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	v, err := fn(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
