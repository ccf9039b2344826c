package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

const maxBodyBytes = 64 << 10

// Actor headers let an operator console act on behalf of a trade party.
// Requests without them act as the API administrator.
const (
	HeaderActorRef  = "X-Actor-Ref"
	HeaderActorType = "X-Actor-Type"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTradeNotFound), errors.Is(err, domain.ErrSettlementNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMissingField), errors.Is(err, domain.ErrInvalidTrade):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSignatureInvalid), errors.Is(err, domain.ErrUnknownTenant):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrTradeTerminal),
		errors.Is(err, domain.ErrTradeFrozen),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrTicketClosed),
		errors.Is(err, domain.ErrEscrowEmpty):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeDomainError maps err to a status and writes it. Internal errors are
// logged and answered with a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal server error")
		return
	}
	body := map[string]string{"error": rootMessage(err)}
	var fe *domain.FieldError
	if errors.As(err, &fe) {
		body["field"] = fe.Field
	}
	writeJSON(w, status, body)
}

// rootMessage returns the message of the sentinel or structured error at the
// bottom of err's chain, hiding the wrapping context.
func rootMessage(err error) string {
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return te.Error()
	}
	var fe *domain.FieldError
	if errors.As(err, &fe) {
		return fe.Error()
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return &domain.FieldError{Field: "body", Reason: "too large"}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &domain.FieldError{Field: "body", Reason: "malformed JSON: " + err.Error()}
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{Limit: limit, Offset: offset}
}

// tradeID parses the {id} path segment.
func tradeID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &domain.FieldError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

// actorFrom identifies who the request acts as.
func actorFrom(r *http.Request) domain.Actor {
	ref := strings.TrimSpace(r.Header.Get(HeaderActorRef))
	if ref == "" {
		return domain.Actor{Ref: "api", Type: domain.ActorAdmin}
	}
	typ := domain.ActorUser
	if strings.EqualFold(r.Header.Get(HeaderActorType), string(domain.ActorAdmin)) {
		typ = domain.ActorAdmin
	}
	return domain.Actor{Ref: ref, Type: typ}
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
