package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/metrics"
	"github.com/alanyoungcy/escrowbot/internal/service"
)

// Webhook headers. The guild and HMAC spellings are accepted for relays
// written against the older contract.
const (
	HeaderTenant       = "X-Tenant-ID"
	HeaderSignature    = "X-Signature"
	headerLegacyTenant = "X-Guild-Id"
	headerLegacySig    = "X-HMAC-Signature"
)

// SignatureVerifier authenticates a raw body for a tenant.
type SignatureVerifier interface {
	Verify(tenant string, body []byte, signature string) error
}

// LineMatcher extracts payer and amount from a relayed chat line.
// *chat.Parser implements it.
type LineMatcher interface {
	Match(line string) (payer, amount string, ok bool)
}

// PaymentProcessor applies one payment event. *service.Reconciler implements
// it.
type PaymentProcessor interface {
	Process(ctx context.Context, ev domain.PaymentEvent) (service.Result, error)
	Collector() string
}

// webhookPayload is the signed body. Either the structured fields or
// chat_line must be present; amount accepts a JSON string or number.
type webhookPayload struct {
	ReferenceID string          `json:"reference_id"`
	TradeID     int64           `json:"trade_id"`
	Payer       string          `json:"payer"`
	Recipient   string          `json:"recipient"`
	Amount      json.RawMessage `json:"amount"`
	ChatLine    string          `json:"chat_line"`
	ObservedAt  *time.Time      `json:"observed_at"`

	LegacyChatLine string `json:"chatLine"`
	LegacyPayer    string `json:"payerMc"`
}

// WebhookHandler is the signed payment ingress.
type WebhookHandler struct {
	verifier  SignatureVerifier
	matcher   LineMatcher
	processor PaymentProcessor
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. matcher may be nil, in which
// case chat_line bodies are rejected.
func NewWebhookHandler(verifier SignatureVerifier, matcher LineMatcher, processor PaymentProcessor, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:  verifier,
		matcher:   matcher,
		processor: processor,
		metrics:   m,
		logger:    logHandler(logger, "webhook"),
	}
}

// Payment verifies and applies a payment assertion.
// POST /webhook/payment
func (h *WebhookHandler) Payment(w http.ResponseWriter, r *http.Request) {
	tenant := firstHeader(r, HeaderTenant, headerLegacyTenant)
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		h.metrics.Webhook(tenant, strconv.Itoa(rec.status))
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		writeError(rec, http.StatusBadRequest, "unreadable body")
		return
	}

	if tenant == "" {
		writeError(rec, http.StatusUnauthorized, "missing tenant header")
		return
	}
	sig := firstHeader(r, HeaderSignature, headerLegacySig)
	if sig == "" {
		writeError(rec, http.StatusUnauthorized, "missing signature header")
		return
	}
	if err := h.verifier.Verify(tenant, body, sig); err != nil {
		h.logger.WarnContext(r.Context(), "webhook: signature rejected",
			slog.String("tenant", tenant),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		writeDomainError(rec, r, h.logger, err)
		return
	}

	ev, ok, err := h.event(tenant, body)
	if err != nil {
		writeDomainError(rec, r, h.logger, err)
		return
	}
	if !ok {
		writeJSON(rec, http.StatusOK, map[string]string{"status": string(service.OutcomeNoMatch), "message": "no payment in chat line"})
		return
	}

	res, err := h.processor.Process(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(rec, http.StatusOK, res)
	case errors.Is(err, domain.ErrTradeTerminal):
		// Retrying cannot succeed, so the sender must not see a failure.
		writeJSON(rec, http.StatusOK, map[string]any{
			"status":   service.OutcomeRejected,
			"trade_id": res.TradeID,
			"error":    domain.ErrTradeTerminal.Error(),
		})
	default:
		writeDomainError(rec, r, h.logger, err)
	}
}

// event converts a verified body into a PaymentEvent. ok is false when a
// relayed chat line carries no payment.
func (h *WebhookHandler) event(tenant string, body []byte) (domain.PaymentEvent, bool, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.PaymentEvent{}, false, &domain.FieldError{Field: "body", Reason: "malformed JSON"}
	}
	if p.ChatLine == "" {
		p.ChatLine = p.LegacyChatLine
	}
	if p.Payer == "" {
		p.Payer = p.LegacyPayer
	}

	ev := domain.PaymentEvent{
		ReferenceID: strings.TrimSpace(p.ReferenceID),
		TenantID:    tenant,
		TradeID:     p.TradeID,
		PayerHandle: strings.TrimSpace(p.Payer),
		RawLine:     p.ChatLine,
		Source:      domain.SourceWebhook,
	}
	if p.ObservedAt != nil {
		ev.ObservedAt = p.ObservedAt.UTC()
	}

	rawAmount := strings.Trim(strings.TrimSpace(string(p.Amount)), `"`)
	if p.ChatLine != "" {
		if h.matcher == nil {
			return ev, false, &domain.FieldError{Field: "chat_line", Reason: "not supported"}
		}
		payer, amount, ok := h.matcher.Match(p.ChatLine)
		if !ok {
			return ev, false, nil
		}
		if ev.PayerHandle == "" {
			ev.PayerHandle = payer
		}
		if rawAmount == "" || rawAmount == "null" {
			rawAmount = amount
		}
		ev.RecipientHandle = h.processor.Collector()
	} else {
		ev.RecipientHandle = strings.TrimSpace(p.Recipient)
	}

	if ev.ReferenceID == "" {
		return ev, false, &domain.FieldError{Field: "reference_id"}
	}
	if ev.PayerHandle == "" {
		return ev, false, &domain.FieldError{Field: "payer"}
	}
	if ev.RecipientHandle == "" {
		return ev, false, &domain.FieldError{Field: "recipient"}
	}
	if rawAmount == "" || rawAmount == "null" {
		return ev, false, &domain.FieldError{Field: "amount"}
	}
	amount, err := domain.ParseAmount(rawAmount)
	if err != nil || !amount.IsPositive() {
		return ev, false, &domain.FieldError{Field: "amount", Reason: "must be a positive amount"}
	}
	ev.Amount = amount
	return ev, true, nil
}

func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.Header.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}
