package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

var handleRe = regexp.MustCompile(`^\w{3,16}$`)

// OpenRequest carries the agreed terms of a new trade.
type OpenRequest struct {
	TenantID       string          `json:"tenant_id"`
	SenderRef      string          `json:"sender_ref"`
	ReceiverRef    string          `json:"receiver_ref"`
	SenderHandle   string          `json:"sender_handle"`
	ReceiverHandle string          `json:"receiver_handle"`
	SaleAmount     decimal.Decimal `json:"sale_amount"`
	TicketRef      string          `json:"ticket_ref"`
}

// Validate reports the first missing or malformed field.
func (r OpenRequest) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"sender_ref", r.SenderRef},
		{"receiver_ref", r.ReceiverRef},
		{"sender_handle", r.SenderHandle},
		{"receiver_handle", r.ReceiverHandle},
	} {
		if strings.TrimSpace(f.value) == "" {
			return &domain.FieldError{Field: f.name}
		}
	}
	if !handleRe.MatchString(r.SenderHandle) {
		return &domain.FieldError{Field: "sender_handle", Reason: "must be 3-16 letters, digits or underscores"}
	}
	if !handleRe.MatchString(r.ReceiverHandle) {
		return &domain.FieldError{Field: "receiver_handle", Reason: "must be 3-16 letters, digits or underscores"}
	}
	if !r.SaleAmount.IsPositive() {
		return &domain.FieldError{Field: "sale_amount", Reason: "must be positive"}
	}
	if r.SenderRef == r.ReceiverRef || strings.EqualFold(r.SenderHandle, r.ReceiverHandle) {
		return fmt.Errorf("sender and receiver must differ: %w", domain.ErrInvalidTrade)
	}
	return nil
}

// TradeService opens trades and answers queries about them.
type TradeService struct {
	m        *mutator
	store    domain.Store
	policies PolicySource
	amounts  *domain.VerificationAmountGenerator
}

// NewTradeService creates a TradeService. policies may be nil.
func NewTradeService(d Deps, policies PolicySource, amounts *domain.VerificationAmountGenerator) *TradeService {
	if amounts == nil {
		amounts = domain.NewVerificationAmountGenerator()
	}
	return &TradeService{
		m:        d.mutator("trade_service"),
		store:    d.Store,
		policies: policies,
		amounts:  amounts,
	}
}

func (s *TradeService) policy(tenantID string) Policy {
	if s.policies == nil {
		return DefaultPolicy()
	}
	return s.policies.Policy(tenantID).withDefaults()
}

// Open records a new trade and immediately opens its verification window
// with freshly drawn tripwire amounts. Each step appends its own audit entry.
func (s *TradeService) Open(ctx context.Context, req OpenRequest, actor domain.Actor) (domain.Trade, error) {
	if err := req.Validate(); err != nil {
		return domain.Trade{}, err
	}
	pol := s.policy(req.TenantID)

	senderAmt, receiverAmt, err := s.amounts.Pair()
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: draw verification amounts: %w", err)
	}
	ticketRef := req.TicketRef
	if ticketRef == "" {
		ticketRef = "trade-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	t := domain.Trade{
		TenantID:       req.TenantID,
		SenderRef:      req.SenderRef,
		ReceiverRef:    req.ReceiverRef,
		SenderHandle:   req.SenderHandle,
		ReceiverHandle: req.ReceiverHandle,
		SaleAmount:     req.SaleAmount.Round(2),
		FeePercent:     pol.FeePercent,
		Depositor:      pol.Depositor,
		FeeBearer:      pol.FeeBearer,
		Status:         domain.StatusCreated,
		TicketRef:      ticketRef,
	}
	created, err := s.store.Trades().Create(ctx, t, domain.Ticket{Ref: ticketRef},
		domain.NewAudit(0, actor, domain.AuditTradeCreated, map[string]any{
			"sale_amount": domain.FormatAmount(t.SaleAmount),
			"fee_percent": t.FeePercent.String(),
			"depositor":   string(t.Depositor),
			"fee_bearer":  string(t.FeeBearer),
		}))
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: create trade: %w", err)
	}

	expiresAt := s.m.now().UTC().Add(pol.Window)
	updated, _, err := s.m.mutate(ctx, created.ID, actor, func(t *domain.Trade) (change, error) {
		if err := t.RequestVerification(senderAmt, receiverAmt, expiresAt); err != nil {
			return change{}, err
		}
		return change{
			action: domain.AuditVerificationRequested,
			payload: map[string]any{
				"sender_amount":   domain.FormatAmount(senderAmt),
				"receiver_amount": domain.FormatAmount(receiverAmt),
				"expires_at":      expiresAt,
			},
			events: []domain.TradeEventKind{domain.EventVerificationOpened},
			detail: fmt.Sprintf("%s pays %s, %s pays %s",
				t.SenderHandle, domain.FormatAmount(senderAmt), t.ReceiverHandle, domain.FormatAmount(receiverAmt)),
		}, nil
	})
	if err != nil {
		return created, fmt.Errorf("trade_service: request verification for trade %d: %w", created.ID, err)
	}
	return updated, nil
}

// Get returns a trade.
func (s *TradeService) Get(ctx context.Context, id int64) (domain.Trade, error) {
	return s.store.Trades().Get(ctx, id)
}

// List returns trades matching f.
func (s *TradeService) List(ctx context.Context, f domain.TradeFilter) ([]domain.Trade, error) {
	trades, err := s.store.Trades().List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list trades: %w", err)
	}
	return trades, nil
}

// Audit returns the audit trail of a trade; id 0 lists every entry.
func (s *TradeService) Audit(ctx context.Context, id int64, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	entries, err := s.store.Audit().List(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list audit: %w", err)
	}
	return entries, nil
}

// Verifications returns the consumed payment events of a trade.
func (s *TradeService) Verifications(ctx context.Context, id int64) ([]domain.Verification, error) {
	if _, err := s.store.Trades().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Trades().ListVerifications(ctx, id)
}

// Ticket returns the ticket of a trade.
func (s *TradeService) Ticket(ctx context.Context, id int64) (domain.Ticket, error) {
	return s.store.Trades().GetTicket(ctx, id)
}

// Settlements returns the pay instructions a trade produced.
func (s *TradeService) Settlements(ctx context.Context, id int64) ([]domain.Settlement, error) {
	return s.store.Settlements().ListByTrade(ctx, id)
}
