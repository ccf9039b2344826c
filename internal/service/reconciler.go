package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/metrics"
)

// Outcome classifies what the reconciler did with a payment event.
type Outcome string

const (
	OutcomeMatched   Outcome = metrics.OutcomeMatched
	OutcomeNoMatch   Outcome = metrics.OutcomeNoMatch
	OutcomeDuplicate Outcome = metrics.OutcomeDuplicate
	OutcomeForeign   Outcome = metrics.OutcomeForeign
	OutcomeRejected  Outcome = metrics.OutcomeRejected
)

// Result reports the effect of one payment event.
type Result struct {
	Outcome Outcome                 `json:"status"`
	TradeID int64                   `json:"trade_id,omitempty"`
	Rule    domain.VerificationRule `json:"rule,omitempty"`
	Trade   *domain.Trade           `json:"trade,omitempty"`
}

// ReconcilerConfig tunes matching.
type ReconcilerConfig struct {
	// Collector is the game handle that receives every payment.
	Collector string
	Tolerance decimal.Decimal
	// Retries bounds re-attempts of a transient persistence failure in Run.
	Retries    int
	RetryDelay time.Duration
}

var errNoLongerMatches = errors.New("event no longer matches trade")

// Reconciler matches payment events against pending trades and advances
// exactly one trade per event.
type Reconciler struct {
	m       *mutator
	audit   domain.AuditStore
	cfg     ReconcilerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(d Deps, cfg ReconcilerConfig) *Reconciler {
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = domain.DefaultTolerance
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	m := d.mutator("reconciler")
	return &Reconciler{
		m:       m,
		audit:   d.Store.Audit(),
		cfg:     cfg,
		metrics: d.Metrics,
		logger:  m.logger,
	}
}

// Collector returns the configured collector handle.
func (r *Reconciler) Collector() string { return r.cfg.Collector }

// Process applies ev to at most one trade. A duplicate, foreign or unmatched
// event is not an error. An event pinned to a terminal trade returns
// domain.ErrTradeTerminal and writes only a PAYMENT_REJECTED audit entry.
func (r *Reconciler) Process(ctx context.Context, ev domain.PaymentEvent) (Result, error) {
	res, err := r.process(ctx, ev)
	outcome := string(res.Outcome)
	if err != nil && res.Outcome == "" {
		outcome = metrics.OutcomeError
	}
	r.metrics.PaymentEvent(ev.Source, outcome)
	return res, err
}

func (r *Reconciler) process(ctx context.Context, ev domain.PaymentEvent) (Result, error) {
	log := r.logger.With(
		slog.String("reference_id", ev.ReferenceID),
		slog.String("source", string(ev.Source)),
		slog.String("payer", ev.PayerHandle),
		slog.String("amount", domain.FormatAmount(ev.Amount)),
	)

	if !strings.EqualFold(strings.TrimSpace(ev.RecipientHandle), r.cfg.Collector) {
		log.DebugContext(ctx, "reconciler: payment to another recipient dropped",
			slog.String("recipient", ev.RecipientHandle))
		return Result{Outcome: OutcomeForeign}, nil
	}
	if ev.ReferenceID == "" {
		ev.ReferenceID = "evt-" + uuid.NewString()
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = r.m.now().UTC()
	}

	seen, err := r.m.store.HasReference(ctx, ev.ReferenceID)
	if err != nil {
		return Result{}, fmt.Errorf("reconciler: check reference: %w", err)
	}
	if seen {
		log.InfoContext(ctx, "reconciler: duplicate payment event ignored")
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	candidates, err := r.candidates(ctx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrTradeTerminal) {
			return Result{Outcome: OutcomeRejected, TradeID: ev.TradeID}, err
		}
		return Result{}, err
	}

	for _, cand := range candidates {
		if matchRule(&cand, ev, r.cfg.Tolerance) == "" {
			continue
		}
		res, err := r.apply(ctx, cand.ID, ev)
		switch {
		case err == nil:
			log.InfoContext(ctx, "reconciler: payment matched",
				slog.Int64("trade_id", res.TradeID),
				slog.String("rule", string(res.Rule)),
				slog.String("status", string(res.Trade.Status)),
			)
			return res, nil
		case errors.Is(err, domain.ErrDuplicateEvent):
			log.InfoContext(ctx, "reconciler: duplicate payment event ignored")
			return Result{Outcome: OutcomeDuplicate}, nil
		case errors.Is(err, errNoLongerMatches),
			errors.Is(err, domain.ErrStatusConflict),
			errors.Is(err, domain.ErrTradeTerminal),
			errors.Is(err, domain.ErrIllegalTransition),
			errors.Is(err, domain.ErrTradeFrozen):
			log.DebugContext(ctx, "reconciler: candidate moved before match",
				slog.Int64("trade_id", cand.ID), slog.String("error", err.Error()))
			continue
		default:
			return Result{}, fmt.Errorf("reconciler: apply to trade %d: %w", cand.ID, err)
		}
	}

	log.DebugContext(ctx, "reconciler: no matching trade")
	return Result{Outcome: OutcomeNoMatch}, nil
}

// candidates returns the trades ev may match. An event pinned to a trade only
// considers that trade, and only when the event's tenant owns it.
func (r *Reconciler) candidates(ctx context.Context, ev domain.PaymentEvent) ([]domain.Trade, error) {
	if ev.TradeID == 0 {
		trades, err := r.m.store.ListMatchCandidates(ctx, ev.TenantID)
		if err != nil {
			return nil, fmt.Errorf("reconciler: list candidates: %w", err)
		}
		return trades, nil
	}

	t, err := r.m.store.Get(ctx, ev.TradeID)
	if errors.Is(err, domain.ErrTradeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconciler: get trade %d: %w", ev.TradeID, err)
	}
	if ev.TenantID != "" && t.TenantID != ev.TenantID {
		return nil, nil
	}
	if t.Status.Terminal() {
		r.reject(ctx, t, ev)
		return nil, fmt.Errorf("reconciler: trade %d is %s: %w", t.ID, t.Status, domain.ErrTradeTerminal)
	}
	return []domain.Trade{t}, nil
}

func (r *Reconciler) reject(ctx context.Context, t domain.Trade, ev domain.PaymentEvent) {
	r.logger.WarnContext(ctx, "reconciler: payment for terminal trade rejected",
		slog.Int64("trade_id", t.ID),
		slog.String("status", string(t.Status)),
		slog.String("reference_id", ev.ReferenceID),
	)
	if err := r.audit.Append(ctx, domain.NewAudit(t.ID, eventActor(ev), domain.AuditPaymentRejected, map[string]any{
		"reference_id": ev.ReferenceID,
		"payer":        ev.PayerHandle,
		"amount":       domain.FormatAmount(ev.Amount),
		"status":       string(t.Status),
	})); err != nil {
		r.logger.WarnContext(ctx, "reconciler: audit rejected payment failed",
			slog.Int64("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reconciler) apply(ctx context.Context, id int64, ev domain.PaymentEvent) (Result, error) {
	var rule domain.VerificationRule
	updated, _, err := r.m.mutate(ctx, id, eventActor(ev), func(t *domain.Trade) (change, error) {
		rule = matchRule(t, ev, r.cfg.Tolerance)
		if rule == "" {
			return change{}, errNoLongerMatches
		}
		return applyRule(t, rule, ev)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeMatched, TradeID: id, Rule: rule, Trade: &updated}, nil
}

// matchRule returns the first rule ev satisfies on t, or "" when none does.
// Rules are tried in order: sender verification, receiver verification,
// escrow deposit.
func matchRule(t *domain.Trade, ev domain.PaymentEvent, tolerance decimal.Decimal) domain.VerificationRule {
	if t.Frozen {
		return ""
	}
	switch t.Status {
	case domain.StatusAwaitingVerification:
		if !t.SenderVerified && t.IsHandle(domain.RoleSender, ev.PayerHandle) &&
			domain.AmountsMatch(t.VerificationAmountSender, ev.Amount, tolerance) {
			return domain.RuleSenderVerification
		}
		if !t.ReceiverVerified && t.IsHandle(domain.RoleReceiver, ev.PayerHandle) &&
			domain.AmountsMatch(t.VerificationAmountReceiver, ev.Amount, tolerance) {
			return domain.RuleReceiverVerification
		}
	case domain.StatusVerified:
		if t.IsHandle(t.Depositor, ev.PayerHandle) &&
			domain.AmountsMatch(t.ExpectedDeposit(), ev.Amount, tolerance) {
			return domain.RuleDeposit
		}
	}
	return ""
}

func applyRule(t *domain.Trade, rule domain.VerificationRule, ev domain.PaymentEvent) (change, error) {
	v := &domain.Verification{
		ReferenceID:     ev.ReferenceID,
		Rule:            rule,
		PayerHandle:     ev.PayerHandle,
		RecipientHandle: ev.RecipientHandle,
		ReceivedAmount:  ev.Amount,
		RawEvidence:     ev.RawLine,
		Source:          ev.Source,
		Verified:        true,
		ObservedAt:      ev.ObservedAt,
	}
	c := change{
		verification: v,
		amount:       ev.Amount,
		payload: map[string]any{
			"rule":         string(rule),
			"reference_id": ev.ReferenceID,
			"payer":        ev.PayerHandle,
			"amount":       domain.FormatAmount(ev.Amount),
		},
	}

	switch rule {
	case domain.RuleSenderVerification, domain.RuleReceiverVerification:
		role := domain.RoleSender
		if rule == domain.RuleReceiverVerification {
			role = domain.RoleReceiver
		}
		v.ExpectedAmount = t.VerificationAmount(role)
		if err := t.MarkVerified(role); err != nil {
			return change{}, err
		}
		c.action = domain.AuditVerificationMatched
		c.events = []domain.TradeEventKind{domain.EventVerificationMatched}
		c.detail = string(role)
		if t.Status == domain.StatusVerified {
			c.action = domain.AuditTradeVerified
			c.events = append(c.events, domain.EventTradeVerified)
		}
	case domain.RuleDeposit:
		v.ExpectedAmount = t.ExpectedDeposit()
		if err := t.FundEscrow(ev.Amount); err != nil {
			return change{}, err
		}
		c.action = domain.AuditEscrowDeposited
		c.events = []domain.TradeEventKind{domain.EventEscrowFunded}
		c.detail = string(t.Depositor)
	}
	return c, nil
}

func eventActor(ev domain.PaymentEvent) domain.Actor {
	switch ev.Source {
	case domain.SourceChat:
		return domain.Actor{Ref: "bridge", Type: domain.ActorBridge}
	default:
		ref := string(ev.Source)
		if ev.TenantID != "" {
			ref += ":" + ev.TenantID
		}
		return domain.Actor{Ref: ref, Type: domain.ActorWebhook}
	}
}

// Run consumes events until the channel closes or ctx ends. Transient
// persistence failures are retried; every other failure is logged and the
// event is dropped.
func (r *Reconciler) Run(ctx context.Context, events <-chan domain.PaymentEvent) error {
	r.logger.InfoContext(ctx, "reconciler: started", slog.String("collector", r.cfg.Collector))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.processWithRetry(ctx, ev)
		}
	}
}

func (r *Reconciler) processWithRetry(ctx context.Context, ev domain.PaymentEvent) {
	for attempt := 1; ; attempt++ {
		_, err := r.Process(ctx, ev)
		if err == nil {
			return
		}
		if !retryable(err) || attempt > r.cfg.Retries || ctx.Err() != nil {
			level := slog.LevelError
			if errors.Is(err, domain.ErrTradeTerminal) {
				level = slog.LevelWarn
			}
			r.logger.Log(ctx, level, "reconciler: payment event failed",
				slog.String("reference_id", ev.ReferenceID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * r.cfg.RetryDelay):
		}
	}
}

func retryable(err error) bool {
	for _, sentinel := range []error{
		domain.ErrTradeTerminal, domain.ErrTradeFrozen, domain.ErrTradeNotFound,
		domain.ErrIllegalTransition, domain.ErrDuplicateEvent, domain.ErrMissingField,
		context.Canceled,
	} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	return true
}
