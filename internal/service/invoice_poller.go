package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/platform/invoices"
)

// InvoiceSource lists completed storefront invoices. *invoices.Client
// implements it.
type InvoiceSource interface {
	Completed(ctx context.Context) ([]invoices.Invoice, []invoices.Skipped, error)
}

// InvoicePollerConfig tunes the storefront poller.
type InvoicePollerConfig struct {
	Interval time.Duration
	TenantID string
	// Multiplier converts storefront currency into in-game currency.
	Multiplier decimal.Decimal
	// MaxAmount skips invoices whose converted amount is larger. Zero
	// disables the check.
	MaxAmount decimal.Decimal
	DedupTTL  time.Duration
}

const maxInvoiceBackoff = 5 * time.Minute

// InvoicePoller turns completed invoices into payment events. The store's
// reference guard is authoritative; the in-process dedup only keeps the
// poller from resubmitting the same invoice every pass.
type InvoicePoller struct {
	source InvoiceSource
	rec    *Reconciler
	dedup  *invoices.Dedup
	cfg    InvoicePollerConfig
	logger *slog.Logger
}

// NewInvoicePoller creates an InvoicePoller.
func NewInvoicePoller(source InvoiceSource, rec *Reconciler, cfg InvoicePollerConfig, logger *slog.Logger) *InvoicePoller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Multiplier.IsZero() {
		cfg.Multiplier = decimal.NewFromInt(1)
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	return &InvoicePoller{
		source: source,
		rec:    rec,
		dedup:  invoices.NewDedup(cfg.DedupTTL),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "invoice_poller")),
	}
}

// Run polls immediately and then on every interval. A failed poll backs off
// exponentially up to five minutes.
func (p *InvoicePoller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "invoice_poller: started", slog.Duration("interval", p.cfg.Interval))
	delay := p.cfg.Interval
	for {
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay *= 2
			if delay > maxInvoiceBackoff {
				delay = maxInvoiceBackoff
			}
			p.logger.WarnContext(ctx, "invoice_poller: poll failed, backing off",
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		} else {
			delay = p.cfg.Interval
		}
		p.dedup.Cleanup()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// PollOnce submits every new invoice and returns how many were matched to a
// trade.
func (p *InvoicePoller) PollOnce(ctx context.Context) (int, error) {
	list, skipped, err := p.source.Completed(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range skipped {
		if !p.dedup.IsDuplicate(s.ID) {
			p.logger.WarnContext(ctx, "invoice_poller: invoice skipped",
				slog.String("invoice_id", s.ID), slog.String("reason", s.Reason))
		}
	}

	var matched int
	for _, inv := range list {
		if p.dedup.IsDuplicate(inv.ID) {
			continue
		}
		amount := inv.Amount.Mul(p.cfg.Multiplier).Round(2)
		log := p.logger.With(
			slog.String("invoice_id", inv.ID),
			slog.String("handle", inv.GameHandle),
			slog.String("amount", domain.FormatAmount(amount)),
		)
		if p.cfg.MaxAmount.IsPositive() && amount.GreaterThan(p.cfg.MaxAmount) {
			log.WarnContext(ctx, "invoice_poller: amount exceeds maximum, skipped",
				slog.String("max", domain.FormatAmount(p.cfg.MaxAmount)))
			continue
		}

		res, err := p.rec.Process(ctx, domain.PaymentEvent{
			ReferenceID:     inv.ID,
			TenantID:        p.cfg.TenantID,
			PayerHandle:     inv.GameHandle,
			RecipientHandle: p.rec.Collector(),
			Amount:          amount,
			Source:          domain.SourceInvoice,
		})
		if err != nil && res.Outcome != OutcomeRejected {
			p.dedup.Forget(inv.ID)
			log.ErrorContext(ctx, "invoice_poller: process failed", slog.String("error", err.Error()))
			continue
		}
		if res.Outcome == OutcomeMatched {
			matched++
		}
		log.DebugContext(ctx, "invoice_poller: invoice processed", slog.String("outcome", string(res.Outcome)))
	}
	return matched, nil
}
