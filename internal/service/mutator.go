package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/metrics"
)

// change is what a step did to a trade and what must be persisted with it.
type change struct {
	action       domain.AuditAction
	payload      map[string]any
	payout       *domain.Payout
	verification *domain.Verification
	closeTicket  bool
	events       []domain.TradeEventKind
	amount       decimal.Decimal
	detail       string
	// queued is set once the commit recorded a settlement.
	queued bool
}

// step mutates a trade in memory. It must be deterministic: it runs once to
// plan the write and again on the row locked by the store.
type step func(t *domain.Trade) (change, error)

// mutator is the single path through which services change trades: lock,
// plan, compare-and-set, unlock, then publish. Sinks never run under the
// trade lock.
type mutator struct {
	store   domain.TradeStore
	locker  *TradeLocker
	pub     *Publisher
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
	// queued is called after a commit that recorded a settlement.
	queued func()
}

func (m *mutator) mutate(ctx context.Context, id int64, actor domain.Actor, fn step) (domain.Trade, change, error) {
	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return domain.Trade{}, change{}, err
	}
	updated, c, err := func() (domain.Trade, change, error) {
		defer unlock()
		return m.mutateLocked(ctx, id, actor, fn)
	}()
	if err != nil {
		return updated, c, err
	}
	m.announce(ctx, updated, c)
	return updated, c, nil
}

// mutateLocked commits one step. The caller holds the trade lock and calls
// announce once it is released.
func (m *mutator) mutateLocked(ctx context.Context, id int64, actor domain.Actor, fn step) (domain.Trade, change, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Trade{}, change{}, err
	}

	planned := current
	c, err := fn(&planned)
	if err != nil {
		return current, change{}, err
	}

	payload := c.payload
	var settlement *domain.Settlement
	if p := c.payout; p != nil {
		settlement = &domain.Settlement{
			ID:          uuid.NewString(),
			Kind:        p.Kind,
			PayeeHandle: p.Handle,
			Amount:      p.Amount,
			Fee:         p.Fee,
			Status:      domain.SettlementPending,
		}
		if payload == nil {
			payload = map[string]any{}
		}
		payload["settlement_id"] = settlement.ID
		payload["payee"] = p.Handle
		payload["payout"] = domain.FormatAmount(p.Amount)
		payload["fee"] = domain.FormatAmount(p.Fee)
	}

	mut := domain.Mutation{
		Apply: func(row *domain.Trade) error {
			got, err := fn(row)
			if err != nil {
				return err
			}
			if row.Status != planned.Status || !samePayout(got.payout, c.payout) {
				return fmt.Errorf("trade %d changed under lock: %w", id, domain.ErrStatusConflict)
			}
			return nil
		},
		Verification: c.verification,
		Settlement:   settlement,
		CloseTicket:  c.closeTicket,
		Audit:        domain.NewAudit(id, actor, c.action, payload),
	}

	updated, err := m.store.CompareAndSet(ctx, id, current.Status, mut)
	if err != nil {
		return current, change{}, err
	}

	m.metrics.Transition(current.Status, updated.Status)
	m.logger.InfoContext(ctx, "trade updated",
		slog.Int64("trade_id", id),
		slog.String("action", string(c.action)),
		slog.String("from", string(current.Status)),
		slog.String("to", string(updated.Status)),
		slog.String("actor", actor.Ref),
	)

	if settlement != nil {
		c.queued = true
	}
	return updated, c, nil
}

// announce publishes a committed change and wakes the dispatcher.
func (m *mutator) announce(ctx context.Context, updated domain.Trade, c change) {
	at := m.now().UTC()
	for _, kind := range c.events {
		m.pub.Publish(ctx, domain.NewTradeEvent(kind, updated, c.amount, c.detail, at))
	}
	if c.queued && m.queued != nil {
		m.queued()
	}
}

func samePayout(a, b *domain.Payout) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind && a.Handle == b.Handle && a.Amount.Equal(b.Amount) && a.Fee.Equal(b.Fee)
}
