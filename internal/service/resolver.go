package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// Resolver performs the settling and dispute actions on a trade: release,
// dispute, adjudication, cancellation, freezing and ticket closure. Every
// action that moves funds records exactly one settlement in the same
// transaction as the status change.
type Resolver struct {
	m     *mutator
	store domain.Store
}

// NewResolver creates a Resolver.
func NewResolver(d Deps) *Resolver {
	return &Resolver{m: d.mutator("resolver"), store: d.Store}
}

// roleOf resolves actor on t. Administrators act without a role.
func roleOf(t *domain.Trade, actor domain.Actor) (domain.Role, error) {
	if actor.IsAdmin() {
		return "", nil
	}
	r, ok := t.RoleOf(actor.Ref)
	if !ok {
		return "", fmt.Errorf("%s on trade %d: %w", actor.Ref, t.ID, domain.ErrNotParticipant)
	}
	return r, nil
}

func requireAdmin(actor domain.Actor) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%s: %w", actor.Ref, domain.ErrForbidden)
	}
	return nil
}

// Release confirms delivery of an escrowed trade. Only the depositor or an
// administrator may release. The non-depositing party is paid the escrow
// minus the fee.
func (r *Resolver) Release(ctx context.Context, id int64, actor domain.Actor) (domain.Trade, error) {
	t, _, err := r.m.mutate(ctx, id, actor, func(t *domain.Trade) (change, error) {
		role, err := roleOf(t, actor)
		if err != nil {
			return change{}, err
		}
		if role != "" && role != t.Depositor {
			return change{}, fmt.Errorf("only the depositor confirms delivery: %w", domain.ErrNotParticipant)
		}
		p, err := t.Release()
		if err != nil {
			return change{}, err
		}
		return change{
			action:      domain.AuditDeliveryConfirmed,
			payout:      &p,
			closeTicket: true,
			events:      []domain.TradeEventKind{domain.EventTradeCompleted},
			amount:      p.Amount,
			detail:      p.Handle,
		}, nil
	})
	return t, wrap("release", id, err)
}

// OpenDispute freezes a non-terminal trade for review. Either party or an
// administrator may open it.
func (r *Resolver) OpenDispute(ctx context.Context, id int64, actor domain.Actor, reason string) (domain.Trade, error) {
	t, _, err := r.m.mutate(ctx, id, actor, func(t *domain.Trade) (change, error) {
		if _, err := roleOf(t, actor); err != nil {
			return change{}, err
		}
		if err := t.OpenDispute(actor.Ref, reason); err != nil {
			return change{}, err
		}
		return change{
			action:  domain.AuditDisputeOpened,
			payload: map[string]any{"reason": reason},
			events:  []domain.TradeEventKind{domain.EventDisputeOpened},
			amount:  t.EscrowBalance,
			detail:  reason,
		}, nil
	})
	return t, wrap("open dispute", id, err)
}

// Adjudicate resolves a dispute in favour of beneficiary. It is the only
// fund-moving action permitted on a frozen trade.
func (r *Resolver) Adjudicate(ctx context.Context, id int64, actor domain.Actor, beneficiary domain.Role) (domain.Trade, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.Trade{}, wrap("adjudicate", id, err)
	}
	if !beneficiary.Valid() {
		return domain.Trade{}, &domain.FieldError{Field: "beneficiary", Reason: `must be "sender" or "receiver"`}
	}
	t, _, err := r.m.mutate(ctx, id, actor, func(t *domain.Trade) (change, error) {
		p, err := t.Adjudicate(beneficiary)
		if err != nil {
			return change{}, err
		}
		return change{
			action:      domain.AuditAdjudicated,
			payload:     map[string]any{"beneficiary": string(beneficiary)},
			payout:      &p,
			closeTicket: true,
			events:      []domain.TradeEventKind{domain.EventTradeCompleted},
			amount:      p.Amount,
			detail:      "adjudicated for " + string(beneficiary),
		}, nil
	})
	return t, wrap("adjudicate", id, err)
}

// Cancel cancels a trade on behalf of actor. An administrator cancels at
// once; a party records its consent and the trade is cancelled when the
// other party has already consented. Held funds are refunded in full to the
// depositor. The returned bool reports whether the trade was cancelled.
func (r *Resolver) Cancel(ctx context.Context, id int64, actor domain.Actor) (domain.Trade, bool, error) {
	var cancelled bool
	t, _, err := r.m.mutate(ctx, id, actor, func(t *domain.Trade) (change, error) {
		cancelled = false
		if t.Status.Terminal() {
			return change{}, &domain.TransitionError{From: t.Status, To: domain.StatusCancelled}
		}
		role, err := roleOf(t, actor)
		if err != nil {
			return change{}, err
		}
		if t.Frozen && t.EscrowBalance.IsPositive() {
			return change{}, domain.ErrTradeFrozen
		}

		if role != "" && t.CancelRequestedBy != role.Other() {
			t.CancelRequestedBy = role
			return change{
				action:  domain.AuditCancelRequested,
				payload: map[string]any{"role": string(role)},
				events:  []domain.TradeEventKind{domain.EventCancelRequested},
				detail:  string(role),
			}, nil
		}

		p, err := t.Cancel()
		if err != nil {
			return change{}, err
		}
		cancelled = true
		c := change{
			action:      domain.AuditTradeCancelled,
			payout:      p,
			closeTicket: true,
			events:      []domain.TradeEventKind{domain.EventTradeCancelled},
		}
		if p != nil {
			c.amount = p.Amount
			c.detail = "refund to " + p.Handle
		}
		return c, nil
	})
	return t, cancelled, wrap("cancel", id, err)
}

// Freeze blocks fund movement on a disputed trade.
func (r *Resolver) Freeze(ctx context.Context, id int64, actor domain.Actor) (domain.Trade, error) {
	return r.setFrozen(ctx, id, actor, true)
}

// Unfreeze lifts a freeze on a disputed trade.
func (r *Resolver) Unfreeze(ctx context.Context, id int64, actor domain.Actor) (domain.Trade, error) {
	return r.setFrozen(ctx, id, actor, false)
}

func (r *Resolver) setFrozen(ctx context.Context, id int64, actor domain.Actor, frozen bool) (domain.Trade, error) {
	op, action, kind := "unfreeze", domain.AuditUnfrozen, domain.EventTradeUnfrozen
	if frozen {
		op, action, kind = "freeze", domain.AuditFrozen, domain.EventTradeFrozen
	}
	if err := requireAdmin(actor); err != nil {
		return domain.Trade{}, wrap(op, id, err)
	}
	t, _, err := r.m.mutate(ctx, id, actor, func(t *domain.Trade) (change, error) {
		var err error
		if frozen {
			err = t.Freeze()
		} else {
			err = t.Unfreeze()
		}
		if err != nil {
			return change{}, err
		}
		return change{action: action, events: []domain.TradeEventKind{kind}, amount: t.EscrowBalance}, nil
	})
	return t, wrap(op, id, err)
}

// CloseTicket closes a trade's ticket without touching its status. A second
// call fails with domain.ErrTicketClosed.
func (r *Resolver) CloseTicket(ctx context.Context, id int64, actor domain.Actor) (domain.Trade, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.Trade{}, wrap("close ticket", id, err)
	}
	unlock, err := r.m.locker.Lock(ctx, id)
	if err != nil {
		return domain.Trade{}, err
	}
	t, c, err := func() (domain.Trade, change, error) {
		defer unlock()
		ticket, err := r.store.Trades().GetTicket(ctx, id)
		if err != nil {
			return domain.Trade{}, change{}, err
		}
		if ticket.Status == domain.TicketClosed {
			return domain.Trade{}, change{}, domain.ErrTicketClosed
		}
		return r.m.mutateLocked(ctx, id, actor, func(*domain.Trade) (change, error) {
			return change{action: domain.AuditTicketClosed, closeTicket: true}, nil
		})
	}()
	if err != nil {
		return domain.Trade{}, wrap("close ticket", id, err)
	}
	r.m.announce(ctx, t, c)
	return t, nil
}

func wrap(op string, id int64, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("resolver: %s trade %d: %w", op, id, err)
}
