package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// ExpiryConfig tunes the verification window sweep.
type ExpiryConfig struct {
	Interval time.Duration
	// ExpirePartial also cancels trades where one party already verified.
	ExpirePartial bool
	// StaleCreatedAfter is how long a trade may sit in CREATED before it is
	// cancelled. Open moves a trade out of CREATED immediately, so one left
	// behind failed to open its verification window.
	StaleCreatedAfter time.Duration
}

// ExpirySweeper cancels trades whose verification window has closed, and
// trades that never got one. Each trade is re-checked under its lock before
// it is cancelled.
type ExpirySweeper struct {
	m   *mutator
	cfg ExpiryConfig
}

// NewExpirySweeper creates a sweeper.
func NewExpirySweeper(d Deps, cfg ExpiryConfig) *ExpirySweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleCreatedAfter <= 0 {
		cfg.StaleCreatedAfter = 15 * time.Minute
	}
	return &ExpirySweeper{m: d.mutator("expiry"), cfg: cfg}
}

// Run sweeps on every tick until ctx is cancelled.
func (e *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx, e.m.now()); err != nil {
				e.m.logger.ErrorContext(ctx, "expiry: sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep expires every eligible trade as of now and returns how many were
// cancelled.
func (e *ExpirySweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-e.cfg.StaleCreatedAfter)
	stale, err := e.m.store.ListStaleCreated(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var n int
	for _, cand := range expired {
		ok, err := e.cancel(ctx, cand.ID, func(t *domain.Trade) (change, error) {
			if !e.cfg.ExpirePartial && (t.SenderVerified || t.ReceiverVerified) {
				return change{}, errPartiallyVerified
			}
			if err := t.Expire(now); err != nil {
				return change{}, err
			}
			return change{
				action:      domain.AuditTradeExpired,
				payload:     map[string]any{"expires_at": t.ExpiresAt},
				closeTicket: true,
				events:      []domain.TradeEventKind{domain.EventTradeExpired},
			}, nil
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	for _, cand := range stale {
		ok, err := e.cancel(ctx, cand.ID, func(t *domain.Trade) (change, error) {
			if err := t.Abandon(cutoff); err != nil {
				return change{}, err
			}
			return change{
				action: domain.AuditTradeExpired,
				payload: map[string]any{
					"reason":     "verification window never opened",
					"created_at": t.CreatedAt,
				},
				closeTicket: true,
				events:      []domain.TradeEventKind{domain.EventTradeExpired},
			}, nil
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		e.m.logger.InfoContext(ctx, "expiry: trades expired", slog.Int("count", n))
	}
	return n, nil
}

// cancel applies fn under the trade lock. Trades that moved on since they
// were listed are skipped.
func (e *ExpirySweeper) cancel(ctx context.Context, id int64, fn step) (bool, error) {
	_, _, err := e.m.mutate(ctx, id, domain.SystemActor, fn)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errPartiallyVerified),
		errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrTradeTerminal):
		e.m.logger.DebugContext(ctx, "expiry: trade skipped",
			slog.Int64("trade_id", id), slog.String("reason", err.Error()))
		return false, nil
	default:
		return false, err
	}
}

var errPartiallyVerified = errors.New("one party already verified")
