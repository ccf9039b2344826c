package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/metrics"
)

// CommandSender delivers chat commands to the game. *chat.Bridge implements it.
type CommandSender interface {
	IsConnected() bool
	Send(ctx context.Context, command string) error
}

// DispatcherConfig tunes settlement delivery.
type DispatcherConfig struct {
	Interval time.Duration
	Batch    int
	// PayCommand is the chat command template; {handle} and {amount} are
	// substituted.
	PayCommand string
	// Gap spaces consecutive commands so the game's spam filter does not
	// drop them.
	Gap time.Duration
}

// DefaultPayCommand is the in-game transfer command.
const DefaultPayCommand = "/pay {handle} {amount}"

// Dispatcher drains the settlement outbox through the chat bridge. Pending
// settlements survive restarts and disconnects; they are retried on every
// tick, on Trigger and whenever the bridge comes back online.
//
// A row is claimed (PENDING to SENDING) before its command is written and
// marked SENT afterwards. A row left in SENDING may already have been paid
// out, so it is never resent automatically: an operator confirms or requeues
// it.
type Dispatcher struct {
	settlements domain.SettlementStore
	trades      domain.TradeStore
	audit       domain.AuditStore
	sender      CommandSender
	pub         *Publisher
	metrics     *metrics.Metrics
	cfg         DispatcherConfig
	logger      *slog.Logger
	now         func() time.Time
	trigger     chan struct{}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(d Deps, sender CommandSender, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.PayCommand == "" {
		cfg.PayCommand = DefaultPayCommand
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		settlements: d.Store.Settlements(),
		trades:      d.Store.Trades(),
		audit:       d.Store.Audit(),
		sender:      sender,
		pub:         d.Publisher,
		metrics:     d.Metrics,
		cfg:         cfg,
		logger:      d.Logger.With(slog.String("component", "dispatcher")),
		now:         now,
		trigger:     make(chan struct{}, 1),
	}
}

// Trigger requests a dispatch pass without blocking.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// OnBridgeState triggers a pass when the bridge comes online.
func (d *Dispatcher) OnBridgeState(s domain.BridgeState) {
	if s.Online() {
		d.Trigger()
	}
}

// PayCommand renders the command paying amount to handle.
func (d *Dispatcher) PayCommand(handle string, amount string) string {
	return strings.NewReplacer("{handle}", handle, "{amount}", amount).Replace(d.cfg.PayCommand)
}

// Run dispatches once at start, then on every tick or trigger.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "dispatcher: pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.trigger:
		}
	}
}

// DispatchPending sends pending settlements oldest first and returns how many
// were sent. It stops at the first delivery failure so order is preserved.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	d.reportUnconfirmed(ctx)
	pending, err := d.settlements.ListPending(ctx, d.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("dispatcher: list pending: %w", err)
	}
	d.metrics.PendingSettlements(len(pending))
	if len(pending) == 0 {
		return 0, nil
	}
	if !d.sender.IsConnected() {
		d.logger.InfoContext(ctx, "dispatcher: bridge offline, settlements held",
			slog.Int("pending", len(pending)))
		return 0, nil
	}

	var sent, skipped int
	for i, st := range pending {
		if i > 0 && d.cfg.Gap > 0 {
			select {
			case <-ctx.Done():
				return sent, nil
			case <-time.After(d.cfg.Gap):
			}
		}
		err := d.send(ctx, st)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, errClaimLost):
			skipped++
		case errors.Is(err, domain.ErrBridgeOffline):
			return sent, nil
		default:
			d.reportUnconfirmed(ctx)
			return sent, err
		}
	}
	d.metrics.PendingSettlements(len(pending) - sent - skipped)
	return sent, nil
}

// errClaimLost means another dispatcher claimed the row first.
var errClaimLost = errors.New("settlement claimed elsewhere")

func (d *Dispatcher) send(ctx context.Context, st domain.Settlement) error {
	cmd := d.PayCommand(st.PayeeHandle, domain.FormatAmount(st.Amount))
	log := d.logger.With(
		slog.String("settlement_id", st.ID),
		slog.Int64("trade_id", st.TradeID),
		slog.String("kind", string(st.Kind)),
	)

	if err := d.settlements.Claim(ctx, st.ID); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			log.DebugContext(ctx, "dispatcher: settlement already claimed")
			return errClaimLost
		}
		return fmt.Errorf("dispatcher: claim %s: %w", st.ID, err)
	}

	if err := d.sender.Send(ctx, cmd); err != nil {
		if errors.Is(err, domain.ErrBridgeOffline) {
			// Nothing reached the game, so the row can go back in line.
			d.metrics.Settlement(st.Kind, "failed")
			log.WarnContext(ctx, "dispatcher: send failed", slog.String("error", err.Error()))
			if rqErr := d.settlements.Requeue(context.WithoutCancel(ctx), st.ID, err.Error()); rqErr != nil {
				log.ErrorContext(ctx, "dispatcher: requeue failed, settlement held for review",
					slog.String("error", rqErr.Error()))
			}
			return err
		}
		d.hold(ctx, log, st, "send", err)
		return fmt.Errorf("dispatcher: send %s: %w", st.ID, err)
	}

	at := d.now().UTC()
	if err := d.settlements.MarkSent(context.WithoutCancel(ctx), st.ID, at); err != nil {
		d.hold(ctx, log, st, "mark sent", err)
		return fmt.Errorf("dispatcher: mark %s sent: %w", st.ID, err)
	}
	d.metrics.Settlement(st.Kind, "sent")
	log.InfoContext(ctx, "dispatcher: settlement sent",
		slog.String("payee", st.PayeeHandle),
		slog.String("amount", domain.FormatAmount(st.Amount)),
	)
	d.sent(ctx, log, st, domain.SystemActor, at)
	return nil
}

// hold leaves a claimed row in SENDING after an outcome the dispatcher cannot
// classify, and records it for the operator.
func (d *Dispatcher) hold(ctx context.Context, log *slog.Logger, st domain.Settlement, step string, cause error) {
	d.metrics.Settlement(st.Kind, "unconfirmed")
	log.ErrorContext(ctx, "dispatcher: delivery unconfirmed, settlement held for operator review",
		slog.String("step", step),
		slog.String("payee", st.PayeeHandle),
		slog.String("amount", domain.FormatAmount(st.Amount)),
		slog.String("error", cause.Error()),
	)
	d.appendAudit(ctx, log, domain.NewAudit(st.TradeID, domain.SystemActor, domain.AuditSettlementUnconfirmed, map[string]any{
		"settlement_id": st.ID,
		"payee":         st.PayeeHandle,
		"amount":        domain.FormatAmount(st.Amount),
		"step":          step,
		"error":         cause.Error(),
	}))
}

// sent records a delivered settlement in the audit log and on the event bus.
func (d *Dispatcher) sent(ctx context.Context, log *slog.Logger, st domain.Settlement, actor domain.Actor, at time.Time) {
	d.appendAudit(ctx, log, domain.NewAudit(st.TradeID, actor, domain.AuditSettlementSent, map[string]any{
		"settlement_id": st.ID,
		"payee":         st.PayeeHandle,
		"amount":        domain.FormatAmount(st.Amount),
		"kind":          string(st.Kind),
	}))
	if t, err := d.trades.Get(ctx, st.TradeID); err == nil {
		d.pub.Publish(ctx, domain.NewTradeEvent(domain.EventSettlementSent, t, st.Amount, st.PayeeHandle, at))
	}
}

func (d *Dispatcher) appendAudit(ctx context.Context, log *slog.Logger, e domain.AuditEntry) {
	if err := d.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		log.WarnContext(ctx, "dispatcher: audit failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) reportUnconfirmed(ctx context.Context) {
	held, err := d.settlements.ListUnconfirmed(ctx, d.cfg.Batch)
	if err != nil {
		d.logger.WarnContext(ctx, "dispatcher: list unconfirmed failed", slog.String("error", err.Error()))
		return
	}
	d.metrics.UnconfirmedSettlements(len(held))
	if len(held) > 0 {
		d.logger.WarnContext(ctx, "dispatcher: settlements awaiting operator review",
			slog.Int("count", len(held)))
	}
}

// Unconfirmed lists settlements held in SENDING.
func (d *Dispatcher) Unconfirmed(ctx context.Context) ([]domain.Settlement, error) {
	held, err := d.settlements.ListUnconfirmed(ctx, d.cfg.Batch)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list unconfirmed: %w", err)
	}
	return held, nil
}

// Confirm records that an operator saw the payment land in game.
func (d *Dispatcher) Confirm(ctx context.Context, id string, actor domain.Actor) (domain.Settlement, error) {
	if !actor.IsAdmin() {
		return domain.Settlement{}, domain.ErrForbidden
	}
	st, err := d.settlements.Get(ctx, id)
	if err != nil {
		return domain.Settlement{}, err
	}
	at := d.now().UTC()
	if err := d.settlements.MarkSent(ctx, id, at); err != nil {
		return domain.Settlement{}, fmt.Errorf("dispatcher: confirm %s: %w", id, err)
	}
	d.metrics.Settlement(st.Kind, "confirmed")
	log := d.logger.With(slog.String("settlement_id", id), slog.Int64("trade_id", st.TradeID))
	log.InfoContext(ctx, "dispatcher: settlement confirmed by operator", slog.String("actor", actor.Ref))
	d.sent(ctx, log, st, actor, at)
	d.reportUnconfirmed(ctx)

	st.Status = domain.SettlementSent
	st.SentAt = &at
	st.LastError = ""
	return st, nil
}

// Requeue returns a held settlement to the outbox after an operator checked
// that the payment never landed.
func (d *Dispatcher) Requeue(ctx context.Context, id string, actor domain.Actor) (domain.Settlement, error) {
	if !actor.IsAdmin() {
		return domain.Settlement{}, domain.ErrForbidden
	}
	st, err := d.settlements.Get(ctx, id)
	if err != nil {
		return domain.Settlement{}, err
	}
	reason := "requeued by " + actor.Ref
	if err := d.settlements.Requeue(ctx, id, reason); err != nil {
		return domain.Settlement{}, fmt.Errorf("dispatcher: requeue %s: %w", id, err)
	}
	log := d.logger.With(slog.String("settlement_id", id), slog.Int64("trade_id", st.TradeID))
	log.InfoContext(ctx, "dispatcher: settlement requeued by operator", slog.String("actor", actor.Ref))
	d.appendAudit(ctx, log, domain.NewAudit(st.TradeID, actor, domain.AuditSettlementRequeued, map[string]any{
		"settlement_id": id,
	}))
	d.reportUnconfirmed(ctx)
	d.Trigger()

	st.Status = domain.SettlementPending
	st.LastError = reason
	return st, nil
}
