// Package notify delivers human-visible trade notifications. A notification
// is rendered once and fanned out to every registered sender (Telegram,
// Discord, ...); event kinds can be filtered so operators only receive the
// alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Only event kinds
// in the allowed set are forwarded by NotifyTrade; NotifyAll bypasses the
// filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If events is empty every kind is allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// NotifyTrade renders ev for the trade's ticket channel and sends it.
func (n *Notifier) NotifyTrade(ctx context.Context, ticketRef string, ev domain.TradeEvent) error {
	if n == nil {
		return nil
	}
	if len(n.events) > 0 && !n.events[string(ev.Kind)] {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("event", string(ev.Kind)))
		return nil
	}
	title, message := Render(ticketRef, ev)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event kind.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	if n == nil {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Render formats a trade event as a title and message body.
func Render(ticketRef string, ev domain.TradeEvent) (title, message string) {
	title = fmt.Sprintf("[%s] %s", ticketRef, headline(ev.Kind))

	var b strings.Builder
	fmt.Fprintf(&b, "Trade #%d is %s", ev.TradeID, ev.Status)
	if !ev.Amount.IsZero() {
		fmt.Fprintf(&b, "\nAmount: $%s", domain.FormatAmount(ev.Amount))
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, "\n%s", ev.Detail)
	}
	return title, b.String()
}

func headline(k domain.TradeEventKind) string {
	switch k {
	case domain.EventVerificationOpened:
		return "Verification requested"
	case domain.EventVerificationMatched:
		return "Verification payment received"
	case domain.EventTradeVerified:
		return "Both parties verified"
	case domain.EventEscrowFunded:
		return "Escrow funded"
	case domain.EventTradeCompleted:
		return "Trade completed"
	case domain.EventDisputeOpened:
		return "Dispute opened"
	case domain.EventTradeCancelled:
		return "Trade cancelled"
	case domain.EventTradeExpired:
		return "Verification window expired"
	case domain.EventCancelRequested:
		return "Cancellation requested"
	case domain.EventTradeFrozen:
		return "Trade frozen"
	case domain.EventTradeUnfrozen:
		return "Trade unfrozen"
	case domain.EventSettlementSent:
		return "Payout sent"
	}
	return string(k)
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the rest; failures are combined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
