package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// TradeNotifier renders trade events for humans.
type TradeNotifier interface {
	NotifyTrade(ctx context.Context, ticketRef string, ev domain.TradeEvent) error
}

const (
	notifyQueueSize = 256
	notifyTimeout   = 15 * time.Second
)

// Publisher fans committed trade events out to the notifier, the signal bus
// and in-process listeners. Every sink is best effort: failures are logged
// and never undo the state change that produced the event. Notifications go
// through a bounded queue drained by Run, so a slow chat webhook never holds
// up reconciliation.
type Publisher struct {
	notifier TradeNotifier
	bus      domain.SignalBus
	logger   *slog.Logger
	queue    chan domain.TradeEvent

	mu        sync.RWMutex
	listeners []func(domain.TradeEvent)
}

// NewPublisher creates a Publisher. notifier and bus may be nil.
func NewPublisher(notifier TradeNotifier, bus domain.SignalBus, logger *slog.Logger) *Publisher {
	return &Publisher{
		notifier: notifier,
		bus:      bus,
		logger:   logger.With(slog.String("component", "publisher")),
		queue:    make(chan domain.TradeEvent, notifyQueueSize),
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			p.notify(ctx, ev)
		}
	}
}

func (p *Publisher) notify(ctx context.Context, ev domain.TradeEvent) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := p.notifier.NotifyTrade(ctx, ev.TicketRef, ev); err != nil {
		p.logger.WarnContext(ctx, "publisher: notify failed",
			slog.Int64("trade_id", ev.TradeID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// Subscribe registers fn for every published event. fn must not block.
func (p *Publisher) Subscribe(fn func(domain.TradeEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Publish delivers ev to the listeners and the bus and queues the
// notification. It does not wait for the notifier.
func (p *Publisher) Publish(ctx context.Context, ev domain.TradeEvent) {
	if p == nil {
		return
	}
	p.mu.RLock()
	listeners := p.listeners
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}

	if p.bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			if err := p.bus.Publish(ctx, domain.ChannelTrades, payload); err != nil {
				p.logger.WarnContext(ctx, "publisher: bus publish failed",
					slog.Int64("trade_id", ev.TradeID),
					slog.String("error", err.Error()),
				)
			}
			if err := p.bus.StreamAppend(ctx, domain.StreamTrades, payload); err != nil {
				p.logger.WarnContext(ctx, "publisher: stream append failed",
					slog.Int64("trade_id", ev.TradeID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if p.notifier != nil {
		select {
		case p.queue <- ev:
		default:
			p.logger.WarnContext(ctx, "publisher: notify queue full, dropping",
				slog.Int64("trade_id", ev.TradeID),
				slog.String("kind", string(ev.Kind)),
			)
		}
	}
}
