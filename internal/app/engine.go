package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/chat"
	"github.com/alanyoungcy/escrowbot/internal/config"
	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/platform/invoices"
	"github.com/alanyoungcy/escrowbot/internal/platform/relay"
	"github.com/alanyoungcy/escrowbot/internal/service"
)

// engine is the service graph shared by every long-running mode.
type engine struct {
	publisher  *service.Publisher
	trades     *service.TradeService
	resolver   *service.Resolver
	reconciler *service.Reconciler
	sweeper    *service.ExpirySweeper
	dispatcher *service.Dispatcher
	parser     *chat.Parser
	// bridge is nil when the process runs without a chat connection.
	bridge *chat.Bridge
	// poller is nil unless invoice polling is enabled.
	poller *service.InvoicePoller
}

// offlineSender stands in for the bridge in processes without one. Every
// settlement stays PENDING for a bridged replica to deliver.
type offlineSender struct{}

func (offlineSender) IsConnected() bool { return false }

func (offlineSender) Send(context.Context, string) error { return domain.ErrBridgeOffline }

// policySource resolves tenant policies from [tenants.<id>] over [engine].
func policySource(cfg *config.Config) service.PolicySource {
	base := service.Policy{
		FeePercent: cfg.Engine.FeePercent,
		Depositor:  domain.Role(cfg.Engine.Depositor),
		FeeBearer:  domain.Role(cfg.Engine.FeeBearer),
		Window:     cfg.Engine.VerificationWindow.Duration,
	}
	return service.PolicyFunc(func(tenantID string) service.Policy {
		p := base
		t, ok := cfg.Tenants[tenantID]
		if !ok {
			return p
		}
		if t.FeePercent != nil {
			p.FeePercent = *t.FeePercent
		}
		if t.Depositor != "" {
			p.Depositor = domain.Role(t.Depositor)
		}
		if t.FeeBearer != "" {
			p.FeeBearer = domain.Role(t.FeeBearer)
		}
		if t.VerificationWindowMinutes > 0 {
			p.Window = time.Duration(t.VerificationWindowMinutes) * time.Minute
		}
		return p
	})
}

// buildEngine wires the services. withBridge connects the chat relay; without
// it settlements are recorded but never sent from this process.
func (a *App) buildEngine(deps *Dependencies, withBridge bool) *engine {
	cfg := a.cfg
	e := &engine{
		publisher: service.NewPublisher(deps.Notifier, deps.SignalBus, a.logger),
		parser:    chat.NewParser(cfg.Bridge.Handle, nil),
	}

	sd := service.Deps{
		Store:     deps.Store,
		Locker:    service.NewTradeLocker(deps.LockManager, cfg.Engine.LockTTL.Duration),
		Publisher: e.publisher,
		Metrics:   deps.Metrics,
		Logger:    a.logger,
		// The dispatcher is built below; the hook only fires after startup.
		SettlementQueued: func() {
			if e.dispatcher != nil {
				e.dispatcher.Trigger()
			}
		},
	}

	e.trades = service.NewTradeService(sd, policySource(cfg), nil)
	e.resolver = service.NewResolver(sd)
	e.reconciler = service.NewReconciler(sd, service.ReconcilerConfig{
		Collector:  cfg.Bridge.Handle,
		Tolerance:  cfg.Engine.Tolerance,
		Retries:    cfg.Engine.Retries,
		RetryDelay: cfg.Engine.RetryDelay.Duration,
	})
	e.sweeper = service.NewExpirySweeper(sd, service.ExpiryConfig{
		Interval:          cfg.Engine.ExpiryInterval.Duration,
		ExpirePartial:     cfg.Engine.ExpirePartial,
		StaleCreatedAfter: cfg.Engine.StaleCreatedAfter.Duration,
	})

	var sender service.CommandSender = offlineSender{}
	if withBridge {
		rc := relay.NewClient(cfg.Bridge.RelayURL, cfg.Bridge.Handle, cfg.Bridge.Token, a.logger)
		dialer := chat.DialerFunc(func(ctx context.Context) (chat.Session, error) {
			conn, err := rc.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		})
		e.bridge = chat.NewBridge(chat.Config{
			Handle:      cfg.Bridge.Handle,
			BaseDelay:   cfg.Bridge.BaseDelay.Duration,
			MaxDelay:    cfg.Bridge.MaxDelay.Duration,
			MaxAttempts: cfg.Bridge.MaxAttempts,
			Buffer:      cfg.Bridge.Buffer,
		}, dialer, e.parser, deps.Notifier, a.logger)
		sender = e.bridge
	}

	e.dispatcher = service.NewDispatcher(sd, sender, service.DispatcherConfig{
		Interval:   cfg.Engine.DispatchInterval.Duration,
		Batch:      cfg.Engine.DispatchBatch,
		PayCommand: cfg.Engine.PayCommand,
		Gap:        cfg.Engine.CommandGap.Duration,
	})

	if e.bridge != nil {
		e.bridge.OnStateChange(func(s domain.BridgeState) {
			deps.Metrics.BridgeState(s)
			e.dispatcher.OnBridgeState(s)
			if deps.SignalBus != nil {
				go a.publishBridgeState(deps.SignalBus, s)
			}
		})
	}

	if cfg.Invoices.Enabled {
		client := invoices.NewClient(invoices.Config{
			BaseURL:   cfg.Invoices.BaseURL,
			APIKey:    cfg.Invoices.APIKey,
			ShopID:    cfg.Invoices.ShopID,
			NameField: cfg.Invoices.NameField,
			PerPage:   cfg.Invoices.PerPage,
		}, a.logger)
		e.poller = service.NewInvoicePoller(client, e.reconciler, service.InvoicePollerConfig{
			Interval:   cfg.Invoices.Interval.Duration,
			TenantID:   cfg.Invoices.TenantID,
			Multiplier: cfg.Invoices.Multiplier,
			MaxAmount:  cfg.Invoices.MaxAmount,
			DedupTTL:   cfg.Invoices.DedupTTL.Duration,
		}, a.logger)
	}

	return e
}

func (a *App) publishBridgeState(bus domain.SignalBus, s domain.BridgeState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := json.Marshal(map[string]any{"state": s})
	if err != nil {
		return
	}
	if err := bus.Publish(ctx, domain.ChannelBridge, payload); err != nil {
		a.logger.Warn("app: bridge state publish failed", slog.String("error", err.Error()))
	}
}
