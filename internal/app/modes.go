package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/pipeline"
	"github.com/alanyoungcy/escrowbot/internal/server"
	"github.com/alanyoungcy/escrowbot/internal/server/handler"
	"github.com/alanyoungcy/escrowbot/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// FullMode runs the chat bridge, the engine loops, the HTTP server and the
// optional invoice poller and archive cron.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	e := a.buildEngine(deps, a.cfg.Bridge.Enabled)

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, e)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, e)
	}
	a.startArchiveCron(ctx, g, deps)
	return g.Wait()
}

// EngineMode runs the bridge and the engine loops without HTTP.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")
	e := a.buildEngine(deps, a.cfg.Bridge.Enabled)

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, e)
	a.startArchiveCron(ctx, g, deps)
	return g.Wait()
}

// ServerMode serves HTTP and reconciles webhook and invoice events. It has
// no chat connection, so settlements wait for a bridged replica.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	e := a.buildEngine(deps, false)

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, e)
	a.startHTTPServer(ctx, g, deps, e)
	return g.Wait()
}

// ArchiveMode performs one archive run and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode needs s3 configured")
	}
	job := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	n, err := job.Run(ctx)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "archive mode finished", slog.Int64("trades_archived", n))
	return nil
}

func (a *App) startEngine(ctx context.Context, g *errgroup.Group, e *engine) {
	g.Go(func() error { return e.publisher.Run(ctx) })
	if e.bridge != nil {
		g.Go(func() error { return e.bridge.Run(ctx) })
		g.Go(func() error { return e.reconciler.Run(ctx, e.bridge.Events()) })
		g.Go(func() error { return e.dispatcher.Run(ctx) })
	}
	g.Go(func() error { return e.sweeper.Run(ctx) })
	if e.poller != nil {
		g.Go(func() error { return e.poller.Run(ctx) })
	}
}

func (a *App) startArchiveCron(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return
	}
	job := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	g.Go(func() error { return job.RunCron(ctx, a.cfg.Archive.Cron) })
}

// startHTTPServer adds the hub and the HTTP server to g. The server is shut
// down gracefully when ctx ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *engine) {
	var bridge handler.BridgeControl
	if e.bridge != nil {
		bridge = e.bridge
	}
	status := handler.NewStatusHandler(a.cfg.Mode, a.cfg.Bridge.Handle, bridge, time.Now())

	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, func() any { return status.Snapshot() }, a.logger)
	if deps.SignalBus == nil {
		// Without a bus the hub is fed in-process.
		e.publisher.Subscribe(hub.PublishTrade)
		if e.bridge != nil {
			e.bridge.OnStateChange(hub.PublishBridge)
		}
	}

	checks := map[string]handler.HealthCheck{"store": deps.Store.Ping}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}
	if e.bridge != nil {
		checks["bridge"] = func(context.Context) error {
			if !e.bridge.IsConnected() {
				return domain.ErrBridgeOffline
			}
			return nil
		}
	}

	srv := server.NewServer(server.Config{
		Addr:          fmt.Sprintf(":%d", a.cfg.Server.Port),
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		WebhookLimit:  a.cfg.Webhook.RateLimit,
		WebhookWindow: a.cfg.Webhook.RateWindow.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(checks, a.logger),
		Status:      status,
		Trades:      handler.NewTradeHandler(e.trades, e.resolver, a.logger),
		Webhook:     handler.NewWebhookHandler(newVerifier(a.cfg), e.parser, e.reconciler, deps.Metrics, a.logger),
		Bridge:      handler.NewBridgeHandler(bridge, a.logger),
		Settlements: handler.NewSettlementHandler(e.dispatcher, a.logger),
		Metrics:     deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
