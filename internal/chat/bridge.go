// Package chat connects to the game chat, turns payment notifications into
// domain.PaymentEvent values and carries pay commands back to the game.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/platform/relay"
)

// Session is one live connection to the chat source.
type Session interface {
	Next(ctx context.Context) (relay.Frame, error)
	Send(ctx context.Context, message string) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Alerter raises operator-visible alerts.
type Alerter interface {
	NotifyAll(ctx context.Context, title, message string) error
}

// Config controls reconnection.
type Config struct {
	Handle    string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the number of consecutive reconnects tried before the
	// bridge goes OFFLINE. Zero retries forever.
	MaxAttempts int
	// Buffer is the capacity of the event channel.
	Buffer int
}

var errSessionEnded = errors.New("chat: session ended")

// Bridge owns the chat connection. One goroutine (Run) drives the connection
// state machine; other goroutines only call Send, IsConnected, Status and
// Restart.
type Bridge struct {
	cfg     Config
	dialer  Dialer
	parser  *Parser
	alerter Alerter
	logger  *slog.Logger
	events  chan domain.PaymentEvent
	restart chan struct{}
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	hookMu  sync.RWMutex
	onState []func(domain.BridgeState)

	mu          sync.RWMutex
	state       domain.BridgeState
	session     Session
	attempts    int
	lastErr     string
	connectedAt *time.Time
	reconnects  int64
	emitted     int64
}

// NewBridge creates a bridge. alerter may be nil.
func NewBridge(cfg Config, dialer Dialer, parser *Parser, alerter Alerter, logger *slog.Logger) *Bridge {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Bridge{
		cfg:     cfg,
		dialer:  dialer,
		parser:  parser,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "chat_bridge")),
		events:  make(chan domain.PaymentEvent, cfg.Buffer),
		restart: make(chan struct{}, 1),
		sleep:   sleepCtx,
		now:     time.Now,
		state:   domain.BridgeDisconnected,
	}
}

// Events is the ordered stream of parsed payment events. It is closed when
// Run returns.
func (b *Bridge) Events() <-chan domain.PaymentEvent { return b.events }

// OnStateChange registers fn to be called on every state change.
func (b *Bridge) OnStateChange(fn func(domain.BridgeState)) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.onState = append(b.onState, fn)
}

// State returns the current connection state.
func (b *Bridge) State() domain.BridgeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsConnected reports whether commands can be sent right now.
func (b *Bridge) IsConnected() bool {
	return b.State().Online()
}

// Status returns a snapshot for operators.
func (b *Bridge) Status() domain.BridgeStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return domain.BridgeStatus{
		State:         b.state,
		Attempts:      b.attempts,
		LastError:     b.lastErr,
		ConnectedAt:   b.connectedAt,
		Handle:        b.cfg.Handle,
		Reconnects:    b.reconnects,
		EventsEmitted: b.emitted,
	}
}

// Send writes a command to the game. It fails with domain.ErrBridgeOffline,
// before anything is written, unless a session is logged in. A failed write
// reports domain.ErrDeliveryUnknown.
func (b *Bridge) Send(ctx context.Context, command string) error {
	b.mu.RLock()
	sess, state := b.session, b.state
	b.mu.RUnlock()
	if sess == nil || !state.Online() {
		return domain.ErrBridgeOffline
	}
	if err := sess.Send(ctx, command); err != nil {
		// The write may have reached the relay before failing.
		return fmt.Errorf("chat: send: %w: %v", domain.ErrDeliveryUnknown, err)
	}
	return nil
}

// Restart brings an OFFLINE bridge back into the connect loop with a fresh
// attempt counter. It reports whether the bridge was offline.
func (b *Bridge) Restart() bool {
	if b.State() != domain.BridgeOffline {
		return false
	}
	select {
	case b.restart <- struct{}{}:
	default:
	}
	return true
}

// Run connects and reconnects until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.events)
	defer b.setState(domain.BridgeDisconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		b.setState(domain.BridgeConnecting)
		err := b.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}

		b.mu.Lock()
		b.lastErr = err.Error()
		b.session = nil
		b.mu.Unlock()
		b.setState(domain.BridgeDisconnected)

		delay, ok := b.nextDelay()
		if !ok {
			if !b.goOffline(ctx) {
				return nil
			}
			continue
		}

		b.logger.WarnContext(ctx, "chat disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
			slog.Int("attempt", b.Status().Attempts),
		)
		if err := b.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// nextDelay increments the attempt counter and returns the linear backoff
// delay, or false once the attempt ceiling is exceeded.
func (b *Bridge) nextDelay() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.cfg.MaxAttempts > 0 && b.attempts > b.cfg.MaxAttempts {
		return 0, false
	}
	b.reconnects++
	return Backoff(b.cfg.BaseDelay, b.cfg.MaxDelay, b.attempts), true
}

// Backoff returns min(base*attempt, max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt)
	if d > max || d < 0 {
		return max
	}
	return d
}

// goOffline parks the bridge until Restart or ctx cancellation. It returns
// false when ctx ended.
func (b *Bridge) goOffline(ctx context.Context) bool {
	b.setState(domain.BridgeOffline)
	status := b.Status()
	b.logger.ErrorContext(ctx, "chat bridge offline, reconnect attempts exhausted",
		slog.Int("max_attempts", b.cfg.MaxAttempts),
		slog.String("last_error", status.LastError),
	)
	if b.alerter != nil {
		msg := fmt.Sprintf("Chat bridge for %s gave up after %d reconnect attempts: %s",
			b.cfg.Handle, b.cfg.MaxAttempts, status.LastError)
		if err := b.alerter.NotifyAll(ctx, "Chat bridge offline", msg); err != nil {
			b.logger.WarnContext(ctx, "offline alert failed", slog.String("error", err.Error()))
		}
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.restart:
	}
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "chat bridge restarted")
	return true
}

func (b *Bridge) connectAndServe(ctx context.Context) error {
	sess, err := b.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("chat: dial: %w", err)
	}
	defer sess.Close()

	b.mu.Lock()
	b.session = sess
	b.mu.Unlock()

	for {
		f, err := sess.Next(ctx)
		if err != nil {
			return fmt.Errorf("chat: read: %w", err)
		}
		switch f.Type {
		case relay.FrameLogin:
			now := b.now().UTC()
			b.mu.Lock()
			b.attempts = 0
			b.connectedAt = &now
			b.lastErr = ""
			b.mu.Unlock()
			b.setState(domain.BridgeConnected)
			b.logger.InfoContext(ctx, "chat logged in", slog.String("handle", b.cfg.Handle))
		case relay.FrameSpawn:
			b.setState(domain.BridgeSpawned)
		case relay.FrameChat:
			if err := b.handleLine(ctx, f); err != nil {
				return err
			}
		case relay.FrameKicked:
			return fmt.Errorf("chat: kicked: %s", f.Reason)
		case relay.FrameEnd:
			return errSessionEnded
		case relay.FrameError:
			b.logger.WarnContext(ctx, "chat relay error", slog.String("reason", f.Reason))
		}
	}
}

func (b *Bridge) handleLine(ctx context.Context, f relay.Frame) error {
	// Frames without a position are dropped too.
	if f.Position != relay.PositionSystem {
		return nil
	}
	line := f.Line()
	ev, ok := b.parser.Parse(line)
	if !ok {
		return nil
	}
	ev.ReferenceID = "chat-" + uuid.NewString()

	b.logger.InfoContext(ctx, "payment observed",
		slog.String("payer", ev.PayerHandle),
		slog.String("amount", domain.FormatAmount(ev.Amount)),
		slog.String("reference", ev.ReferenceID),
	)

	select {
	case b.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.emitted++
	b.mu.Unlock()
	return nil
}

func (b *Bridge) setState(s domain.BridgeState) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	b.mu.Unlock()
	if !changed {
		return
	}
	b.hookMu.RLock()
	hooks := b.onState
	b.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
