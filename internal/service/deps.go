package service

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
	"github.com/alanyoungcy/escrowbot/internal/metrics"
)

// Deps are shared by every service that changes trades.
type Deps struct {
	Store     domain.Store
	Locker    *TradeLocker
	Publisher *Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// SettlementQueued is called after a commit that recorded a settlement.
	SettlementQueued func()
}

func (d Deps) mutator(component string) *mutator {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	locker := d.Locker
	if locker == nil {
		locker = NewTradeLocker(nil, 0)
	}
	return &mutator{
		store:   d.Store.Trades(),
		locker:  locker,
		pub:     d.Publisher,
		metrics: d.Metrics,
		now:     now,
		logger:  d.Logger.With(slog.String("component", component)),
		queued:  d.SettlementQueued,
	}
}

// Policy is the per-tenant settlement policy snapshotted onto a trade when it
// is opened.
type Policy struct {
	FeePercent decimal.Decimal
	Depositor  domain.Role
	FeeBearer  domain.Role
	// Window is how long parties have to complete verification.
	Window time.Duration
}

// DefaultPolicy is used for tenants without their own settings.
func DefaultPolicy() Policy {
	return Policy{
		FeePercent: domain.DefaultFeePercent,
		Depositor:  domain.RoleSender,
		FeeBearer:  domain.RoleReceiver,
		Window:     10 * time.Minute,
	}
}

// PolicySource resolves a tenant's policy.
type PolicySource interface {
	Policy(tenantID string) Policy
}

// PolicyFunc adapts a function to PolicySource.
type PolicyFunc func(tenantID string) Policy

// Policy calls f.
func (f PolicyFunc) Policy(tenantID string) Policy { return f(tenantID) }

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.FeePercent.IsNegative() {
		p.FeePercent = def.FeePercent
	}
	if !p.Depositor.Valid() {
		p.Depositor = def.Depositor
	}
	if !p.FeeBearer.Valid() {
		p.FeeBearer = def.FeeBearer
	}
	if p.Window <= 0 {
		p.Window = def.Window
	}
	return p
}
