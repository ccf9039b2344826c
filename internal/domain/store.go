package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeFilter narrows trade listings. Zero values mean "any".
type TradeFilter struct {
	Status   TradeStatus
	TenantID string
	ListOpts
}

// Mutation is applied to a trade inside a compare-and-set. Apply runs against
// the freshly locked row; when it returns an error nothing is written. The
// optional records are persisted in the same transaction.
type Mutation struct {
	Apply        func(*Trade) error
	Verification *Verification
	Settlement   *Settlement
	CloseTicket  bool
	Audit        AuditEntry
}

// TradeStore persists trades with their verifications and tickets.
type TradeStore interface {
	// Create inserts a CREATED trade, its ticket and the creation audit entry.
	Create(ctx context.Context, t Trade, ticket Ticket, audit AuditEntry) (Trade, error)
	Get(ctx context.Context, id int64) (Trade, error)
	List(ctx context.Context, f TradeFilter) ([]Trade, error)
	// ListMatchCandidates returns unfrozen AWAITING_VERIFICATION and VERIFIED
	// trades ordered by id. An empty tenantID matches every tenant.
	ListMatchCandidates(ctx context.Context, tenantID string) ([]Trade, error)
	// ListExpired returns AWAITING_VERIFICATION trades whose window closed
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]Trade, error)
	// ListStaleCreated returns CREATED trades created before cutoff. Such a
	// trade was recorded but its verification window never opened.
	ListStaleCreated(ctx context.Context, cutoff time.Time) ([]Trade, error)
	// CompareAndSet applies m to trade id only if its status still equals
	// expected. It returns ErrStatusConflict when the status moved,
	// ErrTradeTerminal when it moved to a terminal state and
	// ErrDuplicateEvent when the verification reference was already consumed.
	CompareAndSet(ctx context.Context, id int64, expected TradeStatus, m Mutation) (Trade, error)
	HasReference(ctx context.Context, referenceID string) (bool, error)
	ListVerifications(ctx context.Context, tradeID int64) ([]Verification, error)
	GetTicket(ctx context.Context, tradeID int64) (Ticket, error)
	// ListTerminalBefore returns unarchived terminal trades last updated
	// before the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]Trade, error)
	MarkArchived(ctx context.Context, ids []int64, at time.Time) error
}

// AuditStore persists the append-only audit log.
type AuditStore interface {
	Append(ctx context.Context, e AuditEntry) error
	// List returns entries for tradeID, or all entries when tradeID is zero.
	List(ctx context.Context, tradeID int64, opts ListOpts) ([]AuditEntry, error)
}

// SettlementStore is the outbox of pay instructions awaiting the bridge.
// Every status change is a compare-and-set and fails with ErrStatusConflict
// when the row is not in the expected status.
type SettlementStore interface {
	ListPending(ctx context.Context, limit int) ([]Settlement, error)
	// ListUnconfirmed returns SENDING rows oldest first.
	ListUnconfirmed(ctx context.Context, limit int) ([]Settlement, error)
	ListByTrade(ctx context.Context, tradeID int64) ([]Settlement, error)
	Get(ctx context.Context, id string) (Settlement, error)
	// Claim moves PENDING to SENDING and counts the attempt.
	Claim(ctx context.Context, id string) error
	// MarkSent moves SENDING to SENT.
	MarkSent(ctx context.Context, id string, at time.Time) error
	// Requeue moves SENDING back to PENDING, recording why.
	Requeue(ctx context.Context, id string, reason string) error
}

// Store bundles every persistence interface a backend provides.
type Store interface {
	Trades() TradeStore
	Audit() AuditStore
	Settlements() SettlementStore
	Ping(ctx context.Context) error
	Close() error
}
