// Package sqlite implements the escrow stores on an embedded SQLite database
// for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// Ensure Store implements domain.Store
var _ domain.Store = (*Store)(nil)

// Store owns the database handle and hands out the individual stores.
type Store struct {
	db          *sql.DB
	trades      *TradeStore
	audit       *AuditStore
	settlements *SettlementStore
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection serializes writers; compare-and-set relies on it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Store{
		db:          db,
		trades:      &TradeStore{db: db, now: time.Now},
		audit:       &AuditStore{db: db},
		settlements: &SettlementStore{db: db},
	}, nil
}

// Trades returns the trade store.
func (s *Store) Trades() domain.TradeStore { return s.trades }

// Audit returns the audit store.
func (s *Store) Audit() domain.AuditStore { return s.audit }

// Settlements returns the settlement outbox.
func (s *Store) Settlements() domain.SettlementStore { return s.settlements }

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Times are stored as INTEGER unix nanoseconds, money as TEXT decimals.
func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL DEFAULT '',
    sender_ref TEXT NOT NULL,
    receiver_ref TEXT NOT NULL,
    sender_handle TEXT NOT NULL,
    receiver_handle TEXT NOT NULL,
    sale_amount TEXT NOT NULL,
    fee_percent TEXT NOT NULL,
    fee_amount TEXT,
    escrow_balance TEXT NOT NULL DEFAULT '0',
    verification_amount_sender TEXT NOT NULL DEFAULT '0',
    verification_amount_receiver TEXT NOT NULL DEFAULT '0',
    sender_verified INTEGER NOT NULL DEFAULT 0,
    receiver_verified INTEGER NOT NULL DEFAULT 0,
    depositor TEXT NOT NULL,
    fee_bearer TEXT NOT NULL,
    status TEXT NOT NULL,
    frozen INTEGER NOT NULL DEFAULT 0,
    dispute_reason TEXT NOT NULL DEFAULT '',
    disputed_by TEXT NOT NULL DEFAULT '',
    cancel_requested_by TEXT NOT NULL DEFAULT '',
    ticket_ref TEXT NOT NULL,
    expires_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    archived_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status, frozen);

CREATE TABLE IF NOT EXISTS tickets (
    trade_id INTEGER PRIMARY KEY,
    ref TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    created_at INTEGER NOT NULL,
    closed_at INTEGER,
    FOREIGN KEY (trade_id) REFERENCES trades(id)
);

CREATE TABLE IF NOT EXISTS verifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id INTEGER NOT NULL,
    reference_id TEXT NOT NULL UNIQUE,
    rule TEXT NOT NULL,
    payer_handle TEXT NOT NULL,
    recipient_handle TEXT NOT NULL,
    expected_amount TEXT NOT NULL,
    received_amount TEXT NOT NULL,
    raw_evidence TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL,
    verified INTEGER NOT NULL DEFAULT 1,
    observed_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (trade_id) REFERENCES trades(id)
);

CREATE INDEX IF NOT EXISTS idx_verifications_trade ON verifications(trade_id);

CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    trade_id INTEGER NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    payee_handle TEXT NOT NULL,
    amount TEXT NOT NULL,
    fee TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL DEFAULT 'PENDING',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    sent_at INTEGER,
    FOREIGN KEY (trade_id) REFERENCES trades(id)
);

CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id INTEGER,
    actor_ref TEXT NOT NULL,
    actor_type TEXT NOT NULL,
    action TEXT NOT NULL,
    payload TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_trade ON audit_log(trade_id, id);
`
