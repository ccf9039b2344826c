package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// AuditStore implements domain.AuditStore on SQLite.
type AuditStore struct {
	db *sql.DB
}

// Append writes one audit entry.
func (s *AuditStore) Append(ctx context.Context, e domain.AuditEntry) error {
	return insertAudit(ctx, s.db, e, time.Now().UTC())
}

func insertAudit(ctx context.Context, q execer, e domain.AuditEntry, now time.Time) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("sqlite: marshal audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	var tradeID sql.NullInt64
	if e.TradeID != 0 {
		tradeID = sql.NullInt64{Int64: e.TradeID, Valid: true}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (trade_id, actor_ref, actor_type, action, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tradeID, e.ActorRef, string(e.ActorType), string(e.Action), payload, toNanos(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: append audit %s: %w", e.Action, err)
	}
	return nil
}

// List returns entries for tradeID (all when zero), oldest first.
func (s *AuditStore) List(ctx context.Context, tradeID int64, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var where []string
	var args []any
	if tradeID != 0 {
		where = append(where, "trade_id = ?")
		args = append(args, tradeID)
	}
	if opts.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(*opts.Since))
	}
	if opts.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, toNanos(*opts.Until))
	}
	query := `SELECT id, trade_id, actor_ref, actor_type, action, payload, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var trade sql.NullInt64
		var actorType, action string
		var payload sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &trade, &e.ActorRef, &actorType, &action, &payload, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		e.TradeID = trade.Int64
		e.ActorType = domain.ActorType(actorType)
		e.Action = domain.AuditAction(action)
		e.CreatedAt = fromNanos(created)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
