package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Append writes one audit entry.
func (s *AuditStore) Append(ctx context.Context, e domain.AuditEntry) error {
	return insertAudit(ctx, s.pool, e, time.Now().UTC())
}

// insertAudit stores e through q so compare-and-set can log inside its
// transaction. The payload is stored as JSONB; a zero trade id is NULL.
func insertAudit(ctx context.Context, q querier, e domain.AuditEntry, now time.Time) error {
	var payload []byte
	if len(e.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return fmt.Errorf("postgres: marshal audit payload: %w", err)
		}
	}
	var tradeID *int64
	if e.TradeID != 0 {
		tradeID = &e.TradeID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	const query = `INSERT INTO audit_log (trade_id, actor_ref, actor_type, action, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := q.Exec(ctx, query, tradeID, e.ActorRef, string(e.ActorType), string(e.Action), payload, e.CreatedAt); err != nil {
		return fmt.Errorf("postgres: append audit %s: %w", e.Action, err)
	}
	return nil
}

// List returns audit entries for tradeID (all entries when zero), oldest
// first, with pagination and optional time filtering.
func (s *AuditStore) List(ctx context.Context, tradeID int64, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, trade_id, actor_ref, actor_type, action, payload, created_at FROM audit_log WHERE 1=1`
	args := []any{}
	argIdx := 1

	if tradeID != 0 {
		query += fmt.Sprintf(" AND trade_id = $%d", argIdx)
		args = append(args, tradeID)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var tradeID *int64
		var actorType, action string
		var payload []byte

		if err := rows.Scan(&e.ID, &tradeID, &e.ActorRef, &actorType, &action, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if tradeID != nil {
			e.TradeID = *tradeID
		}
		e.ActorType = domain.ActorType(actorType)
		e.Action = domain.AuditAction(action)
		if payload != nil {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}
