package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementSelectCols = `id::text, trade_id, kind, payee_handle, amount, fee, status, attempts, last_error, created_at, sent_at`

func insertSettlement(ctx context.Context, q querier, tradeID int64, st domain.Settlement, now time.Time) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	if st.Status == "" {
		st.Status = domain.SettlementPending
	}
	const query = `
		INSERT INTO settlements (id, trade_id, kind, payee_handle, amount, fee, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', $8)`
	if _, err := q.Exec(ctx, query,
		st.ID, tradeID, string(st.Kind), st.PayeeHandle, st.Amount, st.Fee, string(st.Status), st.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert settlement for trade %d: %w", tradeID, err)
	}
	return nil
}

func scanSettlements(rows pgx.Rows) ([]domain.Settlement, error) {
	defer rows.Close()
	var out []domain.Settlement
	for rows.Next() {
		var st domain.Settlement
		var kind, status string
		if err := rows.Scan(&st.ID, &st.TradeID, &kind, &st.PayeeHandle, &st.Amount, &st.Fee,
			&status, &st.Attempts, &st.LastError, &st.CreatedAt, &st.SentAt,
		); err != nil {
			return nil, err
		}
		st.Kind = domain.SettlementKind(kind)
		st.Status = domain.SettlementStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListPending returns PENDING settlements oldest first.
func (s *SettlementStore) ListPending(ctx context.Context, limit int) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE status = 'PENDING' ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending settlements: %w", err)
	}
	out, err := scanSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pending settlements: %w", err)
	}
	return out, nil
}

// ListByTrade returns the settlements produced by a trade.
func (s *SettlementStore) ListByTrade(ctx context.Context, tradeID int64) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE trade_id = $1 ORDER BY created_at`, tradeID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements for trade %d: %w", tradeID, err)
	}
	out, err := scanSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settlements: %w", err)
	}
	return out, nil
}

// ListUnconfirmed returns SENDING settlements oldest first.
func (s *SettlementStore) ListUnconfirmed(ctx context.Context, limit int) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE status = 'SENDING' ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unconfirmed settlements: %w", err)
	}
	out, err := scanSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unconfirmed settlements: %w", err)
	}
	return out, nil
}

// Get returns a settlement by ID.
func (s *SettlementStore) Get(ctx context.Context, id string) (domain.Settlement, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+settlementSelectCols+` FROM settlements WHERE id = $1`, id)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("postgres: get settlement %s: %w", id, err)
	}
	out, err := scanSettlements(rows)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("postgres: scan settlement %s: %w", id, err)
	}
	if len(out) == 0 {
		return domain.Settlement{}, fmt.Errorf("postgres: settlement %s: %w", id, domain.ErrSettlementNotFound)
	}
	return out[0], nil
}

// Claim moves a PENDING settlement to SENDING. Concurrent dispatchers race
// on the status predicate and exactly one wins.
func (s *SettlementStore) Claim(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET status = 'SENDING', attempts = attempts + 1
		 WHERE id = $1 AND status = 'PENDING'`, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: claim settlement %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: settlement %s not pending: %w", id, domain.ErrStatusConflict)
	}
	return nil
}

// MarkSent moves a SENDING settlement to SENT.
func (s *SettlementStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET status = 'SENT', sent_at = $2, last_error = ''
		 WHERE id = $1 AND status = 'SENDING'`, id, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark settlement %s sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: settlement %s not sending: %w", id, domain.ErrStatusConflict)
	}
	return nil
}

// Requeue moves a SENDING settlement back to PENDING.
func (s *SettlementStore) Requeue(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET status = 'PENDING', last_error = $2
		 WHERE id = $1 AND status = 'SENDING'`, id, reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: requeue settlement %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: settlement %s not sending: %w", id, domain.ErrStatusConflict)
	}
	return nil
}
