package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// SettlementStore implements domain.SettlementStore on SQLite.
type SettlementStore struct {
	db *sql.DB
}

const settlementSelectCols = `id, trade_id, kind, payee_handle, amount, fee, status, attempts, last_error, created_at, sent_at`

func insertSettlement(ctx context.Context, q execer, tradeID int64, st domain.Settlement, now time.Time) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	if st.Status == "" {
		st.Status = domain.SettlementPending
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO settlements (id, trade_id, kind, payee_handle, amount, fee, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		st.ID, tradeID, string(st.Kind), st.PayeeHandle, st.Amount, st.Fee, string(st.Status), toNanos(st.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: insert settlement for trade %d: %w", tradeID, err)
	}
	return nil
}

func (s *SettlementStore) list(ctx context.Context, query string, args ...any) ([]domain.Settlement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		var st domain.Settlement
		var kind, status string
		var created int64
		var sent sql.NullInt64
		if err := rows.Scan(&st.ID, &st.TradeID, &kind, &st.PayeeHandle, &st.Amount, &st.Fee,
			&status, &st.Attempts, &st.LastError, &created, &sent,
		); err != nil {
			return nil, err
		}
		st.Kind = domain.SettlementKind(kind)
		st.Status = domain.SettlementStatus(status)
		st.CreatedAt = fromNanos(created)
		st.SentAt = timePtr(sent)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListPending returns PENDING settlements oldest first.
func (s *SettlementStore) ListPending(ctx context.Context, limit int) ([]domain.Settlement, error) {
	out, err := s.list(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE status = 'PENDING' ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending settlements: %w", err)
	}
	return out, nil
}

// ListUnconfirmed returns SENDING settlements oldest first.
func (s *SettlementStore) ListUnconfirmed(ctx context.Context, limit int) ([]domain.Settlement, error) {
	out, err := s.list(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE status = 'SENDING' ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unconfirmed settlements: %w", err)
	}
	return out, nil
}

// ListByTrade returns the settlements produced by a trade.
func (s *SettlementStore) ListByTrade(ctx context.Context, tradeID int64) ([]domain.Settlement, error) {
	out, err := s.list(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE trade_id = ? ORDER BY created_at`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list settlements for trade %d: %w", tradeID, err)
	}
	return out, nil
}

// Get returns a settlement by ID.
func (s *SettlementStore) Get(ctx context.Context, id string) (domain.Settlement, error) {
	out, err := s.list(ctx, `SELECT `+settlementSelectCols+` FROM settlements WHERE id = ?`, id)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("sqlite: get settlement %s: %w", id, err)
	}
	if len(out) == 0 {
		return domain.Settlement{}, fmt.Errorf("sqlite: settlement %s: %w", id, domain.ErrSettlementNotFound)
	}
	return out[0], nil
}

// move runs a single-row status update and reports ErrStatusConflict when
// the row was not in the expected status.
func (s *SettlementStore) move(ctx context.Context, op, id string, from domain.SettlementStatus, set string, args ...any) error {
	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx, `UPDATE settlements SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: %s settlement %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: settlement %s not %s: %w", id, from, domain.ErrStatusConflict)
	}
	return nil
}

// Claim moves a PENDING settlement to SENDING.
func (s *SettlementStore) Claim(ctx context.Context, id string) error {
	return s.move(ctx, "claim", id, domain.SettlementPending,
		`status = 'SENDING', attempts = attempts + 1`)
}

// MarkSent moves a SENDING settlement to SENT.
func (s *SettlementStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.move(ctx, "mark sent", id, domain.SettlementSending,
		`status = 'SENT', sent_at = ?, last_error = ''`, toNanos(at))
}

// Requeue moves a SENDING settlement back to PENDING.
func (s *SettlementStore) Requeue(ctx context.Context, id string, reason string) error {
	return s.move(ctx, "requeue", id, domain.SettlementSending,
		`status = 'PENDING', last_error = ?`, reason)
}
