package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// TradeStore implements domain.TradeStore on SQLite.
type TradeStore struct {
	db  *sql.DB
	now func() time.Time
}

const tradeSelectCols = `id, tenant_id, sender_ref, receiver_ref, sender_handle, receiver_handle,
	sale_amount, fee_percent, fee_amount, escrow_balance,
	verification_amount_sender, verification_amount_receiver, sender_verified, receiver_verified,
	depositor, fee_bearer, status, frozen, dispute_reason, disputed_by, cancel_requested_by,
	ticket_ref, expires_at, created_at, updated_at, archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (domain.Trade, error) {
	var t domain.Trade
	var depositor, feeBearer, status, cancelBy string
	var expires, archived sql.NullInt64
	var created, updated int64

	err := row.Scan(
		&t.ID, &t.TenantID, &t.SenderRef, &t.ReceiverRef, &t.SenderHandle, &t.ReceiverHandle,
		&t.SaleAmount, &t.FeePercent, &t.FeeAmount, &t.EscrowBalance,
		&t.VerificationAmountSender, &t.VerificationAmountReceiver, &t.SenderVerified, &t.ReceiverVerified,
		&depositor, &feeBearer, &status, &t.Frozen, &t.DisputeReason, &t.DisputedBy, &cancelBy,
		&t.TicketRef, &expires, &created, &updated, &archived,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Depositor = domain.Role(depositor)
	t.FeeBearer = domain.Role(feeBearer)
	t.Status = domain.TradeStatus(status)
	t.CancelRequestedBy = domain.Role(cancelBy)
	t.ExpiresAt = timePtr(expires)
	t.ArchivedAt = timePtr(archived)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return t, nil
}

func (s *TradeStore) query(ctx context.Context, q execer, query string, args ...any) ([]domain.Trade, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func getTrade(ctx context.Context, q execer, id int64) (domain.Trade, error) {
	t, err := scanTrade(q.QueryRowContext(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trade{}, fmt.Errorf("sqlite: trade %d: %w", id, domain.ErrTradeNotFound)
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: get trade %d: %w", id, err)
	}
	return t, nil
}

// Create inserts a CREATED trade, its ticket and the creation audit entry in
// one transaction.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade, ticket domain.Ticket, audit domain.AuditEntry) (domain.Trade, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: begin create trade: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	res, err := tx.ExecContext(ctx, `
		INSERT INTO trades (
			tenant_id, sender_ref, receiver_ref, sender_handle, receiver_handle,
			sale_amount, fee_percent, fee_amount, escrow_balance,
			verification_amount_sender, verification_amount_receiver, sender_verified, receiver_verified,
			depositor, fee_bearer, status, frozen, dispute_reason, disputed_by, cancel_requested_by,
			ticket_ref, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TenantID, t.SenderRef, t.ReceiverRef, t.SenderHandle, t.ReceiverHandle,
		t.SaleAmount, t.FeePercent, t.FeeAmount, t.EscrowBalance,
		t.VerificationAmountSender, t.VerificationAmountReceiver, t.SenderVerified, t.ReceiverVerified,
		string(t.Depositor), string(t.FeeBearer), string(t.Status), t.Frozen, t.DisputeReason, t.DisputedBy, string(t.CancelRequestedBy),
		t.TicketRef, nullNanos(t.ExpiresAt), toNanos(now), toNanos(now),
	)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: insert trade: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: trade id: %w", err)
	}

	if ticket.Ref == "" {
		ticket.Ref = t.TicketRef
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tickets (trade_id, ref, status, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, ticket.Ref, string(domain.TicketOpen), toNanos(now),
	); err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: insert ticket for trade %d: %w", t.ID, err)
	}

	audit.TradeID = t.ID
	if err := insertAudit(ctx, tx, audit, now); err != nil {
		return domain.Trade{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: commit create trade: %w", err)
	}
	return t, nil
}

// Get returns a trade by id.
func (s *TradeStore) Get(ctx context.Context, id int64) (domain.Trade, error) {
	return getTrade(ctx, s.db, id)
}

// List returns trades matching f, newest first.
func (s *TradeStore) List(ctx context.Context, f domain.TradeFilter) ([]domain.Trade, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, toNanos(*f.Until))
	}

	query := `SELECT ` + tradeSelectCols + ` FROM trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	trades, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades: %w", err)
	}
	return trades, nil
}

// ListMatchCandidates returns unfrozen AWAITING_VERIFICATION and VERIFIED
// trades, oldest first.
func (s *TradeStore) ListMatchCandidates(ctx context.Context, tenantID string) ([]domain.Trade, error) {
	trades, err := s.query(ctx, s.db, `SELECT `+tradeSelectCols+` FROM trades
		WHERE status IN ('AWAITING_VERIFICATION', 'VERIFIED') AND frozen = 0
		  AND (? = '' OR tenant_id = ?)
		ORDER BY id`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list match candidates: %w", err)
	}
	return trades, nil
}

// ListStaleCreated returns CREATED trades created before cutoff.
func (s *TradeStore) ListStaleCreated(ctx context.Context, cutoff time.Time) ([]domain.Trade, error) {
	trades, err := s.query(ctx, s.db, `SELECT `+tradeSelectCols+` FROM trades
		WHERE status = 'CREATED' AND created_at < ?
		ORDER BY id`, toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale created trades: %w", err)
	}
	return trades, nil
}

// ListExpired returns AWAITING_VERIFICATION trades whose window has closed.
func (s *TradeStore) ListExpired(ctx context.Context, now time.Time) ([]domain.Trade, error) {
	trades, err := s.query(ctx, s.db, `SELECT `+tradeSelectCols+` FROM trades
		WHERE status = 'AWAITING_VERIFICATION' AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY id`, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list expired trades: %w", err)
	}
	return trades, nil
}

// CompareAndSet re-reads the trade inside a transaction, checks its status
// and applies m. The single shared connection serializes concurrent callers.
func (s *TradeStore) CompareAndSet(ctx context.Context, id int64, expected domain.TradeStatus, m domain.Mutation) (domain.Trade, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: begin cas trade %d: %w", id, err)
	}
	defer tx.Rollback()

	t, err := getTrade(ctx, tx, id)
	if err != nil {
		return domain.Trade{}, err
	}
	if t.Status != expected {
		if t.Status.Terminal() {
			return t, fmt.Errorf("sqlite: trade %d is %s: %w", id, t.Status, domain.ErrTradeTerminal)
		}
		return t, fmt.Errorf("sqlite: trade %d is %s, expected %s: %w", id, t.Status, expected, domain.ErrStatusConflict)
	}

	if m.Apply != nil {
		if err := m.Apply(&t); err != nil {
			return domain.Trade{}, err
		}
	}
	now := s.now().UTC()
	t.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET
			fee_amount = ?, escrow_balance = ?,
			verification_amount_sender = ?, verification_amount_receiver = ?,
			sender_verified = ?, receiver_verified = ?,
			status = ?, frozen = ?, dispute_reason = ?, disputed_by = ?,
			cancel_requested_by = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		t.FeeAmount, t.EscrowBalance,
		t.VerificationAmountSender, t.VerificationAmountReceiver,
		t.SenderVerified, t.ReceiverVerified,
		string(t.Status), t.Frozen, t.DisputeReason, t.DisputedBy,
		string(t.CancelRequestedBy), nullNanos(t.ExpiresAt), toNanos(now),
		id,
	); err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: update trade %d: %w", id, err)
	}

	if v := m.Verification; v != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO verifications (
				trade_id, reference_id, rule, payer_handle, recipient_handle,
				expected_amount, received_amount, raw_evidence, source, verified, observed_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, v.ReferenceID, string(v.Rule), v.PayerHandle, v.RecipientHandle,
			v.ExpectedAmount, v.ReceivedAmount, v.RawEvidence, string(v.Source), v.Verified,
			toNanos(v.ObservedAt), toNanos(now),
		); err != nil {
			if isUniqueViolation(err) {
				return domain.Trade{}, fmt.Errorf("sqlite: reference %s: %w", v.ReferenceID, domain.ErrDuplicateEvent)
			}
			return domain.Trade{}, fmt.Errorf("sqlite: insert verification: %w", err)
		}
	}

	if st := m.Settlement; st != nil {
		if err := insertSettlement(ctx, tx, id, *st, now); err != nil {
			return domain.Trade{}, err
		}
	}

	if m.CloseTicket {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tickets SET status = 'CLOSED', closed_at = ? WHERE trade_id = ? AND status = 'OPEN'`,
			toNanos(now), id,
		); err != nil {
			return domain.Trade{}, fmt.Errorf("sqlite: close ticket %d: %w", id, err)
		}
	}

	audit := m.Audit
	if audit.TradeID == 0 {
		audit.TradeID = id
	}
	if err := insertAudit(ctx, tx, audit, now); err != nil {
		return domain.Trade{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Trade{}, fmt.Errorf("sqlite: commit cas trade %d: %w", id, err)
	}
	return t, nil
}

// HasReference reports whether a verification already consumed referenceID.
func (s *TradeStore) HasReference(ctx context.Context, referenceID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM verifications WHERE reference_id = ?`, referenceID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite: check reference %s: %w", referenceID, err)
	}
	return n > 0, nil
}

// ListVerifications returns the verification ledger of a trade.
func (s *TradeStore) ListVerifications(ctx context.Context, tradeID int64) ([]domain.Verification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trade_id, reference_id, rule, payer_handle, recipient_handle,
			expected_amount, received_amount, raw_evidence, source, verified, observed_at, created_at
		FROM verifications WHERE trade_id = ? ORDER BY id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list verifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Verification
	for rows.Next() {
		var v domain.Verification
		var rule, source string
		var observed, created int64
		if err := rows.Scan(&v.ID, &v.TradeID, &v.ReferenceID, &rule, &v.PayerHandle, &v.RecipientHandle,
			&v.ExpectedAmount, &v.ReceivedAmount, &v.RawEvidence, &source, &v.Verified, &observed, &created,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan verification: %w", err)
		}
		v.Rule = domain.VerificationRule(rule)
		v.Source = domain.EventSource(source)
		v.ObservedAt = fromNanos(observed)
		v.CreatedAt = fromNanos(created)
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetTicket returns the ticket of a trade.
func (s *TradeStore) GetTicket(ctx context.Context, tradeID int64) (domain.Ticket, error) {
	var tk domain.Ticket
	var status string
	var created int64
	var closed sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT trade_id, ref, status, created_at, closed_at FROM tickets WHERE trade_id = ?`, tradeID,
	).Scan(&tk.TradeID, &tk.Ref, &status, &created, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ticket{}, fmt.Errorf("sqlite: ticket %d: %w", tradeID, domain.ErrTradeNotFound)
	}
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("sqlite: get ticket %d: %w", tradeID, err)
	}
	tk.Status = domain.TicketStatus(status)
	tk.CreatedAt = fromNanos(created)
	tk.ClosedAt = timePtr(closed)
	return tk, nil
}

// ListTerminalBefore returns unarchived terminal trades last updated before
// the cutoff.
func (s *TradeStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	trades, err := s.query(ctx, s.db, `SELECT `+tradeSelectCols+` FROM trades
		WHERE status IN ('COMPLETED', 'CANCELLED') AND archived_at IS NULL AND updated_at < ?
		ORDER BY id LIMIT ?`, toNanos(before), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list terminal trades: %w", err)
	}
	return trades, nil
}

// MarkArchived stamps archived_at on the given trades.
func (s *TradeStore) MarkArchived(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, toNanos(at))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE trades SET archived_at = ? WHERE archived_at IS NULL AND id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("sqlite: mark %d trades archived: %w", len(ids), err)
	}
	return nil
}
