package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool, now: time.Now}
}

const tradeSelectCols = `id, tenant_id, sender_ref, receiver_ref, sender_handle, receiver_handle,
	sale_amount, fee_percent, fee_amount, escrow_balance,
	verification_amount_sender, verification_amount_receiver, sender_verified, receiver_verified,
	depositor, fee_bearer, status, frozen, dispute_reason, disputed_by, cancel_requested_by,
	ticket_ref, expires_at, created_at, updated_at, archived_at`

func scanTradeRow(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var depositor, feeBearer, status, cancelBy string

	err := row.Scan(
		&t.ID, &t.TenantID, &t.SenderRef, &t.ReceiverRef, &t.SenderHandle, &t.ReceiverHandle,
		&t.SaleAmount, &t.FeePercent, &t.FeeAmount, &t.EscrowBalance,
		&t.VerificationAmountSender, &t.VerificationAmountReceiver, &t.SenderVerified, &t.ReceiverVerified,
		&depositor, &feeBearer, &status, &t.Frozen, &t.DisputeReason, &t.DisputedBy, &cancelBy,
		&t.TicketRef, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt, &t.ArchivedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Depositor = domain.Role(depositor)
	t.FeeBearer = domain.Role(feeBearer)
	t.Status = domain.TradeStatus(status)
	t.CancelRequestedBy = domain.Role(cancelBy)
	return t, nil
}

func collectTrades(rows pgx.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Create inserts a CREATED trade together with its ticket and the creation
// audit entry.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade, ticket domain.Ticket, audit domain.AuditEntry) (domain.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: begin create trade: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	const insertTrade = `
		INSERT INTO trades (
			tenant_id, sender_ref, receiver_ref, sender_handle, receiver_handle,
			sale_amount, fee_percent, fee_amount, escrow_balance,
			verification_amount_sender, verification_amount_receiver, sender_verified, receiver_verified,
			depositor, fee_bearer, status, frozen, dispute_reason, disputed_by, cancel_requested_by,
			ticket_ref, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24
		) RETURNING id`
	err = tx.QueryRow(ctx, insertTrade,
		t.TenantID, t.SenderRef, t.ReceiverRef, t.SenderHandle, t.ReceiverHandle,
		t.SaleAmount, t.FeePercent, t.FeeAmount, t.EscrowBalance,
		t.VerificationAmountSender, t.VerificationAmountReceiver, t.SenderVerified, t.ReceiverVerified,
		string(t.Depositor), string(t.FeeBearer), string(t.Status), t.Frozen, t.DisputeReason, t.DisputedBy, string(t.CancelRequestedBy),
		t.TicketRef, t.ExpiresAt, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: insert trade: %w", err)
	}

	if ticket.Ref == "" {
		ticket.Ref = t.TicketRef
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tickets (trade_id, ref, status, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, ticket.Ref, string(domain.TicketOpen), now,
	); err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: insert ticket for trade %d: %w", t.ID, err)
	}

	audit.TradeID = t.ID
	if err := insertAudit(ctx, tx, audit, now); err != nil {
		return domain.Trade{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: commit create trade: %w", err)
	}
	return t, nil
}

// Get returns a trade by id.
func (s *TradeStore) Get(ctx context.Context, id int64) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, fmt.Errorf("postgres: trade %d: %w", id, domain.ErrTradeNotFound)
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %d: %w", id, err)
	}
	return t, nil
}

// List returns trades matching f, newest first.
func (s *TradeStore) List(ctx context.Context, f domain.TradeFilter) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, f.TenantID)
		argIdx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *f.Since)
		argIdx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *f.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return trades, nil
}

// ListMatchCandidates returns unfrozen trades that can still consume a
// verification or deposit payment, oldest first.
func (s *TradeStore) ListMatchCandidates(ctx context.Context, tenantID string) ([]domain.Trade, error) {
	const query = `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status IN ('AWAITING_VERIFICATION', 'VERIFIED') AND NOT frozen
		  AND ($1 = '' OR tenant_id = $1)
		ORDER BY id`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list match candidates: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list match candidates rows: %w", err)
	}
	return trades, nil
}

// ListStaleCreated returns CREATED trades created before cutoff.
func (s *TradeStore) ListStaleCreated(ctx context.Context, cutoff time.Time) ([]domain.Trade, error) {
	const query = `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status = 'CREATED' AND created_at < $1
		ORDER BY id`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale created trades: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale created trades rows: %w", err)
	}
	return trades, nil
}

// ListExpired returns AWAITING_VERIFICATION trades whose window has closed.
func (s *TradeStore) ListExpired(ctx context.Context, now time.Time) ([]domain.Trade, error) {
	const query = `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status = 'AWAITING_VERIFICATION' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY id`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired trades: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired trades rows: %w", err)
	}
	return trades, nil
}

// CompareAndSet locks the trade row, checks its status and applies m in one
// transaction.
func (s *TradeStore) CompareAndSet(ctx context.Context, id int64, expected domain.TradeStatus, m domain.Mutation) (domain.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: begin cas trade %d: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, fmt.Errorf("postgres: trade %d: %w", id, domain.ErrTradeNotFound)
		}
		return domain.Trade{}, fmt.Errorf("postgres: lock trade %d: %w", id, err)
	}
	if t.Status != expected {
		if t.Status.Terminal() {
			return t, fmt.Errorf("postgres: trade %d is %s: %w", id, t.Status, domain.ErrTradeTerminal)
		}
		return t, fmt.Errorf("postgres: trade %d is %s, expected %s: %w", id, t.Status, expected, domain.ErrStatusConflict)
	}

	if m.Apply != nil {
		if err := m.Apply(&t); err != nil {
			return domain.Trade{}, err
		}
	}
	now := s.now().UTC()
	t.UpdatedAt = now

	const update = `
		UPDATE trades SET
			fee_amount = $2, escrow_balance = $3,
			verification_amount_sender = $4, verification_amount_receiver = $5,
			sender_verified = $6, receiver_verified = $7,
			status = $8, frozen = $9, dispute_reason = $10, disputed_by = $11,
			cancel_requested_by = $12, expires_at = $13, updated_at = $14
		WHERE id = $1`
	if _, err := tx.Exec(ctx, update, t.ID,
		t.FeeAmount, t.EscrowBalance,
		t.VerificationAmountSender, t.VerificationAmountReceiver,
		t.SenderVerified, t.ReceiverVerified,
		string(t.Status), t.Frozen, t.DisputeReason, t.DisputedBy,
		string(t.CancelRequestedBy), t.ExpiresAt, t.UpdatedAt,
	); err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: update trade %d: %w", id, err)
	}

	if v := m.Verification; v != nil {
		const insertVerification = `
			INSERT INTO verifications (
				trade_id, reference_id, rule, payer_handle, recipient_handle,
				expected_amount, received_amount, raw_evidence, source, verified, observed_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
		if _, err := tx.Exec(ctx, insertVerification,
			id, v.ReferenceID, string(v.Rule), v.PayerHandle, v.RecipientHandle,
			v.ExpectedAmount, v.ReceivedAmount, v.RawEvidence, string(v.Source), v.Verified, v.ObservedAt, now,
		); err != nil {
			if isUniqueViolation(err) {
				return domain.Trade{}, fmt.Errorf("postgres: reference %s: %w", v.ReferenceID, domain.ErrDuplicateEvent)
			}
			return domain.Trade{}, fmt.Errorf("postgres: insert verification: %w", err)
		}
	}

	if st := m.Settlement; st != nil {
		if err := insertSettlement(ctx, tx, id, *st, now); err != nil {
			return domain.Trade{}, err
		}
	}

	if m.CloseTicket {
		if _, err := tx.Exec(ctx,
			`UPDATE tickets SET status = 'CLOSED', closed_at = $2 WHERE trade_id = $1 AND status = 'OPEN'`,
			id, now,
		); err != nil {
			return domain.Trade{}, fmt.Errorf("postgres: close ticket %d: %w", id, err)
		}
	}

	audit := m.Audit
	if audit.TradeID == 0 {
		audit.TradeID = id
	}
	if err := insertAudit(ctx, tx, audit, now); err != nil {
		return domain.Trade{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: commit cas trade %d: %w", id, err)
	}
	return t, nil
}

// HasReference reports whether a verification already consumed referenceID.
func (s *TradeStore) HasReference(ctx context.Context, referenceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM verifications WHERE reference_id = $1)`, referenceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check reference %s: %w", referenceID, err)
	}
	return exists, nil
}

// ListVerifications returns the verification ledger of a trade in insert order.
func (s *TradeStore) ListVerifications(ctx context.Context, tradeID int64) ([]domain.Verification, error) {
	const query = `
		SELECT id, trade_id, reference_id, rule, payer_handle, recipient_handle,
			expected_amount, received_amount, raw_evidence, source, verified, observed_at, created_at
		FROM verifications WHERE trade_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list verifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Verification
	for rows.Next() {
		var v domain.Verification
		var rule, source string
		if err := rows.Scan(&v.ID, &v.TradeID, &v.ReferenceID, &rule, &v.PayerHandle, &v.RecipientHandle,
			&v.ExpectedAmount, &v.ReceivedAmount, &v.RawEvidence, &source, &v.Verified, &v.ObservedAt, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan verification: %w", err)
		}
		v.Rule = domain.VerificationRule(rule)
		v.Source = domain.EventSource(source)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list verifications rows: %w", err)
	}
	return out, nil
}

// GetTicket returns the ticket of a trade.
func (s *TradeStore) GetTicket(ctx context.Context, tradeID int64) (domain.Ticket, error) {
	var tk domain.Ticket
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT trade_id, ref, status, created_at, closed_at FROM tickets WHERE trade_id = $1`, tradeID,
	).Scan(&tk.TradeID, &tk.Ref, &status, &tk.CreatedAt, &tk.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Ticket{}, fmt.Errorf("postgres: ticket %d: %w", tradeID, domain.ErrTradeNotFound)
		}
		return domain.Ticket{}, fmt.Errorf("postgres: get ticket %d: %w", tradeID, err)
	}
	tk.Status = domain.TicketStatus(status)
	return tk, nil
}

// ListTerminalBefore returns unarchived COMPLETED or CANCELLED trades last
// updated before the cutoff.
func (s *TradeStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	const query = `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status IN ('COMPLETED', 'CANCELLED') AND archived_at IS NULL AND updated_at < $1
		ORDER BY id LIMIT $2`
	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal trades: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal trades rows: %w", err)
	}
	return trades, nil
}

// MarkArchived stamps archived_at on the given trades.
func (s *TradeStore) MarkArchived(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE trades SET archived_at = $2 WHERE id = ANY($1) AND archived_at IS NULL`, ids, at,
	); err != nil {
		return fmt.Errorf("postgres: mark %d trades archived: %w", len(ids), err)
	}
	return nil
}
