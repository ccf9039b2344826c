package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	defaultBatchSize = 500
)

// ArchivedTrade is one line of the trades archive: the final trade row with
// its verifications and settlement instructions.
type ArchivedTrade struct {
	Trade         domain.Trade          `json:"trade"`
	Verifications []domain.Verification `json:"verifications"`
	Settlements   []domain.Settlement   `json:"settlements"`
}

// ArchiveImpl implements domain.Archiver. Each run writes one trades object
// and one audit object, then stamps the trades archived. Rows are never
// deleted from the primary store.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	store     domain.Store
	batchSize int
	now       func() time.Time
	newRunID  func() string
	logger    *slog.Logger
}

// NewArchiver creates an ArchiveImpl. batchSize bounds how many trades one
// run reads; zero uses the default.
func NewArchiver(writer domain.BlobWriter, store domain.Store, batchSize int, logger *slog.Logger) *ArchiveImpl {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ArchiveImpl{
		writer:    writer,
		store:     store,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		newRunID:  uuid.NewString,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades archives terminal trades last updated before the cutoff. A
// run that finds more than one batch keeps going until the backlog is empty.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		n, err := a.archiveBatch(ctx, before)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(a.batchSize) {
			return total, nil
		}
	}
}

func (a *ArchiveImpl) archiveBatch(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.store.Trades().ListTerminalBefore(ctx, before, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	records := make([]ArchivedTrade, 0, len(trades))
	var entries []domain.AuditEntry
	ids := make([]int64, 0, len(trades))
	for _, t := range trades {
		rec, audit, err := a.collect(ctx, t)
		if err != nil {
			return 0, err
		}
		records = append(records, rec)
		entries = append(entries, audit...)
		ids = append(ids, t.ID)
	}

	runID := a.newRunID()
	tradesPath := archivePath("trades", before, runID)
	auditPath := archivePath("audit", before, runID)
	if err := uploadJSONL(ctx, a.writer, tradesPath, records); err != nil {
		return 0, err
	}
	if err := uploadJSONL(ctx, a.writer, auditPath, entries); err != nil {
		return 0, err
	}

	at := a.now()
	if err := a.store.Trades().MarkArchived(ctx, ids, at); err != nil {
		return 0, fmt.Errorf("s3blob: mark archived: %w", err)
	}

	count := int64(len(ids))
	entry := domain.NewAudit(0, domain.SystemActor, domain.AuditTradesArchived, map[string]any{
		"trades_path": tradesPath,
		"audit_path":  auditPath,
		"count":       count,
		"before":      before.Format(time.RFC3339),
	})
	entry.CreatedAt = at
	if err := a.store.Audit().Append(ctx, entry); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	a.logger.InfoContext(ctx, "archiver: batch uploaded",
		slog.String("path", tradesPath),
		slog.Int64("trades", count),
		slog.Int("audit_entries", len(entries)),
	)
	return count, nil
}

func (a *ArchiveImpl) collect(ctx context.Context, t domain.Trade) (ArchivedTrade, []domain.AuditEntry, error) {
	verifications, err := a.store.Trades().ListVerifications(ctx, t.ID)
	if err != nil {
		return ArchivedTrade{}, nil, fmt.Errorf("s3blob: trade %d verifications: %w", t.ID, err)
	}
	settlements, err := a.store.Settlements().ListByTrade(ctx, t.ID)
	if err != nil {
		return ArchivedTrade{}, nil, fmt.Errorf("s3blob: trade %d settlements: %w", t.ID, err)
	}
	audit, err := a.store.Audit().List(ctx, t.ID, domain.ListOpts{})
	if err != nil {
		return ArchivedTrade{}, nil, fmt.Errorf("s3blob: trade %d audit: %w", t.ID, err)
	}
	return ArchivedTrade{Trade: t, Verifications: verifications, Settlements: settlements}, audit, nil
}

func uploadJSONL[T any](ctx context.Context, w domain.BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s: %w", path, err)
	}
	if err := w.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL); err != nil {
		return fmt.Errorf("s3blob: upload archive: %w", err)
	}
	return nil
}

// archivePath builds the object key for one run, partitioned by the month of
// the cutoff:
//
//	archive/trades/2025-01/<run>.jsonl
//	archive/audit/2025-01/<run>.jsonl
func archivePath(kind string, before time.Time, runID string) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.UTC().Format("2006-01"), runID)
}

// marshalJSONL writes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
