package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver copies settled trades and their audit trail to cold storage and
// returns how many trades were archived.
type Archiver interface {
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
}
