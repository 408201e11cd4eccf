// Package repository is the row store behind the pipeline. Every
// implementation keeps the same guarantees: raw_exported_at is only ever set
// once, and rows without it are never deleted.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Evothesis/server-infrastructure/internal/models"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("repository: store closed")

// EventStore is the row-store contract used by the exporter, cleaner and seeder.
type EventStore interface {
	// ListUnexported returns up to limit rows with no raw_exported_at that
	// are not quarantined, oldest created_at first. A row that cannot be
	// decoded is returned with LoadErr set instead of failing the call.
	ListUnexported(ctx context.Context, limit int) ([]models.EventRecord, error)

	// MarkExportSkipped quarantines unexported rows so later passes select
	// past them. Quarantined rows keep a null raw_exported_at.
	MarkExportSkipped(ctx context.Context, rows []models.SkippedRow, at time.Time) (int64, error)

	// MarkExported sets raw_exported_at=at on the given rows that are still
	// unexported, returning how many rows changed.
	MarkExported(ctx context.Context, ids []int64, at time.Time) (int64, error)

	// ListDeletable returns up to limit IDs exported before cutoff, oldest
	// export first.
	ListDeletable(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)

	// DeleteBatch deletes the given rows in a single transaction. Rows that
	// are unexported or exported at/after cutoff are left alone.
	DeleteBatch(ctx context.Context, ids []int64, cutoff time.Time) (int64, error)

	// Stats summarizes export and cleanup eligibility relative to cutoff.
	Stats(ctx context.Context, cutoff time.Time) (models.RowStats, error)

	// Insert stores new rows and returns their assigned IDs in order.
	Insert(ctx context.Context, events []models.EventRecord) ([]int64, error)

	Ping(ctx context.Context) error
	Close() error
}
