package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Evothesis/server-infrastructure/common/database"
	"github.com/Evothesis/server-infrastructure/internal/models"
)

// SQLiteStore implements EventStore on an embedded SQLite file for
// single-node deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// migrations. path ":memory:" gives a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
		dsn = fmt.Sprintf(
			"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
			path,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := database.QueryContext(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := MigrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// ListUnexported returns the oldest unexported rows.
func (s *SQLiteStore) ListUnexported(ctx context.Context, limit int) ([]models.EventRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, COALESCE(tenant_id, ''), COALESCE(session_id, ''),
			COALESCE(visitor_id, ''), COALESCE(site_id, ''), COALESCE(url, ''), COALESCE(path, ''),
			COALESCE(user_agent, ''), COALESCE(ip_address, ''), timestamp, created_at,
			raw_event_data, raw_exported_at
		FROM event_logs
		WHERE raw_exported_at IS NULL AND export_skipped_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unexported events: %w", err)
	}
	defer rows.Close()

	var events []models.EventRecord
	for rows.Next() {
		var (
			e           models.EventRecord
			eventID     string
			ts, created int64
			payload     sql.NullString
			exported    sql.NullInt64
		)
		if err := rows.Scan(
			&e.ID, &eventID, &e.EventType, &e.TenantID, &e.SessionID,
			&e.VisitorID, &e.SiteID, &e.URL, &e.Path,
			&e.UserAgent, &e.IPAddress, &ts, &created,
			&payload, &exported,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = fromMicros(ts)
		e.CreatedAt = fromMicros(created)
		if e.EventID, err = uuid.Parse(eventID); err != nil {
			events = append(events, undecodable(e, fmt.Errorf("invalid event_id: %w", err)))
			continue
		}
		if e.Payload, err = decodePayload([]byte(payload.String)); err != nil {
			events = append(events, undecodable(e, err))
			continue
		}
		if exported.Valid {
			at := fromMicros(exported.Int64)
			e.RawExportedAt = &at
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// MarkExported sets raw_exported_at on rows that don't have it yet.
func (s *SQLiteStore) MarkExported(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	placeholders, args := inClause(ids)
	args = append([]any{toMicros(at)}, args...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_logs SET raw_exported_at = ?
		 WHERE raw_exported_at IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events exported: %w", err)
	}
	return res.RowsAffected()
}

// MarkExportSkipped quarantines rows that are still unexported.
func (s *SQLiteStore) MarkExportSkipped(ctx context.Context, rows []models.SkippedRow, at time.Time) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE event_logs SET export_skipped_at = ?, export_skip_reason = ?
		WHERE id = ? AND raw_exported_at IS NULL AND export_skipped_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare quarantine: %w", err)
	}
	defer stmt.Close()

	var n int64
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, toMicros(at), r.Reason, r.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to quarantine event %d: %w", r.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit quarantine: %w", err)
	}
	return n, nil
}

// ListDeletable returns IDs of rows exported before cutoff.
func (s *SQLiteStore) ListDeletable(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM event_logs
		WHERE raw_exported_at IS NOT NULL AND raw_exported_at < ?
		ORDER BY raw_exported_at ASC
		LIMIT ?`, toMicros(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deletable events: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteBatch deletes ids inside one transaction.
func (s *SQLiteStore) DeleteBatch(ctx context.Context, ids []int64, cutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders, args := inClause(ids)
	args = append(args, toMicros(cutoff))
	res, err := tx.ExecContext(ctx,
		`DELETE FROM event_logs
		 WHERE id IN (`+placeholders+`)
		   AND raw_exported_at IS NOT NULL
		   AND raw_exported_at < ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return n, nil
}

// Stats counts rows by pipeline state.
func (s *SQLiteStore) Stats(ctx context.Context, cutoff time.Time) (models.RowStats, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	c := toMicros(cutoff)
	var (
		st                     models.RowStats
		latest, latestEligible sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(raw_exported_at),
			COUNT(CASE WHEN raw_exported_at IS NULL AND export_skipped_at IS NOT NULL THEN 1 END),
			COUNT(CASE WHEN raw_exported_at < ? THEN 1 END),
			MAX(raw_exported_at),
			MAX(CASE WHEN raw_exported_at < ? THEN raw_exported_at END)
		FROM event_logs`, c, c,
	).Scan(&st.Total, &st.Exported, &st.Quarantined, &st.Eligible, &latest, &latestEligible)
	if err != nil {
		return models.RowStats{}, fmt.Errorf("failed to query event stats: %w", err)
	}
	st.Pending = st.Total - st.Exported - st.Quarantined
	if latest.Valid {
		t := fromMicros(latest.Int64)
		st.LatestExport = &t
	}
	if latestEligible.Valid {
		t := fromMicros(latestEligible.Int64)
		st.LatestEligible = &t
	}
	return st, nil
}

// Insert stores events in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, events []models.EventRecord) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO event_logs (
			event_id, event_type, tenant_id, session_id, visitor_id, site_id,
			url, path, user_agent, ip_address, timestamp, created_at,
			raw_event_data, raw_exported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(events))
	for i := range events {
		e := prepareInsert(&events[i])
		payload, err := encodePayload(e.Payload)
		if err != nil {
			return nil, err
		}
		var payloadArg, exportedArg any
		if payload != nil {
			payloadArg = string(payload)
		}
		if e.RawExportedAt != nil {
			exportedArg = toMicros(*e.RawExportedAt)
		}

		res, err := stmt.ExecContext(ctx,
			e.EventID.String(), e.EventType, nullable(e.TenantID), nullable(e.SessionID),
			nullable(e.VisitorID), nullable(e.SiteID), nullable(e.URL), nullable(e.Path),
			nullable(e.UserAgent), nullable(e.IPAddress), toMicros(e.Timestamp), toMicros(e.CreatedAt),
			payloadArg, exportedArg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read inserted id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", err)
	}
	return ids, nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
