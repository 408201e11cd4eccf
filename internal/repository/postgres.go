package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Evothesis/server-infrastructure/common/database"
	"github.com/Evothesis/server-infrastructure/internal/models"
)

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxConns int32
	MinConns int32
}

// PostgresStore implements EventStore on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connString and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string, opts PostgresOptions) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= config.MaxConns {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := database.QueryContext(ctx)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

const selectEventColumns = `
	id, event_id::text, event_type, COALESCE(tenant_id, ''), COALESCE(session_id, ''),
	COALESCE(visitor_id, ''), COALESCE(site_id, ''), COALESCE(url, ''), COALESCE(path, ''),
	COALESCE(user_agent, ''), COALESCE(ip_address, ''), timestamp, created_at,
	raw_event_data, raw_exported_at`

// ListUnexported returns the oldest unexported rows.
func (s *PostgresStore) ListUnexported(ctx context.Context, limit int) ([]models.EventRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `SELECT ` + selectEventColumns + `
		FROM event_logs
		WHERE raw_exported_at IS NULL AND export_skipped_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unexported events: %w", err)
	}
	defer rows.Close()

	var events []models.EventRecord
	for rows.Next() {
		var (
			e        models.EventRecord
			eventID  string
			payload  []byte
			exported *time.Time
		)
		if err := rows.Scan(
			&e.ID, &eventID, &e.EventType, &e.TenantID, &e.SessionID,
			&e.VisitorID, &e.SiteID, &e.URL, &e.Path,
			&e.UserAgent, &e.IPAddress, &e.Timestamp, &e.CreatedAt,
			&payload, &exported,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.EventID, err = uuid.Parse(eventID); err != nil {
			events = append(events, undecodable(e, fmt.Errorf("invalid event_id: %w", err)))
			continue
		}
		if e.Payload, err = decodePayload(payload); err != nil {
			events = append(events, undecodable(e, err))
			continue
		}
		e.RawExportedAt = exported
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// MarkExported sets raw_exported_at on rows that don't have it yet.
func (s *PostgresStore) MarkExported(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE event_logs
		SET raw_exported_at = $2
		WHERE id = ANY($1) AND raw_exported_at IS NULL`,
		ids, at.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events exported: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkExportSkipped quarantines rows that are still unexported.
func (s *PostgresStore) MarkExportSkipped(ctx context.Context, rows []models.SkippedRow, at time.Time) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	ids := make([]int64, len(rows))
	reasons := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		reasons[i] = r.Reason
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE event_logs AS e
		SET export_skipped_at = $3, export_skip_reason = q.reason
		FROM unnest($1::bigint[], $2::text[]) AS q(id, reason)
		WHERE e.id = q.id AND e.raw_exported_at IS NULL AND e.export_skipped_at IS NULL`,
		ids, reasons, at.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to quarantine events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeletable returns IDs of rows exported before cutoff.
func (s *PostgresStore) ListDeletable(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM event_logs
		WHERE raw_exported_at IS NOT NULL AND raw_exported_at < $1
		ORDER BY raw_exported_at ASC
		LIMIT $2`,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query deletable events: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to collect deletable ids: %w", err)
	}
	return ids, nil
}

// DeleteBatch deletes ids inside one transaction.
func (s *PostgresStore) DeleteBatch(ctx context.Context, ids []int64, cutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		DELETE FROM event_logs
		WHERE id = ANY($1)
		  AND raw_exported_at IS NOT NULL
		  AND raw_exported_at < $2`,
		ids, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts rows by pipeline state.
func (s *PostgresStore) Stats(ctx context.Context, cutoff time.Time) (models.RowStats, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var st models.RowStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE raw_exported_at IS NOT NULL),
			COUNT(*) FILTER (WHERE raw_exported_at IS NULL AND export_skipped_at IS NOT NULL),
			COUNT(*) FILTER (WHERE raw_exported_at < $1),
			MAX(raw_exported_at),
			MAX(raw_exported_at) FILTER (WHERE raw_exported_at < $1)
		FROM event_logs`,
		cutoff.UTC(),
	).Scan(&st.Total, &st.Exported, &st.Quarantined, &st.Eligible, &st.LatestExport, &st.LatestEligible)
	if err != nil {
		return models.RowStats{}, fmt.Errorf("failed to query event stats: %w", err)
	}
	st.Pending = st.Total - st.Exported - st.Quarantined
	return st, nil
}

// Insert stores events in one transaction.
func (s *PostgresStore) Insert(ctx context.Context, events []models.EventRecord) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		INSERT INTO event_logs (
			event_id, event_type, tenant_id, session_id, visitor_id, site_id,
			url, path, user_agent, ip_address, timestamp, created_at,
			raw_event_data, raw_exported_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	ids := make([]int64, 0, len(events))
	for i := range events {
		e := prepareInsert(&events[i])
		payload, err := encodePayload(e.Payload)
		if err != nil {
			return nil, err
		}
		var id int64
		if err := tx.QueryRow(ctx, query,
			e.EventID.String(), e.EventType, nullable(e.TenantID), nullable(e.SessionID),
			nullable(e.VisitorID), nullable(e.SiteID), nullable(e.URL), nullable(e.Path),
			nullable(e.UserAgent), nullable(e.IPAddress), e.Timestamp, e.CreatedAt,
			payload, e.RawExportedAt,
		).Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", err)
	}
	return ids, nil
}

// Ping verifies the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// prepareInsert fills defaults on a copy of e.
func prepareInsert(e *models.EventRecord) models.EventRecord {
	out := *e
	now := time.Now().UTC()
	if out.EventID == uuid.Nil {
		out.EventID = uuid.New()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = out.CreatedAt
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.Timestamp = out.Timestamp.UTC()
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodePayload(p models.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}

// undecodable keeps only the fields the exporter needs to quarantine a row.
func undecodable(e models.EventRecord, err error) models.EventRecord {
	return models.EventRecord{
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		LoadErr:   fmt.Errorf("event %d: %w", e.ID, err),
	}
}

func decodePayload(b []byte) (models.Payload, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var p models.Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}
