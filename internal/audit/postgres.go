package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"document-pipeline/internal/models"
)

// PostgresRecorder stores audit events in the pipeline_audit table.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresRecorder{pool: pool}, nil
}

func (r *PostgresRecorder) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping checks the pool can reach the database.
func (r *PostgresRecorder) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Record appends one row.
func (r *PostgresRecorder) Record(ctx context.Context, event models.AuditEvent) error {
	recorded := event.Recorded
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pipeline_audit (job_id, document_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.JobID, event.DocumentID, event.Event, event.Detail, recorded)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ForDocument returns a document's events oldest first.
func (r *PostgresRecorder) ForDocument(ctx context.Context, documentID string) ([]models.AuditEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, document_id, event, detail, recorded_at
		FROM pipeline_audit WHERE document_id = $1
		ORDER BY recorded_at, id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.JobID, &e.DocumentID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Open returns a migrated Postgres recorder for dsn, or Nop when dsn is empty.
// The returned close func is never nil.
func Open(ctx context.Context, dsn string) (Recorder, func(), error) {
	if dsn == "" {
		return Nop{}, func() {}, nil
	}
	rec, err := NewPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := rec.RunMigrations(ctx); err != nil {
		rec.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return rec, rec.Close, nil
}
