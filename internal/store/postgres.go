package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"aegisflux/guardian/internal/report"
)

const reportSchema = `
	CREATE TABLE IF NOT EXISTS guardian_reports (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		protocol_id TEXT NOT NULL,
		tier        TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		document    JSONB NOT NULL
	)
`

// ReportArchive keeps incident and final reports in PostgreSQL
type ReportArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewReportArchive connects to dsn and creates the reports table if needed
func NewReportArchive(ctx context.Context, dsn string, logger *slog.Logger) (*ReportArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, reportSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create reports table: %w", err)
	}

	return &ReportArchive{db: db, logger: logger.With("component", "report-archive")}, nil
}

// Close closes the database connection
func (a *ReportArchive) Close() error {
	return a.db.Close()
}

// Health checks that the database is reachable
func (a *ReportArchive) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Submit stores r. Resubmitting the same report id is a no-op.
func (a *ReportArchive) Submit(ctx context.Context, r report.Report) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
		INSERT INTO guardian_reports (id, kind, event_type, protocol_id, tier, created_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := a.db.ExecContext(ctx, query,
		r.ID, string(r.Kind), r.EventType, r.ProtocolID, string(r.Tier), r.Timestamp, string(doc)); err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	a.logger.Debug("Report archived", "report_id", r.ID, "kind", r.Kind)
	return nil
}

// Recent returns up to limit reports, newest first
func (a *ReportArchive) Recent(ctx context.Context, limit int) ([]report.Report, error) {
	query := `
		SELECT document
		FROM guardian_reports
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []report.Report
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		var r report.Report
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
		reports = append(reports, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return reports, nil
}
