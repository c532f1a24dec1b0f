// Package ledger persists run history to a DuckDB state database: run-level
// events, per-batch events, and the per-item failure ledger commands export
// for operators.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/confsync/confsync/internal/outcome"
)

// Event types recorded in the run event log.
const (
	EventRunStart    = "run_start"
	EventBatchDone   = "batch_done"
	EventRateLimited = "rate_limited"
	EventRunEnd      = "run_end"
	EventRunError    = "run_error"
)

const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS run_event_id_seq;`

const schemaTablesSQL = `
CREATE TABLE IF NOT EXISTS run_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('run_event_id_seq'),
    run_id          VARCHAR NOT NULL,
    command         VARCHAR NOT NULL,
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    endpoint        VARCHAR,
    batch_size      INTEGER,
    status_code     INTEGER,
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_run_event_log_run ON run_event_log (run_id, event_timestamp);
CREATE INDEX IF NOT EXISTS idx_run_event_log_event ON run_event_log (event, event_timestamp);

CREATE TABLE IF NOT EXISTS item_failure_log (
    run_id      VARCHAR NOT NULL,
    item_id     VARCHAR,
    status_code INTEGER,
    message     VARCHAR,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_item_failure_log_run ON item_failure_log (run_id);
`

// InitializeSchema creates the sequence and tables in dependency order.
func InitializeSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSequenceSQL); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("create run event sequence: %w", err)
	}
	if _, err := db.Exec(schemaTablesSQL); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return nil
}

// LogRunEvent appends one event to the run log.
func LogRunEvent(ctx context.Context, db *sql.DB, runID, command, event, endpoint string, batchSize, statusCode int, message string, duration *time.Duration) error {
	query := `
        INSERT INTO run_event_log (run_id, command, event, event_timestamp, endpoint, batch_size, status_code, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if duration != nil {
		durationMs = sql.NullInt64{Int64: duration.Milliseconds(), Valid: true}
	}
	_, err := db.ExecContext(ctx, query,
		runID,
		command,
		event,
		time.Now().UTC(),
		sql.NullString{String: endpoint, Valid: endpoint != ""},
		sql.NullInt64{Int64: int64(batchSize), Valid: batchSize > 0},
		sql.NullInt64{Int64: int64(statusCode), Valid: statusCode != 0},
		sql.NullString{String: message, Valid: message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("log event '%s' for run '%s': %w", event, runID, err)
	}
	return nil
}

// RecordRunResult writes the run summary and every failed item of a finished
// run in one transaction.
func RecordRunResult(ctx context.Context, db *sql.DB, runID, command, endpoint string, res *outcome.RunResult, duration time.Duration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run result tx: %w", err)
	}
	defer tx.Rollback()

	summary := fmt.Sprintf("successful=%d failed=%d rate=%.4f", res.TotalSuccessful, res.TotalFailed, res.SuccessRate())
	_, err = tx.ExecContext(ctx, `
        INSERT INTO run_event_log (run_id, command, event, event_timestamp, endpoint, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?);
    `, runID, command, EventRunEnd, time.Now().UTC(),
		sql.NullString{String: endpoint, Valid: endpoint != ""},
		summary, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert run summary for '%s': %w", runID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO item_failure_log (run_id, item_id, status_code, message, recorded_at)
        VALUES (?, ?, ?, ?, ?);
    `)
	if err != nil {
		return fmt.Errorf("prepare failure insert for '%s': %w", runID, err)
	}
	now := time.Now().UTC()
	for _, f := range res.Failures {
		if _, err := stmt.ExecContext(ctx, runID, f.ID, f.StatusCode, f.Message, now); err != nil {
			stmt.Close()
			return fmt.Errorf("insert failure for item '%s': %w", f.ID, err)
		}
	}
	for _, u := range res.Unknowns {
		if _, err := stmt.ExecContext(ctx, runID, sql.NullString{String: u.ID, Valid: u.ID != ""}, u.StatusCode, u.Message, now); err != nil {
			stmt.Close()
			return fmt.Errorf("insert unattributed failure: %w", err)
		}
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close failure insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run result for '%s': %w", runID, err)
	}
	return nil
}

// RunSummary is one row of the run history view.
type RunSummary struct {
	RunID     string
	Command   string
	Event     string
	Timestamp time.Time
	Endpoint  string
	Message   string
}

// QueryRunHistory returns recent ledger events, newest first.
func QueryRunHistory(ctx context.Context, db *sql.DB, runFilter, eventFilter string, limit int) ([]RunSummary, error) {
	query := `
        SELECT run_id, command, event, event_timestamp, endpoint, message
        FROM run_event_log
    `
	conditions := []string{}
	args := []any{}
	if runFilter != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, runFilter)
	}
	if eventFilter != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, eventFilter)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY event_timestamp DESC, log_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var endpoint, message sql.NullString
		if err := rows.Scan(&s.RunID, &s.Command, &s.Event, &s.Timestamp, &endpoint, &message); err != nil {
			return nil, fmt.Errorf("scan run history row: %w", err)
		}
		s.Endpoint = endpoint.String
		s.Message = message.String
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run history: %w", err)
	}
	return out, nil
}

// FailureCount returns how many item failures a run recorded.
func FailureCount(ctx context.Context, db *sql.DB, runID string) (int, error) {
	var n int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM item_failure_log WHERE run_id = ?;`, runID)
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count failures for run '%s': %w", runID, err)
	}
	return n, nil
}

// ExportFailuresCSV writes a run's item failures to a CSV file via DuckDB's
// COPY, so operators can triage rejected items without touching the DB.
func ExportFailuresCSV(ctx context.Context, db *sql.DB, runID, path string) error {
	duckPath := strings.ReplaceAll(path, `\`, `/`)
	copySQL := fmt.Sprintf(
		`COPY (SELECT item_id, status_code, message, recorded_at FROM item_failure_log WHERE run_id = '%s' ORDER BY recorded_at) TO '%s' (FORMAT CSV, HEADER);`,
		strings.ReplaceAll(runID, "'", "''"),
		strings.ReplaceAll(duckPath, "'", "''"),
	)
	if _, err := db.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("export failures for run '%s' to %s: %w", runID, path, err)
	}
	return nil
}
