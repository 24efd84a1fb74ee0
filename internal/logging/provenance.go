package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region record-run
// RecordRun writes a pipeline run entry to the pipeline_runs table.
func RecordRun(db *sql.DB, entry RunEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO pipeline_runs (run_id, operation, outcome, result_id, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Operation,
		entry.Outcome,
		nullIfEmpty(entry.ResultID),
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}
// #endregion record-run

// #region list-runs
// ListRuns returns the most recent run entries, newest first.
func ListRuns(db *sql.DB, limit int) ([]RunEntry, error) {
	rows, err := db.Query(
		`SELECT run_id, operation, outcome, result_id, reason, created_at
		 FROM pipeline_runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var resultID, reason sql.NullString
		var createdAt string
		if err := rows.Scan(&e.RunID, &e.Operation, &e.Outcome, &resultID, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.ResultID = resultID.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
// #endregion list-runs

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
