package database

import (
	"database/sql"
	"fmt"
)

// StartIngestionRun records a run in the running state.
func (db *DB) StartIngestionRun(r IngestionRun) error {
	_, err := db.conn.Exec(
		`INSERT INTO ingestion_runs (run_id, corpus, jurisdiction, document_version, status, total)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Corpus, r.Jurisdiction, r.DocumentVersion, IngestionRunning, r.Total,
	)
	return err
}

// FinishIngestionRun marks a run complete or failed.
func (db *DB) FinishIngestionRun(runID, status string, committed int, runErr error) error {
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	_, err := db.conn.Exec(
		`UPDATE ingestion_runs SET status = ?, committed = ?, error = ?, finished_at = datetime('now')
		WHERE run_id = ?`, status, committed, msg, runID,
	)
	return err
}

// RunningIngestions counts unfinished ingestion runs for a corpus.
func (db *DB) RunningIngestions(corpus string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM ingestion_runs WHERE corpus = ? AND status = ?", corpus, IngestionRunning,
	).Scan(&n)
	return n, err
}

// LatestIngestionRun returns the most recent run for a corpus.
func (db *DB) LatestIngestionRun(corpus string) (*IngestionRun, error) {
	var r IngestionRun
	err := db.conn.QueryRow(
		`SELECT run_id, corpus, jurisdiction, document_version, status, total, committed, error, started_at, finished_at
		FROM ingestion_runs WHERE corpus = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, corpus,
	).Scan(&r.RunID, &r.Corpus, &r.Jurisdiction, &r.DocumentVersion, &r.Status, &r.Total, &r.Committed,
		&r.Error, &r.StartedAt, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ingestion run for %s: %w", corpus, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertBenchmarkRun stores a comparison report.
func (db *DB) InsertBenchmarkRun(r BenchmarkRun) error {
	_, err := db.conn.Exec(
		`INSERT INTO benchmark_runs (run_id, baseline, candidate, iterations, overall_winner, significance, report)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Baseline, r.Candidate, r.Iterations, r.OverallWinner, r.Significance, r.ReportJSON,
	)
	return err
}

// GetBenchmarkRun returns a stored comparison.
func (db *DB) GetBenchmarkRun(runID string) (*BenchmarkRun, error) {
	var r BenchmarkRun
	err := db.conn.QueryRow(
		`SELECT run_id, baseline, candidate, iterations, overall_winner, significance, report, created_at
		FROM benchmark_runs WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &r.Baseline, &r.Candidate, &r.Iterations, &r.OverallWinner, &r.Significance,
		&r.ReportJSON, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("benchmark run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListBenchmarkRuns returns the newest runs first, without report bodies.
func (db *DB) ListBenchmarkRuns(limit int) ([]BenchmarkRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		`SELECT run_id, baseline, candidate, iterations, overall_winner, significance, created_at
		FROM benchmark_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BenchmarkRun
	for rows.Next() {
		var r BenchmarkRun
		if err := rows.Scan(&r.RunID, &r.Baseline, &r.Candidate, &r.Iterations, &r.OverallWinner,
			&r.Significance, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
