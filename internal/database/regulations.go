package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/TobiSchelling/qapintel/internal/legal"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

// ErrStaleStatus is returned when a regulation is not in the expected state.
var ErrStaleStatus = errors.New("regulation status changed")

const regulationColumns = `id, reference_type, jurisdiction, title_or_chapter, section, description, priority,
	estimated_pages, source_locator, authority_level, status, attempts, last_error, content,
	nested_reference_count, first_seen_run, last_seen_run, updated_at`

// UpsertRegulations records the spokes of a mapping run. Existing rows keep
// their lifecycle state; descriptions grow to the longest seen and priority
// drops to the most urgent seen.
func (db *DB) UpsertRegulations(runID string, spokes []universe.ExternalRegulation) error {
	return db.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO external_regulations (reference_type, jurisdiction, title_or_chapter, section, description,
			priority, estimated_pages, source_locator, authority_level, first_seen_run, last_seen_run)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (reference_type, jurisdiction, title_or_chapter, section) DO UPDATE SET
				description = CASE WHEN length(excluded.description) > length(description)
					THEN excluded.description ELSE description END,
				priority = MIN(priority, excluded.priority),
				estimated_pages = MAX(estimated_pages, excluded.estimated_pages),
				last_seen_run = excluded.last_seen_run,
				updated_at = datetime('now')`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, s := range spokes {
			if _, err := stmt.Exec(string(s.ReferenceType), s.Jurisdiction, s.TitleOrChapter, s.Section,
				s.Description, s.Priority, s.EstimatedPages, s.SourceLocator, s.AuthorityLevel, runID, runID); err != nil {
				return fmt.Errorf("upserting %s: %w", s.Key(), err)
			}
		}
		return nil
	})
}

// GetRegulation returns a regulation by id.
func (db *DB) GetRegulation(id int64) (*Regulation, error) {
	row := db.conn.QueryRow("SELECT "+regulationColumns+" FROM external_regulations WHERE id = ?", id)
	r, err := scanRegulation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("regulation %d: %w", id, ErrNotFound)
	}
	return r, err
}

// GetRegulationByKey returns the regulation with the given identity key.
func (db *DB) GetRegulationByKey(k universe.Key) (*Regulation, error) {
	row := db.conn.QueryRow(
		"SELECT "+regulationColumns+` FROM external_regulations
		WHERE reference_type = ? AND jurisdiction = ? AND title_or_chapter = ? AND section = ?`,
		string(k.ReferenceType), k.Jurisdiction, k.TitleOrChapter, k.Section,
	)
	r, err := scanRegulation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("regulation %s: %w", k, ErrNotFound)
	}
	return r, err
}

// ListRegulations returns regulations ordered by priority and size. An empty
// status lists every regulation.
func (db *DB) ListRegulations(status universe.Status, limit int) ([]Regulation, error) {
	query := "SELECT " + regulationColumns + " FROM external_regulations"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY priority ASC, estimated_pages DESC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Regulation
	for rows.Next() {
		r, err := scanRegulation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AdvanceRegulation moves a regulation from one status to the next. It fails
// with ErrStaleStatus when the row is no longer in status from.
func (db *DB) AdvanceRegulation(id int64, from, to universe.Status) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status %q", to)
	}
	res, err := db.conn.Exec(
		`UPDATE external_regulations SET status = ?, last_error = NULL, updated_at = datetime('now')
		WHERE id = ? AND status = ?`, string(to), id, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("regulation %d not %s: %w", id, from, ErrStaleStatus)
	}
	return nil
}

// RecordFetchAttempt increments the attempt counter. A non-nil error is kept
// as last_error and the status returns to pending. An unknown id returns
// ErrNotFound.
func (db *DB) RecordFetchAttempt(id int64, attempts int, fetchErr error) error {
	var (
		res sql.Result
		err error
	)
	if fetchErr == nil {
		res, err = db.conn.Exec(
			"UPDATE external_regulations SET attempts = attempts + ?, updated_at = datetime('now') WHERE id = ?",
			attempts, id,
		)
	} else {
		res, err = db.conn.Exec(
			`UPDATE external_regulations SET attempts = attempts + ?, last_error = ?, status = 'pending',
			updated_at = datetime('now') WHERE id = ?`, attempts, fetchErr.Error(), id,
		)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("regulation %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetRegulationContent stores fetched text.
func (db *DB) SetRegulationContent(id int64, content string) error {
	_, err := db.conn.Exec(
		"UPDATE external_regulations SET content = ?, updated_at = datetime('now') WHERE id = ?", content, id,
	)
	return err
}

// SetNestedReferenceCount records how many citations the fetched text holds.
func (db *DB) SetNestedReferenceCount(id int64, n int) error {
	_, err := db.conn.Exec(
		"UPDATE external_regulations SET nested_reference_count = ?, updated_at = datetime('now') WHERE id = ?", n, id,
	)
	return err
}

// ResetRegulation returns a regulation to pending so it is fetched again.
func (db *DB) ResetRegulation(id int64, reason string) error {
	_, err := db.conn.Exec(
		`UPDATE external_regulations SET status = 'pending', last_error = ?, updated_at = datetime('now')
		WHERE id = ?`, reason, id,
	)
	return err
}

// RegulationStatusCounts counts regulations per status.
func (db *DB) RegulationStatusCounts() (map[universe.Status]int, error) {
	rows, err := db.conn.Query("SELECT status, COUNT(*) FROM external_regulations GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[universe.Status]int{
		universe.StatusPending:    0,
		universe.StatusFetched:    0,
		universe.StatusProcessed:  0,
		universe.StatusIntegrated: 0,
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[universe.Status(s)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegulation(row rowScanner) (*Regulation, error) {
	var (
		r       Regulation
		refType string
		status  string
	)
	err := row.Scan(&r.ID, &refType, &r.Jurisdiction, &r.TitleOrChapter, &r.Section, &r.Description,
		&r.Priority, &r.EstimatedPages, &r.SourceLocator, &r.AuthorityLevel, &status, &r.Attempts,
		&r.LastError, &r.Content, &r.NestedReferenceCount, &r.FirstSeenRun, &r.LastSeenRun, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ReferenceType = legal.Category(refType)
	r.Status = universe.Status(status)
	r.Occurrences = 1
	return &r, nil
}
