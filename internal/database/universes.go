package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TobiSchelling/qapintel/internal/legal"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

// InsertUniverse stores a universe snapshot. Snapshots are never updated; a
// second insert of the same run id fails.
func (db *DB) InsertUniverse(u *universe.Universe) error {
	counts, err := json.Marshal(u.CategoryCounts)
	if err != nil {
		return fmt.Errorf("encoding category counts: %w", err)
	}
	var pct sql.NullFloat64
	if u.CoverageCompletenessPct != nil {
		pct = sql.NullFloat64{Float64: *u.CoverageCompletenessPct, Valid: true}
	}

	return db.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO universe_runs (run_id, source_id, jurisdiction, created_at, hub_reference_count,
			raw_spoke_count, total_estimated_pages, coverage_pct, expected_count, jurisdiction_known, category_counts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.RunID, u.SourceID, u.Jurisdiction, u.CreatedAt.UTC().Format(time.RFC3339), u.HubReferenceCount,
			u.RawSpokeCount, u.TotalEstimatedExternalPages, pct, u.ExpectedCount, boolInt(u.JurisdictionKnown), string(counts),
		)
		if err != nil {
			return fmt.Errorf("inserting universe run: %w", err)
		}

		stmt, err := tx.Prepare(
			`INSERT INTO universe_spokes (run_id, position, reference_type, jurisdiction, title_or_chapter, section,
			description, priority, estimated_pages, source_locator, authority_level, occurrences, source_sections, title_fallback)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, s := range u.SpokeReferences {
			sections, err := json.Marshal(s.SourceSections)
			if err != nil {
				return fmt.Errorf("encoding sections of spoke %d: %w", i, err)
			}
			if _, err := stmt.Exec(
				u.RunID, i, string(s.ReferenceType), s.Jurisdiction, s.TitleOrChapter, s.Section,
				s.Description, s.Priority, s.EstimatedPages, s.SourceLocator, s.AuthorityLevel, s.Occurrences,
				string(sections), boolInt(s.TitleFallback),
			); err != nil {
				return fmt.Errorf("inserting spoke %d: %w", i, err)
			}
		}
		return nil
	})
}

// GetUniverse loads a universe snapshot with its spokes in stored order.
func (db *DB) GetUniverse(runID string) (*universe.Universe, error) {
	var (
		u         universe.Universe
		createdAt string
		pct       sql.NullFloat64
		known     int
		counts    string
	)
	err := db.conn.QueryRow(
		`SELECT run_id, source_id, jurisdiction, created_at, hub_reference_count, raw_spoke_count,
		total_estimated_pages, coverage_pct, expected_count, jurisdiction_known, category_counts
		FROM universe_runs WHERE run_id = ?`, runID,
	).Scan(&u.RunID, &u.SourceID, &u.Jurisdiction, &createdAt, &u.HubReferenceCount, &u.RawSpokeCount,
		&u.TotalEstimatedExternalPages, &pct, &u.ExpectedCount, &known, &counts)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("universe %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("universe %s: parsing created_at: %w", runID, err)
	}
	u.JurisdictionKnown = known != 0
	if pct.Valid {
		v := pct.Float64
		u.CoverageCompletenessPct = &v
	}
	u.CategoryCounts = map[legal.Category]int{}
	if err := json.Unmarshal([]byte(counts), &u.CategoryCounts); err != nil {
		return nil, fmt.Errorf("universe %s: decoding category counts: %w", runID, err)
	}

	rows, err := db.conn.Query(
		`SELECT reference_type, jurisdiction, title_or_chapter, section, description, priority, estimated_pages,
		source_locator, authority_level, occurrences, source_sections, title_fallback
		FROM universe_spokes WHERE run_id = ? ORDER BY position`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s        universe.ExternalRegulation
			refType  string
			sections sql.NullString
			fallback int
		)
		if err := rows.Scan(&refType, &s.Jurisdiction, &s.TitleOrChapter, &s.Section, &s.Description,
			&s.Priority, &s.EstimatedPages, &s.SourceLocator, &s.AuthorityLevel, &s.Occurrences,
			&sections, &fallback); err != nil {
			return nil, err
		}
		s.ReferenceType = legal.Category(refType)
		s.Status = universe.StatusPending
		s.TitleFallback = fallback != 0
		if sections.Valid {
			if err := json.Unmarshal([]byte(sections.String), &s.SourceSections); err != nil {
				return nil, fmt.Errorf("universe %s: decoding source sections of %s: %w", runID, s.Description, err)
			}
		}
		u.SpokeReferences = append(u.SpokeReferences, s)
	}
	return &u, rows.Err()
}

// ListUniverses returns the newest universe runs first.
func (db *DB) ListUniverses(limit int) ([]UniverseSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		`SELECT r.run_id, r.source_id, r.jurisdiction, r.created_at, r.hub_reference_count,
		(SELECT COUNT(*) FROM universe_spokes s WHERE s.run_id = r.run_id),
		r.total_estimated_pages, r.coverage_pct
		FROM universe_runs r ORDER BY r.created_at DESC, r.rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UniverseSummary
	for rows.Next() {
		var s UniverseSummary
		var pct sql.NullFloat64
		if err := rows.Scan(&s.RunID, &s.SourceID, &s.Jurisdiction, &s.CreatedAt, &s.HubReferenceCount,
			&s.SpokeCount, &s.TotalEstimatedPages, &pct); err != nil {
			return nil, err
		}
		if pct.Valid {
			v := pct.Float64
			s.CoverageCompletenessPct = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
