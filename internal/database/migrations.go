package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "universes and external regulations",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS universe_runs (
    run_id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    created_at TEXT NOT NULL,
    hub_reference_count INTEGER NOT NULL,
    raw_spoke_count INTEGER NOT NULL,
    total_estimated_pages INTEGER NOT NULL,
    coverage_pct REAL,
    expected_count INTEGER NOT NULL,
    jurisdiction_known INTEGER NOT NULL,
    category_counts TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS universe_spokes (
    run_id TEXT NOT NULL REFERENCES universe_runs(run_id),
    position INTEGER NOT NULL,
    reference_type TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    title_or_chapter TEXT NOT NULL,
    section TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL,
    priority INTEGER NOT NULL,
    estimated_pages INTEGER NOT NULL,
    source_locator TEXT NOT NULL,
    authority_level INTEGER NOT NULL,
    occurrences INTEGER NOT NULL,
    source_sections TEXT,
    title_fallback INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS external_regulations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    reference_type TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    title_or_chapter TEXT NOT NULL,
    section TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL,
    priority INTEGER NOT NULL,
    estimated_pages INTEGER NOT NULL,
    source_locator TEXT NOT NULL,
    authority_level INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    content TEXT,
    nested_reference_count INTEGER NOT NULL DEFAULT 0,
    first_seen_run TEXT,
    last_seen_run TEXT,
    updated_at TEXT DEFAULT (datetime('now')),
    UNIQUE (reference_type, jurisdiction, title_or_chapter, section)
);

CREATE INDEX IF NOT EXISTS idx_universe_source ON universe_runs(source_id);
CREATE INDEX IF NOT EXISTS idx_regulations_status ON external_regulations(status);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "corpus chunks and run records",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS corpus_chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    corpus TEXT NOT NULL,
    chunk_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    content TEXT NOT NULL,
    embedding_text TEXT NOT NULL,
    metadata TEXT NOT NULL,
    references_json TEXT,
    embedding BLOB,
    content_hash TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT DEFAULT (datetime('now')),
    retired_at TEXT,
    UNIQUE (corpus, chunk_id, version)
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
    run_id TEXT PRIMARY KEY,
    corpus TEXT NOT NULL,
    jurisdiction TEXT NOT NULL,
    document_version TEXT NOT NULL,
    status TEXT NOT NULL,
    total INTEGER NOT NULL DEFAULT 0,
    committed INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at TEXT DEFAULT (datetime('now')),
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS benchmark_runs (
    run_id TEXT PRIMARY KEY,
    baseline TEXT NOT NULL,
    candidate TEXT NOT NULL,
    iterations INTEGER NOT NULL,
    overall_winner TEXT NOT NULL,
    significance TEXT NOT NULL,
    report TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_corpus_active ON corpus_chunks(corpus, active);
CREATE INDEX IF NOT EXISTS idx_ingestion_corpus ON ingestion_runs(corpus, status);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "cache entries",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS cache_entries (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    value BLOB NOT NULL,
    created_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (namespace, key)
);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
