package database

// GetStats returns overall database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM universe_runs", &s.Universes},
		{"SELECT COUNT(*) FROM corpus_chunks WHERE active = 1", &s.ActiveChunks},
		{"SELECT COUNT(*) FROM ingestion_runs", &s.IngestionRuns},
		{"SELECT COUNT(*) FROM benchmark_runs", &s.BenchmarkRuns},
		{"SELECT COUNT(*) FROM cache_entries", &s.CacheEntries},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	regs, err := db.RegulationStatusCounts()
	if err != nil {
		return nil, err
	}
	s.Regulations = regs

	if err := db.conn.QueryRow("SELECT MAX(created_at) FROM universe_runs").Scan(&s.LastUniverseRun); err != nil {
		return nil, err
	}
	return s, nil
}
