package database

import "database/sql"

// GetCacheEntry implements the cache backend lookup.
func (db *DB) GetCacheEntry(namespace, key string) ([]byte, bool, error) {
	var v []byte
	err := db.conn.QueryRow(
		"SELECT value FROM cache_entries WHERE namespace = ? AND key = ?", namespace, key,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// PutCacheEntry inserts or replaces a cache entry.
func (db *DB) PutCacheEntry(namespace, key string, value []byte) error {
	_, err := db.conn.Exec(
		`INSERT INTO cache_entries (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, created_at = datetime('now')`,
		namespace, key, value,
	)
	return err
}

// ClearCache deletes every entry in a namespace and returns how many went.
func (db *DB) ClearCache(namespace string) (int64, error) {
	res, err := db.conn.Exec("DELETE FROM cache_entries WHERE namespace = ?", namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
