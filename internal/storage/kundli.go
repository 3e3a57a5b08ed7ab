package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SetKundli stores the facts for a cache key, replacing any previous value.
func (s *Store) SetKundli(key, facts string) error {
	_, err := s.db.Exec(`
		INSERT INTO kundli_cache (cache_key, facts, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET facts = excluded.facts, updated_at = excluded.updated_at`,
		key, facts, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetKundli(key string) (KundliEntry, error) {
	var e KundliEntry
	var updatedAt string
	err := s.db.QueryRow(`SELECT cache_key, facts, updated_at FROM kundli_cache WHERE cache_key = ?`, key).
		Scan(&e.CacheKey, &e.Facts, &updatedAt)
	if err == sql.ErrNoRows {
		return KundliEntry{}, ErrNotFound
	}
	if err != nil {
		return KundliEntry{}, err
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return KundliEntry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

func (s *Store) DeleteKundli(key string) error {
	res, err := s.db.Exec(`DELETE FROM kundli_cache WHERE cache_key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
