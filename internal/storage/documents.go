package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const documentColumns = `id, file_path, file_name, content_hash, status, total_chunks, total_tokens, error, created_at, processed_at`

// SaveDocument inserts or replaces the status record of a document. The
// original created_at is kept when the record already exists.
func (s *Store) SaveDocument(d KBDocument) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	processedAt := ""
	if !d.ProcessedAt.IsZero() {
		processedAt = d.ProcessedAt.UTC().Format(time.RFC3339)
	}
	status := d.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO kb_documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			file_name = excluded.file_name,
			content_hash = excluded.content_hash,
			status = excluded.status,
			total_chunks = excluded.total_chunks,
			total_tokens = excluded.total_tokens,
			error = excluded.error,
			processed_at = excluded.processed_at`,
		d.ID, d.FilePath, d.FileName, d.ContentHash, status, d.TotalChunks, d.TotalTokens, d.Error,
		createdAt.UTC().Format(time.RFC3339), processedAt,
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetDocument(id string) (KBDocument, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM kb_documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return KBDocument{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns documents newest first. An empty status lists all.
func (s *Store) ListDocuments(status string, limit int) ([]KBDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + documentColumns + ` FROM kb_documents`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []KBDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec(`DELETE FROM kb_documents WHERE id = ?`, id)
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

// CountDocuments returns the number of documents per status.
func (s *Store) CountDocuments() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM kb_documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(r rowScanner) (KBDocument, error) {
	var d KBDocument
	var createdAt, processedAt string
	if err := r.Scan(&d.ID, &d.FilePath, &d.FileName, &d.ContentHash, &d.Status,
		&d.TotalChunks, &d.TotalTokens, &d.Error, &createdAt, &processedAt); err != nil {
		return KBDocument{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return KBDocument{}, fmt.Errorf("parsing created_at for document %s: %w", d.ID, err)
	}
	d.CreatedAt = t
	if processedAt != "" {
		if d.ProcessedAt, err = time.Parse(time.RFC3339, processedAt); err != nil {
			return KBDocument{}, fmt.Errorf("parsing processed_at for document %s: %w", d.ID, err)
		}
	}
	return d, nil
}
