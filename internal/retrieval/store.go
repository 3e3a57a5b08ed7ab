package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

var _ VectorIndex = (*SQLiteStore)(nil)

// SQLiteStore is the default VectorIndex: rows in kb_vectors, ranked by an
// exhaustive cosine scan.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore uses db, which must already carry the kb_vectors migration.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert writes all vectors in one transaction, replacing entries that share
// a (namespace, id) key.
func (s *SQLiteStore) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrIndex)
	}
	if len(vectors) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning upsert transaction: %w", ErrIndex, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kb_vectors (namespace, id, source_uri, metadata_json, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			source_uri = excluded.source_uri,
			metadata_json = excluded.metadata_json,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("%w: preparing upsert statement: %w", ErrIndex, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, v := range vectors {
		if v.ID == "" || len(v.Values) == 0 {
			return fmt.Errorf("%w: vector %q has no id or values", ErrIndex, v.ID)
		}
		meta, err := json.Marshal(v.Metadata)
		if err != nil {
			return fmt.Errorf("%w: encoding metadata for %s: %w", ErrIndex, v.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, namespace, v.ID, v.Metadata.SourceURI, string(meta), PackVector(v.Values), now); err != nil {
			return fmt.Errorf("%w: upserting %s: %w", ErrIndex, v.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing upsert: %w", ErrIndex, err)
	}
	return nil
}

// Query ranks every vector in the namespace that passes filter and returns
// the topK most similar. Metadata is read only for the winners.
func (s *SQLiteStore) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	qMag := magnitude(vector)
	if topK <= 0 || qMag == 0 {
		return nil, nil
	}

	where, args, err := whereClause(namespace, filter)
	if err != nil {
		return nil, err
	}
	top, err := s.rank(ctx, where, args, vector, qMag, topK)
	if err != nil || len(top) == 0 {
		return nil, err
	}
	if err := s.attachMetadata(ctx, namespace, top); err != nil {
		return nil, err
	}
	return top, nil
}

func (s *SQLiteStore) rank(ctx context.Context, where string, args []any, q []float32, qMag float64, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM kb_vectors WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying vectors: %w", ErrIndex, err)
	}
	defer rows.Close()

	r := newRanking(k)
	var (
		id   string
		blob []byte
		vec  []float32
	)
	for rows.Next() {
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("%w: scanning vector row: %w", ErrIndex, err)
		}
		if vec, err = UnpackVector(vec, blob); err != nil {
			return nil, fmt.Errorf("%w: vector %s: %w", ErrIndex, id, err)
		}
		r.offer(Match{ID: id, Score: similarity(q, vec, qMag)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating vectors: %w", ErrIndex, err)
	}
	return r.best, nil
}

func (s *SQLiteStore) attachMetadata(ctx context.Context, namespace string, ms []Match) error {
	args := []any{namespace}
	pos := make(map[string]int, len(ms))
	for i, m := range ms {
		args = append(args, m.ID)
		pos[m.ID] = i
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata_json FROM kb_vectors
		WHERE namespace = ? AND id IN (?`+strings.Repeat(",?", len(ms)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("%w: reading match metadata: %w", ErrIndex, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("%w: scanning metadata: %w", ErrIndex, err)
		}
		if err := json.Unmarshal([]byte(raw), &ms[pos[id]].Metadata); err != nil {
			return fmt.Errorf("%w: decoding metadata for %s: %w", ErrIndex, id, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterating metadata: %w", ErrIndex, err)
	}
	return nil
}

// Delete removes every entry in the namespace matching filter. A nil filter
// clears the namespace. It returns the number of entries removed.
func (s *SQLiteStore) Delete(ctx context.Context, namespace string, filter Filter) (int, error) {
	where, args, err := whereClause(namespace, filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM kb_vectors WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting vectors: %w", ErrIndex, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIndex, err)
	}
	return int(n), nil
}

// Count returns the number of vectors in the namespace.
func (s *SQLiteStore) Count(ctx context.Context, namespace string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_vectors WHERE namespace = ?`, namespace).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: counting vectors: %w", ErrIndex, err)
	}
	return count, nil
}

// whereClause builds the namespace + metadata equality predicate. sourceUri
// has its own indexed column; other keys go through json_extract.
func whereClause(namespace string, filter Filter) (string, []any, error) {
	clauses := []string{"namespace = ?"}
	args := []any{namespace}

	for _, k := range slices.Sorted(maps.Keys(filter)) {
		if !validKey(k) {
			return "", nil, fmt.Errorf("%w: unsupported filter key %q", ErrIndex, k)
		}
		if k == "sourceUri" {
			clauses = append(clauses, "source_uri = ?")
		} else {
			clauses = append(clauses, "CAST(json_extract(metadata_json, '$."+k+"') AS TEXT) = ?")
		}
		args = append(args, filter[k])
	}
	return strings.Join(clauses, " AND "), args, nil
}
