package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const questionColumns = `id, category, question, kundli_cache_key, answer_json, is_fallback, verified, is_accurate, created_at, verified_at`

func (s *Store) SaveQuestion(q Question) error {
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	category := q.Category
	if category == "" {
		category = "custom"
	}
	_, err := s.db.Exec(`INSERT INTO questions (id, category, question, kundli_cache_key, answer_json, is_fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, category, q.Question, q.KundliCacheKey, q.AnswerJSON, q.IsFallback, createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving question %s: %w", q.ID, err)
	}
	return nil
}

func (s *Store) GetQuestion(id string) (Question, error) {
	q, err := scanQuestion(s.db.QueryRow(`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Question{}, ErrNotFound
	}
	return q, err
}

// ListQuestions returns the most recent questions, optionally restricted to
// one category.
func (s *Store) ListQuestions(category string, limit int) ([]Question, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + questionColumns + ` FROM questions`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

// VerifyQuestion records the user's accuracy feedback for an answer.
func (s *Store) VerifyQuestion(id string, accurate bool) error {
	res, err := s.db.Exec(`UPDATE questions SET verified = 1, is_accurate = ?, verified_at = ? WHERE id = ?`,
		accurate, time.Now().UTC().Format(time.RFC3339), id)
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

func scanQuestion(r rowScanner) (Question, error) {
	var q Question
	var accurate sql.NullBool
	var createdAt, verifiedAt string
	if err := r.Scan(&q.ID, &q.Category, &q.Question, &q.KundliCacheKey, &q.AnswerJSON,
		&q.IsFallback, &q.Verified, &accurate, &createdAt, &verifiedAt); err != nil {
		return Question{}, err
	}
	if accurate.Valid {
		v := accurate.Bool
		q.IsAccurate = &v
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Question{}, fmt.Errorf("parsing created_at for question %s: %w", q.ID, err)
	}
	q.CreatedAt = t
	if verifiedAt != "" {
		if q.VerifiedAt, err = time.Parse(time.RFC3339, verifiedAt); err != nil {
			return Question{}, fmt.Errorf("parsing verified_at for question %s: %w", q.ID, err)
		}
	}
	return q, nil
}
