package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

const (
	defaultMaxAttempts = 3
	maxRetryDelay      = 5 * time.Minute
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// Job is one unit of background work. Payload is opaque to the queue.
type Job struct {
	ID          string
	Kind        string
	Payload     string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// EnqueueJob stores j as pending. A zero MaxAttempts means three attempts and
// a zero RunAfter means now.
func (s *Store) EnqueueJob(j Job) error {
	now := time.Now()
	if j.RunAfter.IsZero() {
		j.RunAfter = now
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.Exec(`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, NULL)`,
		j.ID, j.Kind, j.Payload, JobPending, j.MaxAttempts, stamp(j.RunAfter), stamp(now), stamp(now))
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", j.ID, err)
	}
	return nil
}

// ClaimJob marks the oldest due pending job of the given kind as running and
// returns it, or nil when none is due. The select and the update are one
// statement, so two workers never claim the same job.
func (s *Store) ClaimJob(kind string) (*Job, error) {
	now := stamp(time.Now())
	row := s.db.QueryRow(`
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND type = ? AND run_after <= ?
			ORDER BY run_after, created_at, id
			LIMIT 1
		)
		RETURNING `+jobColumns,
		JobRunning, now, JobPending, kind, now)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming %s job: %w", kind, err)
	}
	return &j, nil
}

// FinishJob records the outcome of a claimed job. A nil runErr completes it.
// Otherwise the attempt is counted and the job either waits out a doubling
// delay before its next try or, once out of attempts, fails.
func (s *Store) FinishJob(id string, runErr error) error {
	now := time.Now()
	if runErr == nil {
		return s.updateJob(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, JobCompleted, stamp(now), id)
	}

	j, err := s.GetJob(id)
	if err != nil {
		return err
	}
	attempts := j.Attempts + 1
	if attempts >= j.MaxAttempts {
		return s.updateJob(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			JobFailed, attempts, runErr.Error(), stamp(now), id)
	}
	return s.updateJob(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		JobPending, attempts, runErr.Error(), stamp(now.Add(retryDelay(attempts))), stamp(now), id)
}

func (s *Store) updateJob(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// retryDelay doubles from two seconds per attempt, capped at maxRetryDelay.
func retryDelay(attempts int) time.Duration {
	d := 2 * time.Second
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// RequeueRunningJobs returns jobs orphaned in the running state by a previous
// process to the queue and reports how many there were.
func (s *Store) RequeueRunningJobs() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		JobPending, stamp(time.Now()), JobRunning)
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j                              Job
		runAfter, createdAt, updatedAt string
		lastError                      sql.NullString
	)
	if err := r.Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String

	for _, f := range []struct {
		dst *time.Time
		raw string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, createdAt}, {&j.UpdatedAt, updatedAt}} {
		t, err := time.Parse(time.RFC3339, f.raw)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: bad timestamp %q: %w", j.ID, f.raw, err)
		}
		*f.dst = t
	}
	return j, nil
}
