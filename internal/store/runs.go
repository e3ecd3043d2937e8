package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/agentdeck/agentdeck/model"
)

// --- Runs ---

// CreateRunWithJob inserts a run and its queue job in one transaction so a
// run can never exist without schedulable work.
func (s *Store) CreateRunWithJob(run *model.Run, job *model.Job) error {
	now := model.NowMillis()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	if job.AvailableAt == 0 {
		job.AvailableAt = now
	}
	job.RunID = run.ID

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO runs (id, project_id, session_id, idempotency_key, prompt,
		                   status, started_at, finished_at, summary_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, '', ?)`,
		run.ID, run.ProjectID, run.SessionID, run.IdempotencyKey, run.Prompt,
		string(run.Status), run.CreatedAt,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO jobs (id, run_id, status, available_at, attempts, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		job.ID, job.RunID, string(job.Status), job.AvailableAt, job.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

const runColumns = `id, project_id, session_id, idempotency_key, prompt,
                    status, started_at, finished_at, summary_json, created_at`

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	r := &model.Run{}
	var status string
	err := row.Scan(&r.ID, &r.ProjectID, &r.SessionID, &r.IdempotencyKey, &r.Prompt,
		&status, &r.StartedAt, &r.FinishedAt, &r.SummaryJSON, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = model.RunStatus(status)
	return r, nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(id string) (*model.Run, error) {
	return scanRun(s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
}

// GetRunByIdempotencyKey retrieves a run by its idempotency key.
func (s *Store) GetRunByIdempotencyKey(key string) (*model.Run, error) {
	return scanRun(s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key,
	))
}

// FindActiveRunBySession returns the session's queued/leased/in_flight run,
// or ErrNotFound.
func (s *Store) FindActiveRunBySession(sessionID string) (*model.Run, error) {
	return scanRun(s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs
		 WHERE session_id = ? AND status IN ('queued','leased','in_flight')
		 ORDER BY created_at DESC LIMIT 1`, sessionID,
	))
}

// ListRuns returns runs newest first, capped at limit (0 = no cap).
func (s *Store) ListRuns(limit int) ([]*model.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkRunInFlight transitions a run to in_flight, stamping started_at on
// the first transition only.
func (s *Store) MarkRunInFlight(runID string) error {
	now := model.NowMillis()
	_, err := s.db.Exec(
		`UPDATE runs SET status = 'in_flight',
		        started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END
		 WHERE id = ?`, now, runID,
	)
	return err
}

// FinalizeRun moves a run to a terminal status with its summary. It is a
// no-op if the run is already terminal, so late finalizers cannot clobber
// an earlier outcome.
func (s *Store) FinalizeRun(runID string, status model.RunStatus, summaryJSON string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, summary_json = ?, finished_at = ?
		 WHERE id = ? AND status NOT IN ('completed','failed','cancelled')`,
		string(status), summaryJSON, model.NowMillis(), runID,
	)
	return err
}

// CancelRun requests cancellation: an active run flips to cancelled (the
// executor polls for this) and its job leaves the queue. Returns whether
// the run was still active.
func (s *Store) CancelRun(runID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE runs SET status = 'cancelled', finished_at = ?
		 WHERE id = ? AND status IN ('queued','leased','in_flight')`,
		model.NowMillis(), runID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}
	if _, err := tx.Exec(
		`UPDATE jobs SET status = 'cancelled'
		 WHERE run_id = ? AND status IN ('queued','leased')`, runID,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// AbandonRun marks an in_flight run abandoned (worker lost). Returns whether
// the transition applied.
func (s *Store) AbandonRun(runID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE runs SET status = 'abandoned' WHERE id = ? AND status = 'in_flight'`,
		runID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListStaleInFlightRuns returns in_flight runs that started before cutoff
// (milliseconds). Used by the hourly reconcile pass.
func (s *Store) ListStaleInFlightRuns(cutoff int64) ([]*model.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'in_flight' AND started_at > 0 AND started_at < ?
		 ORDER BY started_at`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, run_id, status, lease_owner, lease_expires_at,
                    available_at, attempts, last_error, created_at`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	j := &model.Job{}
	var status string
	err := row.Scan(&j.ID, &j.RunID, &status, &j.LeaseOwner, &j.LeaseExpiresAt,
		&j.AvailableAt, &j.Attempts, &j.LastError, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Status = model.JobStatus(status)
	return j, nil
}

// GetJobByRunID retrieves a run's job.
func (s *Store) GetJobByRunID(runID string) (*model.Job, error) {
	return scanJob(s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = ?`, runID,
	))
}

// LeaseNextJob atomically claims the oldest schedulable job for owner.
// Schedulable means queued and available, or leased with an expired lease.
// The paired run moves to leased. Returns ErrNotFound when nothing is due.
func (s *Store) LeaseNextJob(owner string, lease time.Duration) (*model.Job, error) {
	now := model.NowMillis()
	expires := now + lease.Milliseconds()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(
		`SELECT id FROM jobs
		 WHERE (status = 'queued' AND available_at <= ?)
		    OR (status = 'leased' AND lease_expires_at < ?)
		 ORDER BY available_at, created_at LIMIT 1`, now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		`UPDATE jobs SET status = 'leased', lease_owner = ?, lease_expires_at = ?,
		        attempts = attempts + 1
		 WHERE id = ?`, owner, expires, id,
	); err != nil {
		return nil, err
	}

	job, err := scanJob(tx.QueryRow(
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	))
	if err != nil {
		return nil, err
	}

	// Re-open the run: a requeued job may belong to a run that was marked
	// abandoned by a reconcile pass.
	if _, err := tx.Exec(
		`UPDATE runs SET status = 'leased'
		 WHERE id = ? AND status IN ('queued','leased','in_flight','abandoned')`,
		job.RunID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// RenewJobLease extends a held lease. Returns false if the job is no longer
// leased by owner.
func (s *Store) RenewJobLease(jobID, owner string, lease time.Duration) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET lease_expires_at = ?
		 WHERE id = ? AND status = 'leased' AND lease_owner = ?`,
		model.NowMillis()+lease.Milliseconds(), jobID, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(jobID string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'completed', lease_owner = '', lease_expires_at = 0
		 WHERE id = ?`, jobID,
	)
	return err
}

// FailJob marks a job failed with its last error. Terminal jobs are left
// alone: a job cancelled by CancelRun keeps its cancelled outcome even when
// the executor finishes afterwards.
func (s *Store) FailJob(jobID, lastError string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', last_error = ?,
		        lease_owner = '', lease_expires_at = 0
		 WHERE id = ? AND status IN ('queued','leased')`, lastError, jobID,
	)
	return err
}

// CancelJobByRunID removes a run's job from the queue.
func (s *Store) CancelJobByRunID(runID string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'cancelled'
		 WHERE run_id = ? AND status IN ('queued','leased')`, runID,
	)
	return err
}

// RequeueLeasedJobByRunID returns a leased job to the queue (used after
// abandoning a stale run) with a short delay to avoid a hot retry loop.
func (s *Store) RequeueLeasedJobByRunID(runID string, delay time.Duration) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', lease_owner = '', lease_expires_at = 0,
		        available_at = ?
		 WHERE run_id = ? AND status = 'leased'`,
		model.NowMillis()+delay.Milliseconds(), runID,
	)
	return err
}

// --- Run events ---

// AppendRunEvent appends one event with the next sequence number for the
// run and returns that number. Computing MAX(seq)+1 inside the INSERT makes
// the whole allocation a single statement, so concurrent appenders cannot
// race it; UNIQUE(run_id, seq) backstops the invariant.
func (s *Store) AppendRunEvent(runID, eventType, payloadJSON string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(
		`INSERT INTO run_events (run_id, seq, event_type, payload_json, created_at)
		 VALUES (?,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?),
		         ?, ?, ?)
		 RETURNING seq`,
		runID, runID, eventType, payloadJSON, model.NowMillis(),
	).Scan(&seq)
	return seq, err
}

// ListRunEvents returns a run's events with seq > afterSeq in order.
func (s *Store) ListRunEvents(runID string, afterSeq int64) ([]*model.RunEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, seq, event_type, payload_json, created_at
		 FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, afterSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.RunEvent
	for rows.Next() {
		e := &model.RunEvent{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.EventType,
			&e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountRunEvents returns how many events a run has.
func (s *Store) CountRunEvents(runID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM run_events WHERE run_id = ?`, runID,
	).Scan(&n)
	return n, err
}

// CountRunsByStatus returns run counts grouped by status, for metrics.
func (s *Store) CountRunsByStatus() (map[model.RunStatus]int64, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.RunStatus(status)] = n
	}
	return counts, rows.Err()
}
