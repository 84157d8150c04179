package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blastline/blastline/internal/models"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a job together with its recipient list in one transaction.
func (r *JobRepository) Create(job *models.Job, recipients []models.Recipient) error {
	job.ID = uuid.New().String()
	if job.State == "" {
		job.State = models.JobStateDraft
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	keys, err := json.Marshal(job.AttachmentKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment keys: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO jobs (id, kind, channel_id, body, message_type, attachment_keys, state, sent_count, failed_count, waiting_auth, next_delay_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)`,
		job.ID, job.Kind, job.ChannelID, job.Body, job.MessageType, string(keys), job.State, job.NextDelayMs, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO job_recipients (id, job_id, phone, name, position) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range recipients {
		recipients[i].ID = uuid.New().String()
		recipients[i].JobID = job.ID
		recipients[i].Phone = models.NormalizePhone(recipients[i].Phone)
		recipients[i].Position = i
		if _, err := stmt.Exec(recipients[i].ID, job.ID, recipients[i].Phone, recipients[i].Name, i); err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	return tx.Commit()
}

// GetByID returns a job by ID, or ErrNotFound.
func (r *JobRepository) GetByID(id string) (*models.Job, error) {
	job := &models.Job{}
	var keys sql.NullString
	var lastSend, claimed sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, kind, channel_id, body, message_type, attachment_keys, state, sent_count, failed_count, waiting_auth, last_send_at, next_delay_ms, claimed_until, created_at, updated_at
		FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Kind, &job.ChannelID, &job.Body, &job.MessageType, &keys, &job.State,
		&job.SentCount, &job.FailedCount, &job.WaitingAuth, &lastSend, &job.NextDelayMs, &claimed, &job.CreatedAt, &job.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if keys.Valid && keys.String != "" {
		if err := json.Unmarshal([]byte(keys.String), &job.AttachmentKeys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachment keys: %w", err)
		}
	}
	if lastSend.Valid {
		job.LastSendAt = &lastSend.Time
	}
	if claimed.Valid {
		job.ClaimedUntil = &claimed.Time
	}
	return job, nil
}

// Sendable returns jobs the scheduler may advance: sending and not parked
// behind an authentication prompt.
func (r *JobRepository) Sendable() ([]models.Job, error) {
	return r.scanJobs("WHERE state = ? AND waiting_auth = 0 ORDER BY created_at", models.JobStateSending)
}

// InFlight returns jobs in the sending state regardless of the auth flag.
func (r *JobRepository) InFlight() ([]models.Job, error) {
	return r.scanJobs("WHERE state = ? ORDER BY created_at", models.JobStateSending)
}

func (r *JobRepository) scanJobs(clause string, args ...any) ([]models.Job, error) {
	rows, err := r.db.Query(`
		SELECT id, kind, channel_id, body, message_type, attachment_keys, state, sent_count, failed_count, waiting_auth, last_send_at, next_delay_ms, claimed_until, created_at, updated_at
		FROM jobs `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		var job models.Job
		var keys sql.NullString
		var lastSend, claimed sql.NullTime
		if err := rows.Scan(&job.ID, &job.Kind, &job.ChannelID, &job.Body, &job.MessageType, &keys, &job.State,
			&job.SentCount, &job.FailedCount, &job.WaitingAuth, &lastSend, &job.NextDelayMs, &claimed, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		if keys.Valid && keys.String != "" {
			if err := json.Unmarshal([]byte(keys.String), &job.AttachmentKeys); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachment keys: %w", err)
			}
		}
		if lastSend.Valid {
			job.LastSendAt = &lastSend.Time
		}
		if claimed.Valid {
			job.ClaimedUntil = &claimed.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FirstRecipient returns the lowest-position recipient without removing it,
// or ErrNotFound when the list is empty. The caller removes it only after
// the gateway accepted or rejected the unit, so a transport failure leaves
// the list untouched.
func (r *JobRepository) FirstRecipient(jobID string) (*models.Recipient, error) {
	rec := &models.Recipient{}
	var name sql.NullString
	err := r.db.QueryRow(`
		SELECT id, job_id, phone, name, position FROM job_recipients
		WHERE job_id = ? ORDER BY position LIMIT 1`, jobID,
	).Scan(&rec.ID, &rec.JobID, &rec.Phone, &name, &rec.Position)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if name.Valid {
		rec.Name = name.String
	}
	return rec, nil
}

// DeleteRecipient removes one recipient from the primary list.
func (r *JobRepository) DeleteRecipient(id string) error {
	_, err := r.db.Exec("DELETE FROM job_recipients WHERE id = ?", id)
	return err
}

// DeferRecipient moves a recipient off the primary list and appends the
// given unit to the pending queue in one transaction, so the unit exists in
// exactly one place at any point.
func (r *JobRepository) DeferRecipient(rec *models.Recipient, item *models.PendingItem) error {
	item.ID = uuid.New().String()
	item.CreatedAt = time.Now()

	recipients, err := json.Marshal(item.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	keys, err := json.Marshal(item.AttachmentKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment keys: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if rec != nil {
		if _, err := tx.Exec("DELETE FROM job_recipients WHERE id = ?", rec.ID); err != nil {
			return fmt.Errorf("failed to remove recipient: %w", err)
		}
	}

	if err := tx.QueryRow("SELECT COALESCE(MAX(position), -1) + 1 FROM pending_items WHERE job_id = ?", item.JobID).Scan(&item.Position); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO pending_items (id, job_id, channel_id, position, recipients, body, message_type, attachment_keys, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.JobID, item.ChannelID, item.Position, string(recipients), item.Body, item.MessageType, string(keys), item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append pending item: %w", err)
	}

	return tx.Commit()
}

// RecipientCount returns the number of un-sent recipients left on the job.
func (r *JobRepository) RecipientCount(jobID string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM job_recipients WHERE job_id = ?", jobID).Scan(&n)
	return n, err
}

// Recipients returns the remaining recipient list in send order.
func (r *JobRepository) Recipients(jobID string) ([]models.Recipient, error) {
	rows, err := r.db.Query("SELECT id, job_id, phone, name, position FROM job_recipients WHERE job_id = ? ORDER BY position", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		var rec models.Recipient
		var name sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Phone, &name, &rec.Position); err != nil {
			return nil, err
		}
		if name.Valid {
			rec.Name = name.String
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// RecordSend updates counters and the rate-limit bookkeeping after one
// delivered or failed unit.
func (r *JobRepository) RecordSend(jobID string, sentDelta, failedDelta int, sentAt time.Time, nextDelayMs int64) error {
	_, err := r.db.Exec(`
		UPDATE jobs SET sent_count = sent_count + ?, failed_count = failed_count + ?, last_send_at = ?, next_delay_ms = ?, updated_at = ?
		WHERE id = ?`,
		sentDelta, failedDelta, sentAt, nextDelayMs, time.Now(), jobID,
	)
	return err
}

// SetState transitions the job state.
func (r *JobRepository) SetState(jobID, state string) error {
	_, err := r.db.Exec("UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?", state, time.Now(), jobID)
	return err
}

// SetWaitingAuth parks or unparks the job behind the authentication flow.
func (r *JobRepository) SetWaitingAuth(jobID string, waiting bool) error {
	_, err := r.db.Exec("UPDATE jobs SET waiting_auth = ?, updated_at = ? WHERE id = ?", waiting, time.Now(), jobID)
	return err
}

// TryClaim takes the job's replay lease until the given deadline. It returns
// false without waiting when another holder owns an unexpired lease.
func (r *JobRepository) TryClaim(jobID string, now, until time.Time) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE jobs SET claimed_until = ?
		WHERE id = ? AND (claimed_until IS NULL OR claimed_until < ?)`,
		until, jobID, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the replay lease.
func (r *JobRepository) Release(jobID string) error {
	_, err := r.db.Exec("UPDATE jobs SET claimed_until = NULL WHERE id = ?", jobID)
	return err
}

// FinishReplay commits the outcome of one drain-and-replay pass atomically:
// the pending queue is swapped for the remainder, counters are bumped, and
// the job either completes, resumes scheduling, or stays parked when items
// are still pending. Queue rows are only removed in the same transaction
// that writes the remainder, so a crash mid-replay never loses items.
func (r *JobRepository) FinishReplay(jobID string, remainder []models.PendingItem, sentDelta, failedDelta int, now time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pending_items WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to clear pending items: %w", err)
	}

	for i, item := range remainder {
		recipients, err := json.Marshal(item.Recipients)
		if err != nil {
			return fmt.Errorf("failed to marshal recipients: %w", err)
		}
		keys, err := json.Marshal(item.AttachmentKeys)
		if err != nil {
			return fmt.Errorf("failed to marshal attachment keys: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO pending_items (id, job_id, channel_id, position, recipients, body, message_type, attachment_keys, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, jobID, item.ChannelID, i, string(recipients), item.Body, item.MessageType, string(keys), item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to reinsert pending item: %w", err)
		}
	}

	var recipientCount int
	if err := tx.QueryRow("SELECT COUNT(*) FROM job_recipients WHERE job_id = ?", jobID).Scan(&recipientCount); err != nil {
		return err
	}
	var state string
	if err := tx.QueryRow("SELECT state FROM jobs WHERE id = ?", jobID).Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	// A sending job completes once nothing is queued or un-sent. Draft jobs
	// (test sends replayed before submit) keep their state.
	waitingAuth := len(remainder) > 0
	if state == models.JobStateSending && len(remainder) == 0 && recipientCount == 0 {
		state = models.JobStateSent
	}

	_, err = tx.Exec(`
		UPDATE jobs SET sent_count = sent_count + ?, failed_count = failed_count + ?, state = ?, waiting_auth = ?, last_send_at = ?, updated_at = ?
		WHERE id = ?`,
		sentDelta, failedDelta, state, waitingAuth, now, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job after replay: %w", err)
	}

	return tx.Commit()
}
