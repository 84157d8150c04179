package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blastline/blastline/internal/models"
)

type PendingRepository struct {
	db *sql.DB
}

func NewPendingRepository(db *sql.DB) *PendingRepository {
	return &PendingRepository{db: db}
}

// Append adds an item at the tail of the job's queue. The position is taken
// inside the transaction so concurrent appends keep FIFO order.
func (r *PendingRepository) Append(item *models.PendingItem) error {
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

// ListByJob returns the job's queued items in FIFO order.
func (r *PendingRepository) ListByJob(jobID string) ([]models.PendingItem, error) {
	rows, err := r.db.Query(`
		SELECT id, job_id, channel_id, position, recipients, body, message_type, attachment_keys, created_at
		FROM pending_items WHERE job_id = ? ORDER BY position`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingItems(rows)
}

// Total returns the number of queued items across all jobs.
func (r *PendingRepository) Total() (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM pending_items").Scan(&n)
	return n, err
}

// CountByJob returns the number of queued items for the job.
func (r *PendingRepository) CountByJob(jobID string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM pending_items WHERE job_id = ?", jobID).Scan(&n)
	return n, err
}

// JobIDsWithPending returns IDs of jobs on the channel that have queued
// items, oldest queue head first.
func (r *PendingRepository) JobIDsWithPending(channelID string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT job_id FROM pending_items WHERE channel_id = ?
		GROUP BY job_id ORDER BY MIN(created_at)`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPendingItems(rows *sql.Rows) ([]models.PendingItem, error) {
	items := []models.PendingItem{}
	for rows.Next() {
		var item models.PendingItem
		var recipients string
		var keys sql.NullString
		if err := rows.Scan(&item.ID, &item.JobID, &item.ChannelID, &item.Position, &recipients, &item.Body, &item.MessageType, &keys, &item.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &item.Recipients); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
		}
		if keys.Valid && keys.String != "" {
			if err := json.Unmarshal([]byte(keys.String), &item.AttachmentKeys); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachment keys: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
