package repository

import (
	"database/sql"
	"time"

	"github.com/blastline/blastline/internal/models"
)

type StatusRepository struct {
	db *sql.DB
}

func NewStatusRepository(db *sql.DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// Upsert records the latest delivery acknowledgement for a recipient. The
// phone is normalized so a recipient never appears twice under spacing
// variants of the same number.
func (r *StatusRepository) Upsert(jobID, phone, status string) error {
	_, err := r.db.Exec(`
		INSERT INTO recipient_status (job_id, phone, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, phone) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		jobID, models.NormalizePhone(phone), status, time.Now(),
	)
	return err
}

// ListByJob returns delivery statuses for the job.
func (r *StatusRepository) ListByJob(jobID string) ([]models.RecipientStatus, error) {
	rows, err := r.db.Query("SELECT job_id, phone, status, updated_at FROM recipient_status WHERE job_id = ? ORDER BY phone", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := []models.RecipientStatus{}
	for rows.Next() {
		var s models.RecipientStatus
		if err := rows.Scan(&s.JobID, &s.Phone, &s.Status, &s.UpdatedAt); err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}
