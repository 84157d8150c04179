package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blastline/blastline/internal/models"
)

type PromptRepository struct {
	db *sql.DB
}

func NewPromptRepository(db *sql.DB) *PromptRepository {
	return &PromptRepository{db: db}
}

// Show opens a new prompt for the channel. Any prompt still shown for the
// same channel is superseded in the same transaction, so at most one prompt
// per channel is active.
func (r *PromptRepository) Show(prompt *models.AuthPrompt) error {
	prompt.ID = uuid.New().String()
	prompt.State = models.PromptShown
	prompt.CreatedAt = time.Now()
	if prompt.ExpiresAt.IsZero() {
		prompt.ExpiresAt = prompt.CreatedAt.Add(2 * time.Minute)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec("UPDATE auth_prompts SET state = ? WHERE channel_id = ? AND state = ?",
		models.PromptSuperseded, prompt.ChannelID, models.PromptShown)
	if err != nil {
		return fmt.Errorf("failed to supersede prompt: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO auth_prompts (id, channel_id, job_id, code, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		prompt.ID, prompt.ChannelID, prompt.JobID, prompt.Code, prompt.State, prompt.CreatedAt, prompt.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create prompt: %w", err)
	}

	return tx.Commit()
}

// GetByID returns a prompt by ID, or ErrNotFound.
func (r *PromptRepository) GetByID(id string) (*models.AuthPrompt, error) {
	return r.scanOne("SELECT id, channel_id, job_id, code, state, created_at, expires_at FROM auth_prompts WHERE id = ?", id)
}

// ActiveForChannel returns the channel's shown prompt, or ErrNotFound.
func (r *PromptRepository) ActiveForChannel(channelID string) (*models.AuthPrompt, error) {
	return r.scanOne(`
		SELECT id, channel_id, job_id, code, state, created_at, expires_at FROM auth_prompts
		WHERE channel_id = ? AND state = ? ORDER BY created_at DESC LIMIT 1`,
		channelID, models.PromptShown)
}

// SetState transitions the prompt only while it is still shown. Terminal
// states never move again.
func (r *PromptRepository) SetState(id, state string) error {
	res, err := r.db.Exec("UPDATE auth_prompts SET state = ? WHERE id = ? AND state = ?",
		state, id, models.PromptShown)
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

// Dismiss marks the prompt dismissed by the operator. Queued work survives
// dismissal; only the prompting stops.
func (r *PromptRepository) Dismiss(id string) error {
	return r.SetState(id, models.PromptDismissed)
}

// CloseForChannel closes the channel's shown prompt, if any.
func (r *PromptRepository) CloseForChannel(channelID string) error {
	_, err := r.db.Exec("UPDATE auth_prompts SET state = ? WHERE channel_id = ? AND state = ?",
		models.PromptClosed, channelID, models.PromptShown)
	return err
}

func (r *PromptRepository) scanOne(query string, args ...any) (*models.AuthPrompt, error) {
	p := &models.AuthPrompt{}
	var jobID, code sql.NullString

	err := r.db.QueryRow(query, args...).Scan(&p.ID, &p.ChannelID, &jobID, &code, &p.State, &p.CreatedAt, &p.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if jobID.Valid {
		p.JobID = jobID.String
	}
	if code.Valid {
		p.Code = code.String
	}
	return p, nil
}
