package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blastline/blastline/internal/models"
)

type ChannelRepository struct {
	db *sql.DB
}

func NewChannelRepository(db *sql.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// Create inserts a new channel. When the channel is marked default, the
// previous default is unset in the same transaction.
func (r *ChannelRepository) Create(ch *models.Channel) error {
	ch.ID = uuid.New().String()
	ch.CreatedAt = time.Now()
	ch.UpdatedAt = ch.CreatedAt
	ch.Address = models.NormalizePhone(ch.Address)

	users, err := json.Marshal(ch.AuthorizedUsers)
	if err != nil {
		return fmt.Errorf("failed to marshal authorized users: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ch.IsDefault {
		if _, err := tx.Exec("UPDATE channels SET is_default = 0, updated_at = ? WHERE is_default = 1", ch.UpdatedAt); err != nil {
			return fmt.Errorf("failed to unset previous default: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO channels (id, name, credential_key, address, is_default, ready, authorized_users, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, ch.CredentialKey, ch.Address, ch.IsDefault, ch.Ready, string(users), ch.CreatedAt, ch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	return tx.Commit()
}

// Update rewrites channel fields. Changing credentials drops readiness since
// the gateway session no longer matches.
func (r *ChannelRepository) Update(ch *models.Channel) error {
	ch.UpdatedAt = time.Now()
	ch.Address = models.NormalizePhone(ch.Address)

	users, err := json.Marshal(ch.AuthorizedUsers)
	if err != nil {
		return fmt.Errorf("failed to marshal authorized users: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ch.IsDefault {
		if _, err := tx.Exec("UPDATE channels SET is_default = 0, updated_at = ? WHERE is_default = 1 AND id != ?", ch.UpdatedAt, ch.ID); err != nil {
			return fmt.Errorf("failed to unset previous default: %w", err)
		}
	}

	res, err := tx.Exec(`
		UPDATE channels
		SET name = ?, credential_key = ?, address = ?, is_default = ?, ready = ?, authorized_users = ?, updated_at = ?
		WHERE id = ?`,
		ch.Name, ch.CredentialKey, ch.Address, ch.IsDefault, ch.Ready, string(users), ch.UpdatedAt, ch.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// SetDefault makes the channel the single default. The unset of the previous
// default and the set of the new one commit together.
func (r *ChannelRepository) SetDefault(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec("UPDATE channels SET is_default = 0, updated_at = ? WHERE is_default = 1", now); err != nil {
		return fmt.Errorf("failed to unset previous default: %w", err)
	}

	res, err := tx.Exec("UPDATE channels SET is_default = 1, updated_at = ? WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("failed to set default: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// GetByID returns a channel by ID, or ErrNotFound.
func (r *ChannelRepository) GetByID(id string) (*models.Channel, error) {
	return r.scanOne("SELECT id, name, credential_key, address, is_default, ready, authorized_users, created_at, updated_at FROM channels WHERE id = ?", id)
}

// FindByCredentials returns the channel matching the gateway identity, or
// ErrNotFound. The address is normalized before lookup.
func (r *ChannelRepository) FindByCredentials(key, address string) (*models.Channel, error) {
	return r.scanOne(
		"SELECT id, name, credential_key, address, is_default, ready, authorized_users, created_at, updated_at FROM channels WHERE credential_key = ? AND address = ?",
		key, models.NormalizePhone(address),
	)
}

// Default returns the default channel, or ErrNotFound when none is set.
func (r *ChannelRepository) Default() (*models.Channel, error) {
	return r.scanOne("SELECT id, name, credential_key, address, is_default, ready, authorized_users, created_at, updated_at FROM channels WHERE is_default = 1")
}

// List returns all channels ordered by creation time.
func (r *ChannelRepository) List() ([]models.Channel, error) {
	return r.scanMany("SELECT id, name, credential_key, address, is_default, ready, authorized_users, created_at, updated_at FROM channels ORDER BY created_at")
}

// ReadyChannels returns every channel currently marked ready.
func (r *ChannelRepository) ReadyChannels() ([]models.Channel, error) {
	return r.scanMany("SELECT id, name, credential_key, address, is_default, ready, authorized_users, created_at, updated_at FROM channels WHERE ready = 1 ORDER BY created_at")
}

// MarkReady flags the channel ready. Repeated calls are no-ops.
func (r *ChannelRepository) MarkReady(id string) error {
	_, err := r.db.Exec("UPDATE channels SET ready = 1, updated_at = ? WHERE id = ?", time.Now(), id)
	return err
}

// ClearReady drops the ready flag, typically after the gateway deferred a
// send pending authentication.
func (r *ChannelRepository) ClearReady(id string) error {
	_, err := r.db.Exec("UPDATE channels SET ready = 0, updated_at = ? WHERE id = ?", time.Now(), id)
	return err
}

// Delete removes a channel.
func (r *ChannelRepository) Delete(id string) error {
	res, err := r.db.Exec("DELETE FROM channels WHERE id = ?", id)
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

func (r *ChannelRepository) scanOne(query string, args ...any) (*models.Channel, error) {
	ch := &models.Channel{}
	var users sql.NullString

	err := r.db.QueryRow(query, args...).Scan(
		&ch.ID, &ch.Name, &ch.CredentialKey, &ch.Address, &ch.IsDefault, &ch.Ready, &users, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if users.Valid && users.String != "" {
		if err := json.Unmarshal([]byte(users.String), &ch.AuthorizedUsers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal authorized users: %w", err)
		}
	}
	return ch, nil
}

func (r *ChannelRepository) scanMany(query string, args ...any) ([]models.Channel, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		var ch models.Channel
		var users sql.NullString
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.CredentialKey, &ch.Address, &ch.IsDefault, &ch.Ready, &users, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, err
		}
		if users.Valid && users.String != "" {
			if err := json.Unmarshal([]byte(users.String), &ch.AuthorizedUsers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal authorized users: %w", err)
			}
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}
