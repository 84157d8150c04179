package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationChannels,
		migrationJobs,
		migrationJobRecipients,
		migrationPendingItems,
		migrationRecipientStatus,
		migrationAuthPrompts,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationChannels = `
CREATE TABLE IF NOT EXISTS channels (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    credential_key TEXT NOT NULL,
    address TEXT NOT NULL,
    is_default INTEGER NOT NULL DEFAULT 0,
    ready INTEGER NOT NULL DEFAULT 0,
    authorized_users JSON,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(credential_key, address)
);
CREATE INDEX IF NOT EXISTS idx_channels_ready ON channels(ready);
`

const migrationJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    channel_id TEXT NOT NULL REFERENCES channels(id),
    body TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL DEFAULT 'chat',
    attachment_keys JSON,
    state TEXT NOT NULL DEFAULT 'draft',
    sent_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    waiting_auth INTEGER NOT NULL DEFAULT 0,
    last_send_at TIMESTAMP,
    next_delay_ms INTEGER NOT NULL DEFAULT 0,
    claimed_until TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_channel ON jobs(channel_id);
`

const migrationJobRecipients = `
CREATE TABLE IF NOT EXISTS job_recipients (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    phone TEXT NOT NULL,
    name TEXT,
    position INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_job_recipients_job ON job_recipients(job_id, position);
`

const migrationPendingItems = `
CREATE TABLE IF NOT EXISTS pending_items (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    channel_id TEXT NOT NULL REFERENCES channels(id),
    position INTEGER NOT NULL,
    recipients JSON NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL DEFAULT 'chat',
    attachment_keys JSON,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pending_items_job ON pending_items(job_id, position);
CREATE INDEX IF NOT EXISTS idx_pending_items_channel ON pending_items(channel_id);
`

const migrationRecipientStatus = `
CREATE TABLE IF NOT EXISTS recipient_status (
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    phone TEXT NOT NULL,
    status TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(job_id, phone)
);
CREATE INDEX IF NOT EXISTS idx_recipient_status_job ON recipient_status(job_id);
`

const migrationAuthPrompts = `
CREATE TABLE IF NOT EXISTS auth_prompts (
    id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
    job_id TEXT,
    code TEXT,
    state TEXT NOT NULL DEFAULT 'shown',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_prompts_channel ON auth_prompts(channel_id, state);
`
