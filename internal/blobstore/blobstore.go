package blobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/blastline/blastline/internal/models"
)

var bucketAttachments = []byte("attachments")

// Store persists attachment payloads outside the relational store. Queued
// retry units reference payloads by key; the bytes written at queue time are
// never modified afterwards.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) a blob store at path.
func Open(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAttachments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Put stores the attachments and returns one key per attachment, in order.
func (s *Store) Put(attachments []models.Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(attachments))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		for _, a := range attachments {
			data, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("failed to marshal attachment: %w", err)
			}
			key := uuid.New().String()
			if err := b.Put([]byte(key), data); err != nil {
				return fmt.Errorf("failed to store attachment: %w", err)
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Get loads attachments by key, in the given order.
func (s *Store) Get(keys []string) ([]models.Attachment, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	attachments := make([]models.Attachment, 0, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		for _, key := range keys {
			data := b.Get([]byte(key))
			if data == nil {
				return fmt.Errorf("attachment not found: %s", key)
			}
			var a models.Attachment
			if err := json.Unmarshal(data, &a); err != nil {
				return fmt.Errorf("failed to unmarshal attachment: %w", err)
			}
			attachments = append(attachments, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attachments, nil
}

// Delete removes attachments by key. Missing keys are ignored.
func (s *Store) Delete(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		for _, key := range keys {
			if err := b.Delete([]byte(key)); err != nil {
				return fmt.Errorf("failed to delete attachment: %w", err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
