package blobstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/blastline/blastline/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := setupStore(t)

	in := []models.Attachment{
		{Name: "photo.jpg", MimeType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}},
		{Name: "notes.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.4")},
	}

	keys, err := s.Put(in)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Put() returned %d keys, want 2", len(keys))
	}

	out, err := s.Get(keys)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	for i := range in {
		if out[i].Name != in[i].Name {
			t.Errorf("attachment %d name = %q, want %q", i, out[i].Name, in[i].Name)
		}
		if !bytes.Equal(out[i].Data, in[i].Data) {
			t.Errorf("attachment %d data mismatch", i)
		}
	}
}

func TestGetMissingKey(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Get([]string{"no-such-key"}); err == nil {
		t.Error("Get() expected error for missing key")
	}
}

func TestPutEmpty(t *testing.T) {
	s := setupStore(t)
	keys, err := s.Put(nil)
	if err != nil {
		t.Fatalf("Put(nil) error: %v", err)
	}
	if keys != nil {
		t.Errorf("Put(nil) = %v, want nil", keys)
	}
}

func TestDelete(t *testing.T) {
	s := setupStore(t)

	keys, err := s.Put([]models.Attachment{{Name: "a.txt", MimeType: "text/plain", Data: []byte("hi")}})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := s.Delete(keys); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.Get(keys); err == nil {
		t.Error("Get() after Delete() expected error")
	}

	// Deleting again is a no-op
	if err := s.Delete(keys); err != nil {
		t.Errorf("Delete() second call error: %v", err)
	}
}
