package repository

import (
	"testing"

	"github.com/blastline/blastline/internal/models"
)

func TestPendingAppendFIFO(t *testing.T) {
	dbc := setupTestDB(t)
	channels := NewChannelRepository(dbc)
	jobs := NewJobRepository(dbc)
	pending := NewPendingRepository(dbc)

	ch := createTestChannel(t, channels, "a")
	job := createTestJob(t, jobs, ch.ID)

	for _, body := range []string{"first", "second", "third"} {
		item := &models.PendingItem{
			JobID:       job.ID,
			ChannelID:   ch.ID,
			Recipients:  []string{"+1 100", "+1 200"},
			Body:        body,
			MessageType: "chat",
		}
		if err := pending.Append(item); err != nil {
			t.Fatalf("Append(%s) error: %v", body, err)
		}
	}

	items, err := pending.ListByJob(job.ID)
	if err != nil {
		t.Fatalf("ListByJob() error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("ListByJob() returned %d items, want 3", len(items))
	}
	for i, want := range []string{"first", "second", "third"} {
		if items[i].Body != want {
			t.Errorf("item %d body = %q, want %q", i, items[i].Body, want)
		}
		if items[i].Position != i {
			t.Errorf("item %d position = %d, want %d", i, items[i].Position, i)
		}
	}
	if len(items[0].Recipients) != 2 {
		t.Errorf("recipients = %v, want 2 entries", items[0].Recipients)
	}
}

func TestPendingJobIDsWithPending(t *testing.T) {
	dbc := setupTestDB(t)
	channels := NewChannelRepository(dbc)
	jobs := NewJobRepository(dbc)
	pending := NewPendingRepository(dbc)

	ch := createTestChannel(t, channels, "a")
	other := createTestChannel(t, channels, "b")

	j1 := createTestJob(t, jobs, ch.ID)
	j2 := createTestJob(t, jobs, ch.ID)
	j3 := createTestJob(t, jobs, other.ID)

	pending.Append(&models.PendingItem{JobID: j1.ID, ChannelID: ch.ID, Recipients: []string{"+1 1"}, Body: "x", MessageType: "chat"})
	pending.Append(&models.PendingItem{JobID: j2.ID, ChannelID: ch.ID, Recipients: []string{"+1 2"}, Body: "y", MessageType: "chat"})
	pending.Append(&models.PendingItem{JobID: j3.ID, ChannelID: other.ID, Recipients: []string{"+1 3"}, Body: "z", MessageType: "chat"})

	ids, err := pending.JobIDsWithPending(ch.ID)
	if err != nil {
		t.Fatalf("JobIDsWithPending() error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("JobIDsWithPending() returned %d, want 2", len(ids))
	}
	for _, id := range ids {
		if id == j3.ID {
			t.Error("job from another channel included")
		}
	}
}

func TestPendingAttachmentKeysSurviveRoundTrip(t *testing.T) {
	dbc := setupTestDB(t)
	channels := NewChannelRepository(dbc)
	jobs := NewJobRepository(dbc)
	pending := NewPendingRepository(dbc)

	ch := createTestChannel(t, channels, "a")
	job := createTestJob(t, jobs, ch.ID)

	item := &models.PendingItem{
		JobID:          job.ID,
		ChannelID:      ch.ID,
		Recipients:     []string{"+1 100"},
		Body:           "see attached",
		MessageType:    "image",
		AttachmentKeys: []string{"blob-1", "blob-2"},
	}
	if err := pending.Append(item); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	items, err := pending.ListByJob(job.ID)
	if err != nil {
		t.Fatalf("ListByJob() error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("ListByJob() returned %d items, want 1", len(items))
	}
	if len(items[0].AttachmentKeys) != 2 || items[0].AttachmentKeys[0] != "blob-1" {
		t.Errorf("attachment keys = %v, want [blob-1 blob-2]", items[0].AttachmentKeys)
	}
}
