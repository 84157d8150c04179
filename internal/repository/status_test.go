package repository

import (
	"testing"

	"github.com/blastline/blastline/internal/models"
)

func TestStatusUpsertNoDuplicates(t *testing.T) {
	dbc := setupTestDB(t)
	channels := NewChannelRepository(dbc)
	jobs := NewJobRepository(dbc)
	statuses := NewStatusRepository(dbc)

	ch := createTestChannel(t, channels, "a")
	job := createTestJob(t, jobs, ch.ID)

	if err := statuses.Upsert(job.ID, "+1 555 0100", models.DeliverySent); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	// Same number with different spacing must update the existing row
	if err := statuses.Upsert(job.ID, "+1   5550100", models.DeliverySeen); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err := statuses.ListByJob(job.ID)
	if err != nil {
		t.Fatalf("ListByJob() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListByJob() returned %d rows, want 1", len(got))
	}
	if got[0].Status != models.DeliverySeen {
		t.Errorf("status = %q, want seen", got[0].Status)
	}
}
