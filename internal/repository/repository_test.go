package repository

import (
	"database/sql"
	"testing"

	"github.com/blastline/blastline/internal/db"
	"github.com/blastline/blastline/internal/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database.DB
}

func createTestChannel(t *testing.T, repo *ChannelRepository, name string) *models.Channel {
	t.Helper()
	ch := &models.Channel{
		Name:          name,
		CredentialKey: "key-" + name,
		Address:       "+49 170000" + name,
	}
	if err := repo.Create(ch); err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	return ch
}

func createTestJob(t *testing.T, repo *JobRepository, channelID string, phones ...string) *models.Job {
	t.Helper()
	job := &models.Job{
		Kind:        models.JobKindCampaign,
		ChannelID:   channelID,
		Body:        "hello",
		MessageType: "chat",
	}
	recipients := make([]models.Recipient, len(phones))
	for i, p := range phones {
		recipients[i] = models.Recipient{Phone: p}
	}
	if err := repo.Create(job, recipients); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}
