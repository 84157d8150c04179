package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/blastline/blastline/internal/config"
	"github.com/blastline/blastline/internal/gateway"
	"github.com/blastline/blastline/internal/metrics"
	"github.com/blastline/blastline/internal/models"
	"github.com/blastline/blastline/internal/repository"
)

var (
	// ErrBusy means another replay currently holds the job's lease.
	ErrBusy = errors.New("job replay already in progress")
	// ErrNothingPending means the job has no queued units to replay.
	ErrNothingPending = errors.New("no pending items to retry")
)

// Gateway is the outbound message transport.
type Gateway interface {
	Send(ctx context.Context, creds models.Credentials, req *gateway.SendRequest) (*gateway.SendResult, error)
	RequestAuthCode(ctx context.Context, creds models.Credentials) (*gateway.AuthCodeResult, error)
	PollStatuses(ctx context.Context, creds models.Credentials, jobID string) ([]gateway.MessageAck, error)
}

// BlobStore persists attachment payloads for queued units.
type BlobStore interface {
	Put(attachments []models.Attachment) ([]string, error)
	Get(keys []string) ([]models.Attachment, error)
}

// Service runs the dispatch pipeline: operator submissions, the
// rate-limited scheduler and the readiness replay router all share its
// send and defer paths, so the retry semantics exist exactly once.
type Service struct {
	cfg      config.DispatchConfig
	channels *repository.ChannelRepository
	jobs     *repository.JobRepository
	pending  *repository.PendingRepository
	prompts  *repository.PromptRepository
	statuses *repository.StatusRepository
	blobs    BlobStore
	gw       Gateway
	metrics  *metrics.Metrics
	logger   *slog.Logger

	now       func() time.Time
	randFloat func() float64
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock, used by tests to simulate time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRand replaces the delay randomness source.
func WithRand(f func() float64) Option {
	return func(s *Service) { s.randFloat = f }
}

// New creates the dispatch service.
func New(cfg config.DispatchConfig, db *sql.DB, blobs BlobStore, gw Gateway, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		channels:  repository.NewChannelRepository(db),
		jobs:      repository.NewJobRepository(db),
		pending:   repository.NewPendingRepository(db),
		prompts:   repository.NewPromptRepository(db),
		statuses:  repository.NewStatusRepository(db),
		blobs:     blobs,
		gw:        gw,
		metrics:   m,
		logger:    logger.With("component", "dispatch"),
		now:       time.Now,
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sampleDelayMs draws the next inter-send delay uniformly from
// [min_delay, max_delay).
func (s *Service) sampleDelayMs() int64 {
	min := s.cfg.MinDelay.Milliseconds()
	max := s.cfg.MaxDelay.Milliseconds()
	return min + int64(s.randFloat()*float64(max-min))
}

func (s *Service) loadAttachments(keys []string) ([]models.Attachment, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return s.blobs.Get(keys)
}

// showPrompt surfaces an authentication prompt for the channel. An existing
// fresh prompt is kept as is; a stale one is superseded.
func (s *Service) showPrompt(channelID, jobID, code string) {
	if active, err := s.prompts.ActiveForChannel(channelID); err == nil && !active.Stale(s.now()) {
		return
	}

	prompt := &models.AuthPrompt{
		ChannelID: channelID,
		JobID:     jobID,
		Code:      code,
		ExpiresAt: s.now().Add(s.cfg.PromptTTL),
	}
	if err := s.prompts.Show(prompt); err != nil {
		s.logger.Error("failed to show auth prompt", "channel_id", channelID, "error", err)
		return
	}
	s.metrics.PromptsTotal.WithLabelValues(models.PromptShown).Inc()
}

// deferUnit parks one unit behind authentication: the recipient moves to
// the pending queue, the job waits, the channel loses readiness and the
// operator gets a prompt.
func (s *Service) deferUnit(ch *models.Channel, job *models.Job, rec *models.Recipient, recipients []string, authCode string) error {
	item := &models.PendingItem{
		JobID:          job.ID,
		ChannelID:      ch.ID,
		Recipients:     recipients,
		Body:           job.Body,
		MessageType:    job.MessageType,
		AttachmentKeys: job.AttachmentKeys,
	}
	if err := s.jobs.DeferRecipient(rec, item); err != nil {
		return err
	}
	if err := s.jobs.SetWaitingAuth(job.ID, true); err != nil {
		return err
	}
	if err := s.channels.ClearReady(ch.ID); err != nil {
		return err
	}
	s.showPrompt(ch.ID, job.ID, authCode)
	s.metrics.SendsTotal.WithLabelValues("pending").Inc()
	s.logger.Info("unit deferred pending authentication", "job_id", job.ID, "channel_id", ch.ID)
	return nil
}

func (s *Service) updateGauges() {
	if n, err := s.pending.Total(); err == nil {
		s.metrics.PendingItems.Set(float64(n))
	}
	if jobs, err := s.jobs.InFlight(); err == nil {
		s.metrics.JobsInFlight.Set(float64(len(jobs)))
	}
	if ready, err := s.channels.ReadyChannels(); err == nil {
		s.metrics.ChannelsReady.Set(float64(len(ready)))
	}
}
