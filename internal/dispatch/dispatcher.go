package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/blastline/blastline/internal/gateway"
	"github.com/blastline/blastline/internal/models"
	"github.com/blastline/blastline/internal/repository"
)

// CampaignRequest describes a new campaign draft.
type CampaignRequest struct {
	ChannelID   string
	Body        string
	Recipients  []models.Recipient
	Attachments []models.Attachment
}

// CreateCampaign stores the campaign's attachments and persists the draft
// job with its recipient list. Nothing is sent until the campaign is
// submitted.
func (s *Service) CreateCampaign(req *CampaignRequest) (*models.Job, error) {
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	var ch *models.Channel
	var err error
	if req.ChannelID != "" {
		ch, err = s.channels.GetByID(req.ChannelID)
	} else {
		ch, err = s.channels.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	keys, err := s.blobs.Put(req.Attachments)
	if err != nil {
		return nil, fmt.Errorf("store attachments: %w", err)
	}

	job := &models.Job{
		Kind:           models.JobKindCampaign,
		ChannelID:      ch.ID,
		Body:           req.Body,
		MessageType:    gateway.InferMessageType(req.Attachments),
		AttachmentKeys: keys,
		State:          models.JobStateDraft,
	}
	if err := s.jobs.Create(job, req.Recipients); err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitCampaign starts a draft campaign with a synchronous probe send to
// the first recipient. The probe surfaces gateway problems to the operator
// immediately; the scheduler paces the rest.
func (s *Service) SubmitCampaign(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.jobs.GetByID(jobID)
	if err != nil {
		return nil, err
	}
	if job.Kind != models.JobKindCampaign {
		return nil, fmt.Errorf("job %s is not a campaign", jobID)
	}
	if job.State != models.JobStateDraft {
		return nil, fmt.Errorf("campaign already submitted")
	}

	ch, err := s.channels.GetByID(job.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	rec, err := s.jobs.FirstRecipient(jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("campaign has no recipients")
	}
	if err != nil {
		return nil, err
	}

	attachments, err := s.loadAttachments(job.AttachmentKeys)
	if err != nil {
		return nil, err
	}

	res, err := s.gw.Send(ctx, ch.Creds(), &gateway.SendRequest{
		To:          []string{rec.Phone},
		Body:        job.Body,
		MessageType: job.MessageType,
		Attachments: attachments,
		Marketing:   true,
		JobID:       job.ID,
	})
	if err != nil {
		// Transport failure: the campaign stays draft, nothing consumed
		s.metrics.SendsTotal.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	now := s.now()
	switch res.Status {
	case gateway.StatusOK:
		if err := s.jobs.DeleteRecipient(rec.ID); err != nil {
			return nil, err
		}
		s.jobs.RecordSend(jobID, 1, 0, now, s.sampleDelayMs())
		s.statuses.Upsert(jobID, rec.Phone, models.DeliverySent)
		s.metrics.SendsTotal.WithLabelValues("ok").Inc()
		if err := s.jobs.SetState(jobID, models.JobStateSending); err != nil {
			return nil, err
		}
		s.maybeComplete(jobID)

	case gateway.StatusPending:
		// The probe unit moves to the pending queue; nothing is lost and
		// the readiness router resumes the campaign after the QR scan.
		if err := s.jobs.SetState(jobID, models.JobStateSending); err != nil {
			return nil, err
		}
		job.State = models.JobStateSending
		if err := s.deferUnit(ch, job, rec, []string{rec.Phone}, res.AuthCode); err != nil {
			return nil, err
		}

	case gateway.StatusError:
		s.jobs.RecordSend(jobID, 0, 1, now, s.sampleDelayMs())
		s.metrics.SendsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("gateway rejected probe send: %s", res.Reason)
	}

	return s.jobs.GetByID(jobID)
}

// TestSend sends the campaign body to a single phone without touching the
// campaign's recipient list. A pending outcome queues the test unit on the
// campaign so the unified replay path delivers it after authentication.
func (s *Service) TestSend(ctx context.Context, jobID, phone string) (*gateway.SendResult, error) {
	job, err := s.jobs.GetByID(jobID)
	if err != nil {
		return nil, err
	}
	ch, err := s.channels.GetByID(job.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	attachments, err := s.loadAttachments(job.AttachmentKeys)
	if err != nil {
		return nil, err
	}

	phone = models.NormalizePhone(phone)
	res, err := s.gw.Send(ctx, ch.Creds(), &gateway.SendRequest{
		To:          []string{phone},
		Body:        job.Body,
		MessageType: job.MessageType,
		Attachments: attachments,
	})
	if err != nil {
		s.metrics.SendsTotal.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	switch res.Status {
	case gateway.StatusOK:
		s.metrics.SendsTotal.WithLabelValues("ok").Inc()
	case gateway.StatusError:
		s.metrics.SendsTotal.WithLabelValues("error").Inc()
	case gateway.StatusPending:
		if err := s.deferUnit(ch, job, nil, []string{phone}, res.AuthCode); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ComposeRequest is a direct send outside any campaign.
type ComposeRequest struct {
	ChannelID   string
	Body        string
	Recipients  []string
	Attachments []models.Attachment
}

// Compose creates a compose job and works through its recipients
// synchronously. Individual rejections never abort the loop; units the
// gateway defers are queued for replay after authentication.
func (s *Service) Compose(ctx context.Context, req *ComposeRequest) (*models.Job, error) {
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	var ch *models.Channel
	var err error
	if req.ChannelID != "" {
		ch, err = s.channels.GetByID(req.ChannelID)
	} else {
		ch, err = s.channels.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	keys, err := s.blobs.Put(req.Attachments)
	if err != nil {
		return nil, fmt.Errorf("store attachments: %w", err)
	}

	job := &models.Job{
		Kind:           models.JobKindCompose,
		ChannelID:      ch.ID,
		Body:           req.Body,
		MessageType:    gateway.InferMessageType(req.Attachments),
		AttachmentKeys: keys,
		State:          models.JobStateSending,
	}
	recipients := make([]models.Recipient, len(req.Recipients))
	for i, p := range req.Recipients {
		recipients[i] = models.Recipient{Phone: p}
	}
	if err := s.jobs.Create(job, recipients); err != nil {
		return nil, err
	}

	for {
		rec, err := s.jobs.FirstRecipient(job.ID)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}

		attachments, err := s.loadAttachments(job.AttachmentKeys)
		if err != nil {
			return nil, err
		}

		now := s.now()
		res, sendErr := s.gw.Send(ctx, ch.Creds(), &gateway.SendRequest{
			To:          []string{rec.Phone},
			Body:        job.Body,
			MessageType: job.MessageType,
			Attachments: attachments,
		})
		if sendErr != nil {
			// One unreachable unit fails; the rest still get their try
			if err := s.jobs.DeleteRecipient(rec.ID); err != nil {
				return nil, err
			}
			s.jobs.RecordSend(job.ID, 0, 1, now, 0)
			s.statuses.Upsert(job.ID, rec.Phone, models.DeliveryError)
			s.metrics.SendsTotal.WithLabelValues("unavailable").Inc()
			s.logger.Warn("compose unit failed", "job_id", job.ID, "error", sendErr)
			continue
		}

		switch res.Status {
		case gateway.StatusOK:
			if err := s.jobs.DeleteRecipient(rec.ID); err != nil {
				return nil, err
			}
			s.jobs.RecordSend(job.ID, 1, 0, now, 0)
			s.statuses.Upsert(job.ID, rec.Phone, models.DeliverySent)
			s.metrics.SendsTotal.WithLabelValues("ok").Inc()
		case gateway.StatusError:
			if err := s.jobs.DeleteRecipient(rec.ID); err != nil {
				return nil, err
			}
			s.jobs.RecordSend(job.ID, 0, 1, now, 0)
			s.statuses.Upsert(job.ID, rec.Phone, models.DeliveryError)
			s.metrics.SendsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("compose unit rejected", "job_id", job.ID, "reason", res.Reason)
		case gateway.StatusPending:
			if err := s.deferUnit(ch, job, rec, []string{rec.Phone}, res.AuthCode); err != nil {
				return nil, err
			}
		}
	}

	queued, err := s.pending.CountByJob(job.ID)
	if err != nil {
		return nil, err
	}
	if queued == 0 {
		if err := s.jobs.SetState(job.ID, models.JobStateSent); err != nil {
			return nil, err
		}
	}

	return s.jobs.GetByID(job.ID)
}

// RetryNow runs one replay pass for the job's pending queue on demand,
// under the same lease the readiness router uses.
func (s *Service) RetryNow(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(jobID)
	if err != nil {
		return err
	}

	queued, err := s.pending.CountByJob(jobID)
	if err != nil {
		return err
	}
	if queued == 0 {
		return ErrNothingPending
	}

	ch, err := s.channels.GetByID(job.ChannelID)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}

	claimed, err := s.replayJob(ctx, ch, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrBusy
	}
	return nil
}

// Connect starts the authentication flow for a channel and waits (bounded
// by the context) for the gateway's ready event. It returns true when the
// channel came ready within the wait.
func (s *Service) Connect(ctx context.Context, channelID string, waitReady func(context.Context, models.Credentials) bool) (*models.AuthPrompt, bool, error) {
	ch, err := s.channels.GetByID(channelID)
	if err != nil {
		return nil, false, err
	}

	// Any prior session is void once a new auth round starts
	if err := s.channels.ClearReady(ch.ID); err != nil {
		return nil, false, err
	}

	res, err := s.gw.RequestAuthCode(ctx, ch.Creds())
	if err != nil {
		return nil, false, err
	}
	if res.Connected {
		if err := s.channels.MarkReady(ch.ID); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	prompt := &models.AuthPrompt{
		ChannelID: ch.ID,
		Code:      res.Code,
		ExpiresAt: s.now().Add(s.cfg.PromptTTL),
	}
	if err := s.prompts.Show(prompt); err != nil {
		return nil, false, err
	}
	s.metrics.PromptsTotal.WithLabelValues(models.PromptShown).Inc()

	if waitReady != nil && waitReady(ctx, ch.Creds()) {
		return prompt, true, nil
	}
	return prompt, false, nil
}
