package dispatch

import (
	"context"
	"errors"

	"github.com/blastline/blastline/internal/gateway"
	"github.com/blastline/blastline/internal/models"
	"github.com/blastline/blastline/internal/repository"
)

// Tick advances every sendable job by at most one unit. Jobs parked behind
// authentication are left to the readiness router; jobs inside their
// randomized delay window are skipped until a later tick. Tick is safe to
// invoke externally between scheduled runs.
func (s *Service) Tick(ctx context.Context) {
	s.metrics.TicksTotal.Inc()

	jobs, err := s.jobs.Sendable()
	if err != nil {
		s.logger.Error("failed to list sendable jobs", "error", err)
		return
	}

	for i := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.advance(ctx, &jobs[i])
	}

	s.pollAcks(ctx)
	s.updateGauges()
}

// advance sends one unit for the job if its delay window has elapsed.
func (s *Service) advance(ctx context.Context, job *models.Job) {
	now := s.now()
	if job.LastSendAt != nil && now.Sub(*job.LastSendAt) < job.NextDelay() {
		return
	}

	rec, err := s.jobs.FirstRecipient(job.ID)
	if errors.Is(err, repository.ErrNotFound) {
		s.maybeComplete(job.ID)
		return
	}
	if err != nil {
		s.logger.Error("failed to read recipient list", "job_id", job.ID, "error", err)
		return
	}

	ch, err := s.channels.GetByID(job.ChannelID)
	if err != nil {
		s.logger.Error("job references missing channel", "job_id", job.ID, "channel_id", job.ChannelID, "error", err)
		return
	}

	attachments, err := s.loadAttachments(job.AttachmentKeys)
	if err != nil {
		s.logger.Error("failed to load attachments", "job_id", job.ID, "error", err)
		return
	}

	res, err := s.gw.Send(ctx, ch.Creds(), &gateway.SendRequest{
		To:          []string{rec.Phone},
		Body:        job.Body,
		MessageType: job.MessageType,
		Attachments: attachments,
		Marketing:   job.Kind == models.JobKindCampaign,
		JobID:       job.ID,
	})
	if err != nil {
		// Transport failure: the recipient stays at the head of the list
		// and the next tick retries.
		s.metrics.SendsTotal.WithLabelValues("unavailable").Inc()
		s.logger.Warn("gateway unreachable, will retry next tick", "job_id", job.ID, "error", err)
		return
	}

	switch res.Status {
	case gateway.StatusOK:
		if err := s.jobs.DeleteRecipient(rec.ID); err != nil {
			s.logger.Error("failed to remove sent recipient", "job_id", job.ID, "error", err)
			return
		}
		s.jobs.RecordSend(job.ID, 1, 0, now, s.sampleDelayMs())
		s.statuses.Upsert(job.ID, rec.Phone, models.DeliverySent)
		s.metrics.SendsTotal.WithLabelValues("ok").Inc()
		s.maybeComplete(job.ID)

	case gateway.StatusError:
		if err := s.jobs.DeleteRecipient(rec.ID); err != nil {
			s.logger.Error("failed to remove failed recipient", "job_id", job.ID, "error", err)
			return
		}
		s.jobs.RecordSend(job.ID, 0, 1, now, s.sampleDelayMs())
		s.statuses.Upsert(job.ID, rec.Phone, models.DeliveryError)
		s.metrics.SendsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("gateway rejected unit", "job_id", job.ID, "reason", res.Reason)
		s.maybeComplete(job.ID)

	case gateway.StatusPending:
		if err := s.deferUnit(ch, job, rec, []string{rec.Phone}, res.AuthCode); err != nil {
			s.logger.Error("failed to defer unit", "job_id", job.ID, "error", err)
		}
	}
}

// maybeComplete marks the job sent once both the recipient list and the
// pending queue are empty.
func (s *Service) maybeComplete(jobID string) {
	n, err := s.jobs.RecipientCount(jobID)
	if err != nil || n > 0 {
		return
	}
	queued, err := s.pending.CountByJob(jobID)
	if err != nil || queued > 0 {
		return
	}
	if err := s.jobs.SetState(jobID, models.JobStateSent); err != nil {
		s.logger.Error("failed to complete job", "job_id", jobID, "error", err)
		return
	}
	s.logger.Info("job completed", "job_id", jobID)
}

// pollAcks refreshes per-recipient delivery acknowledgements for campaign
// jobs still in flight.
func (s *Service) pollAcks(ctx context.Context) {
	jobs, err := s.jobs.InFlight()
	if err != nil {
		s.logger.Error("failed to list in-flight jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if job.Kind != models.JobKindCampaign {
			continue
		}
		ch, err := s.channels.GetByID(job.ChannelID)
		if err != nil {
			continue
		}
		acks, err := s.gw.PollStatuses(ctx, ch.Creds(), job.ID)
		if err != nil {
			s.logger.Warn("failed to poll delivery statuses", "job_id", job.ID, "error", err)
			continue
		}
		for _, ack := range acks {
			if err := s.statuses.Upsert(job.ID, ack.Phone, ack.Status); err != nil {
				s.logger.Error("failed to record delivery status", "job_id", job.ID, "error", err)
			}
		}
	}
}
