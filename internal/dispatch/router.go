package dispatch

import (
	"context"
	"errors"

	"github.com/blastline/blastline/internal/gateway"
	"github.com/blastline/blastline/internal/models"
	"github.com/blastline/blastline/internal/notify"
	"github.com/blastline/blastline/internal/repository"
)

// HandleReady reacts to a channel readiness notification: the channel is
// marked ready and every job with queued units on it gets one replay pass.
// Events without identity fan out to all currently-ready channels.
// Re-delivered events are harmless: marking ready is idempotent and the
// replay scan simply finds empty queues.
func (s *Service) HandleReady(ctx context.Context, ev notify.ReadyEvent) {
	s.metrics.ReadyEventsTotal.Inc()

	var candidates []models.Channel
	if ev.Anonymous() {
		ready, err := s.channels.ReadyChannels()
		if err != nil {
			s.logger.Error("failed to list ready channels", "error", err)
			return
		}
		candidates = ready
	} else {
		ch, err := s.channels.FindByCredentials(ev.CredentialKey, ev.OriginatingAddress)
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("ready event for unknown channel")
			return
		}
		if err != nil {
			s.logger.Error("failed to resolve ready event", "error", err)
			return
		}
		if err := s.channels.MarkReady(ch.ID); err != nil {
			s.logger.Error("failed to mark channel ready", "channel_id", ch.ID, "error", err)
			return
		}
		ch.Ready = true
		candidates = []models.Channel{*ch}
	}

	for i := range candidates {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.scanChannel(ctx, &candidates[i])
	}
	s.updateGauges()
}

// scanChannel replays queued units for every job on the channel. A stale
// prompt gates the whole channel: the operator walked away from that
// authentication round, so nothing is auto-resumed until they retry.
func (s *Service) scanChannel(ctx context.Context, ch *models.Channel) {
	now := s.now()

	if prompt, err := s.prompts.ActiveForChannel(ch.ID); err == nil {
		if prompt.Stale(now) {
			if err := s.prompts.SetState(prompt.ID, models.PromptExpired); err != nil {
				s.logger.Error("failed to expire prompt", "prompt_id", prompt.ID, "error", err)
			}
			s.metrics.PromptsTotal.WithLabelValues(models.PromptExpired).Inc()
			s.logger.Info("ignoring ready event for stale prompt", "channel_id", ch.ID)
			return
		}
		if err := s.prompts.SetState(prompt.ID, models.PromptClosed); err != nil {
			s.logger.Error("failed to close prompt", "prompt_id", prompt.ID, "error", err)
		}
		s.metrics.PromptsTotal.WithLabelValues(models.PromptClosed).Inc()
	}

	jobIDs, err := s.pending.JobIDsWithPending(ch.ID)
	if err != nil {
		s.logger.Error("failed to list jobs with pending items", "channel_id", ch.ID, "error", err)
		return
	}

	for _, jobID := range jobIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// A failing job never blocks the rest of the scan
		if _, err := s.replayJob(ctx, ch, jobID); err != nil {
			s.logger.Error("replay failed", "job_id", jobID, "error", err)
		}
	}
}

// replayJob drains and replays one job's pending queue under the job's
// replay lease. It returns false when another holder owns the lease; the
// queue is left for them. Items the gateway defers again form the new
// queue; everything else is sent or counted failed, and the swap of the
// old queue for the remainder commits atomically.
func (s *Service) replayJob(ctx context.Context, ch *models.Channel, jobID string) (bool, error) {
	now := s.now()

	claimed, err := s.jobs.TryClaim(jobID, now, now.Add(s.cfg.ClaimTTL))
	if err != nil {
		return false, err
	}
	if !claimed {
		s.metrics.ClaimContention.Inc()
		s.logger.Debug("replay skipped, lease held elsewhere", "job_id", jobID)
		return false, nil
	}
	defer s.jobs.Release(jobID)

	job, err := s.jobs.GetByID(jobID)
	if err != nil {
		return true, err
	}
	items, err := s.pending.ListByJob(jobID)
	if err != nil {
		return true, err
	}

	var remainder []models.PendingItem
	var authCode string
	sent, failed := 0, 0

	for _, item := range items {
		select {
		case <-ctx.Done():
			// Unprocessed items stay queued
			remainder = append(remainder, item)
			continue
		default:
		}

		attachments, err := s.loadAttachments(item.AttachmentKeys)
		if err != nil {
			failed += len(item.Recipients)
			s.recordItemStatuses(jobID, item.Recipients, models.DeliveryError)
			s.logger.Error("failed to load queued attachments", "job_id", jobID, "error", err)
			continue
		}

		res, err := s.gw.Send(ctx, ch.Creds(), &gateway.SendRequest{
			To:          item.Recipients,
			Body:        item.Body,
			MessageType: item.MessageType,
			Attachments: attachments,
			Marketing:   job.Kind == models.JobKindCampaign,
			JobID:       job.ID,
		})
		if err != nil {
			failed += len(item.Recipients)
			s.recordItemStatuses(jobID, item.Recipients, models.DeliveryError)
			s.metrics.SendsTotal.WithLabelValues("unavailable").Inc()
			s.logger.Warn("replay send failed", "job_id", jobID, "error", err)
			continue
		}

		switch res.Status {
		case gateway.StatusOK:
			sent += len(item.Recipients)
			s.recordItemStatuses(jobID, item.Recipients, models.DeliverySent)
			s.metrics.SendsTotal.WithLabelValues("ok").Inc()
		case gateway.StatusError:
			failed += len(item.Recipients)
			s.recordItemStatuses(jobID, item.Recipients, models.DeliveryError)
			s.metrics.SendsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("replay unit rejected", "job_id", jobID, "reason", res.Reason)
		case gateway.StatusPending:
			remainder = append(remainder, item)
			if res.AuthCode != "" {
				authCode = res.AuthCode
			}
			s.metrics.SendsTotal.WithLabelValues("pending").Inc()
		}
	}

	if err := s.jobs.FinishReplay(jobID, remainder, sent, failed, now); err != nil {
		return true, err
	}

	if len(remainder) > 0 {
		// The session dropped again mid-replay
		if err := s.channels.ClearReady(ch.ID); err != nil {
			s.logger.Error("failed to clear channel readiness", "channel_id", ch.ID, "error", err)
		}
		s.showPrompt(ch.ID, jobID, authCode)
		s.metrics.ReplaysTotal.WithLabelValues("partial").Inc()
	} else {
		s.metrics.ReplaysTotal.WithLabelValues("complete").Inc()
	}

	s.logger.Info("replay finished", "job_id", jobID, "sent", sent, "failed", failed, "still_pending", len(remainder))
	return true, nil
}

func (s *Service) recordItemStatuses(jobID string, phones []string, status string) {
	for _, phone := range phones {
		if err := s.statuses.Upsert(jobID, phone, status); err != nil {
			s.logger.Error("failed to record delivery status", "job_id", jobID, "error", err)
		}
	}
}
