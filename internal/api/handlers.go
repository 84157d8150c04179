package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blastline/blastline/internal/dispatch"
	"github.com/blastline/blastline/internal/models"
	"github.com/blastline/blastline/internal/repository"
)

// ChannelRequest is the request body for creating or updating a channel
type ChannelRequest struct {
	Name            string   `json:"name"`
	CredentialKey   string   `json:"credential_key"`
	Address         string   `json:"address"`
	IsDefault       bool     `json:"is_default"`
	AuthorizedUsers []string `json:"authorized_users,omitempty"`
}

// AttachmentInput carries one base64-encoded attachment
type AttachmentInput struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// RecipientInput is one campaign recipient
type RecipientInput struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// JobRequest is the request body for POST /jobs
type JobRequest struct {
	ChannelID   string            `json:"channel_id,omitempty"`
	Body        string            `json:"body"`
	Recipients  []RecipientInput  `json:"recipients"`
	Attachments []AttachmentInput `json:"attachments,omitempty"`
}

// ComposeRequest is the request body for POST /messages
type ComposeRequest struct {
	ChannelID   string            `json:"channel_id,omitempty"`
	Body        string            `json:"body"`
	Recipients  []string          `json:"recipients"`
	Attachments []AttachmentInput `json:"attachments,omitempty"`
}

// TestSendRequest is the request body for POST /jobs/{id}/test
type TestSendRequest struct {
	Phone string `json:"phone"`
}

// JobResponse is the response for job endpoints
type JobResponse struct {
	*models.Job
	Remaining int                      `json:"remaining"`
	Queued    int                      `json:"queued"`
	Statuses  []models.RecipientStatus `json:"statuses,omitempty"`
}

// ConnectResponse is the response for POST /channels/{id}/connect
type ConnectResponse struct {
	Connected bool               `json:"connected"`
	Prompt    *models.AuthPrompt `json:"prompt,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleListChannels handles GET /api/v1/channels
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.List()
	if err != nil {
		s.logger.Error("failed to list channels", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list channels")
		return
	}
	s.sendJSON(w, http.StatusOK, channels)
}

// handleCreateChannel handles POST /api/v1/channels
func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.CredentialKey == "" || req.Address == "" {
		s.sendError(w, http.StatusBadRequest, "name, credential_key and address are required")
		return
	}

	ch := &models.Channel{
		Name:            req.Name,
		CredentialKey:   req.CredentialKey,
		Address:         req.Address,
		IsDefault:       req.IsDefault,
		AuthorizedUsers: req.AuthorizedUsers,
	}
	if err := s.channels.Create(ch); err != nil {
		s.logger.Error("failed to create channel", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create channel")
		return
	}

	s.sendJSON(w, http.StatusCreated, ch)
}

// handleGetChannel handles GET /api/v1/channels/{id}
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.channels.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err, "Channel not found", "Failed to get channel")
		return
	}
	s.sendJSON(w, http.StatusOK, ch)
}

// handleUpdateChannel handles PUT /api/v1/channels/{id}
func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.channels.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err, "Channel not found", "Failed to get channel")
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// New credentials mean a new gateway session, so readiness is dropped
	if req.CredentialKey != ch.CredentialKey || models.NormalizePhone(req.Address) != ch.Address {
		ch.Ready = false
	}
	ch.Name = req.Name
	ch.CredentialKey = req.CredentialKey
	ch.Address = req.Address
	ch.IsDefault = req.IsDefault
	ch.AuthorizedUsers = req.AuthorizedUsers

	if err := s.channels.Update(ch); err != nil {
		s.notFoundOr500(w, err, "Channel not found", "Failed to update channel")
		return
	}
	s.sendJSON(w, http.StatusOK, ch)
}

// handleDeleteChannel handles DELETE /api/v1/channels/{id}
func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.channels.Delete(chi.URLParam(r, "id")); err != nil {
		s.notFoundOr500(w, err, "Channel not found", "Failed to delete channel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetDefaultChannel handles POST /api/v1/channels/{id}/default
func (s *Server) handleSetDefaultChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.channels.SetDefault(id); err != nil {
		s.notFoundOr500(w, err, "Channel not found", "Failed to set default channel")
		return
	}
	ch, err := s.channels.GetByID(id)
	if err != nil {
		s.notFoundOr500(w, err, "Channel not found", "Failed to get channel")
		return
	}
	s.sendJSON(w, http.StatusOK, ch)
}

// handleConnectChannel handles POST /api/v1/channels/{id}/connect. The call
// blocks up to connectWait for the gateway's ready event; when the operator
// has not scanned in time the prompt is returned for out-of-band completion.
func (s *Server) handleConnectChannel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.connectWait)
	defer cancel()

	prompt, connected, err := s.svc.Connect(ctx, chi.URLParam(r, "id"), s.bus.WaitReady)
	if err != nil {
		s.notFoundOr500(w, err, "Channel not found", "Failed to connect channel")
		return
	}

	if connected {
		s.sendJSON(w, http.StatusOK, ConnectResponse{Connected: true, Prompt: prompt})
		return
	}
	s.sendJSON(w, http.StatusAccepted, ConnectResponse{Connected: false, Prompt: prompt})
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Body == "" {
		s.sendError(w, http.StatusBadRequest, "body is required")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients are required")
		return
	}

	recipients := make([]models.Recipient, len(req.Recipients))
	for i, rec := range req.Recipients {
		recipients[i] = models.Recipient{Phone: rec.Phone, Name: rec.Name}
	}

	job, err := s.svc.CreateCampaign(&dispatch.CampaignRequest{
		ChannelID:   req.ChannelID,
		Body:        req.Body,
		Recipients:  recipients,
		Attachments: toAttachments(req.Attachments),
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.sendError(w, http.StatusBadRequest, "Channel not found")
			return
		}
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	s.sendJSON(w, http.StatusCreated, job)
}

// handleGetJob handles GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetByID(id)
	if err != nil {
		s.notFoundOr500(w, err, "Job not found", "Failed to get job")
		return
	}
	s.sendJobResponse(w, job)
}

// handleSendJob handles POST /api/v1/jobs/{id}/send
func (s *Server) handleSendJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.SubmitCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Error("failed to submit campaign", "error", err)
		s.sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.sendJobResponse(w, job)
}

// handleTestSend handles POST /api/v1/jobs/{id}/test
func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var req TestSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Phone == "" {
		s.sendError(w, http.StatusBadRequest, "phone is required")
		return
	}

	res, err := s.svc.TestSend(r.Context(), chi.URLParam(r, "id"), req.Phone)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Error("test send failed", "error", err)
		s.sendError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": res.Status.String()})
}

// handleRetryJob handles POST /api/v1/jobs/{id}/retry
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.svc.RetryNow(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, dispatch.ErrNothingPending):
		s.sendError(w, http.StatusConflict, "No pending items to retry")
		return
	case errors.Is(err, dispatch.ErrBusy):
		s.sendError(w, http.StatusConflict, "Replay already in progress")
		return
	default:
		s.logger.Error("retry failed", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to retry job")
		return
	}

	job, err := s.jobs.GetByID(id)
	if err != nil {
		s.notFoundOr500(w, err, "Job not found", "Failed to get job")
		return
	}
	s.sendJobResponse(w, job)
}

// handleCompose handles POST /api/v1/messages
func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	var req ComposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Body == "" && len(req.Attachments) == 0 {
		s.sendError(w, http.StatusBadRequest, "body or attachments are required")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients are required")
		return
	}

	job, err := s.svc.Compose(r.Context(), &dispatch.ComposeRequest{
		ChannelID:   req.ChannelID,
		Body:        req.Body,
		Recipients:  req.Recipients,
		Attachments: toAttachments(req.Attachments),
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.sendError(w, http.StatusBadRequest, "Channel not found")
			return
		}
		s.logger.Error("compose failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}
	s.sendJobResponse(w, job)
}

// handleDismissPrompt handles POST /api/v1/prompts/{id}/dismiss
func (s *Server) handleDismissPrompt(w http.ResponseWriter, r *http.Request) {
	if err := s.prompts.Dismiss(chi.URLParam(r, "id")); err != nil {
		s.notFoundOr500(w, err, "Prompt not found or already settled", "Failed to dismiss prompt")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTick handles POST /api/v1/tick, running one scheduler pass between
// cron runs.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	s.svc.Tick(r.Context())
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
	})
}

func (s *Server) sendJobResponse(w http.ResponseWriter, job *models.Job) {
	remaining, err := s.jobs.RecipientCount(job.ID)
	if err != nil {
		s.logger.Error("failed to count recipients", "job_id", job.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	queued, err := s.pending.CountByJob(job.ID)
	if err != nil {
		s.logger.Error("failed to count pending items", "job_id", job.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	statuses, err := s.statuses.ListByJob(job.ID)
	if err != nil {
		s.logger.Error("failed to list statuses", "job_id", job.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	s.sendJSON(w, http.StatusOK, JobResponse{
		Job:       job,
		Remaining: remaining,
		Queued:    queued,
		Statuses:  statuses,
	})
}

func toAttachments(inputs []AttachmentInput) []models.Attachment {
	attachments := make([]models.Attachment, len(inputs))
	for i, in := range inputs {
		attachments[i] = models.Attachment{Name: in.Name, MimeType: in.MimeType, Data: in.Data}
	}
	return attachments
}

// notFoundOr500 maps a repository lookup error to the HTTP response.
func (s *Server) notFoundOr500(w http.ResponseWriter, err error, notFoundMsg, failMsg string) {
	if errors.Is(err, repository.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	s.logger.Error(failMsg, "error", err)
	s.sendError(w, http.StatusInternalServerError, failMsg)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
