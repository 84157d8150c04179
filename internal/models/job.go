package models

import "time"

// Job kinds.
const (
	JobKindCampaign = "campaign"
	JobKindCompose  = "compose"
)

// Job states.
const (
	JobStateDraft   = "draft"
	JobStateSending = "sending"
	JobStateSent    = "sent"
)

// Job is a unit of outbound work: a body plus a recipient list, sent through
// one channel. Campaign jobs are drained one recipient per tick by the
// scheduler; compose jobs loop their recipients synchronously at submit time.
type Job struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	ChannelID      string     `json:"channel_id"`
	Body           string     `json:"body"`
	MessageType    string     `json:"message_type"`
	AttachmentKeys []string   `json:"attachment_keys,omitempty"`
	State          string     `json:"state"`
	SentCount      int        `json:"sent_count"`
	FailedCount    int        `json:"failed_count"`
	WaitingAuth    bool       `json:"waiting_auth"`
	LastSendAt     *time.Time `json:"last_send_at,omitempty"`
	NextDelayMs    int64      `json:"next_delay_ms"`
	ClaimedUntil   *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NextDelay returns the delay the job must wait after its last send.
func (j *Job) NextDelay() time.Duration {
	return time.Duration(j.NextDelayMs) * time.Millisecond
}

// Recipient is one row of a job's primary un-sent list.
type Recipient struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	Phone    string `json:"phone"`
	Name     string `json:"name,omitempty"`
	Position int    `json:"position"`
}

// PendingItem is one queued unit awaiting channel readiness. Recipients and
// attachment blob keys are frozen at queue time so a later replay sends
// exactly what the original attempt would have sent.
type PendingItem struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	ChannelID      string    `json:"channel_id"`
	Position       int       `json:"position"`
	Recipients     []string  `json:"recipients"`
	Body           string    `json:"body"`
	MessageType    string    `json:"message_type"`
	AttachmentKeys []string  `json:"attachment_keys,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Attachment carries raw file bytes for a send.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Delivery status values, ordered by gateway acknowledgement progress.
const (
	DeliveryError   = "error"
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryReached = "reached"
	DeliverySeen    = "seen"
)

// RecipientStatus tracks per-recipient delivery acknowledgement for a job.
type RecipientStatus struct {
	JobID     string    `json:"job_id"`
	Phone     string    `json:"phone"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Auth prompt states.
const (
	PromptShown      = "shown"
	PromptClosed     = "closed"
	PromptDismissed  = "dismissed"
	PromptExpired    = "expired"
	PromptSuperseded = "superseded"
)

// AuthPrompt records a QR authentication request surfaced to the operator
// after the gateway deferred a send.
type AuthPrompt struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	JobID     string    `json:"job_id,omitempty"`
	Code      string    `json:"code,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stale reports whether the prompt is older than the staleness window.
func (p *AuthPrompt) Stale(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
