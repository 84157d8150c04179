package gateway

import "github.com/blastline/blastline/internal/models"

// Status is the tri-state outcome of a gateway send.
type Status int

const (
	// StatusOK means the gateway accepted and delivered the unit.
	StatusOK Status = iota
	// StatusPending means the gateway deferred the unit until the channel
	// completes QR authentication.
	StatusPending
	// StatusError means the gateway rejected the unit.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPending:
		return "pending"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// SendRequest is one unit of outbound work.
type SendRequest struct {
	To          []string
	Body        string
	MessageType string
	Attachments []models.Attachment
	// Marketing routes the unit through the bulk endpoint, which tags
	// sends with the job for later acknowledgement polling.
	Marketing bool
	JobID     string
}

// SendResult is the triaged gateway response.
type SendResult struct {
	Status   Status
	Reason   string
	AuthCode string
}

// AuthCodeResult is the outcome of an authentication code request.
type AuthCodeResult struct {
	// Connected is true when the channel already holds a live session and
	// no QR scan is needed.
	Connected bool
	Code      string
}

// MessageAck is one per-recipient acknowledgement from the gateway.
type MessageAck struct {
	Phone  string
	Status string
}

// gatewayResponse is the JSON body the gateway returns on sends.
type gatewayResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	QRCode  string `json:"qrCode"`
}

func (r *gatewayResponse) reason() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}

func (r *gatewayResponse) authCode() string {
	if r.Code != "" {
		return r.Code
	}
	return r.QRCode
}
