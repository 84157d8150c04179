package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/blastline/blastline/internal/models"
)

// ErrUnavailable marks transport-level failures: the gateway could not be
// reached or timed out. Callers leave the unit in place and retry on the
// next tick instead of counting a failure.
var ErrUnavailable = errors.New("gateway unavailable")

// Client talks to the message gateway.
type Client struct {
	baseURL    string
	origin     string
	httpClient *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL, origin string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		origin:  origin,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send submits one unit through the gateway and triages the response:
// 200 with success=true is delivered, 200 or an error status with
// success=false is rejected, 201 means the channel must authenticate first.
func (c *Client) Send(ctx context.Context, creds models.Credentials, req *SendRequest) (*SendResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	to := ""
	for i, r := range req.To {
		if i > 0 {
			to += ","
		}
		to += r
	}
	if err := mw.WriteField("to", to); err != nil {
		return nil, fmt.Errorf("write to field: %w", err)
	}
	if err := mw.WriteField("messageType", req.MessageType); err != nil {
		return nil, fmt.Errorf("write messageType field: %w", err)
	}
	if err := mw.WriteField("body", req.Body); err != nil {
		return nil, fmt.Errorf("write body field: %w", err)
	}
	if fileType := FileType(req.Attachments); fileType != "" {
		if err := mw.WriteField("fileType", fileType); err != nil {
			return nil, fmt.Errorf("write fileType field: %w", err)
		}
	}
	for i, a := range req.Attachments {
		fw, err := mw.CreateFormFile("files["+strconv.Itoa(i)+"]", a.Name)
		if err != nil {
			return nil, fmt.Errorf("create file part: %w", err)
		}
		if _, err := fw.Write(a.Data); err != nil {
			return nil, fmt.Errorf("write file part: %w", err)
		}
	}
	if req.Marketing && req.JobID != "" {
		if err := mw.WriteField("jobId", req.JobID); err != nil {
			return nil, fmt.Errorf("write jobId field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	path := "/message"
	if req.Marketing {
		path = "/marketing"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuthHeaders(httpReq, creds)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	return triage(resp)
}

// RequestAuthCode asks the gateway to start the QR authentication flow for
// the channel. A 200 means the session is already live; a 201 means the
// flow was started and a code may be included or arrive later via events.
func (c *Client) RequestAuthCode(ctx context.Context, creds models.Credentials) (*AuthCodeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/qr-code", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setAuthHeaders(httpReq, creds)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body := decodeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return &AuthCodeResult{Connected: true}, nil
	case http.StatusCreated:
		return &AuthCodeResult{Code: body.authCode()}, nil
	default:
		reason := body.reason()
		if reason == "" {
			reason = fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("auth code request failed: %s", reason)
	}
}

// ackStatuses maps gateway acknowledgement codes to delivery statuses.
var ackStatuses = map[int]string{
	-1: models.DeliveryError,
	0:  models.DeliveryPending,
	1:  models.DeliverySent,
	2:  models.DeliveryReached,
	3:  models.DeliverySeen,
	4:  models.DeliverySeen,
}

// PollStatuses fetches per-recipient acknowledgements for a marketing job.
func (c *Client) PollStatuses(ctx context.Context, creds models.Credentials, jobID string) ([]MessageAck, error) {
	q := url.Values{}
	q.Set("jobId", jobID)
	q.Set("paginate", "true")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/marketing-message?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setAuthHeaders(httpReq, creds)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status poll failed: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Messages []struct {
			To  string `json:"to"`
			Ack int    `json:"ack"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	acks := make([]MessageAck, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		status, ok := ackStatuses[m.Ack]
		if !ok {
			status = models.DeliveryPending
		}
		acks = append(acks, MessageAck{Phone: m.To, Status: status})
	}
	return acks, nil
}

func (c *Client) setAuthHeaders(req *http.Request, creds models.Credentials) {
	req.Header.Set("x-api-key", creds.Key)
	req.Header.Set("x-phone-number", creds.Address)
	if c.origin != "" {
		req.Header.Set("origin", c.origin)
	}
	req.Header.Set("Accept", "application/json")
}

func triage(resp *http.Response) (*SendResult, error) {
	body := decodeBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusCreated:
		return &SendResult{Status: StatusPending, AuthCode: body.authCode()}, nil
	case resp.StatusCode == http.StatusOK && body.Success:
		return &SendResult{Status: StatusOK}, nil
	default:
		reason := body.reason()
		if reason == "" {
			reason = fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode)
		}
		return &SendResult{Status: StatusError, Reason: reason}, nil
	}
}

// decodeBody parses the gateway response body, tolerating empty or
// malformed payloads.
func decodeBody(r io.Reader) *gatewayResponse {
	body := &gatewayResponse{}
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil || len(data) == 0 {
		return body
	}
	_ = json.Unmarshal(data, body)
	return body
}
