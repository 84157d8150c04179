package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blastline/blastline/internal/models"
)

var testCreds = models.Credentials{Key: "api-key-1", Address: "+49 1701234567"}

func TestSendDelivered(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("x-api-key") != testCreds.Key {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("x-phone-number") != testCreds.Address {
			t.Errorf("x-phone-number = %q", r.Header.Get("x-phone-number"))
		}
		if r.Header.Get("origin") != "https://app.example.com" {
			t.Errorf("origin = %q", r.Header.Get("origin"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("not a multipart request: %v", err)
		}
		if got := r.FormValue("to"); got != "+1 100,+1 200" {
			t.Errorf("to = %q", got)
		}
		if got := r.FormValue("messageType"); got != "chat" {
			t.Errorf("messageType = %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "https://app.example.com", 5*time.Second)
	res, err := c.Send(context.Background(), testCreds, &SendRequest{
		To:          []string{"+1 100", "+1 200"},
		Body:        "hello",
		MessageType: "chat",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if res.Status != StatusOK {
		t.Errorf("status = %v, want ok", res.Status)
	}
	if gotPath != "/message" {
		t.Errorf("path = %q, want /message", gotPath)
	}
}

func TestSendMarketingEndpoint(t *testing.T) {
	var gotPath, gotJobID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseMultipartForm(1 << 20)
		gotJobID = r.FormValue("jobId")
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.Send(context.Background(), testCreds, &SendRequest{
		To:          []string{"+1 100"},
		Body:        "hi",
		MessageType: "chat",
		Marketing:   true,
		JobID:       "job-42",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if gotPath != "/marketing" {
		t.Errorf("path = %q, want /marketing", gotPath)
	}
	if gotJobID != "job-42" {
		t.Errorf("jobId = %q, want job-42", gotJobID)
	}
}

func TestSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success": false, "error": "recipient blocked"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	res, err := c.Send(context.Background(), testCreds, &SendRequest{To: []string{"+1 100"}, MessageType: "chat"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if res.Status != StatusError {
		t.Errorf("status = %v, want error", res.Status)
	}
	if res.Reason != "recipient blocked" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestSendPendingAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"qrCode": "scan-me-123"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	res, err := c.Send(context.Background(), testCreds, &SendRequest{To: []string{"+1 100"}, MessageType: "chat"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if res.Status != StatusPending {
		t.Errorf("status = %v, want pending", res.Status)
	}
	if res.AuthCode != "scan-me-123" {
		t.Errorf("auth code = %q", res.AuthCode)
	}
}

func TestSendServerErrorWithUnparsableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>upstream error</html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	res, err := c.Send(context.Background(), testCreds, &SendRequest{To: []string{"+1 100"}, MessageType: "chat"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if res.Status != StatusError {
		t.Errorf("status = %v, want error", res.Status)
	}
	if res.Reason != "gateway returned HTTP 502" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestSendUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second)
	_, err := c.Send(context.Background(), testCreds, &SendRequest{To: []string{"+1 100"}, MessageType: "chat"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Send() error = %v, want ErrUnavailable", err)
	}
}

func TestRequestAuthCode(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantConn bool
		wantCode string
	}{
		{"already connected", http.StatusOK, `{"success": true}`, true, ""},
		{"flow started", http.StatusCreated, `{"code": "abc"}`, false, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/qr-code" {
					t.Errorf("path = %q, want /qr-code", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", 5*time.Second)
			res, err := c.RequestAuthCode(context.Background(), testCreds)
			if err != nil {
				t.Fatalf("RequestAuthCode() error: %v", err)
			}
			if res.Connected != tt.wantConn {
				t.Errorf("Connected = %v, want %v", res.Connected, tt.wantConn)
			}
			if res.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", res.Code, tt.wantCode)
			}
		})
	}
}

func TestPollStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/marketing-message" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("jobId") != "job-1" {
			t.Errorf("jobId = %q", r.URL.Query().Get("jobId"))
		}
		if r.URL.Query().Get("paginate") != "true" {
			t.Errorf("paginate = %q", r.URL.Query().Get("paginate"))
		}
		w.Write([]byte(`{"messages": [
			{"to": "+1 100", "ack": -1},
			{"to": "+1 200", "ack": 0},
			{"to": "+1 300", "ack": 1},
			{"to": "+1 400", "ack": 2},
			{"to": "+1 500", "ack": 3},
			{"to": "+1 600", "ack": 4}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	acks, err := c.PollStatuses(context.Background(), testCreds, "job-1")
	if err != nil {
		t.Fatalf("PollStatuses() error: %v", err)
	}

	want := []string{
		models.DeliveryError, models.DeliveryPending, models.DeliverySent,
		models.DeliveryReached, models.DeliverySeen, models.DeliverySeen,
	}
	if len(acks) != len(want) {
		t.Fatalf("got %d acks, want %d", len(acks), len(want))
	}
	for i, w := range want {
		if acks[i].Status != w {
			t.Errorf("ack %d status = %q, want %q", i, acks[i].Status, w)
		}
	}
}
