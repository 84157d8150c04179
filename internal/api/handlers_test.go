package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/blastline/blastline/internal/config"
	"github.com/blastline/blastline/internal/db"
	"github.com/blastline/blastline/internal/dispatch"
	"github.com/blastline/blastline/internal/gateway"
	"github.com/blastline/blastline/internal/metrics"
	"github.com/blastline/blastline/internal/models"
	"github.com/blastline/blastline/internal/notify"
)

type stubGateway struct {
	mu     sync.Mutex
	result *gateway.SendResult
	auth   *gateway.AuthCodeResult
	calls  int
}

func (g *stubGateway) Send(_ context.Context, _ models.Credentials, _ *gateway.SendRequest) (*gateway.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.result != nil {
		return g.result, nil
	}
	return &gateway.SendResult{Status: gateway.StatusOK}, nil
}

func (g *stubGateway) RequestAuthCode(_ context.Context, _ models.Credentials) (*gateway.AuthCodeResult, error) {
	if g.auth != nil {
		return g.auth, nil
	}
	return &gateway.AuthCodeResult{Connected: true}, nil
}

func (g *stubGateway) PollStatuses(_ context.Context, _ models.Credentials, _ string) ([]gateway.MessageAck, error) {
	return nil, nil
}

type stubBlobs struct {
	mu    sync.Mutex
	blobs map[string]models.Attachment
}

func (b *stubBlobs) Put(attachments []models.Attachment) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, len(attachments))
	for i, a := range attachments {
		keys[i] = fmt.Sprintf("blob-%d", len(b.blobs))
		b.blobs[keys[i]] = a
	}
	return keys, nil
}

func (b *stubBlobs) Get(keys []string) ([]models.Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	attachments := make([]models.Attachment, len(keys))
	for i, key := range keys {
		a, ok := b.blobs[key]
		if !ok {
			return nil, fmt.Errorf("blob %s not found", key)
		}
		attachments[i] = a
	}
	return attachments, nil
}

func setupTestServer(t *testing.T) (*Server, *stubGateway) {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	gw := &stubGateway{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DispatchConfig{
		TickInterval: time.Minute,
		MinDelay:     time.Minute,
		MaxDelay:     2 * time.Minute,
		ClaimTTL:     5 * time.Minute,
		PromptTTL:    2 * time.Minute,
	}
	svc := dispatch.New(cfg, database.DB, &stubBlobs{blobs: map[string]models.Attachment{}}, gw, metrics.New(), logger)

	server := NewServer(&config.ServerConfig{ListenAddr: ":0"}, database.DB, svc, notify.NewBus(), logger)
	server.connectWait = 50 * time.Millisecond
	return server, gw
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeResponse[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func createTestChannel(t *testing.T, s *Server) *models.Channel {
	t.Helper()
	w := doRequest(t, s, http.MethodPost, "/api/v1/channels", ChannelRequest{
		Name:          "main",
		CredentialKey: "key-1",
		Address:       "+49 170 1111111",
		IsDefault:     true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	ch := decodeResponse[*models.Channel](t, w)
	if err := s.channels.MarkReady(ch.ID); err != nil {
		t.Fatalf("failed to mark channel ready: %v", err)
	}
	return ch
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeResponse[HealthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
}

func TestChannelLifecycle(t *testing.T) {
	s, _ := setupTestServer(t)
	ch := createTestChannel(t, s)

	w := doRequest(t, s, http.MethodGet, "/api/v1/channels/"+ch.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decodeResponse[*models.Channel](t, w)
	if got.Address != "+49 170 1111111" {
		t.Errorf("unexpected address %q", got.Address)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/channels", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	list := decodeResponse[[]models.Channel](t, w)
	if len(list) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(list))
	}

	w = doRequest(t, s, http.MethodDelete, "/api/v1/channels/"+ch.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = doRequest(t, s, http.MethodGet, "/api/v1/channels/"+ch.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestSetDefaultChannel(t *testing.T) {
	s, _ := setupTestServer(t)
	createTestChannel(t, s)

	w := doRequest(t, s, http.MethodPost, "/api/v1/channels", ChannelRequest{
		Name:          "second",
		CredentialKey: "key-2",
		Address:       "+49 170 2222222",
	})
	second := decodeResponse[*models.Channel](t, w)

	w = doRequest(t, s, http.MethodPost, "/api/v1/channels/"+second.ID+"/default", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/channels", nil)
	list := decodeResponse[[]models.Channel](t, w)
	defaults := 0
	for _, ch := range list {
		if ch.IsDefault {
			defaults++
			if ch.ID != second.ID {
				t.Errorf("expected %s to be default, got %s", second.ID, ch.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("expected exactly one default channel, got %d", defaults)
	}
}

func TestConnectChannelAlreadyAuthenticated(t *testing.T) {
	s, _ := setupTestServer(t)
	ch := createTestChannel(t, s)

	w := doRequest(t, s, http.MethodPost, "/api/v1/channels/"+ch.ID+"/connect", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeResponse[ConnectResponse](t, w)
	if !resp.Connected {
		t.Error("expected connected true")
	}
}

func TestConnectChannelReturnsPrompt(t *testing.T) {
	s, gw := setupTestServer(t)
	ch := createTestChannel(t, s)
	gw.auth = &gateway.AuthCodeResult{Code: "QR123"}

	w := doRequest(t, s, http.MethodPost, "/api/v1/channels/"+ch.ID+"/connect", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeResponse[ConnectResponse](t, w)
	if resp.Connected {
		t.Error("expected connected false")
	}
	if resp.Prompt == nil || resp.Prompt.Code != "QR123" {
		t.Errorf("expected prompt with code QR123, got %+v", resp.Prompt)
	}
}

func TestCreateAndSubmitCampaign(t *testing.T) {
	s, _ := setupTestServer(t)
	createTestChannel(t, s)

	w := doRequest(t, s, http.MethodPost, "/api/v1/jobs", JobRequest{
		Body: "hello",
		Recipients: []RecipientInput{
			{Phone: "+1 5550001", Name: "Ana"},
			{Phone: "+1 5550002"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	job := decodeResponse[*models.Job](t, w)
	if job.State != models.JobStateDraft {
		t.Errorf("expected draft job, got %s", job.State)
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/jobs/"+job.ID+"/send", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeResponse[JobResponse](t, w)
	if resp.State != models.JobStateSending {
		t.Errorf("expected sending job, got %s", resp.State)
	}
	if resp.SentCount != 1 || resp.Remaining != 1 {
		t.Errorf("expected probe consumed, sent=%d remaining=%d", resp.SentCount, resp.Remaining)
	}
}

func TestSubmitUnknownJob(t *testing.T) {
	s, _ := setupTestServer(t)
	createTestChannel(t, s)

	w := doRequest(t, s, http.MethodPost, "/api/v1/jobs/missing/send", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestComposeMessage(t *testing.T) {
	s, _ := setupTestServer(t)
	createTestChannel(t, s)

	w := doRequest(t, s, http.MethodPost, "/api/v1/messages", ComposeRequest{
		Body:       "direct hello",
		Recipients: []string{"+1 5550001", "+1 5550002"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeResponse[JobResponse](t, w)
	if resp.State != models.JobStateSent {
		t.Errorf("expected sent job, got %s", resp.State)
	}
	if resp.SentCount != 2 {
		t.Errorf("expected both units sent, got %d", resp.SentCount)
	}
}

func TestComposeWithoutChannel(t *testing.T) {
	s, _ := setupTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/messages", ComposeRequest{
		Body:       "hello",
		Recipients: []string{"+1 5550001"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a default channel, got %d", w.Code)
	}
}

func TestRetryWithoutPendingItems(t *testing.T) {
	s, _ := setupTestServer(t)
	createTestChannel(t, s)

	w := doRequest(t, s, http.MethodPost, "/api/v1/jobs", JobRequest{
		Body:       "hello",
		Recipients: []RecipientInput{{Phone: "+1 5550001"}},
	})
	job := decodeResponse[*models.Job](t, w)

	w = doRequest(t, s, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDismissUnknownPrompt(t *testing.T) {
	s, _ := setupTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/prompts/missing/dismiss", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTickEndpoint(t *testing.T) {
	s, gw := setupTestServer(t)
	createTestChannel(t, s)

	w := doRequest(t, s, http.MethodPost, "/api/v1/messages", ComposeRequest{
		Body:       "hello",
		Recipients: []string{"+1 5550001"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	before := gw.calls

	w = doRequest(t, s, http.MethodPost, "/api/v1/tick", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gw.calls != before {
		t.Errorf("expected no sends for a finished job, gateway calls went %d -> %d", before, gw.calls)
	}
}
