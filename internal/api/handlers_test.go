package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vkaroly/sms-dispatch/internal/dedupe"
	"github.com/vkaroly/sms-dispatch/internal/dispatch"
	"github.com/vkaroly/sms-dispatch/internal/gateway"
	"github.com/vkaroly/sms-dispatch/internal/model"
	"github.com/vkaroly/sms-dispatch/internal/repo"
)

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	attempts map[string][]model.MessageAttempt

	// capture args
	gotLimit  int
	gotOffset int
	updates   []statusUpdate
}

type statusUpdate struct {
	ProviderID string
	Status     string
}

var _ repo.JobStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]*model.Job),
		attempts: make(map[string][]model.MessageAttempt),
	}
}

func (f *fakeStore) CreateJob(ctx context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeStore) CommitBatch(ctx context.Context, jobID string, attempts []model.MessageAttempt, sent, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[jobID] = append(f.attempts[jobID], attempts...)
	if j, ok := f.jobs[jobID]; ok {
		j.SentCount = sent
		j.FailedCount = failed
	}
	return nil
}

func (f *fakeStore) SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg *string, completedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return repo.ErrJobNotFound
	}
	j.Status = status
	j.Error = errMsg
	j.CompletedAt = completedAt
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, repo.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (f *fakeStore) ListAttempts(ctx context.Context, jobID string) ([]model.MessageAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.MessageAttempt(nil), f.attempts[jobID]...), nil
}

func (f *fakeStore) ListHistory(ctx context.Context, limit, offset int) ([]model.MessageAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotLimit = limit
	f.gotOffset = offset
	return nil, nil
}

func (f *fakeStore) UpdateAttemptStatus(ctx context.Context, providerID, status string, errCode, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{ProviderID: providerID, Status: status})
	return nil
}

func (f *fakeStore) Stats(ctx context.Context) (*model.Stats, error) {
	return &model.Stats{TotalAttempts: 1, TotalSent: 1}, nil
}

type okGateway struct{}

func (okGateway) Send(ctx context.Context, to, body string) gateway.Result {
	return gateway.Result{Success: true, ProviderID: "SM1", Status: "queued"}
}

func newTestServer(t *testing.T, store repo.JobStore) (*dispatch.Dispatcher, http.Handler) {
	t.Helper()

	d, err := dispatch.New(
		okGateway{},
		store,
		dedupe.New(10*time.Second, 30*time.Second),
		dedupe.New(5*time.Second, 30*time.Second),
		dispatch.Options{MessagesPerSecond: 10000},
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	h := NewHandler(d, store, nil)
	return d, Router(h)
}

func multipartBody(t *testing.T, csvContent, template string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if csvContent != "" {
		fw, err := mw.CreateFormFile("file", "recipients.csv")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write([]byte(csvContent)); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := mw.WriteField("message_template", template); err != nil {
		t.Fatalf("failed to write template field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	return &buf, mw.FormDataContentType()
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decodeJSON(t, rr); got["ok"] != true {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestCreateJob_Success(t *testing.T) {
	store := newFakeStore()
	d, mux := newTestServer(t, store)

	body, contentType := multipartBody(t,
		"phone_number,name\n+16502530000,Alice\n+16502530001,Bob\n",
		"Hi {name}")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%q", rr.Code, rr.Body.String())
	}

	got := decodeJSON(t, rr)
	jobID, _ := got["job_id"].(string)
	if jobID == "" {
		t.Fatalf("expected job_id, got %v", got)
	}
	if got["valid_count"] != float64(2) || got["invalid_count"] != float64(0) {
		t.Fatalf("unexpected counts: %v", got)
	}

	d.Wait()

	job, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if job.Status != model.JobCompleted {
		t.Fatalf("expected completed job, got %q", job.Status)
	}
	if len(store.attempts[jobID]) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(store.attempts[jobID]))
	}
}

func TestCreateJob_ReportsInvalidRows(t *testing.T) {
	store := newFakeStore()
	d, mux := newTestServer(t, store)

	body, contentType := multipartBody(t,
		"phone_number\n+16502530000\nnope\n",
		"hello")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%q", rr.Code, rr.Body.String())
	}

	got := decodeJSON(t, rr)
	if got["valid_count"] != float64(1) || got["invalid_count"] != float64(1) {
		t.Fatalf("unexpected counts: %v", got)
	}

	d.Wait()
}

func TestCreateJob_EmptyTemplate(t *testing.T) {
	store := newFakeStore()
	_, mux := newTestServer(t, store)

	body, contentType := multipartBody(t, "phone_number\n+16502530000\n", "   ")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(store.jobs) != 0 {
		t.Fatalf("expected no job created, got %d", len(store.jobs))
	}
}

func TestCreateJob_MissingPhoneColumn(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore())

	body, contentType := multipartBody(t, "name\nAlice\n", "hello")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	got := decodeJSON(t, rr)
	if _, ok := got["required_columns"]; !ok {
		t.Fatalf("expected required_columns in response, got %v", got)
	}
	if _, ok := got["found_columns"]; !ok {
		t.Fatalf("expected found_columns in response, got %v", got)
	}
}

func TestCreateJob_NoValidNumbers(t *testing.T) {
	store := newFakeStore()
	_, mux := newTestServer(t, store)

	body, contentType := multipartBody(t, "phone_number\nnope\nalso-nope\n", "hello")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(store.jobs) != 0 {
		t.Fatalf("expected no job created, got %d", len(store.jobs))
	}
}

func TestValidateSource(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore())

	body, contentType := multipartBody(t,
		"phone_number,name\n+16502530000,Alice\nbogus,Eve\n", "")

	req := httptest.NewRequest(http.MethodPost, "/v1/recipients/validate", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}

	got := decodeJSON(t, rr)
	if got["total_rows"] != float64(2) {
		t.Fatalf("unexpected total_rows: %v", got)
	}
	if got["valid_count"] != float64(1) || got["invalid_count"] != float64(1) {
		t.Fatalf("unexpected counts: %v", got)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	_, mux := newTestServer(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListHistory_PassesPagination(t *testing.T) {
	store := newFakeStore()
	_, mux := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodGet, "/v1/messages?limit=7&offset=3", nil)
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if store.gotLimit != 7 || store.gotOffset != 3 {
		t.Fatalf("expected limit=7 offset=3, got %d/%d", store.gotLimit, store.gotOffset)
	}
}

func TestStatusWebhook(t *testing.T) {
	store := newFakeStore()
	_, mux := newTestServer(t, store)

	form := url.Values{}
	form.Set("MessageSid", "SM42")
	form.Set("MessageStatus", "delivered")

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if len(store.updates) != 1 || store.updates[0].ProviderID != "SM42" || store.updates[0].Status != "delivered" {
		t.Fatalf("unexpected updates: %+v", store.updates)
	}
}

func TestStatusWebhook_MissingFields(t *testing.T) {
	store := newFakeStore()
	_, mux := newTestServer(t, store)

	form := url.Values{}
	form.Set("MessageSid", "SM42")

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()

	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(store.updates) != 0 {
		t.Fatalf("expected no updates, got %+v", store.updates)
	}
}
