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
	"testing"

	"github.com/foxzi/pacer/internal/batch"
	"github.com/foxzi/pacer/internal/config"
	"github.com/foxzi/pacer/internal/dispatch"
	"github.com/foxzi/pacer/internal/followup"
	"github.com/foxzi/pacer/internal/ipfilter"
	"github.com/foxzi/pacer/internal/jobs"
	"github.com/foxzi/pacer/internal/mailbox"
	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
	"github.com/foxzi/pacer/internal/progress"
	"github.com/foxzi/pacer/internal/provider"
)

type classifierFunc func(ctx context.Context, in provider.CompanyInput) (*provider.Classification, error)

func (f classifierFunc) Classify(ctx context.Context, in provider.CompanyInput) (*provider.Classification, error) {
	return f(ctx, in)
}

// mockCampaigns implements Campaigns for testing
type mockCampaigns struct {
	statuses map[string]*dispatch.Status
	started  []string
}

func newMockCampaigns() *mockCampaigns {
	return &mockCampaigns{statuses: make(map[string]*dispatch.Status)}
}

func (m *mockCampaigns) Start(ctx context.Context, id string) (*dispatch.Status, error) {
	if id == "missing" {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrNotFound)
	}
	if st, ok := m.statuses[id]; ok && st.State == dispatch.StateRunning {
		return nil, fmt.Errorf("%s: %w", id, dispatch.ErrAlreadyRunning)
	}
	m.started = append(m.started, id)
	st := &dispatch.Status{CampaignID: id, State: dispatch.StateRunning, Remaining: 3}
	m.statuses[id] = st
	return st, nil
}

func (m *mockCampaigns) Resume(ctx context.Context, id string) (*dispatch.Status, error) {
	st, ok := m.statuses[id]
	if !ok || st.State != dispatch.StatePaused {
		return nil, fmt.Errorf("%s: %w", id, dispatch.ErrNotPaused)
	}
	st.State = dispatch.StateRunning
	return st, nil
}

func (m *mockCampaigns) Pause(ctx context.Context, id string) *dispatch.Status {
	st := m.Status(id)
	if st.State == dispatch.StateRunning {
		st.State = dispatch.StatePaused
	}
	return st
}

func (m *mockCampaigns) Cancel(ctx context.Context, id string) *dispatch.Status {
	st := m.Status(id)
	if st.State == dispatch.StateRunning || st.State == dispatch.StatePaused {
		st.State = dispatch.StateCancelled
	}
	return st
}

func (m *mockCampaigns) Status(id string) *dispatch.Status {
	if st, ok := m.statuses[id]; ok {
		return st
	}
	return &dispatch.Status{CampaignID: id, State: dispatch.StateIdle}
}

func (m *mockCampaigns) List() []*dispatch.Status {
	var out []*dispatch.Status
	for _, st := range m.statuses {
		out = append(out, st)
	}
	return out
}

func (m *mockCampaigns) Plan(ctx context.Context, id string) (*pacing.Estimate, error) {
	if id == "broken" {
		return nil, fmt.Errorf("campaign %s: %w: max per day must be positive", id, pacing.ErrInvalidSchedule)
	}
	return &pacing.Estimate{Recipients: 3, SendDays: 1}, nil
}

type mockHistory struct{}

func (mockHistory) List(ctx context.Context, campaignID string, limit int) ([]models.SendHistoryEntry, error) {
	var out []models.SendHistoryEntry
	for i := 0; i < 5 && (limit == 0 || i < limit); i++ {
		out = append(out, models.SendHistoryEntry{CampaignID: campaignID, LeadID: fmt.Sprint(i), Status: models.SendStatusSent})
	}
	return out, nil
}

type mockMailboxes struct{}

func (mockMailboxes) AllMailboxes(ctx context.Context) ([]models.Mailbox, error) {
	return []models.Mailbox{
		{ID: "a", Email: "a@example.com", DailyLimit: 10, Active: true},
		{ID: "b", Email: "b@example.com", DailyLimit: 5, Active: false},
	}, nil
}

type mockQuotas struct {
	reset []string
}

func (m *mockQuotas) Stats(ctx context.Context, mailboxes []models.Mailbox) ([]mailbox.Quota, error) {
	out := make([]mailbox.Quota, len(mailboxes))
	for i, mb := range mailboxes {
		out[i] = mailbox.Quota{MailboxID: mb.ID, Active: mb.Active, DailyLimit: mb.DailyLimit, Remaining: mb.DailyLimit - 2, SentToday: 2}
	}
	return out, nil
}

func (m *mockQuotas) Reset(ctx context.Context, id string) error {
	m.reset = append(m.reset, id)
	return nil
}

type mockFollowUps struct{}

func (mockFollowUps) Preview(ctx context.Context, parentID string, opts followup.Options) (*followup.Plan, error) {
	if parentID == "running" {
		return nil, followup.ErrParentNotCompleted
	}
	return &followup.Plan{LeadIDs: []string{"1", "2"}, DelayDays: max(opts.DelayDays, 3), Sequence: 1}, nil
}

func (m mockFollowUps) Create(ctx context.Context, parentID string, opts followup.Options) (*followup.Created, error) {
	plan, err := m.Preview(ctx, parentID, opts)
	if err != nil {
		return nil, err
	}
	return &followup.Created{CampaignID: parentID + "-f1", Plan: plan}, nil
}

type testEnv struct {
	server    *Server
	store     *progress.MemoryStore
	runner    *batch.Runner
	campaigns *mockCampaigns
	quotas    *mockQuotas
}

func setupTestServer(t *testing.T, allowedIPs ...string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := progress.NewMemoryStore(progress.Config{}, logger)
	runner := batch.NewRunner(store, batch.Config{}, logger)
	classify := classifierFunc(func(ctx context.Context, in provider.CompanyInput) (*provider.Classification, error) {
		if in.Name == "bad" {
			return nil, &provider.Error{Op: "classify", StatusCode: 400, Message: "bad input"}
		}
		return &provider.Classification{Specialization: "STAND_BUILDER"}, nil
	})
	svc := jobs.NewService(runner, classify, nil, logger)
	t.Cleanup(func() {
		svc.Close()
		runner.Wait()
	})

	filter, err := ipfilter.New(allowedIPs, logger)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		store:     store,
		runner:    runner,
		campaigns: newMockCampaigns(),
		quotas:    &mockQuotas{},
	}
	env.server = NewServer(Deps{
		Version:   "test",
		Jobs:      svc,
		Progress:  store,
		Campaigns: env.campaigns,
		History:   mockHistory{},
		Mailboxes: mockMailboxes{},
		Quotas:    env.quotas,
		FollowUps: mockFollowUps{},
	}, &config.APIConfig{ListenAddr: ":8080"}, filter, logger)
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func company(id, name string) jobs.ItemInput {
	data, _ := json.Marshal(provider.CompanyInput{ID: id, Name: name, Keywords: "exhibition stands"})
	return jobs.ItemInput{ID: id, Label: name, Value: data}
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	env.campaigns.Start(context.Background(), "c1")

	rec := env.do("GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("unexpected health: %+v", resp)
	}
	if len(resp.BatchKinds) != 1 || resp.BatchKinds[0] != jobs.KindClassify {
		t.Errorf("unexpected kinds: %v", resp.BatchKinds)
	}
	if resp.ActiveCampaign != 1 {
		t.Errorf("expected 1 active campaign, got %d", resp.ActiveCampaign)
	}
}

func TestSubmitBatchAndPoll(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do("POST", "/api/v1/batches", jobs.Request{
		Kind:  jobs.KindClassify,
		ID:    "job-1",
		Items: []jobs.ItemInput{company("1", "Acme"), company("2", "bad"), company("3", "Expo")},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decode[SubmitResponse](t, rec); resp.ProgressID != "job-1" {
		t.Fatalf("unexpected progress id %q", resp.ProgressID)
	}

	env.runner.Wait()

	rec = env.do("GET", "/api/v1/progress/job-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	state := decode[ProgressResponse](t, rec)
	if state.Status != progress.StatusCompleted {
		t.Errorf("expected completed, got %s", state.Status)
	}
	if state.Processed != 3 || state.Succeeded != 2 || state.Failed != 1 {
		t.Errorf("unexpected counters: %+v", state.Counters)
	}
	if state.Summary["STAND_BUILDER"] != 2 {
		t.Errorf("unexpected summary: %v", state.Summary)
	}
}

func TestSubmitBatchValidation(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown kind", jobs.Request{Kind: "send", Items: []jobs.ItemInput{company("1", "Acme")}}, http.StatusBadRequest},
		{"no items", jobs.Request{Kind: jobs.KindClassify}, http.StatusBadRequest},
		{"invalid item", jobs.Request{Kind: jobs.KindClassify, Items: []jobs.ItemInput{{ID: "1", Value: json.RawMessage(`"text"`)}}}, http.StatusBadRequest},
		{"malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", "/api/v1/batches", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	if env.store.Len() != 0 {
		t.Error("rejected batches must not create progress entries")
	}

	env.do("POST", "/api/v1/batches", jobs.Request{Kind: jobs.KindClassify, ID: "dup", Items: []jobs.ItemInput{company("1", "Acme")}})
	env.runner.Wait()
	rec := env.do("POST", "/api/v1/batches", jobs.Request{Kind: jobs.KindClassify, ID: "dup", Items: []jobs.ItemInput{company("1", "Acme")}})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate id, got %d", rec.Code)
	}
}

func TestProgressNotFound(t *testing.T) {
	env := setupTestServer(t)

	if rec := env.do("GET", "/api/v1/progress/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do("POST", "/api/v1/progress/nope/cancel", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCancelProgress(t *testing.T) {
	env := setupTestServer(t)
	if _, err := env.store.Create(context.Background(), "job-2", "classify", 10); err != nil {
		t.Fatal(err)
	}

	rec := env.do("POST", "/api/v1/progress/job-2/cancel", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	requested, _ := env.store.CancelRequested(context.Background(), "job-2")
	if !requested {
		t.Error("expected cancel flag to be set")
	}
}

func TestCampaignLifecycle(t *testing.T) {
	env := setupTestServer(t)

	steps := []struct {
		method string
		path   string
		want   int
		state  dispatch.State
	}{
		{"GET", "/api/v1/campaigns/c1", http.StatusOK, dispatch.StateIdle},
		{"POST", "/api/v1/campaigns/c1/resume", http.StatusConflict, ""},
		{"POST", "/api/v1/campaigns/c1/start", http.StatusAccepted, dispatch.StateRunning},
		{"POST", "/api/v1/campaigns/c1/start", http.StatusConflict, ""},
		{"POST", "/api/v1/campaigns/c1/pause", http.StatusAccepted, dispatch.StatePaused},
		{"POST", "/api/v1/campaigns/c1/resume", http.StatusAccepted, dispatch.StateRunning},
		{"POST", "/api/v1/campaigns/c1/cancel", http.StatusAccepted, dispatch.StateCancelled},
		{"POST", "/api/v1/campaigns/missing/start", http.StatusNotFound, ""},
	}

	for _, st := range steps {
		rec := env.do(st.method, st.path, nil)
		if rec.Code != st.want {
			t.Fatalf("%s %s: expected %d, got %d: %s", st.method, st.path, st.want, rec.Code, rec.Body.String())
		}
		if st.state == "" {
			continue
		}
		if got := decode[dispatch.Status](t, rec); got.State != st.state {
			t.Fatalf("%s %s: expected state %s, got %s", st.method, st.path, st.state, got.State)
		}
	}

	rec := env.do("GET", "/api/v1/campaigns", nil)
	if list := decode[[]dispatch.Status](t, rec); len(list) != 1 {
		t.Errorf("expected one campaign, got %d", len(list))
	}
}

func TestCampaignPlanAndHistory(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do("GET", "/api/v1/campaigns/c1/plan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if est := decode[pacing.Estimate](t, rec); est.Recipients != 3 {
		t.Errorf("unexpected estimate: %+v", est)
	}

	if rec := env.do("GET", "/api/v1/campaigns/broken/plan", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid schedule, got %d", rec.Code)
	}

	rec = env.do("GET", "/api/v1/campaigns/c1/history?limit=2", nil)
	if entries := decode[[]models.SendHistoryEntry](t, rec); len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
	if rec := env.do("GET", "/api/v1/campaigns/c1/history?limit=x", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestFollowUp(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do("POST", "/api/v1/campaigns/p1/followup", FollowUpRequest{Options: followup.Options{DelayDays: 1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for preview, got %d", rec.Code)
	}
	if plan := decode[followup.Plan](t, rec); plan.DelayDays != 3 {
		t.Errorf("expected minimum delay, got %d", plan.DelayDays)
	}
	if len(env.campaigns.started) != 0 {
		t.Error("preview must not start anything")
	}

	rec = env.do("POST", "/api/v1/campaigns/p1/followup", FollowUpRequest{Options: followup.Options{DelayDays: 7}, Create: true, Start: true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[FollowUpResponse](t, rec)
	if resp.CampaignID != "p1-f1" || resp.Dispatch == nil || resp.Dispatch.State != dispatch.StateRunning {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(env.campaigns.started) != 1 || env.campaigns.started[0] != "p1-f1" {
		t.Errorf("expected follow-up dispatch started, got %v", env.campaigns.started)
	}

	if rec := env.do("POST", "/api/v1/campaigns/running/followup", FollowUpRequest{}); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for running parent, got %d", rec.Code)
	}
}

func TestMailboxes(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do("GET", "/api/v1/mailboxes/quota", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[QuotaResponse](t, rec)
	if len(resp.Mailboxes) != 2 || resp.Eligible != 1 || resp.Remaining != 8 {
		t.Errorf("unexpected quota: %+v", resp)
	}

	rec = env.do("POST", "/api/v1/mailboxes/a/reset", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(env.quotas.reset) != 1 || env.quotas.reset[0] != "a" {
		t.Errorf("unexpected resets: %v", env.quotas.reset)
	}
}

func TestIPFilter(t *testing.T) {
	env := setupTestServer(t, "10.0.0.0/8")

	if rec := env.do("GET", "/api/v1/progress/x", nil); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if rec := env.do("GET", "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health must stay open, got %d", rec.Code)
	}
}

func TestOptionalRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := progress.NewMemoryStore(progress.Config{}, logger)
	s := NewServer(Deps{Progress: store}, &config.APIConfig{}, nil, logger)

	req := httptest.NewRequest("POST", "/api/v1/campaigns/c1/start", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("campaign routes must be absent without a campaign store, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{progress.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", models.ErrNotFound), http.StatusNotFound},
		{jobs.ErrNoItems, http.StatusBadRequest},
		{fmt.Errorf("c: %w", dispatch.ErrNoMailboxes), http.StatusBadRequest},
		{followup.ErrLimitReached, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
