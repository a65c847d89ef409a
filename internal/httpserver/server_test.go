package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"leadflow/internal/lifecycle"
	"leadflow/internal/logging"
	"leadflow/internal/metrics"
	"leadflow/internal/repo"
	"leadflow/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret"

type fakeApprovals struct {
	tokens  []string
	waiting bool
}

func (f *fakeApprovals) HandleAction(_ context.Context, token string) string {
	f.tokens = append(f.tokens, token)
	return "Meeting approved."
}

func (f *fakeApprovals) HandleManagerText(_ context.Context, text string) (string, bool) {
	if !f.waiting {
		return "", false
	}
	return "Sent 2 options to the lead.", true
}

func (f *fakeApprovals) Pending() int { return 3 }

type fakeLeads struct {
	imported []repo.LeadInput
	err      error
}

func (f *fakeLeads) ImportLeads(_ context.Context, inputs []repo.LeadInput) (lifecycle.ImportResult, error) {
	f.imported = inputs
	return lifecycle.ImportResult{Created: len(inputs)}, f.err
}

func (f *fakeLeads) Stats(context.Context) (lifecycle.Report, error) {
	return lifecycle.Report{Day: "2025-06-16", Leads: repo.LeadStats{Total: 7}}, nil
}

func (f *fakeLeads) ProcessBulkOutreach(context.Context) (int, error) { return 2, nil }

type fakeCycles struct{}

func (fakeCycles) LastCycle(context.Context) (scheduler.CycleReport, bool) {
	return scheduler.CycleReport{NewLeads: 5}, true
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(t *testing.T, basePath string) (*Server, *fakeApprovals, *fakeLeads) {
	t.Helper()
	approvals := &fakeApprovals{}
	leads := &fakeLeads{}
	webhook := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	s := New(":0", logging.Discard(), metrics.NewUnregistered(), Handlers{EmailWebhook: webhook}, basePath)
	s.SetDependencies(Dependencies{
		AdminToken: adminToken,
		Store:      fakePinger{},
		Approvals:  approvals,
		Leads:      leads,
		Cycles:     fakeCycles{},
	})
	return s, approvals, leads
}

func do(s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/healthz", "", false).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/readyz", "", false).Code)

	s.SetDependencies(Dependencies{Store: fakePinger{err: errors.New("down")}})
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/readyz", "", false).Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/admin/stats", "", false).Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/approvals/actions", `{"token":"approve:abc:0"}`, false).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, "/approvals/actions", "", true).Code)
}

func TestApprovalAction(t *testing.T) {
	s, approvals, _ := newTestServer(t, "")

	rec := do(s, http.MethodPost, "/approvals/actions", `{"token":"approve:abc:0"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Meeting approved."}`, rec.Body.String())
	assert.Equal(t, []string{"approve:abc:0"}, approvals.tokens)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/approvals/actions", `{}`, true).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/approvals/actions", `not json`, true).Code)
}

func TestApprovalReply(t *testing.T) {
	s, approvals, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusConflict, do(s, http.MethodPost, "/approvals/reply", `{"text":"Tuesday 2pm"}`, true).Code)

	approvals.waiting = true
	rec := do(s, http.MethodPost, "/approvals/reply", `{"text":"Tuesday 2pm"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sent 2 options")
}

func TestImportLeads(t *testing.T) {
	s, _, leads := newTestServer(t, "")
	rec := do(s, http.MethodPost, "/admin/leads", `[{"first_name":"Anna","email":"anna@acme.io","email_verified":true}]`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, leads.imported, 1)
	assert.Equal(t, "Anna", leads.imported[0].FirstName)
	assert.True(t, leads.imported[0].EmailVerified)

	var result lifecycle.ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Created)

	leads.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(s, http.MethodPost, "/admin/leads", `[]`, true).Code)
}

func TestStats(t *testing.T) {
	s, _, _ := newTestServer(t, "/leadflow")
	rec := do(s, http.MethodGet, "/leadflow/admin/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2025-06-16", body["day"])
	assert.EqualValues(t, 3, body["pending_negotiations"])
	assert.EqualValues(t, 5, body["last_cycle"].(map[string]any)["new_leads"])

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/admin/stats", "", true).Code)
}

func TestOutreachAndWebhook(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(s, http.MethodPost, "/admin/outreach", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sent":2}`, rec.Body.String())

	assert.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/webhook/email", `{}`, false).Code)
}

func TestNormaliseBasePath(t *testing.T) {
	assert.Equal(t, "", normaliseBasePath(" / "))
	assert.Equal(t, "/leadflow", normaliseBasePath("leadflow/"))
}
