package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/internal/audit"
	"github.com/Dispatch-AI-com/backend-sub001/internal/auth"
	"github.com/Dispatch-AI-com/backend-sub001/internal/calllog"
	"github.com/Dispatch-AI-com/backend-sub001/internal/callsession"
	"github.com/Dispatch-AI-com/backend-sub001/internal/config"
	"github.com/Dispatch-AI-com/backend-sub001/internal/rbac"
	"github.com/Dispatch-AI-com/backend-sub001/internal/reporting"

	"github.com/gin-gonic/gin"
)

type fixture struct {
	router  *gin.Engine
	auth    *auth.Manager
	store   *callsession.MemoryStore
	records *calllog.MemoryRepo
	audit   *audit.MemoryRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	store := callsession.NewMemoryStore()
	records := calllog.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()

	h := Handlers{
		Auth:      m,
		CallLogs:  records,
		Reports:   reporting.NewService(reportingFromRecords{records}),
		Sessions:  store,
		Finalizer: calllog.NewFinalizer(store, records, nil, calllog.FinalizerConfig{}, nil),
		Audit:     audit.NewService(auditRepo),
	}

	r := gin.New()
	r.POST("/dev/login", h.Login)
	v1 := r.Group("/v1", auth.RequireAccessToken(m))
	v1.GET("/calllogs", append(RequireCompanyAndAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleMember), h.ListCallLogs)...)
	v1.GET("/calllogs/:id/transcript", append(RequireCompanyAndAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleMember), h.GetTranscript)...)
	v1.GET("/reports/calls/summary", append(RequireCompanyAndAnyRole(rbac.RoleOwner, rbac.RoleAdmin), h.CallsSummary)...)
	v1.POST("/admin/calls/:callSid/finalize", append(RequireCallAdmin(), h.RefinalizeCall)...)

	return &fixture{router: r, auth: m, store: store, records: records, audit: auditRepo}
}

// reportingFromRecords aggregates the memory call-log repo for reports.
type reportingFromRecords struct{ repo *calllog.MemoryRepo }

func (r reportingFromRecords) CountCallsByStatus(ctx context.Context, companyID string, from, to time.Time) ([]reporting.StatusCount, error) {
	mem := reporting.NewMemoryRepo()
	mem.Logs = r.repo.CallLogs()
	return mem.CountCallsByStatus(ctx, companyID, from, to)
}

func (f *fixture) token(t *testing.T, companyID, role string) string {
	t.Helper()
	p, err := f.auth.IssuePair(time.Now(), "user-1", companyID, role)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return p.AccessToken
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) finalizedCall(t *testing.T, callSid, companyID string) calllog.CallLog {
	t.Helper()
	ctx := context.Background()
	_ = f.store.Save(ctx, callsession.CallSession{
		CallID:  callSid,
		Company: callsession.Company{ID: companyID, Name: "Acme"},
		History: []callsession.Turn{
			{Speaker: callsession.SpeakerAI, Message: "Welcome", StartedAt: "2026-03-01T10:00:00Z"},
			{Speaker: callsession.SpeakerCustomer, Message: "Just asking", StartedAt: "2026-03-01T10:00:04Z"},
		},
		CreatedAt: time.Now().UTC(),
	})
	fin := calllog.NewFinalizer(f.store, f.records, nil, calllog.FinalizerConfig{}, nil)
	res, err := fin.ProcessCallCompletion(ctx, callSid, callsession.ProviderParams{CallStatus: "completed", From: "+61400123456", DurationSeconds: 20})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return res.CallLog
}

func TestListCallLogs_ScopedToCompany(t *testing.T) {
	f := newFixture(t)
	f.finalizedCall(t, "CA1", "c1")
	f.finalizedCall(t, "CA2", "c2")

	w := f.do(t, http.MethodGet, "/v1/calllogs", f.token(t, "c1", rbac.RoleMember))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Items []calllog.CallLog `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].CallSid != "CA1" || body.Items[0].Status != calllog.StatusMissed {
		t.Fatalf("unexpected items: %+v", body.Items)
	}
}

func TestListCallLogs_RejectsBadQuery(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "c1", rbac.RoleOwner)
	for _, q := range []string{"?from=yesterday", "?status=Lost", "?limit=-1"} {
		if w := f.do(t, http.MethodGet, "/v1/calllogs"+q, tok); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestListCallLogs_RequiresToken(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/v1/calllogs", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGetTranscript(t *testing.T) {
	f := newFixture(t)
	entry := f.finalizedCall(t, "CA1", "c1")

	w := f.do(t, http.MethodGet, "/v1/calllogs/"+entry.ID+"/transcript", f.token(t, "c1", rbac.RoleOwner))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Transcript calllog.Transcript        `json:"transcript"`
		Chunks     []calllog.TranscriptChunk `json:"chunks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Transcript.Summary != calllog.DefaultFallbackSummary {
		t.Fatalf("expected fallback summary, got %q", body.Transcript.Summary)
	}
	if len(body.Chunks) != 2 || body.Chunks[1].Text != "Just asking" {
		t.Fatalf("unexpected chunks: %+v", body.Chunks)
	}

	// Another company cannot read it.
	if w := f.do(t, http.MethodGet, "/v1/calllogs/"+entry.ID+"/transcript", f.token(t, "c2", rbac.RoleOwner)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across companies, got %d", w.Code)
	}
}

func TestCallsSummary(t *testing.T) {
	f := newFixture(t)
	f.finalizedCall(t, "CA1", "c1")
	f.finalizedCall(t, "CA2", "c1")

	w := f.do(t, http.MethodGet, "/v1/reports/calls/summary", f.token(t, "c1", rbac.RoleAdmin))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out reporting.CallsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TotalCalls != 2 || out.MissedCalls != 2 || out.BookingRate != 0 {
		t.Fatalf("unexpected summary: %+v", out)
	}

	if w := f.do(t, http.MethodGet, "/v1/reports/calls/summary", f.token(t, "c1", rbac.RoleMember)); w.Code != http.StatusForbidden {
		t.Fatalf("member should be forbidden, got %d", w.Code)
	}
}

func TestCallsSummary_SuperAdminPicksCompany(t *testing.T) {
	f := newFixture(t)
	f.finalizedCall(t, "CA1", "c9")

	tok := f.token(t, "", rbac.RoleSuperAdmin)
	if w := f.do(t, http.MethodGet, "/v1/reports/calls/summary", tok); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without companyId, got %d", w.Code)
	}
	w := f.do(t, http.MethodGet, "/v1/reports/calls/summary?companyId=c9", tok)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total_calls":1`) {
		t.Fatalf("unexpected response %d: %s", w.Code, w.Body.String())
	}
}

func TestRefinalizeCall_RetriesRetainedSessionAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.Save(ctx, callsession.CallSession{
		CallID:      "CA7",
		Company:     callsession.Company{ID: "c1"},
		CreatedAt:   time.Now().UTC(),
		Termination: &callsession.ProviderParams{CallStatus: "completed", From: "+61400123456", DurationSeconds: 12},
	})

	w := f.do(t, http.MethodPost, "/v1/admin/calls/CA7/finalize", f.token(t, "c1", rbac.RoleOwner))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	logs := f.records.CallLogs()
	if len(logs) != 1 || logs[0].CallerNumber != "+61400123456" || logs[0].DurationSeconds != 12 {
		t.Fatalf("expected pinned params used, got %+v", logs)
	}
	evs := f.audit.Events()
	if len(evs) != 1 || evs[0].Type != audit.EventTypeFinalizationRetry || evs[0].CallSid != "CA7" || evs[0].CompanyID != "c1" {
		t.Fatalf("unexpected audit events: %+v", evs)
	}

	// Finalized session is gone; a second attempt finds nothing.
	if w := f.do(t, http.MethodPost, "/v1/admin/calls/CA7/finalize", f.token(t, "c1", rbac.RoleOwner)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after finalization, got %d", w.Code)
	}
}

func TestRefinalizeCall_OtherCompanyNotFound(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Save(context.Background(), callsession.CallSession{CallID: "CA8", Company: callsession.Company{ID: "c1"}})

	if w := f.do(t, http.MethodPost, "/v1/admin/calls/CA8/finalize", f.token(t, "c2", rbac.RoleOwner)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if _, ok, _ := f.store.Load(context.Background(), "CA8"); !ok {
		t.Fatalf("session must be untouched")
	}
	if n := len(f.audit.Events()); n != 0 {
		t.Fatalf("expected no audit for rejected request, got %d", n)
	}
}

func TestRefinalizeCall_OwnerOrSuperAdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.Save(ctx, callsession.CallSession{CallID: "CA10", Company: callsession.Company{ID: "c1"}})

	for _, role := range []string{rbac.RoleAdmin, rbac.RoleMember} {
		if w := f.do(t, http.MethodPost, "/v1/admin/calls/CA10/finalize", f.token(t, "c1", role)); w.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", role, w.Code)
		}
	}
	if _, ok, _ := f.store.Load(ctx, "CA10"); !ok {
		t.Fatalf("session must be untouched")
	}
	if n := len(f.audit.Events()); n != 0 {
		t.Fatalf("expected no audit for forbidden request, got %d", n)
	}

	if w := f.do(t, http.MethodPost, "/v1/admin/calls/CA10/finalize", f.token(t, "", rbac.RoleSuperAdmin)); w.Code != http.StatusOK {
		t.Fatalf("super_admin: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	evs := f.audit.Events()
	if len(evs) != 1 || evs[0].CompanyID != "c1" || evs[0].ActorRole != rbac.RoleSuperAdmin {
		t.Fatalf("unexpected audit events: %+v", evs)
	}
}

type failingFinalizer struct{}

func (failingFinalizer) ProcessCallCompletion(context.Context, string, callsession.ProviderParams) (calllog.Result, error) {
	return calllog.Result{}, errors.New("db down")
}

func TestRefinalizeCall_FailureAuditedAsError(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Save(context.Background(), callsession.CallSession{CallID: "CA9", Company: callsession.Company{ID: "c1"}})

	h := Handlers{Sessions: f.store, Finalizer: failingFinalizer{}, Audit: audit.NewService(f.audit)}
	r := gin.New()
	r.POST("/x/:callSid", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "u1", "c1", rbac.RoleOwner))
		c.Next()
	}, h.RefinalizeCall)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x/CA9", nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	evs := f.audit.Events()
	if len(evs) != 1 || !strings.Contains(evs[0].Metadata, `"outcome":"error"`) {
		t.Fatalf("expected error outcome audited, got %+v", evs)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/dev/login", strings.NewReader(`{"user_id":"u1","company_id":"c1","role":"owner"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "access_token") {
		t.Fatalf("unexpected login response %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/dev/login", strings.NewReader(`{"user_id":"u1","role":"owner"}`))
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without company, got %d", w.Code)
	}
}
