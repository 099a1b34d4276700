package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/internal/ai"
	"github.com/Dispatch-AI-com/backend-sub001/internal/auth"
	"github.com/Dispatch-AI-com/backend-sub001/internal/calllog"
	"github.com/Dispatch-AI-com/backend-sub001/internal/callsession"
	"github.com/Dispatch-AI-com/backend-sub001/internal/config"
	"github.com/Dispatch-AI-com/backend-sub001/internal/conversation"
	"github.com/Dispatch-AI-com/backend-sub001/internal/httpapi"
	"github.com/Dispatch-AI-com/backend-sub001/internal/observability"
	"github.com/Dispatch-AI-com/backend-sub001/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type echoReplier struct{}

func (echoReplier) Reply(_ context.Context, req ai.ReplyRequest) (ai.ReplyResponse, error) {
	return ai.ReplyResponse{ReplyText: "You said " + req.Message}, nil
}

func newTestRouter(t *testing.T, cfg config.Config, ready func(context.Context) error) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := callsession.NewMemoryStore()
	records := calllog.NewMemoryRepo()
	fin := calllog.NewFinalizer(store, records, nil, calllog.FinalizerConfig{}, metrics)
	flow := conversation.NewOrchestrator(callsession.NewHelper(store, nil), echoReplier{}, fin, nil,
		conversation.Config{BaseURL: cfg.Twilio.WebhookBaseURL}, metrics)

	r := gin.New()
	registerRoutes(r, routeDeps{
		cfg:      cfg,
		authMW:   auth.RequireAccessToken(m),
		metrics:  metrics,
		webhooks: telephony.WebhookHandler{Flow: flow, Metrics: metrics},
		api:      httpapi.Handlers{Auth: m, CallLogs: records, Sessions: store, Finalizer: fin},
		ready:    ready,
	})
	return r
}

func testConfig() config.Config {
	return config.Config{
		App:    config.AppConfig{Env: "local"},
		Twilio: config.TwilioConfig{WebhookBaseURL: "https://api.example.test", AuthToken: "tok"},
	}
}

func TestRoutes_Healthz(t *testing.T) {
	r := newTestRouter(t, testConfig(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	r = newTestRouter(t, testConfig(), func(context.Context) error { return errors.New("redis down") })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestRoutes_VoiceWebhookAndMetrics(t *testing.T) {
	r := newTestRouter(t, testConfig(), nil)

	form := url.Values{"CallSid": {"CA1"}, "From": {"+61400123456"}, "To": {"+61290000000"}, "CallStatus": {"ringing"}}
	req := httptest.NewRequest(http.MethodPost, "/telephony/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Gather") {
		t.Fatalf("expected gather twiml, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "dispatch_webhook_requests_total") {
		t.Fatalf("expected webhook counter exported")
	}
}

func TestRoutes_SignatureEnforcedWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Twilio.ValidateSignature = true
	r := newTestRouter(t, cfg, nil)

	form := url.Values{"CallSid": {"CA1"}}
	req := httptest.NewRequest(http.MethodPost, "/telephony/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unsigned webhook, got %d", w.Code)
	}
}

func TestRoutes_ProtectedAPIAndDevLogin(t *testing.T) {
	r := newTestRouter(t, testConfig(), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calllogs", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	cfg := testConfig()
	cfg.App.Env = "production"
	r = newTestRouter(t, cfg, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/dev/login", strings.NewReader(`{}`)))
	if w.Code != http.StatusNotFound {
		t.Fatalf("dev login must not exist in production, got %d", w.Code)
	}
}
