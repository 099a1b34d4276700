package main

import (
	"context"
	"net/http"

	"github.com/Dispatch-AI-com/backend-sub001/internal/config"
	"github.com/Dispatch-AI-com/backend-sub001/internal/httpapi"
	"github.com/Dispatch-AI-com/backend-sub001/internal/observability"
	"github.com/Dispatch-AI-com/backend-sub001/internal/rbac"
	"github.com/Dispatch-AI-com/backend-sub001/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg      config.Config
	authMW   gin.HandlerFunc
	metrics  *observability.Metrics
	webhooks telephony.WebhookHandler
	api      httpapi.Handlers
	ready    func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.ready != nil {
			if err := d.ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	// Provider webhooks (public, optionally signed).
	tel := r.Group("/telephony")
	if d.cfg.Twilio.ValidateSignature {
		tel.Use(telephony.RequireTwilioSignature(d.cfg.Twilio.AuthToken, d.cfg.Twilio.WebhookBaseURL))
	}
	{
		tel.POST("/voice", d.webhooks.HandleVoice)
		tel.POST("/gather", d.webhooks.HandleGather)
		tel.POST("/status", d.webhooks.HandleStatus)
	}

	// Token issuance without credentials is for local work only.
	if !d.cfg.IsProduction() {
		r.POST("/dev/login", d.api.Login)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		calllogs := v1.Group("/calllogs")
		calllogs.Use(httpapi.RequireCompanyAndAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleMember)...)
		{
			calllogs.GET("", d.api.ListCallLogs)
			calllogs.GET("/:id/transcript", d.api.GetTranscript)
		}

		reports := v1.Group("/reports")
		reports.Use(httpapi.RequireCompanyAndAnyRole(rbac.RoleOwner, rbac.RoleAdmin)...)
		{
			reports.GET("/calls/summary", d.api.CallsSummary)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(httpapi.RequireCallAdmin()...)
		{
			admin.POST("/calls/:callSid/finalize", d.api.RefinalizeCall)
		}
	}
}
