package telephony

import (
	"context"
	"net/http"

	"github.com/Dispatch-AI-com/backend-sub001/internal/observability"
	"github.com/Dispatch-AI-com/backend-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallFlow drives a call across webhooks. The TwiML-returning methods never
// fail: whatever goes wrong, the caller must still hear something.
type CallFlow interface {
	HandleVoice(ctx context.Context, in VoiceWebhook) string
	HandleGather(ctx context.Context, in GatherWebhook) string
	HandleStatus(ctx context.Context, in StatusWebhook) error
}

// WebhookHandler converts Twilio webhooks to internal types, delegates to
// the call flow, and writes TwiML.
//
// No business logic here.
type WebhookHandler struct {
	Flow    CallFlow
	Metrics *observability.Metrics
}

func (h WebhookHandler) HandleVoice(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioForm(c.Request)
	if err != nil {
		log.Warn("twilio voice webhook parse failed", "err", err)
		h.Metrics.ObserveWebhook("voice", "bad_request")
	}

	ctx := logger.With(c.Request.Context(), log.With("call_sid", form.CallSid))
	writeTwiML(c, h.Flow.HandleVoice(ctx, form.Voice()))
	if err == nil {
		h.Metrics.ObserveWebhook("voice", "ok")
	}
}

func (h WebhookHandler) HandleGather(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioForm(c.Request)
	if err != nil {
		log.Warn("twilio gather webhook parse failed", "err", err)
		h.Metrics.ObserveWebhook("gather", "bad_request")
	}

	ctx := logger.With(c.Request.Context(), log.With("call_sid", form.CallSid))
	writeTwiML(c, h.Flow.HandleGather(ctx, form.Gather()))
	if err == nil {
		h.Metrics.ObserveWebhook("gather", "ok")
	}
}

// HandleStatus always answers 200. Twilio does not retry status callbacks
// usefully, and a failed finalization keeps the session for a manual retry.
func (h WebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioForm(c.Request)
	if err != nil {
		log.Warn("twilio status webhook parse failed", "err", err)
		h.Metrics.ObserveWebhook("status", "bad_request")
		c.Status(http.StatusOK)
		return
	}

	ctx := logger.With(c.Request.Context(), log.With("call_sid", form.CallSid))
	if err := h.Flow.HandleStatus(ctx, form.Status()); err != nil {
		log.Error("call status handling failed", "call_sid", form.CallSid, "status", form.CallStatus, "err", err)
		h.Metrics.ObserveWebhook("status", "error")
		c.Status(http.StatusOK)
		return
	}
	h.Metrics.ObserveWebhook("status", "ok")
	c.Status(http.StatusOK)
}

func writeTwiML(c *gin.Context, twiml string) {
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(twiml))
}
