package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/internal/ai"
	"github.com/Dispatch-AI-com/backend-sub001/internal/calllog"
	"github.com/Dispatch-AI-com/backend-sub001/internal/callsession"
	"github.com/Dispatch-AI-com/backend-sub001/internal/notify"
	"github.com/Dispatch-AI-com/backend-sub001/internal/observability"
	"github.com/Dispatch-AI-com/backend-sub001/internal/telephony"
	"github.com/Dispatch-AI-com/backend-sub001/pkg/logger"
)

const (
	DefaultGreeting = "Hello! Thanks for calling. How can I help you today?"
	ApologyText     = "Sorry, I'm having trouble right now. Could you please say that again?"
	RepromptText    = "Sorry, I didn't catch that. Could you please repeat?"
	EndedText       = "Sorry, this call can't continue. Goodbye."

	// Twilio gives up on a webhook after 15s.
	defaultReplyTimeout = 8 * time.Second
)

// Stage is where a call is in the conversation. It is derived from the
// session, never stored.
type Stage string

const (
	StageGreeting         Stage = "greeting"
	StageInConversation   Stage = "in-conversation"
	StageBookingConfirmed Stage = "booking-confirmed"
)

func StageOf(s callsession.CallSession) Stage {
	switch {
	case s.ConfirmBooking:
		return StageBookingConfirmed
	case len(s.History) == 0:
		return StageGreeting
	default:
		return StageInConversation
	}
}

// CallFinalizer persists a finished call.
type CallFinalizer interface {
	ProcessCallCompletion(ctx context.Context, callID string, params callsession.ProviderParams) (calllog.Result, error)
}

type Config struct {
	// BaseURL is the public origin Twilio posts gather results to.
	BaseURL  string
	Language string
	Voice    string

	ReplyTimeout time.Duration
}

// Orchestrator is the call state machine behind the telephony webhooks.
// It implements telephony.CallFlow.
type Orchestrator struct {
	sessions  *callsession.Helper
	replier   ai.Replier
	finalizer CallFinalizer
	notifier  notify.Notifier
	cfg       Config
	metrics   *observability.Metrics
	now       func() time.Time
}

var _ telephony.CallFlow = (*Orchestrator)(nil)

func NewOrchestrator(sessions *callsession.Helper, replier ai.Replier, finalizer CallFinalizer, notifier notify.Notifier, cfg Config, metrics *observability.Metrics) *Orchestrator {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.Language == "" {
		cfg.Language = telephony.DefaultLanguage
	}
	return &Orchestrator{
		sessions:  sessions,
		replier:   replier,
		finalizer: finalizer,
		notifier:  notifier,
		cfg:       cfg,
		metrics:   metrics,
		now:       time.Now,
	}
}

// HandleVoice greets the caller and starts listening.
func (o *Orchestrator) HandleVoice(ctx context.Context, in telephony.VoiceWebhook) string {
	log := logger.ForCall(ctx, in.CallSid)
	if in.CallSid == "" {
		log.Warn("voice webhook without call id")
		return o.render(DefaultGreeting, telephony.NextGather, "")
	}

	sess, err := o.sessions.EnsureSession(ctx, in.CallSid, in.From, in.To, Greeting)
	if errors.Is(err, callsession.ErrFinalized) {
		log.Warn("voice webhook for finalized call")
		return o.render(EndedText, telephony.NextHangup, in.CallSid)
	}
	if err != nil {
		log.Error("session unavailable; greeting without state", "err", err)
		return o.render(DefaultGreeting, telephony.NextGather, in.CallSid)
	}
	return o.render(Greeting(sess.Company), telephony.NextGather, in.CallSid)
}

// HandleGather takes the caller's utterance, asks the AI for a reply and
// speaks it. AI failures degrade to an apology; the call keeps going.
// Sessions only start on the voice webhook, so a gather for an unknown or
// finalized call hangs up.
func (o *Orchestrator) HandleGather(ctx context.Context, in telephony.GatherWebhook) string {
	log := logger.ForCall(ctx, in.CallSid)
	if in.CallSid == "" {
		log.Warn("gather webhook without call id")
		return o.render(ApologyText, telephony.NextGather, "")
	}

	_, ok, err := o.sessions.Load(ctx, in.CallSid)
	if err != nil {
		log.Error("session unavailable", "err", err)
		return o.render(ApologyText, telephony.NextGather, in.CallSid)
	}
	if !ok {
		log.Warn("gather webhook without live session")
		return o.render(EndedText, telephony.NextHangup, in.CallSid)
	}

	message := strings.TrimSpace(in.SpeechResult)
	if message == "" {
		message = strings.TrimSpace(in.Digits)
	}
	if message == "" {
		o.recordAI(ctx, in.CallSid, RepromptText)
		return o.render(RepromptText, telephony.NextGather, in.CallSid)
	}

	if err := o.sessions.AppendUserMessage(ctx, in.CallSid, message, o.now()); err != nil {
		log.Warn("caller turn not recorded", "err", err)
	}

	resp, err := o.reply(ctx, in.CallSid, message)
	if err != nil {
		log.Warn("ai reply failed; apologising", "err", err)
		o.recordAI(ctx, in.CallSid, ApologyText)
		return o.render(ApologyText, telephony.NextGather, in.CallSid)
	}

	if resp.State != nil {
		o.applyState(ctx, in.CallSid, *resp.State)
	}
	o.recordAI(ctx, in.CallSid, resp.ReplyText)

	next := telephony.NextGather
	if resp.ShouldHangup {
		next = telephony.NextHangup
	}
	return o.render(resp.ReplyText, next, in.CallSid)
}

// HandleStatus finalizes the call on a terminal status; anything else is
// ignored.
func (o *Orchestrator) HandleStatus(ctx context.Context, in telephony.StatusWebhook) error {
	log := logger.ForCall(ctx, in.CallSid)
	if !telephony.IsTerminalStatus(in.CallStatus) {
		log.Debug("non-terminal call status", "status", in.CallStatus)
		return nil
	}
	if in.CallSid == "" {
		return callsession.ErrInvalidCallID
	}

	// Finalization outlives the provider hanging up on a slow callback.
	res, err := o.finalizer.ProcessCallCompletion(context.WithoutCancel(ctx), in.CallSid, callsession.ProviderParams{
		CallStatus:      in.CallStatus,
		From:            in.From,
		Caller:          in.Caller,
		CallerName:      in.CallerName,
		Timestamp:       in.Timestamp,
		DurationSeconds: in.DurationSeconds,
	})
	if err != nil {
		return err
	}
	log.Info("call status handled", "status", in.CallStatus, "outcome", string(res.Outcome))
	return nil
}

// Greeting is the opening line for company.
func Greeting(c callsession.Company) string {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return DefaultGreeting
	}
	return "Hello! Thanks for calling " + name + ". How can I help you today?"
}

func (o *Orchestrator) reply(ctx context.Context, callID, message string) (ai.ReplyResponse, error) {
	if o.replier == nil {
		return ai.ReplyResponse{}, errors.New("conversation: no ai replier configured")
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ReplyTimeout)
	defer cancel()

	start := time.Now()
	resp, err := o.replier.Reply(rctx, ai.ReplyRequest{CallID: callID, Message: message})
	if err == nil && strings.TrimSpace(resp.ReplyText) == "" {
		err = ai.ErrEmptyReply
	}
	o.metrics.ObserveAI("reply", time.Since(start), err)
	return resp, err
}

func (o *Orchestrator) recordAI(ctx context.Context, callID, text string) {
	if err := o.sessions.AppendAIMessage(ctx, callID, text, o.now()); err != nil {
		logger.ForCall(ctx, callID).Warn("ai turn not recorded", "err", err)
	}
}

func (o *Orchestrator) applyState(ctx context.Context, callID string, st ai.StateUpdate) {
	log := logger.ForCall(ctx, callID)

	upd := callsession.UserUpdate{
		ServiceBookedTime: st.ServiceBookedTime,
		ConfirmBooking:    st.ConfirmBooking,
	}
	if st.Service != nil {
		upd.Service = &callsession.Service{ID: st.Service.ID, Name: st.Service.Name, Price: st.Service.Price}
	}
	if st.UserInfo != nil {
		upd.UserInfo = &callsession.UserInfo{Name: st.UserInfo.Name, Phone: st.UserInfo.Phone, Email: st.UserInfo.Email}
	}
	if upd.IsEmpty() {
		return
	}

	sess, err := o.sessions.ApplyUserUpdate(ctx, callID, upd)
	if err != nil {
		log.Warn("state update not applied", "err", err)
		return
	}
	if sess.ConfirmBooking && !sess.ConfirmEmailSent {
		o.confirmBooking(ctx, sess)
	}
}

// confirmBooking sends the confirmation at most once per call: the guard
// is flipped before sending, so a failed send is not retried.
func (o *Orchestrator) confirmBooking(ctx context.Context, sess callsession.CallSession) {
	log := logger.ForCall(ctx, sess.CallID)
	if o.notifier == nil {
		return
	}

	first, err := o.sessions.MarkConfirmEmailSent(ctx, sess.CallID)
	if err != nil {
		log.Warn("confirmation guard unavailable", "err", err)
		return
	}
	if !first {
		return
	}

	b := notify.BookingConfirmation{
		CallID:       sess.CallID,
		CompanyName:  sess.Company.Name,
		CompanyEmail: sess.Company.Email,
		BookedTime:   sess.User.ServiceBookedTime,
	}
	if svc := sess.User.Service; svc != nil {
		b.ServiceName = svc.Name
		b.ServicePrice = svc.Price
	}
	if ui := sess.User.UserInfo; ui != nil {
		b.CustomerName = ui.Name
		b.CustomerEmail = ui.Email
		b.CustomerPhone = ui.Phone
	}
	if err := o.notifier.SendBookingConfirmation(ctx, b); err != nil {
		log.Warn("booking confirmation not sent", "err", err)
	}
}

// fallbackTwiML is spoken if rendering itself fails.
const fallbackTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say language="en-AU">Sorry, something went wrong. Please call again later.</Say>
  <Hangup></Hangup>
</Response>`

func (o *Orchestrator) render(text string, next telephony.NextAction, callID string) string {
	out, err := telephony.RenderVoiceResponse(telephony.VoiceResponse{
		Text:     text,
		Next:     next,
		CallID:   callID,
		BaseURL:  o.cfg.BaseURL,
		Language: o.cfg.Language,
		Voice:    o.cfg.Voice,
	})
	if err != nil {
		return fallbackTwiML
	}
	return out
}
