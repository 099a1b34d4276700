package calllog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/internal/ai"
	"github.com/Dispatch-AI-com/backend-sub001/internal/callsession"
	"github.com/Dispatch-AI-com/backend-sub001/internal/observability"
	"github.com/Dispatch-AI-com/backend-sub001/pkg/logger"
)

const (
	DefaultFallbackSummary = "Summary unavailable."
	DefaultCallerName      = "Unknown Caller"

	defaultSummaryTimeout = 20 * time.Second
	defaultLeaseTTL       = time.Minute
)

// Outcome describes what a finalization attempt did.
type Outcome string

const (
	OutcomeFinalized  Outcome = "finalized"
	OutcomeNoSession  Outcome = "no_session"
	OutcomeInProgress Outcome = "in_progress"
)

type Result struct {
	Outcome    Outcome
	CallLog    CallLog
	Transcript Transcript
	Chunks     int
}

type FinalizerConfig struct {
	FallbackSummary string
	SummaryTimeout  time.Duration
	LeaseTTL        time.Duration
}

// Finalizer turns a finished call's session into durable records.
//
// The session is deleted only after every write succeeded, so a failed
// attempt can be retried with the same inputs. All writes are upserts.
type Finalizer struct {
	store      callsession.Store
	records    RecordWriter
	summarizer ai.Summarizer
	cfg        FinalizerConfig
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewFinalizer(store callsession.Store, records RecordWriter, summarizer ai.Summarizer, cfg FinalizerConfig, metrics *observability.Metrics) *Finalizer {
	if cfg.FallbackSummary == "" {
		cfg.FallbackSummary = DefaultFallbackSummary
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = defaultSummaryTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &Finalizer{
		store:      store,
		records:    records,
		summarizer: summarizer,
		cfg:        cfg,
		metrics:    metrics,
		now:        time.Now,
	}
}

// ProcessCallCompletion finalizes callID. A missing session (never created,
// or already finalized) is a no-op, as is a concurrent attempt holding the
// lease.
func (f *Finalizer) ProcessCallCompletion(ctx context.Context, callID string, params callsession.ProviderParams) (Result, error) {
	log := logger.ForCall(ctx, callID)

	token, ok, err := f.store.ClaimFinalization(ctx, callID, f.cfg.LeaseTTL)
	if err != nil {
		f.metrics.ObserveFinalization("error")
		return Result{}, err
	}
	if !ok {
		log.Info("finalization already in progress")
		f.metrics.ObserveFinalization(string(OutcomeInProgress))
		return Result{Outcome: OutcomeInProgress}, nil
	}
	defer func() {
		if err := f.store.ReleaseFinalization(context.WithoutCancel(ctx), callID, token); err != nil {
			log.Warn("finalization lease release failed", "err", err)
		}
	}()

	sess, ok, err := f.store.Load(ctx, callID)
	if err != nil {
		f.metrics.ObserveFinalization("error")
		return Result{}, err
	}
	if !ok {
		log.Info("no session to finalize")
		f.metrics.ObserveFinalization(string(OutcomeNoSession))
		return Result{Outcome: OutcomeNoSession}, nil
	}

	params = f.termination(ctx, sess, params)

	res, err := f.persist(ctx, sess, params)
	if err != nil {
		log.Error("finalization failed; session retained", "err", err)
		f.metrics.ObserveFinalization("error")
		return Result{}, err
	}

	if err := f.store.Delete(ctx, callID); err != nil {
		f.metrics.ObserveFinalization("error")
		return Result{}, fmt.Errorf("calllog: delete session %s: %w", callID, err)
	}

	log.Info("call finalized",
		"call_log_id", res.CallLog.ID,
		"status", string(res.CallLog.Status),
		"chunks", res.Chunks,
	)
	f.metrics.ObserveFinalization(string(OutcomeFinalized))
	f.metrics.ObserveCallLog(string(res.CallLog.Status))
	res.Outcome = OutcomeFinalized
	return res, nil
}

// termination pins the provider params on first sight so a retry (which may
// come with no params at all) finalizes with the same facts.
func (f *Finalizer) termination(ctx context.Context, sess callsession.CallSession, params callsession.ProviderParams) callsession.ProviderParams {
	if sess.Termination != nil {
		return *sess.Termination
	}
	if params.IsZero() {
		return params
	}
	err := f.store.Update(ctx, sess.CallID, func(s *callsession.CallSession) error {
		if s.Termination == nil {
			p := params
			s.Termination = &p
		}
		return nil
	})
	if err != nil {
		logger.ForCall(ctx, sess.CallID).Warn("could not record termination params", "err", err)
	}
	return params
}

func (f *Finalizer) persist(ctx context.Context, sess callsession.CallSession, params callsession.ProviderParams) (Result, error) {
	entry := CallLog{
		CallSid:         sess.CallID,
		CompanyID:       sess.Company.ID,
		CallerNumber:    ResolveCallerNumber(params, sess),
		CallerName:      resolveCallerName(params, sess),
		Status:          DetermineCallLogStatus(sess),
		StartAt:         f.startAt(params, sess),
		DurationSeconds: params.DurationSeconds,
	}
	if svc := sess.User.Service; svc != nil {
		entry.ServiceBookedID = svc.ID
		entry.ServiceBookedTime = sess.User.ServiceBookedTime
	}

	saved, err := f.records.CreateCallLog(ctx, entry)
	if err != nil {
		return Result{}, err
	}

	chunks := ConvertMessagesToChunks(sess.History)
	summary, keyPoints := f.summarize(ctx, sess)

	tr, err := f.records.CreateTranscript(ctx, Transcript{
		CallLogID: saved.ID,
		Summary:   summary,
		KeyPoints: keyPoints,
	})
	if err != nil {
		return Result{}, err
	}
	if err := f.records.CreateChunks(ctx, tr.ID, chunks); err != nil {
		return Result{}, err
	}

	return Result{CallLog: saved, Transcript: tr, Chunks: len(chunks)}, nil
}

func (f *Finalizer) summarize(ctx context.Context, sess callsession.CallSession) (string, []string) {
	if f.summarizer == nil {
		return f.cfg.FallbackSummary, []string{}
	}

	req := ai.SummaryRequest{
		CallID:       sess.CallID,
		Conversation: make([]ai.Message, 0, len(sess.History)),
	}
	for _, t := range sess.History {
		req.Conversation = append(req.Conversation, ai.Message{
			Speaker:   string(t.Speaker),
			Message:   t.Message,
			StartedAt: t.StartedAt,
		})
	}
	if svc := sess.User.Service; svc != nil {
		req.ServiceInfo = &ai.ServiceInfo{
			Name:        svc.Name,
			Price:       svc.Price,
			BookedTime:  sess.User.ServiceBookedTime,
			CompanyName: sess.Company.Name,
		}
	}

	sctx, cancel := context.WithTimeout(ctx, f.cfg.SummaryTimeout)
	defer cancel()

	start := time.Now()
	resp, err := f.summarizer.Summarize(sctx, req)
	f.metrics.ObserveAI("summary", time.Since(start), err)
	if err != nil || strings.TrimSpace(resp.Summary) == "" {
		logger.ForCall(ctx, sess.CallID).Warn("summary unavailable; using fallback", "err", err)
		return f.cfg.FallbackSummary, []string{}
	}
	if resp.KeyPoints == nil {
		resp.KeyPoints = []string{}
	}
	return resp.Summary, resp.KeyPoints
}

// startAt derives the call start from the provider's completion timestamp
// minus its duration, falling back to when the session was created.
func (f *Finalizer) startAt(params callsession.ProviderParams, sess callsession.CallSession) time.Time {
	if ts, ok := parseProviderTimestamp(params.Timestamp); ok {
		return ts.Add(-time.Duration(params.DurationSeconds) * time.Second).UTC()
	}
	if !sess.CreatedAt.IsZero() {
		return sess.CreatedAt.UTC()
	}
	return f.now().UTC()
}

// Twilio sends RFC 1123 with numeric zone on status callbacks.
var providerTimestampLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339Nano}

func parseProviderTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range providerTimestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// DetermineCallLogStatus classifies a finished call:
// no service chosen is Missed, a confirmed booking is Completed, anything
// else needs a FollowUp.
func DetermineCallLogStatus(s callsession.CallSession) Status {
	switch {
	case s.User.Service == nil:
		return StatusMissed
	case s.ConfirmBooking:
		return StatusCompleted
	default:
		return StatusFollowUp
	}
}

// ResolveCallerNumber prefers what the provider reported over anything the
// caller said during the conversation.
func ResolveCallerNumber(p callsession.ProviderParams, s callsession.CallSession) string {
	for _, n := range []string{p.From, p.Caller} {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	if ui := s.User.UserInfo; ui != nil && strings.TrimSpace(ui.Phone) != "" {
		return strings.TrimSpace(ui.Phone)
	}
	return strings.TrimSpace(s.From)
}

func resolveCallerName(p callsession.ProviderParams, s callsession.CallSession) string {
	if ui := s.User.UserInfo; ui != nil && strings.TrimSpace(ui.Name) != "" {
		return strings.TrimSpace(ui.Name)
	}
	if n := strings.TrimSpace(p.CallerName); n != "" {
		return n
	}
	return DefaultCallerName
}

// ConvertMessagesToChunks maps history to chunks, keeping order and
// timestamps. AI turns stay AI; every other speaker becomes User.
func ConvertMessagesToChunks(history []callsession.Turn) []TranscriptChunk {
	out := make([]TranscriptChunk, 0, len(history))
	var last time.Time
	for i, t := range history {
		speaker := SpeakerUser
		if t.Speaker == callsession.SpeakerAI {
			speaker = SpeakerAI
		}
		at, err := time.Parse(time.RFC3339Nano, t.StartedAt)
		if err != nil {
			at = last
		}
		last = at
		out = append(out, TranscriptChunk{
			Seq:         i,
			SpeakerType: speaker,
			Text:        t.Message,
			StartAt:     at,
		})
	}
	return out
}
