package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// Twilio call statuses.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#call-status-values
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// IsTerminalStatus reports whether status ends the call and should
// trigger finalization.
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

// TwilioForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
type TwilioForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Caller     string
	CallerName string
	Direction  string
	CallStatus string
	Timestamp  string

	// Gather results.
	SpeechResult string
	Confidence   string
	Digits       string

	// Status callback.
	CallDuration string
}

// ParseTwilioForm reads the webhook body. The gather action URL carries
// callId as a query parameter, used when CallSid is missing.
func ParseTwilioForm(r *http.Request) (TwilioForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioForm{}, err
	}
	f := TwilioForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         normalizePhone(r.PostFormValue("From")),
		To:           normalizePhone(r.PostFormValue("To")),
		Caller:       normalizePhone(r.PostFormValue("Caller")),
		CallerName:   strings.TrimSpace(r.PostFormValue("CallerName")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		Timestamp:    strings.TrimSpace(r.PostFormValue("Timestamp")),
		SpeechResult: strings.TrimSpace(r.PostFormValue("SpeechResult")),
		Confidence:   r.PostFormValue("Confidence"),
		Digits:       strings.TrimSpace(r.PostFormValue("Digits")),
		CallDuration: strings.TrimSpace(r.PostFormValue("CallDuration")),
	}
	if f.CallSid == "" {
		f.CallSid = strings.TrimSpace(r.URL.Query().Get("callId"))
	}
	return f, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

// VoiceWebhook is the first webhook of a call.
type VoiceWebhook struct {
	CallSid    string
	From       string
	To         string
	CallStatus string
}

// GatherWebhook carries what the caller said (or keyed) after a prompt.
type GatherWebhook struct {
	CallSid      string
	SpeechResult string
	Digits       string
}

// StatusWebhook is the call status callback.
type StatusWebhook struct {
	CallSid         string
	CallStatus      string
	From            string
	Caller          string
	CallerName      string
	Timestamp       string
	DurationSeconds int
}

func (f TwilioForm) Voice() VoiceWebhook {
	return VoiceWebhook{CallSid: f.CallSid, From: f.From, To: f.To, CallStatus: f.CallStatus}
}

func (f TwilioForm) Gather() GatherWebhook {
	return GatherWebhook{CallSid: f.CallSid, SpeechResult: f.SpeechResult, Digits: f.Digits}
}

func (f TwilioForm) Status() StatusWebhook {
	dur, err := strconv.Atoi(f.CallDuration)
	if err != nil || dur < 0 {
		dur = 0
	}
	return StatusWebhook{
		CallSid:         f.CallSid,
		CallStatus:      f.CallStatus,
		From:            f.From,
		Caller:          f.Caller,
		CallerName:      f.CallerName,
		Timestamp:       f.Timestamp,
		DurationSeconds: dur,
	}
}
