package callsession

import "time"

// CallSession is the ephemeral, cross-request state of one phone call.
//
// Invariants:
// - CallID is set at creation and never changes.
// - History is append-only and chronological; it is never reordered or truncated.
// - A session is deleted once the call has been finalized.
type CallSession struct {
	CallID   string    `json:"callId"`
	Company  Company   `json:"company"`
	Services []Service `json:"services"`

	User UserState `json:"user"`

	History []Turn `json:"history,omitempty"`

	ConfirmBooking   bool `json:"confirmBooking"`
	ConfirmEmailSent bool `json:"confirmEmailSent"`

	// From/To are the provider numbers seen on the first voice webhook.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// Termination holds the provider params of the first terminal status
	// webhook, so a retried finalization reuses the same inputs.
	Termination *ProviderParams `json:"termination,omitempty"`
}

// Company is the business receiving the call.
type Company struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Service is a bookable offering, snapshotted at session creation.
type Service struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// UserState is what the conversation has learned about the caller.
type UserState struct {
	Service           *Service  `json:"service,omitempty"`
	ServiceBookedTime string    `json:"serviceBookedTime,omitempty"`
	UserInfo          *UserInfo `json:"userInfo,omitempty"`
}

type UserInfo struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Speaker string

const (
	SpeakerAI       Speaker = "AI"
	SpeakerCustomer Speaker = "customer"
)

// Turn is one utterance in the conversation.
// StartedAt is an RFC 3339 timestamp.
type Turn struct {
	Speaker   Speaker `json:"speaker"`
	Message   string  `json:"message"`
	StartedAt string  `json:"startedAt"`
}

// ProviderParams are the call facts reported by the telephony provider
// on the terminal status webhook.
type ProviderParams struct {
	CallStatus      string `json:"callStatus"`
	From            string `json:"from,omitempty"`
	Caller          string `json:"caller,omitempty"`
	CallerName      string `json:"callerName,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// IsZero reports whether no provider facts were supplied.
func (p ProviderParams) IsZero() bool {
	return p == ProviderParams{}
}

// NewTurn stamps a turn with at in UTC.
func NewTurn(speaker Speaker, message string, at time.Time) Turn {
	return Turn{Speaker: speaker, Message: message, StartedAt: at.UTC().Format(time.RFC3339Nano)}
}

func (s CallSession) clone() CallSession {
	out := s
	if s.Services != nil {
		out.Services = append([]Service(nil), s.Services...)
	}
	if s.History != nil {
		out.History = append([]Turn(nil), s.History...)
	}
	if s.User.Service != nil {
		svc := *s.User.Service
		out.User.Service = &svc
	}
	if s.User.UserInfo != nil {
		ui := *s.User.UserInfo
		out.User.UserInfo = &ui
	}
	if s.Termination != nil {
		t := *s.Termination
		out.Termination = &t
	}
	return out
}
