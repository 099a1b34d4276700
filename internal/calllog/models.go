package calllog

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("calllog: not found")
	ErrInvalid  = errors.New("calllog: invalid record")
)

// Status is the business outcome of a finished call.
type Status string

const (
	StatusCompleted Status = "Completed"
	StatusFollowUp  Status = "FollowUp"
	StatusMissed    Status = "Missed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusFollowUp, StatusMissed:
		return true
	default:
		return false
	}
}

// CallLog is the durable record of one call, keyed by the provider CallSid.
//
// Tenant invariant: CompanyID scopes every read.
type CallLog struct {
	ID        string `json:"id" db:"id"`
	CallSid   string `json:"callSid" db:"call_sid"`
	CompanyID string `json:"companyId" db:"company_id"`

	ServiceBookedID   string `json:"serviceBookedId,omitempty" db:"service_booked_id"`
	ServiceBookedTime string `json:"serviceBookedTime,omitempty" db:"service_booked_time"`

	CallerNumber string `json:"callerNumber" db:"caller_number"`
	CallerName   string `json:"callerName" db:"caller_name"`

	Status          Status    `json:"status" db:"status"`
	StartAt         time.Time `json:"startAt" db:"start_at"`
	DurationSeconds int       `json:"durationSeconds" db:"duration_seconds"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Transcript holds the AI summary of a call. One per call log.
type Transcript struct {
	ID        string    `json:"id" db:"id"`
	CallLogID string    `json:"callLogId" db:"call_log_id"`
	Summary   string    `json:"summary" db:"summary"`
	KeyPoints []string  `json:"keyPoints" db:"key_points"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type SpeakerType string

const (
	SpeakerAI   SpeakerType = "AI"
	SpeakerUser SpeakerType = "User"
)

// TranscriptChunk is one utterance. Seq preserves conversation order.
type TranscriptChunk struct {
	ID           string      `json:"id" db:"id"`
	TranscriptID string      `json:"transcriptId" db:"transcript_id"`
	Seq          int         `json:"seq" db:"seq"`
	SpeakerType  SpeakerType `json:"speakerType" db:"speaker_type"`
	Text         string      `json:"text" db:"text"`
	StartAt      time.Time   `json:"startAt" db:"start_at"`
}

// ListFilter narrows ListCallLogs. Zero times are open bounds.
type ListFilter struct {
	CompanyID string
	From      time.Time
	To        time.Time
	Status    Status
	Limit     int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}
