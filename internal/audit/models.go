package audit

import "time"

// Event is an immutable, append-only audit record.
//
// Invariants:
// - Events are never updated or deleted.
// - CompanyID may be empty only for platform-level actions by super_admin.
// - Audit is best-effort; do not block critical flows on audit failures.
type Event struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id,omitempty"`
	Type      EventType `json:"type"`

	ActorUserID string `json:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty"`

	// IPAddress is the resolved client IP.
	IPAddress string `json:"ip_address,omitempty"`

	CallSid string `json:"call_sid,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeAdminAction       EventType = "admin_action"
	EventTypeFinalizationRetry EventType = "finalization_retry"
)
