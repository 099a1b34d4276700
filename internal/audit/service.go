package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. Append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information. Records are not exposed to
// tenant users.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.ActorUserID == "" {
		return ErrInvalidEvent
	}
	if e.CompanyID == "" && e.ActorRole != "super_admin" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// FinalizationRetry describes a manual re-run of call finalization.
type FinalizationRetry struct {
	CompanyID   string
	ActorUserID string
	ActorRole   string
	IP          string
	CallSid     string
	Outcome     string
	Err         error
}

// LogFinalizationRetry records who re-ran finalization for a call and what
// came of it.
func (s *Service) LogFinalizationRetry(ctx context.Context, r FinalizationRetry) error {
	meta := map[string]string{"outcome": r.Outcome}
	if r.Err != nil {
		meta["error"] = r.Err.Error()
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		CompanyID:   r.CompanyID,
		Type:        EventTypeFinalizationRetry,
		ActorUserID: r.ActorUserID,
		ActorRole:   r.ActorRole,
		IPAddress:   r.IP,
		CallSid:     r.CallSid,
		Message:     "finalization re-run",
		Metadata:    string(b),
	})
}
