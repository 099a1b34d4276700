package callsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/pkg/logger"
)

// CompanyResolver finds the business that owns a dialed number.
type CompanyResolver interface {
	ResolveByNumber(ctx context.Context, number string) (Company, []Service, bool, error)
}

// Helper wraps a Store with the session lifecycle used by the webhooks.
// It holds no business rules; those live in the orchestrator and finalizer.
type Helper struct {
	store    Store
	resolver CompanyResolver
	now      func() time.Time
}

// NewHelper returns a Helper. resolver may be nil, in which case new
// sessions start with an empty company.
func NewHelper(store Store, resolver CompanyResolver) *Helper {
	return &Helper{store: store, resolver: resolver, now: time.Now}
}

// Load returns the live session for callID. It never creates one.
func (h *Helper) Load(ctx context.Context, callID string) (CallSession, bool, error) {
	if callID == "" {
		return CallSession{}, false, ErrInvalidCallID
	}
	return h.store.Load(ctx, callID)
}

// EnsureSession returns the existing session for callID, creating one seeded
// from the company directory if none exists. When greeting is non-nil its
// text is stored as the first AI turn of a new session, so only the webhook
// that creates the session records it. A finalized call yields ErrFinalized.
func (h *Helper) EnsureSession(ctx context.Context, callID, from, to string, greeting func(Company) string) (CallSession, error) {
	if callID == "" {
		return CallSession{}, ErrInvalidCallID
	}

	sess, ok, err := h.store.Load(ctx, callID)
	if err != nil {
		return CallSession{}, err
	}
	if ok {
		return sess, nil
	}

	sess = CallSession{
		CallID:    callID,
		From:      from,
		To:        to,
		CreatedAt: h.now().UTC(),
	}
	if h.resolver != nil && to != "" {
		company, services, found, err := h.resolver.ResolveByNumber(ctx, to)
		switch {
		case err != nil:
			logger.ForCall(ctx, callID).Warn("company lookup failed", "to", to, "err", err)
		case !found:
			logger.ForCall(ctx, callID).Info("no company for dialed number", "to", to)
		default:
			sess.Company = company
			sess.Services = services
		}
	}
	if greeting != nil {
		sess.History = []Turn{NewTurn(SpeakerAI, greeting(sess.Company), sess.CreatedAt)}
	}

	created, err := h.store.Create(ctx, sess)
	if err != nil {
		return CallSession{}, err
	}
	if created {
		return sess, nil
	}

	// Lost the race against a concurrent webhook for the same call.
	sess, ok, err = h.store.Load(ctx, callID)
	if err != nil {
		return CallSession{}, err
	}
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return sess, nil
}

func (h *Helper) AppendUserMessage(ctx context.Context, callID, text string, at time.Time) error {
	return h.store.AppendTurn(ctx, callID, NewTurn(SpeakerCustomer, text, at))
}

func (h *Helper) AppendAIMessage(ctx context.Context, callID, text string, at time.Time) error {
	return h.store.AppendTurn(ctx, callID, NewTurn(SpeakerAI, text, at))
}

// UserUpdate carries the fields the AI reported for this turn.
// Nil fields are left untouched.
type UserUpdate struct {
	Service           *Service
	ServiceBookedTime string
	UserInfo          *UserInfo
	ConfirmBooking    *bool
}

func (u UserUpdate) IsEmpty() bool {
	return u.Service == nil && u.ServiceBookedTime == "" && u.UserInfo == nil && u.ConfirmBooking == nil
}

// ApplyUserUpdate merges u into the session and returns the result
// (without history).
func (h *Helper) ApplyUserUpdate(ctx context.Context, callID string, u UserUpdate) (CallSession, error) {
	var out CallSession
	err := h.store.Update(ctx, callID, func(s *CallSession) error {
		if u.Service != nil {
			svc := matchService(s.Services, *u.Service)
			s.User.Service = &svc
		}
		if u.ServiceBookedTime != "" {
			s.User.ServiceBookedTime = u.ServiceBookedTime
		}
		if u.UserInfo != nil {
			s.User.UserInfo = mergeUserInfo(s.User.UserInfo, *u.UserInfo)
		}
		if u.ConfirmBooking != nil {
			s.ConfirmBooking = *u.ConfirmBooking
		}
		out = s.clone()
		return nil
	})
	if err != nil {
		return CallSession{}, fmt.Errorf("callsession: apply update %s: %w", callID, err)
	}
	out.CallID = callID
	return out, nil
}

var errAlreadySent = errors.New("already sent")

// MarkConfirmEmailSent flips ConfirmEmailSent. first is true only for the
// caller that performed the flip.
func (h *Helper) MarkConfirmEmailSent(ctx context.Context, callID string) (bool, error) {
	err := h.store.Update(ctx, callID, func(s *CallSession) error {
		if s.ConfirmEmailSent {
			return errAlreadySent
		}
		s.ConfirmEmailSent = true
		return nil
	})
	if errors.Is(err, errAlreadySent) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// matchService prefers the snapshotted catalog entry so price and name are
// the ones the company had when the call started.
func matchService(catalog []Service, reported Service) Service {
	for _, svc := range catalog {
		if reported.ID != "" && svc.ID == reported.ID {
			return svc
		}
	}
	for _, svc := range catalog {
		if reported.ID == "" && reported.Name != "" && svc.Name == reported.Name {
			return svc
		}
	}
	return reported
}

func mergeUserInfo(cur *UserInfo, upd UserInfo) *UserInfo {
	out := UserInfo{}
	if cur != nil {
		out = *cur
	}
	if upd.Name != "" {
		out.Name = upd.Name
	}
	if upd.Phone != "" {
		out.Phone = upd.Phone
	}
	if upd.Email != "" {
		out.Email = upd.Email
	}
	return &out
}
