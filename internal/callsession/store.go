package callsession

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("callsession: session not found")
	ErrInvalidCallID = errors.New("callsession: call id required")
	ErrConflict      = errors.New("callsession: too many concurrent updates")
	ErrFinalized     = errors.New("callsession: call already finalized")
)

// finalizedTTL is how long a deleted call id stays closed to Create.
// Providers stop retrying webhooks well within this window.
const finalizedTTL = 24 * time.Hour

// Store is the only shared mutable resource of the call flow.
// Every method is keyed by call id, so contention is per call.
//
// Implementations must return infrastructure failures as errors;
// callers never fabricate a session when the store is unavailable.
type Store interface {
	// Load returns the session and true, or false if none exists.
	Load(ctx context.Context, callID string) (CallSession, bool, error)
	// Save overwrites the whole session, history included.
	Save(ctx context.Context, s CallSession) error
	// Delete removes the session and marks the call finalized, so Create
	// refuses the id until the mark expires. Deleting a missing session is
	// not an error.
	Delete(ctx context.Context, callID string) error

	// Create stores s only if no session exists for s.CallID. It returns
	// ErrFinalized if the call was already deleted.
	Create(ctx context.Context, s CallSession) (bool, error)
	// AppendTurn atomically appends to the history. ErrNotFound if absent.
	AppendTurn(ctx context.Context, callID string, t Turn) error
	// Update applies fn to the latest stored session and writes it back,
	// retrying on concurrent modification. fn sees the session without
	// History and must not rely on it; history only grows via AppendTurn.
	Update(ctx context.Context, callID string, fn func(*CallSession) error) error

	// ClaimFinalization takes the per-call finalization lease.
	// ok is false if another finalizer currently holds it.
	ClaimFinalization(ctx context.Context, callID string, ttl time.Duration) (token string, ok bool, err error)
	// ReleaseFinalization releases a lease taken with token.
	ReleaseFinalization(ctx context.Context, callID, token string) error
}
