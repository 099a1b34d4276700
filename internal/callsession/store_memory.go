package callsession

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]CallSession
	leases   map[string]memoryLease
	done     map[string]time.Time
	now      func() time.Time
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]CallSession{},
		leases:   map[string]memoryLease{},
		done:     map[string]time.Time{},
		now:      time.Now,
	}
}

func (m *MemoryStore) Load(_ context.Context, callID string) (CallSession, bool, error) {
	if callID == "" {
		return CallSession{}, false, ErrInvalidCallID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return CallSession{}, false, nil
	}
	return s.clone(), true, nil
}

func (m *MemoryStore) Save(_ context.Context, s CallSession) error {
	if s.CallID == "" {
		return ErrInvalidCallID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.CallID] = s.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	if callID == "" {
		return ErrInvalidCallID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	m.done[callID] = m.now().Add(finalizedTTL)
	return nil
}

func (m *MemoryStore) Create(_ context.Context, s CallSession) (bool, error) {
	if s.CallID == "" {
		return false, ErrInvalidCallID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.done[s.CallID]; ok {
		if m.now().Before(until) {
			return false, ErrFinalized
		}
		delete(m.done, s.CallID)
	}
	if _, exists := m.sessions[s.CallID]; exists {
		return false, nil
	}
	m.sessions[s.CallID] = s.clone()
	return true, nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, callID string, t Turn) error {
	if callID == "" {
		return ErrInvalidCallID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	s.History = append(append([]Turn(nil), s.History...), t)
	m.sessions[callID] = s
	return nil
}

func (m *MemoryStore) Update(_ context.Context, callID string, fn func(*CallSession) error) error {
	if callID == "" {
		return ErrInvalidCallID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[callID]
	if !ok {
		return ErrNotFound
	}

	work := cur.clone()
	work.History = nil
	if err := fn(&work); err != nil {
		return err
	}
	work.CallID = callID
	work.History = cur.History
	m.sessions[callID] = work
	return nil
}

func (m *MemoryStore) ClaimFinalization(_ context.Context, callID string, ttl time.Duration) (string, bool, error) {
	if callID == "" {
		return "", false, ErrInvalidCallID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.leases[callID]; ok && now.Before(l.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.leases[callID] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryStore) ReleaseFinalization(_ context.Context, callID, token string) error {
	if callID == "" {
		return ErrInvalidCallID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[callID]; ok && l.token == token {
		delete(m.leases, callID)
	}
	return nil
}
