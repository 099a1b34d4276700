package calllog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository with the same idempotency rules as
// PostgresRepo. Intended for tests/dev.
type MemoryRepo struct {
	mu sync.Mutex

	logs        map[string]CallLog           // by call sid
	transcripts map[string]Transcript        // by call log id
	chunks      map[string][]TranscriptChunk // by transcript id

	// Fail* inject errors for failure-path tests.
	FailCallLog    error
	FailTranscript error
	FailChunks     error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		logs:        map[string]CallLog{},
		transcripts: map[string]Transcript{},
		chunks:      map[string][]TranscriptChunk{},
	}
}

func (r *MemoryRepo) CreateCallLog(_ context.Context, l CallLog) (CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCallLog != nil {
		return CallLog{}, r.FailCallLog
	}
	if l.CallSid == "" || !l.Status.Valid() {
		return CallLog{}, ErrInvalid
	}
	if existing, ok := r.logs[l.CallSid]; ok {
		l.ID = existing.ID
		l.CreatedAt = existing.CreatedAt
	} else {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
	}
	r.logs[l.CallSid] = l
	return l, nil
}

func (r *MemoryRepo) CreateTranscript(_ context.Context, t Transcript) (Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailTranscript != nil {
		return Transcript{}, r.FailTranscript
	}
	if t.CallLogID == "" {
		return Transcript{}, ErrInvalid
	}
	if existing, ok := r.transcripts[t.CallLogID]; ok {
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
	} else {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
	}
	t.KeyPoints = append([]string{}, t.KeyPoints...)
	r.transcripts[t.CallLogID] = t
	return t, nil
}

func (r *MemoryRepo) CreateChunks(_ context.Context, transcriptID string, chunks []TranscriptChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailChunks != nil {
		return r.FailChunks
	}
	if transcriptID == "" {
		return ErrInvalid
	}
	out := make([]TranscriptChunk, 0, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.TranscriptID = transcriptID
		c.Seq = i
		out = append(out, c)
	}
	r.chunks[transcriptID] = out
	return nil
}

func (r *MemoryRepo) ListCallLogs(_ context.Context, f ListFilter) ([]CallLog, error) {
	if f.CompanyID == "" {
		return nil, ErrInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []CallLog
	for _, l := range r.logs {
		if l.CompanyID != f.CompanyID {
			continue
		}
		if !f.From.IsZero() && l.StartAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !l.StartAt.Before(f.To) {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.After(out[j].StartAt) })
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (r *MemoryRepo) GetCallLog(_ context.Context, companyID, id string) (CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		if l.ID == id && l.CompanyID == companyID {
			return l, nil
		}
	}
	return CallLog{}, ErrNotFound
}

func (r *MemoryRepo) GetTranscript(_ context.Context, callLogID string) (Transcript, []TranscriptChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transcripts[callLogID]
	if !ok {
		return Transcript{}, nil, ErrNotFound
	}
	return t, append([]TranscriptChunk{}, r.chunks[t.ID]...), nil
}

// CallLogs returns a snapshot of all stored call logs.
func (r *MemoryRepo) CallLogs() []CallLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallLog, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l)
	}
	return out
}

// TranscriptCount is the number of stored transcripts.
func (r *MemoryRepo) TranscriptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transcripts)
}
