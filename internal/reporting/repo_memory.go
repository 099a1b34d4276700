package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/internal/calllog"
)

// MemoryRepo aggregates an in-memory slice of call logs. It enforces
// company isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Logs []calllog.CallLog
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) CountCallsByStatus(ctx context.Context, companyID string, from, to time.Time) ([]StatusCount, error) {
	if companyID == "" {
		return nil, errors.New("company_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := map[string]int{}
	out := make([]StatusCount, 0)
	for _, l := range r.Logs {
		if l.CompanyID != companyID {
			continue
		}
		if l.StartAt.Before(from) || !l.StartAt.Before(to) {
			continue
		}
		i, ok := idx[string(l.Status)]
		if !ok {
			i = len(out)
			idx[string(l.Status)] = i
			out = append(out, StatusCount{Status: string(l.Status)})
		}
		out[i].Calls++
		out[i].DurationSeconds += l.DurationSeconds
	}
	return out, nil
}
