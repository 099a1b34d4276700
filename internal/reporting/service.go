package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/internal/calllog"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. Implementations must
// filter by company.
type Repository interface {
	CountCallsByStatus(ctx context.Context, companyID string, from, to time.Time) ([]StatusCount, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.CompanyID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.CountCallsByStatus(ctx, req.CompanyID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{CompanyID: req.CompanyID, Range: req.Range}
	for _, r := range rows {
		out.TotalCalls += r.Calls
		out.TotalDurationSeconds += r.DurationSeconds
		switch calllog.Status(r.Status) {
		case calllog.StatusCompleted:
			out.CompletedCalls += r.Calls
		case calllog.StatusFollowUp:
			out.FollowUpCalls += r.Calls
		case calllog.StatusMissed:
			out.MissedCalls += r.Calls
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
		out.BookingRate = float64(out.CompletedCalls) / float64(out.TotalCalls)
	}
	return out, nil
}
