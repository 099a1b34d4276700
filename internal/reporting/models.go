package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one company.
type CallsSummaryRequest struct {
	CompanyID string    `json:"company_id"`
	Range     TimeRange `json:"range"`
}

// StatusCount is one aggregated row per call-log status.
type StatusCount struct {
	Status          string
	Calls           int
	DurationSeconds int
}

type CallsSummary struct {
	CompanyID string    `json:"company_id"`
	Range     TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	FollowUpCalls  int `json:"follow_up_calls"`
	MissedCalls    int `json:"missed_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// BookingRate is completed bookings over all calls.
	BookingRate float64 `json:"booking_rate"`
}
