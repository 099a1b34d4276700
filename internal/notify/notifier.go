package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

var ErrNoRecipient = errors.New("notify: no recipient")

// BookingConfirmation is sent once per call when the caller confirms a booking.
type BookingConfirmation struct {
	CallID       string
	CompanyName  string
	CompanyEmail string

	CustomerName  string
	CustomerEmail string
	CustomerPhone string

	ServiceName  string
	ServicePrice float64
	BookedTime   string
}

// Recipients is every address the confirmation should reach.
func (b BookingConfirmation) Recipients() []string {
	var out []string
	for _, r := range []string{b.CustomerEmail, b.CompanyEmail} {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Notifier delivers booking confirmations (email/SMS). Delivery is
// best-effort; callers log and continue on error.
type Notifier interface {
	SendBookingConfirmation(ctx context.Context, b BookingConfirmation) error
}

// LogNotifier records confirmations in the structured log instead of
// delivering them. It is the default until a mail provider is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) SendBookingConfirmation(ctx context.Context, b BookingConfirmation) error {
	to := b.Recipients()
	if len(to) == 0 {
		return ErrNoRecipient
	}
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "booking confirmation",
		"call_sid", b.CallID,
		"to", to,
		"company", b.CompanyName,
		"service", b.ServiceName,
		"booked_time", b.BookedTime,
	)
	return nil
}
