package company

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Dispatch-AI-com/backend-sub001/internal/callsession"
)

// Directory resolves the company that owns a dialed number, together with
// the services it offers. It satisfies callsession.CompanyResolver.
type Directory interface {
	ResolveByNumber(ctx context.Context, number string) (callsession.Company, []callsession.Service, bool, error)
}

// NOTE: This directory assumes companies.twilio_phone_number is UNIQUE and
// services.active marks bookable services.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) ResolveByNumber(ctx context.Context, number string) (callsession.Company, []callsession.Service, bool, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return callsession.Company{}, nil, false, nil
	}

	const q = `
SELECT id, name, email
FROM companies
WHERE twilio_phone_number = $1
`
	var c callsession.Company
	if err := d.db.QueryRowContext(ctx, q, number).Scan(&c.ID, &c.Name, &c.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return callsession.Company{}, nil, false, nil
		}
		return callsession.Company{}, nil, false, fmt.Errorf("company: lookup %s: %w", number, err)
	}

	const sq = `
SELECT id, name, price
FROM services
WHERE company_id = $1 AND active
ORDER BY name
`
	rows, err := d.db.QueryContext(ctx, sq, c.ID)
	if err != nil {
		return callsession.Company{}, nil, false, fmt.Errorf("company: services for %s: %w", c.ID, err)
	}
	defer rows.Close()

	services := []callsession.Service{}
	for rows.Next() {
		var s callsession.Service
		if err := rows.Scan(&s.ID, &s.Name, &s.Price); err != nil {
			return callsession.Company{}, nil, false, err
		}
		services = append(services, s)
	}
	if err := rows.Err(); err != nil {
		return callsession.Company{}, nil, false, err
	}
	return c, services, true, nil
}

// MemoryDirectory is an in-memory Directory. Intended for tests/dev.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	company  callsession.Company
	services []callsession.Service
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: map[string]entry{}}
}

// Register maps number to c and its services.
func (d *MemoryDirectory) Register(number string, c callsession.Company, services ...callsession.Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[strings.TrimSpace(number)] = entry{company: c, services: append([]callsession.Service{}, services...)}
}

func (d *MemoryDirectory) ResolveByNumber(_ context.Context, number string) (callsession.Company, []callsession.Service, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[strings.TrimSpace(number)]
	if !ok {
		return callsession.Company{}, nil, false, nil
	}
	return e.company, append([]callsession.Service{}, e.services...), true, nil
}
