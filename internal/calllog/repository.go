package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/pkg/utils"

	"github.com/google/uuid"
)

// RecordWriter is what the finalizer needs. Every write is idempotent per
// call so a retried finalization never duplicates records.
type RecordWriter interface {
	// CreateCallLog upserts by CallSid and returns the stored row.
	CreateCallLog(ctx context.Context, l CallLog) (CallLog, error)
	// CreateTranscript upserts by CallLogID and returns the stored row.
	CreateTranscript(ctx context.Context, t Transcript) (Transcript, error)
	// CreateChunks replaces all chunks of transcriptID.
	CreateChunks(ctx context.Context, transcriptID string, chunks []TranscriptChunk) error
}

// Reader serves the company-facing call history API.
type Reader interface {
	ListCallLogs(ctx context.Context, f ListFilter) ([]CallLog, error)
	GetCallLog(ctx context.Context, companyID, id string) (CallLog, error)
	GetTranscript(ctx context.Context, callLogID string) (Transcript, []TranscriptChunk, error)
}

type Repository interface {
	RecordWriter
	Reader
}

// NOTE: This repository assumes the tables created by migrations/00001_init.sql:
// - call_logs         UNIQUE (call_sid)
// - transcripts       UNIQUE (call_log_id)
// - transcript_chunks UNIQUE (transcript_id, seq)
type PostgresRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, now: time.Now}
}

func (r *PostgresRepo) CreateCallLog(ctx context.Context, l CallLog) (CallLog, error) {
	if l.CallSid == "" || !l.Status.Valid() {
		return CallLog{}, ErrInvalid
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.now().UTC()
	}

	const q = `
INSERT INTO call_logs (
  id, call_sid, company_id, service_booked_id, service_booked_time,
  caller_number, caller_name, status, start_at, duration_seconds, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (call_sid)
DO UPDATE SET company_id = EXCLUDED.company_id,
              service_booked_id = EXCLUDED.service_booked_id,
              service_booked_time = EXCLUDED.service_booked_time,
              caller_number = EXCLUDED.caller_number,
              caller_name = EXCLUDED.caller_name,
              status = EXCLUDED.status,
              start_at = EXCLUDED.start_at,
              duration_seconds = EXCLUDED.duration_seconds
RETURNING id, created_at
`
	if err := r.db.QueryRowContext(ctx, q,
		l.ID,
		l.CallSid,
		nullString(l.CompanyID),
		nullString(l.ServiceBookedID),
		nullString(l.ServiceBookedTime),
		l.CallerNumber,
		l.CallerName,
		string(l.Status),
		l.StartAt,
		l.DurationSeconds,
		l.CreatedAt,
	).Scan(&l.ID, &l.CreatedAt); err != nil {
		return CallLog{}, fmt.Errorf("calllog: upsert call log %s: %w", l.CallSid, err)
	}
	return l, nil
}

func (r *PostgresRepo) CreateTranscript(ctx context.Context, t Transcript) (Transcript, error) {
	if t.CallLogID == "" {
		return Transcript{}, ErrInvalid
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now().UTC()
	}
	if t.KeyPoints == nil {
		t.KeyPoints = []string{}
	}
	kp, err := json.Marshal(t.KeyPoints)
	if err != nil {
		return Transcript{}, fmt.Errorf("calllog: encode key points: %w", err)
	}

	const q = `
INSERT INTO transcripts (id, call_log_id, summary, key_points, created_at)
VALUES ($1,$2,$3,$4::jsonb,$5)
ON CONFLICT (call_log_id)
DO UPDATE SET summary = EXCLUDED.summary,
              key_points = EXCLUDED.key_points
RETURNING id, created_at
`
	if err := r.db.QueryRowContext(ctx, q, t.ID, t.CallLogID, t.Summary, string(kp), t.CreatedAt).
		Scan(&t.ID, &t.CreatedAt); err != nil {
		return Transcript{}, fmt.Errorf("calllog: upsert transcript for %s: %w", t.CallLogID, err)
	}
	return t, nil
}

func (r *PostgresRepo) CreateChunks(ctx context.Context, transcriptID string, chunks []TranscriptChunk) error {
	if transcriptID == "" {
		return ErrInvalid
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_chunks WHERE transcript_id = $1`, transcriptID); err != nil {
			return fmt.Errorf("calllog: clear chunks: %w", err)
		}

		const q = `
INSERT INTO transcript_chunks (id, transcript_id, seq, speaker_type, text, start_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
		for i, c := range chunks {
			id := c.ID
			if id == "" {
				id = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, q, id, transcriptID, i, string(c.SpeakerType), c.Text, nullTime(c.StartAt)); err != nil {
				return fmt.Errorf("calllog: insert chunk %d: %w", i, err)
			}
		}
		return nil
	})
}

func (r *PostgresRepo) ListCallLogs(ctx context.Context, f ListFilter) ([]CallLog, error) {
	if f.CompanyID == "" {
		return nil, ErrInvalid
	}

	where := []string{"company_id = $1"}
	args := []any{f.CompanyID}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("start_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("start_at < $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, f.limit())

	q := `
SELECT id, call_sid, company_id, service_booked_id, service_booked_time,
       caller_number, caller_name, status, start_at, duration_seconds, created_at
FROM call_logs
WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(`
ORDER BY start_at DESC
LIMIT $%d
`, len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("calllog: list: %w", err)
	}
	defer rows.Close()

	var out []CallLog
	for rows.Next() {
		l, err := scanCallLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetCallLog(ctx context.Context, companyID, id string) (CallLog, error) {
	const q = `
SELECT id, call_sid, company_id, service_booked_id, service_booked_time,
       caller_number, caller_name, status, start_at, duration_seconds, created_at
FROM call_logs
WHERE company_id = $1 AND id = $2
`
	l, err := scanCallLog(r.db.QueryRowContext(ctx, q, companyID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CallLog{}, ErrNotFound
	}
	return l, err
}

func (r *PostgresRepo) GetTranscript(ctx context.Context, callLogID string) (Transcript, []TranscriptChunk, error) {
	const q = `
SELECT id, call_log_id, summary, key_points, created_at
FROM transcripts
WHERE call_log_id = $1
`
	var t Transcript
	var kp []byte
	if err := r.db.QueryRowContext(ctx, q, callLogID).Scan(&t.ID, &t.CallLogID, &t.Summary, &kp, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transcript{}, nil, ErrNotFound
		}
		return Transcript{}, nil, err
	}
	t.KeyPoints = []string{}
	if len(kp) > 0 {
		if err := json.Unmarshal(kp, &t.KeyPoints); err != nil {
			return Transcript{}, nil, fmt.Errorf("calllog: decode key points: %w", err)
		}
	}

	const cq = `
SELECT id, transcript_id, seq, speaker_type, text, start_at
FROM transcript_chunks
WHERE transcript_id = $1
ORDER BY seq ASC
`
	rows, err := r.db.QueryContext(ctx, cq, t.ID)
	if err != nil {
		return Transcript{}, nil, err
	}
	defer rows.Close()

	chunks := []TranscriptChunk{}
	for rows.Next() {
		var c TranscriptChunk
		var speaker string
		var startAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.TranscriptID, &c.Seq, &speaker, &c.Text, &startAt); err != nil {
			return Transcript{}, nil, err
		}
		c.SpeakerType = SpeakerType(speaker)
		if startAt.Valid {
			c.StartAt = startAt.Time
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return Transcript{}, nil, err
	}
	return t, chunks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallLog(row rowScanner) (CallLog, error) {
	var l CallLog
	var companyID, serviceID, serviceTime sql.NullString
	var status string
	if err := row.Scan(
		&l.ID,
		&l.CallSid,
		&companyID,
		&serviceID,
		&serviceTime,
		&l.CallerNumber,
		&l.CallerName,
		&status,
		&l.StartAt,
		&l.DurationSeconds,
		&l.CreatedAt,
	); err != nil {
		return CallLog{}, err
	}
	l.CompanyID = companyID.String
	l.ServiceBookedID = serviceID.String
	l.ServiceBookedTime = serviceTime.String
	l.Status = Status(status)
	return l, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
