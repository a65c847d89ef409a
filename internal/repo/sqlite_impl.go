package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// -- Leads --

func (r *SQLiteRepository) CreateLead(ctx context.Context, in LeadInput) (*Lead, error) {
	const q = `
INSERT INTO leads (id, first_name, last_name, company, email, email_verified, phone_number, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + leadColumns + `;`
	now := utc(time.Now())
	row := r.q.QueryRowContext(ctx, q,
		randomUUID(),
		strings.TrimSpace(in.FirstName),
		strings.TrimSpace(in.LastName),
		strings.TrimSpace(in.Company),
		normaliseEmail(in.Email),
		in.EmailVerified,
		strings.TrimSpace(in.PhoneNumber),
		string(StatusNew),
		now,
		now,
	)
	lead, err := scanLead(row)
	if err != nil {
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	return lead, nil
}

func (r *SQLiteRepository) GetLead(ctx context.Context, id string) (*Lead, error) {
	const q = `SELECT ` + leadColumns + ` FROM leads WHERE id = ? LIMIT 1;`
	lead, err := scanLead(r.q.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return lead, nil
}

func (r *SQLiteRepository) FindLeadByContact(ctx context.Context, email, phone string) (*Lead, error) {
	const q = `
SELECT ` + leadColumns + `
FROM leads
WHERE (?1 <> '' AND lower(email) = ?1) OR (?2 <> '' AND phone_number = ?2)
ORDER BY created_at ASC
LIMIT 1;`
	lead, err := scanLead(r.q.QueryRowContext(ctx, q, normaliseEmail(email), strings.TrimSpace(phone)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find lead by contact: %w", err)
	}
	return lead, nil
}

func (r *SQLiteRepository) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, s := range statusStrings(filter.Statuses) {
			placeholders = append(placeholders, "?")
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.DueBefore != nil {
		where = append(where, "next_follow_up_at IS NOT NULL AND next_follow_up_at <= ?")
		args = append(args, utc(*filter.DueBefore))
	}
	if filter.HasPhone {
		where = append(where, "phone_number <> ''")
	}

	q := `SELECT ` + leadColumns + ` FROM leads`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, *lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

func (r *SQLiteRepository) UpdateLeadStatus(ctx context.Context, id string, status LeadStatus, nextFollowUp *time.Time) error {
	const q = `UPDATE leads SET status = ?, next_follow_up_at = ?, updated_at = ? WHERE id = ?`
	res, err := r.q.ExecContext(ctx, q, string(status), utcPtr(nextFollowUp), utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update lead status %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) TouchLeadContact(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE leads SET last_contact_at = ?, updated_at = ? WHERE id = ?`
	if _, err := r.q.ExecContext(ctx, q, utc(at), utc(time.Now()), id); err != nil {
		return fmt.Errorf("touch lead contact: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateLeadSummary(ctx context.Context, id, summary string) error {
	const q = `UPDATE leads SET summary = ?, updated_at = ? WHERE id = ?`
	if _, err := r.q.ExecContext(ctx, q, summary, utc(time.Now()), id); err != nil {
		return fmt.Errorf("update lead summary: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) LeadStats(ctx context.Context, since time.Time) (LeadStats, error) {
	const q = `
SELECT COUNT(*),
       COUNT(CASE WHEN created_at >= ? THEN 1 END),
       COUNT(CASE WHEN status IN ('interested', 'meeting_requested') THEN 1 END),
       COUNT(CASE WHEN status = 'meeting_scheduled' THEN 1 END)
FROM leads;`
	var s LeadStats
	if err := r.q.QueryRowContext(ctx, q, utc(since)).Scan(&s.Total, &s.CreatedSince, &s.Interested, &s.MeetingsScheduled); err != nil {
		return LeadStats{}, fmt.Errorf("lead stats: %w", err)
	}
	return s, nil
}

// -- Conversation turns --

func (r *SQLiteRepository) AppendTurn(ctx context.Context, turn Turn) (*Turn, error) {
	if turn.ID == "" {
		turn.ID = randomUUID()
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	turn.At = utc(turn.At)
	const q = `
INSERT INTO conversation_turns (id, lead_id, channel, direction, text, at)
VALUES (?, ?, ?, ?, ?, ?);`
	if _, err := r.q.ExecContext(ctx, q, turn.ID, turn.LeadID, string(turn.Channel), string(turn.Direction), turn.Text, turn.At); err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	return &turn, nil
}

func (r *SQLiteRepository) ListTurns(ctx context.Context, leadID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT ` + turnColumns + ` FROM (
    SELECT ` + turnColumns + `, seq
    FROM conversation_turns
    WHERE lead_id = ?
    ORDER BY at DESC, seq DESC
    LIMIT ?
)
ORDER BY at ASC, seq ASC;`
	rows, err := r.q.QueryContext(ctx, q, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

func (r *SQLiteRepository) LastTurn(ctx context.Context, leadID string, direction Direction) (*Turn, error) {
	const q = `
SELECT ` + turnColumns + `
FROM conversation_turns
WHERE lead_id = ? AND direction = ?
ORDER BY at DESC, seq DESC
LIMIT 1;`
	t, err := scanTurn(r.q.QueryRowContext(ctx, q, leadID, string(direction)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("last turn: %w", err)
	}
	return t, nil
}

// -- Meetings --

func (r *SQLiteRepository) ActiveMeeting(ctx context.Context, leadID string) (*Meeting, error) {
	const q = `
SELECT ` + meetingColumns + `
FROM meetings
WHERE lead_id = ? AND status IN ('tentative', 'confirmed')
ORDER BY created_at DESC
LIMIT 1;`
	m, err := scanMeeting(r.q.QueryRowContext(ctx, q, leadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("active meeting: %w", err)
	}
	return m, nil
}

func (r *SQLiteRepository) SaveMeeting(ctx context.Context, m Meeting) (*Meeting, error) {
	prepareMeeting(&m)
	if m.ID == "" {
		existing, err := r.ActiveMeeting(ctx, m.LeadID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			m.ID = existing.ID
		}
	}
	now := utc(time.Now())

	if m.ID == "" {
		const q = `
INSERT INTO meetings (id, lead_id, scheduled_at, duration_minutes, calendar_event_id, status, notes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + meetingColumns + `;`
		saved, err := scanMeeting(r.q.QueryRowContext(ctx, q, randomUUID(), m.LeadID, utc(m.ScheduledAt), m.DurationMinutes,
			m.CalendarEventID, string(m.Status), m.Notes, now, now))
		if err != nil {
			return nil, fmt.Errorf("insert meeting: %w", err)
		}
		return saved, nil
	}

	const q = `
UPDATE meetings
SET scheduled_at = ?, duration_minutes = ?, calendar_event_id = ?, status = ?, notes = ?, updated_at = ?
WHERE id = ?
RETURNING ` + meetingColumns + `;`
	saved, err := scanMeeting(r.q.QueryRowContext(ctx, q, utc(m.ScheduledAt), m.DurationMinutes, m.CalendarEventID,
		string(m.Status), m.Notes, now, m.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("update meeting %s: %w", m.ID, ErrNotFound)
		}
		return nil, fmt.Errorf("update meeting: %w", err)
	}
	return saved, nil
}

func (r *SQLiteRepository) CountActiveMeetings(ctx context.Context, leadID string) (int, error) {
	const q = `SELECT COUNT(*) FROM meetings WHERE lead_id = ? AND status IN ('tentative', 'confirmed');`
	var n int
	if err := r.q.QueryRowContext(ctx, q, leadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active meetings: %w", err)
	}
	return n, nil
}

// -- Rate counters --

func (r *SQLiteRepository) GetRateCounter(ctx context.Context, channel Channel) (*RateCounter, error) {
	const q = `SELECT ` + counterColumns + ` FROM rate_limit_counters WHERE channel = ?;`
	c, err := scanCounter(r.q.QueryRowContext(ctx, q, string(channel)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rate counter: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) SaveRateCounter(ctx context.Context, c RateCounter) error {
	const q = `
INSERT INTO rate_limit_counters (channel, daily_count, daily_limit, hourly_count, hourly_limit, day, hour_start, total_sent, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (channel) DO UPDATE SET
    daily_count = excluded.daily_count,
    daily_limit = excluded.daily_limit,
    hourly_count = excluded.hourly_count,
    hourly_limit = excluded.hourly_limit,
    day = excluded.day,
    hour_start = excluded.hour_start,
    total_sent = excluded.total_sent,
    updated_at = excluded.updated_at;`
	_, err := r.q.ExecContext(ctx, q, string(c.Channel), c.DailyCount, c.DailyLimit, c.HourlyCount, c.HourlyLimit, c.Day,
		utc(c.HourStart), c.TotalSent, utc(time.Now()))
	if err != nil {
		return fmt.Errorf("save rate counter: %w", err)
	}
	return nil
}
