package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"leadflow/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxQuerier is implemented by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides typed access to Postgres resources.
type Repository struct {
	pool    *pgxpool.Pool
	q       pgxQuerier
	inTx    bool
	logger  *slog.Logger
	metrics *metrics.Metrics
	schema  string
	retry   RetryPolicy
}

var _ Store = (*Repository)(nil)

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger, m *metrics.Metrics) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &Repository{
		pool:    pool,
		q:       pool,
		logger:  logger.With("component", "repo"),
		metrics: m,
		schema:  schema,
	}
	r.retry = retryPolicyFor("postgres", r.logger, m)

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	if r.pool != nil && !r.inTx {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *Repository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// InTx executes fn within a transaction and retries it on serialization or lock failures.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	return Retry(ctx, r.retry, isPostgresContention, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			scoped := *r
			scoped.q = tx
			scoped.inTx = true
			return fn(ctx, &scoped)
		})
	})
}

func isPostgresContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	case "23505":
		// Two writers raced on the one-active-meeting index; the retry sees the winner's row.
		return pgErr.ConstraintName == "meetings_one_active_per_lead"
	}
	return false
}

// CreateLead inserts a new lead in status new.
func (r *Repository) CreateLead(ctx context.Context, in LeadInput) (*Lead, error) {
	const q = `
INSERT INTO leads (id, first_name, last_name, company, email, email_verified, phone_number, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING ` + leadColumns + `;`
	row := r.q.QueryRow(ctx, q,
		randomUUID(),
		strings.TrimSpace(in.FirstName),
		strings.TrimSpace(in.LastName),
		strings.TrimSpace(in.Company),
		normaliseEmail(in.Email),
		in.EmailVerified,
		strings.TrimSpace(in.PhoneNumber),
		string(StatusNew),
		utc(time.Now()),
	)
	lead, err := scanLead(row)
	if err != nil {
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	return lead, nil
}

// GetLead loads a lead by id.
func (r *Repository) GetLead(ctx context.Context, id string) (*Lead, error) {
	const q = `SELECT ` + leadColumns + ` FROM leads WHERE id = $1 LIMIT 1;`
	lead, err := scanLead(r.q.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return lead, nil
}

// FindLeadByContact finds the oldest lead matching the email or the phone number.
func (r *Repository) FindLeadByContact(ctx context.Context, email, phone string) (*Lead, error) {
	const q = `
SELECT ` + leadColumns + `
FROM leads
WHERE ($1 <> '' AND lower(email) = $1) OR ($2 <> '' AND phone_number = $2)
ORDER BY created_at ASC
LIMIT 1;`
	lead, err := scanLead(r.q.QueryRow(ctx, q, normaliseEmail(email), strings.TrimSpace(phone)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find lead by contact: %w", err)
	}
	return lead, nil
}

// ListLeads returns leads matching filter ordered by creation time.
func (r *Repository) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d::text[])", len(args)))
	}
	if filter.DueBefore != nil {
		args = append(args, utc(*filter.DueBefore))
		where = append(where, fmt.Sprintf("next_follow_up_at IS NOT NULL AND next_follow_up_at <= $%d", len(args)))
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
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.Query(ctx, q, args...)
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

// UpdateLeadStatus sets the status and the next follow-up time.
func (r *Repository) UpdateLeadStatus(ctx context.Context, id string, status LeadStatus, nextFollowUp *time.Time) error {
	const q = `UPDATE leads SET status = $2, next_follow_up_at = $3, updated_at = $4 WHERE id = $1`
	ct, err := r.q.Exec(ctx, q, id, string(status), utcPtr(nextFollowUp), utc(time.Now()))
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update lead status %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchLeadContact records the time of the latest exchange with the lead.
func (r *Repository) TouchLeadContact(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE leads SET last_contact_at = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.q.Exec(ctx, q, id, utc(at), utc(time.Now())); err != nil {
		return fmt.Errorf("touch lead contact: %w", err)
	}
	return nil
}

// UpdateLeadSummary stores the conversation summary.
func (r *Repository) UpdateLeadSummary(ctx context.Context, id, summary string) error {
	const q = `UPDATE leads SET summary = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.q.Exec(ctx, q, id, summary, utc(time.Now())); err != nil {
		return fmt.Errorf("update lead summary: %w", err)
	}
	return nil
}

// LeadStats counts leads for the daily report.
func (r *Repository) LeadStats(ctx context.Context, since time.Time) (LeadStats, error) {
	const q = `
SELECT COUNT(*),
       COUNT(CASE WHEN created_at >= $1 THEN 1 END),
       COUNT(CASE WHEN status IN ('interested', 'meeting_requested') THEN 1 END),
       COUNT(CASE WHEN status = 'meeting_scheduled' THEN 1 END)
FROM leads;`
	var s LeadStats
	if err := r.q.QueryRow(ctx, q, utc(since)).Scan(&s.Total, &s.CreatedSince, &s.Interested, &s.MeetingsScheduled); err != nil {
		return LeadStats{}, fmt.Errorf("lead stats: %w", err)
	}
	return s, nil
}

// AppendTurn stores a conversation turn.
func (r *Repository) AppendTurn(ctx context.Context, turn Turn) (*Turn, error) {
	if turn.ID == "" {
		turn.ID = randomUUID()
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	const q = `
INSERT INTO conversation_turns (id, lead_id, channel, direction, text, at)
VALUES ($1, $2, $3, $4, $5, $6);`
	if _, err := r.q.Exec(ctx, q, turn.ID, turn.LeadID, string(turn.Channel), string(turn.Direction), turn.Text, utc(turn.At)); err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	turn.At = utc(turn.At)
	return &turn, nil
}

// ListTurns returns the latest turns for a lead in chronological order.
func (r *Repository) ListTurns(ctx context.Context, leadID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT ` + turnColumns + ` FROM (
    SELECT ` + turnColumns + `, seq
    FROM conversation_turns
    WHERE lead_id = $1
    ORDER BY at DESC, seq DESC
    LIMIT $2
) recent
ORDER BY at ASC, seq ASC;`
	rows, err := r.q.Query(ctx, q, leadID, limit)
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

// LastTurn returns the most recent turn in the given direction.
func (r *Repository) LastTurn(ctx context.Context, leadID string, direction Direction) (*Turn, error) {
	const q = `
SELECT ` + turnColumns + `
FROM conversation_turns
WHERE lead_id = $1 AND direction = $2
ORDER BY at DESC, seq DESC
LIMIT 1;`
	t, err := scanTurn(r.q.QueryRow(ctx, q, leadID, string(direction)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("last turn: %w", err)
	}
	return t, nil
}

// ActiveMeeting returns the tentative or confirmed meeting of a lead.
func (r *Repository) ActiveMeeting(ctx context.Context, leadID string) (*Meeting, error) {
	const q = `
SELECT ` + meetingColumns + `
FROM meetings
WHERE lead_id = $1 AND status IN ('tentative', 'confirmed')
ORDER BY created_at DESC
LIMIT 1;`
	m, err := scanMeeting(r.q.QueryRow(ctx, q, leadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("active meeting: %w", err)
	}
	return m, nil
}

// SaveMeeting updates the lead's active meeting in place, inserting only when none exists.
func (r *Repository) SaveMeeting(ctx context.Context, m Meeting) (*Meeting, error) {
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
RETURNING ` + meetingColumns + `;`
		saved, err := scanMeeting(r.q.QueryRow(ctx, q, randomUUID(), m.LeadID, utc(m.ScheduledAt), m.DurationMinutes,
			m.CalendarEventID, string(m.Status), m.Notes, now))
		if err != nil {
			return nil, fmt.Errorf("insert meeting: %w", err)
		}
		return saved, nil
	}

	const q = `
UPDATE meetings
SET scheduled_at = $2, duration_minutes = $3, calendar_event_id = $4, status = $5, notes = $6, updated_at = $7
WHERE id = $1
RETURNING ` + meetingColumns + `;`
	saved, err := scanMeeting(r.q.QueryRow(ctx, q, m.ID, utc(m.ScheduledAt), m.DurationMinutes, m.CalendarEventID,
		string(m.Status), m.Notes, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update meeting %s: %w", m.ID, ErrNotFound)
		}
		return nil, fmt.Errorf("update meeting: %w", err)
	}
	return saved, nil
}

// CountActiveMeetings counts tentative and confirmed meetings of a lead.
func (r *Repository) CountActiveMeetings(ctx context.Context, leadID string) (int, error) {
	const q = `SELECT COUNT(*) FROM meetings WHERE lead_id = $1 AND status IN ('tentative', 'confirmed');`
	var n int
	if err := r.q.QueryRow(ctx, q, leadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active meetings: %w", err)
	}
	return n, nil
}

// GetRateCounter loads and, inside a transaction, locks the counter row of a channel.
func (r *Repository) GetRateCounter(ctx context.Context, channel Channel) (*RateCounter, error) {
	q := `SELECT ` + counterColumns + ` FROM rate_limit_counters WHERE channel = $1`
	if r.inTx {
		q += ` FOR UPDATE`
	}
	c, err := scanCounter(r.q.QueryRow(ctx, q, string(channel)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rate counter: %w", err)
	}
	return c, nil
}

// SaveRateCounter upserts the counter row of a channel.
func (r *Repository) SaveRateCounter(ctx context.Context, c RateCounter) error {
	const q = `
INSERT INTO rate_limit_counters (channel, daily_count, daily_limit, hourly_count, hourly_limit, day, hour_start, total_sent, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (channel) DO UPDATE SET
    daily_count = EXCLUDED.daily_count,
    daily_limit = EXCLUDED.daily_limit,
    hourly_count = EXCLUDED.hourly_count,
    hourly_limit = EXCLUDED.hourly_limit,
    day = EXCLUDED.day,
    hour_start = EXCLUDED.hour_start,
    total_sent = EXCLUDED.total_sent,
    updated_at = EXCLUDED.updated_at;`
	_, err := r.q.Exec(ctx, q, string(c.Channel), c.DailyCount, c.DailyLimit, c.HourlyCount, c.HourlyLimit, c.Day,
		utc(c.HourStart), c.TotalSent, utc(time.Now()))
	if err != nil {
		return fmt.Errorf("save rate counter: %w", err)
	}
	return nil
}

func prepareMeeting(m *Meeting) {
	if m.DurationMinutes <= 0 {
		m.DurationMinutes = 30
	}
	if m.Status == "" {
		m.Status = MeetingTentative
	}
}

func retryPolicyFor(driver string, logger *slog.Logger, m *metrics.Metrics) RetryPolicy {
	policy := DefaultRetryPolicy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("transaction contention, retrying", "attempt", attempt, "delay", delay, "error", err)
		if m != nil {
			m.TxRetries.WithLabelValues(driver).Inc()
		}
	}
	return policy
}
