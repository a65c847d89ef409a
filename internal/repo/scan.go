package repo

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	leadColumns    = `id, first_name, last_name, company, email, email_verified, phone_number, status, last_contact_at, next_follow_up_at, summary, created_at, updated_at`
	turnColumns    = `id, lead_id, channel, direction, text, at`
	meetingColumns = `id, lead_id, scheduled_at, duration_minutes, calendar_event_id, status, notes, created_at, updated_at`
	counterColumns = `channel, daily_count, daily_limit, hourly_count, hourly_limit, day, hour_start, total_sent, updated_at`
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*Lead, error) {
	var l Lead
	if err := row.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Company, &l.Email, &l.EmailVerified, &l.PhoneNumber,
		&l.Status, &l.LastContactAt, &l.NextFollowUpAt, &l.Summary, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanTurn(row rowScanner) (*Turn, error) {
	var t Turn
	if err := row.Scan(&t.ID, &t.LeadID, &t.Channel, &t.Direction, &t.Text, &t.At); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanMeeting(row rowScanner) (*Meeting, error) {
	var m Meeting
	if err := row.Scan(&m.ID, &m.LeadID, &m.ScheduledAt, &m.DurationMinutes, &m.CalendarEventID, &m.Status,
		&m.Notes, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanCounter(row rowScanner) (*RateCounter, error) {
	var c RateCounter
	if err := row.Scan(&c.Channel, &c.DailyCount, &c.DailyLimit, &c.HourlyCount, &c.HourlyLimit, &c.Day,
		&c.HourStart, &c.TotalSent, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func randomUUID() string {
	return uuid.NewString()
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// utc strips location and monotonic data so timestamps compare consistently in both databases.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func statusStrings(statuses []LeadStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
