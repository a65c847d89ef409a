package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Google talks to a Google Calendar with service account credentials.
type Google struct {
	svc        *gcal.Service
	calendarID string
	logger     *slog.Logger
}

var _ Calendar = (*Google)(nil)

// NewGoogle creates a calendar client from a credentials file.
func NewGoogle(ctx context.Context, credentialsPath, calendarID string, logger *slog.Logger) (*Google, error) {
	svc, err := gcal.NewService(ctx, option.WithCredentialsFile(credentialsPath), option.WithScopes(gcal.CalendarScope))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Google{svc: svc, calendarID: calendarID, logger: logger.With("component", "calendar")}, nil
}

// BusyTimes lists timed events overlapping [from, to).
func (g *Google) BusyTimes(ctx context.Context, from, to time.Time) ([]Interval, error) {
	events, err := g.svc.Events.List(g.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	out := make([]Interval, 0, len(events.Items))
	for _, item := range events.Items {
		if item.Start == nil || item.End == nil || item.Start.DateTime == "" {
			continue
		}
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			continue
		}
		out = append(out, Interval{Start: start, End: end})
	}
	return out, nil
}

// CreateEvent inserts the event with a Meet link and emails the attendee.
func (g *Google) CreateEvent(ctx context.Context, ev Event) (string, error) {
	end := ev.Start.Add(ev.Duration)
	event := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.Start.Location().String()},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: end.Location().String()},
		ConferenceData: &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             fmt.Sprintf("leadflow-%d", ev.Start.Unix()),
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		},
	}
	if ev.AttendeeEmail != "" {
		event.Attendees = []*gcal.EventAttendee{{Email: ev.AttendeeEmail}}
	}

	created, err := g.svc.Events.Insert(g.calendarID, event).
		ConferenceDataVersion(1).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	if created.Id == "" {
		return "", ErrNoEvent
	}
	g.logger.Info("calendar event created", "event_id", created.Id, "start", ev.Start)
	return created.Id, nil
}

// DeleteEvent removes an event and notifies attendees.
func (g *Google) DeleteEvent(ctx context.Context, eventID string) error {
	if err := g.svc.Events.Delete(g.calendarID, eventID).SendUpdates("all").Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}
