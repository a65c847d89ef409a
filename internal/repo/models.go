package repo

import (
	"strings"
	"time"
)

// LeadStatus is the lifecycle state of a lead.
type LeadStatus string

const (
	StatusNew              LeadStatus = "new"
	StatusContacted        LeadStatus = "contacted"
	StatusResponded        LeadStatus = "responded"
	StatusInterested       LeadStatus = "interested"
	StatusMeetingRequested LeadStatus = "meeting_requested"
	StatusMeetingScheduled LeadStatus = "meeting_scheduled"
	StatusNotInterested    LeadStatus = "not_interested"
	StatusFollowUp         LeadStatus = "follow_up"
)

// Channel identifies a communication medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelOther    Channel = "other"
)

// Direction tells whether a turn was received or sent.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MeetingStatus is the state of a meeting row.
type MeetingStatus string

const (
	MeetingTentative MeetingStatus = "tentative"
	MeetingConfirmed MeetingStatus = "confirmed"
	MeetingCancelled MeetingStatus = "cancelled"
)

// Active reports whether the meeting counts towards the one-active-meeting limit.
func (s MeetingStatus) Active() bool {
	return s == MeetingTentative || s == MeetingConfirmed
}

// Lead represents the leads table row.
type Lead struct {
	ID             string
	FirstName      string
	LastName       string
	Company        string
	Email          string
	EmailVerified  bool
	PhoneNumber    string
	Status         LeadStatus
	LastContactAt  *time.Time
	NextFollowUpAt *time.Time
	Summary        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DisplayName returns the lead's full name, falling back to the company or contact.
func (l Lead) DisplayName() string {
	name := strings.TrimSpace(l.FirstName + " " + l.LastName)
	switch {
	case name != "":
		return name
	case l.Company != "":
		return l.Company
	case l.Email != "":
		return l.Email
	default:
		return l.PhoneNumber
	}
}

// LeadInput carries data used to create a lead.
type LeadInput struct {
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Company       string `json:"company"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	PhoneNumber   string `json:"phone_number"`
}

// LeadFilter narrows ListLeads. Zero values mean "no constraint".
type LeadFilter struct {
	Statuses  []LeadStatus
	DueBefore *time.Time
	HasPhone  bool
	Limit     int
}

// Turn is one message exchanged with a lead.
type Turn struct {
	ID        string
	LeadID    string
	Channel   Channel
	Direction Direction
	Text      string
	At        time.Time
}

// Meeting represents the meetings table row.
type Meeting struct {
	ID              string
	LeadID          string
	ScheduledAt     time.Time
	DurationMinutes int
	CalendarEventID *string
	Status          MeetingStatus
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RateCounter holds persisted send counters for one channel.
type RateCounter struct {
	Channel     Channel
	DailyCount  int
	DailyLimit  int
	HourlyCount int
	HourlyLimit int
	Day         string
	HourStart   time.Time
	TotalSent   int64
	UpdatedAt   time.Time
}

// LeadStats aggregates lead counts for reporting.
type LeadStats struct {
	Total             int `json:"total"`
	CreatedSince      int `json:"created_since"`
	Interested        int `json:"interested"`
	MeetingsScheduled int `json:"meetings_scheduled"`
}
