package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow/internal/repo"
)

// ErrInvalidTransition is returned for status changes the machine does not perform.
var ErrInvalidTransition = errors.New("invalid lead status transition")

var conversational = []repo.LeadStatus{
	repo.StatusResponded,
	repo.StatusInterested,
	repo.StatusMeetingRequested,
	repo.StatusNotInterested,
}

var edges = buildEdges()

func buildEdges() map[repo.LeadStatus]map[repo.LeadStatus]bool {
	e := make(map[repo.LeadStatus]map[repo.LeadStatus]bool)
	add := func(from repo.LeadStatus, to ...repo.LeadStatus) {
		if e[from] == nil {
			e[from] = make(map[repo.LeadStatus]bool)
		}
		for _, t := range to {
			e[from][t] = true
		}
	}

	add(repo.StatusNew, repo.StatusContacted)

	for _, from := range []repo.LeadStatus{repo.StatusContacted, repo.StatusFollowUp} {
		add(from, conversational...)
		add(from, repo.StatusFollowUp, repo.StatusMeetingScheduled)
	}
	for _, from := range []repo.LeadStatus{repo.StatusResponded, repo.StatusInterested, repo.StatusMeetingRequested} {
		add(from, conversational...)
		add(from, repo.StatusMeetingScheduled)
	}
	add(repo.StatusMeetingScheduled, repo.StatusMeetingScheduled)
	return e
}

// Transition validates a status change.
func Transition(from, to repo.LeadStatus) error {
	if edges[from][to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminal reports whether automation has finished with a lead in status s.
func Terminal(s repo.LeadStatus) bool {
	return s == repo.StatusNotInterested || s == repo.StatusMeetingScheduled
}

// SetStatus re-reads the lead inside q, validates the edge and writes the new status.
func SetStatus(ctx context.Context, q repo.Queries, leadID string, to repo.LeadStatus, nextFollowUp *time.Time) error {
	lead, err := q.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	if err := Transition(lead.Status, to); err != nil {
		return err
	}
	return q.UpdateLeadStatus(ctx, leadID, to, nextFollowUp)
}
