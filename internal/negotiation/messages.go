package negotiation

import (
	"fmt"
	"strings"
	"time"

	"leadflow/internal/approval"
	"leadflow/internal/nlu"
	"leadflow/internal/repo"
)

// Approver notices returned by HandleAction and HandleManagerText.
const (
	NoticeProcessed     = "This meeting has already been processed."
	NoticeBusy          = "This request is already being processed."
	NoticeUnknownAction = "Unknown action."
	NoticeBadOption     = "That option is no longer available."
	NoticeUnparseable   = "Could not parse valid future times. Please use a format like 'Monday June 24 at 2:00 PM, Tuesday June 25 at 10:00 AM'."

	NoticeLeadUnavailable = "⚠️ Could not load the lead. Please try again shortly."
)

func firstName(lead repo.Lead) string {
	if lead.FirstName != "" {
		return lead.FirstName
	}
	return lead.DisplayName()
}

func leadHeader(lead repo.Lead) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Lead: %s\n", lead.DisplayName())
	if lead.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", lead.Company)
	}
	if lead.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", lead.Email)
	}
	if lead.PhoneNumber != "" {
		fmt.Fprintf(&b, "Phone: %s\n", lead.PhoneNumber)
	}
	return b.String()
}

func bullets(slots []nlu.Slot, limit int) string {
	if limit > 0 && len(slots) > limit {
		slots = slots[:limit]
	}
	lines := make([]string, 0, len(slots))
	for _, s := range slots {
		lines = append(lines, "• "+s.Display)
	}
	return strings.Join(lines, "\n")
}

func approvalRequest(lead repo.Lead, n Negotiation) (string, []approval.Action) {
	var b strings.Builder
	b.WriteString("🔔 Meeting approval request\n\n")
	b.WriteString(leadHeader(lead))
	b.WriteString("\nLead's availability:\n")
	b.WriteString(bullets(n.Availability, 5))
	b.WriteString("\n\nMatching calendar slots:\n")
	if len(n.Matches) > 0 {
		b.WriteString(bullets(n.Matches, 0))
	} else {
		b.WriteString("No exact matches found")
	}

	var actions []approval.Action
	for i, s := range n.Matches {
		actions = append(actions, approval.Action{
			Label: "✅ Approve: " + s.Display,
			Token: Token{Action: ActionApproveTime, NegotiationID: n.ID, Index: i}.String(),
		})
	}
	actions = append(actions, approval.Action{Label: "🔄 Suggest alternatives", Token: Token{Action: ActionSuggestAlt, NegotiationID: n.ID}.String()})
	if len(n.Matches) == 0 {
		actions = append(actions, approval.Action{Label: "📅 Suggest times", Token: Token{Action: ActionManagerSuggest, NegotiationID: n.ID}.String()})
	}
	actions = append(actions, approval.Action{Label: "❌ Decline meeting", Token: Token{Action: ActionDecline, NegotiationID: n.ID}.String()})
	return b.String(), actions
}

func alternativesRequest(lead repo.Lead, n Negotiation) (string, []approval.Action) {
	text := fmt.Sprintf("🔄 Alternative times for %s\n\nBased on the lead's preferences, these slots are free:\n\n%s\n\nSelect the time to confirm:",
		lead.DisplayName(), bullets(n.Alternatives, 0))

	actions := make([]approval.Action, 0, len(n.Alternatives)+2)
	for i, s := range n.Alternatives {
		actions = append(actions, approval.Action{
			Label: "✅ " + s.Display,
			Token: Token{Action: ActionSelectAlt, NegotiationID: n.ID, Index: i}.String(),
		})
	}
	actions = append(actions,
		approval.Action{Label: "📝 Custom time input", Token: Token{Action: ActionCustomTime, NegotiationID: n.ID}.String()},
		approval.Action{Label: "❌ Cancel meeting", Token: Token{Action: ActionDecline, NegotiationID: n.ID}.String()},
	)
	return text, actions
}

func manualInputRequest(lead repo.Lead, n Negotiation, reason string) (string, []approval.Action) {
	var b strings.Builder
	b.WriteString("📝 Manual time input required\n\n")
	if reason != "" {
		b.WriteString(reason + "\n\n")
	}
	b.WriteString(leadHeader(lead))
	if len(n.Availability) > 0 {
		b.WriteString("\nLead's original availability:\n")
		b.WriteString(bullets(n.Availability, 5))
		b.WriteString("\n")
	}
	b.WriteString("\nReply in this chat with 2-3 specific times you can offer, for example:\n")
	b.WriteString("\"Monday June 24 at 2:00 PM, Tuesday June 25 at 10:00 AM\"\n")
	b.WriteString("The options will be sent to the lead automatically.")

	return b.String(), []approval.Action{
		{Label: "❌ Cancel meeting instead", Token: Token{Action: ActionDecline, NegotiationID: n.ID}.String()},
		{Label: "🔄 Try auto-suggest again", Token: Token{Action: ActionSuggestAlt, NegotiationID: n.ID}.String()},
	}
}

func availabilityRequestText(lead repo.Lead, duration time.Duration) string {
	return fmt.Sprintf("Great, %s! Could you share 2-3 times that work for a brief %d-minute call this week or next?",
		firstName(lead), int(duration.Minutes()))
}

const clarificationText = "I want to make sure I get the timing right. Could you please provide 2-3 specific times that work for you? For example: 'Monday at 2 PM, Tuesday morning, or Wednesday at 10 AM'."

const checkingCalendarText = "Thanks! Let me check the calendar and I'll confirm a time with you shortly."

func availabilityNotedText(slots []nlu.Slot) string {
	return fmt.Sprintf("Thanks! I've noted your availability:\n\n%s\n\nI'll confirm one of these times with you shortly.", bullets(slots, 5))
}

func confirmationText(t time.Time) string {
	return fmt.Sprintf("Perfect! Meeting confirmed for %s. You'll get a calendar invite shortly. Looking forward to our chat! Any questions? Just reply here.",
		nlu.FormatTime(t))
}

func declineText(lead repo.Lead) string {
	return fmt.Sprintf("Hi %s, thanks for your interest in scheduling a meeting. Unfortunately our calendar is quite full at the moment "+
		"and we won't be able to accommodate a meeting in the near future. We'll keep your details on file and reach out if anything changes. "+
		"Thanks for understanding!", firstName(lead))
}

func optionsText(lead repo.Lead, slots []nlu.Slot) string {
	if len(slots) == 1 {
		return fmt.Sprintf("Hi %s! I have this time available:\n\n• %s\n\nDoes this work for you? Just reply 'yes' to confirm!",
			firstName(lead), slots[0].Display)
	}
	lines := make([]string, 0, len(slots))
	for i, s := range slots {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, s.Display))
	}
	choices := "1 or 2"
	if len(slots) == 3 {
		choices = "1, 2, or 3"
	}
	return fmt.Sprintf("Hi %s! I have these times available:\n\n%s\n\nWhich works best for you? Just reply with the number (%s).",
		firstName(lead), strings.Join(lines, "\n"), choices)
}

func meetingConfirmedText(t time.Time) string {
	return fmt.Sprintf("Excellent! Meeting confirmed for %s. Calendar invitation sent. Looking forward to our chat!", nlu.FormatTime(t))
}

const optionsPromisedText = "Perfect! Let me check my calendar and suggest some specific times. I'll get back to you within the hour with options."

func meetingDescription(lead repo.Lead, now time.Time) string {
	summary := lead.Summary
	if summary == "" {
		summary = "Initial outreach, discussing lead generation services"
	}
	return fmt.Sprintf("Lead generation discussion\n\nCompany: %s\nContact: %s\nPhone: %s\nEmail: %s\n\nConversation summary:\n%s\n\nScheduled automatically on %s.",
		orNA(lead.Company), lead.DisplayName(), orNA(lead.PhoneNumber), orNA(lead.Email), summary, now.Format("2006-01-02 15:04"))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
