package nlu

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var months = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday, "sunday": time.Sunday,
}

var periods = map[string]int{"morning": 9, "afternoon": 14, "evening": 18}

const monthAlt = `jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sept?(?:ember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?`

var (
	dayMonthRe  = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?(?:\s+of)?\s+(` + monthAlt + `)\b`)
	monthDayRe  = regexp.MustCompile(`\b(` + monthAlt + `)\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	weekdayRe   = regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	relativeRe  = regexp.MustCompile(`\b(today|tomorrow)\b`)
	rangeRe     = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\s*(?:-|–|to)\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	clockRe     = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b|\b(\d{1,2}):(\d{2})\b`)
	periodRe    = regexp.MustCompile(`\b(morning|afternoon|evening)\b`)
	separatorRe = regexp.MustCompile(`^[\s,]*$`)
)

type anchor struct {
	start, end int
	date       time.Time
	explicit   bool
}

type clockTime struct {
	hour, minute int
	exact        bool
}

// parseSlots extracts meeting candidates from text relative to now, in now's location.
func parseSlots(text string, now time.Time) []Slot {
	lower := strings.ToLower(text)
	anchors := findAnchors(lower, now)

	if len(anchors) == 0 {
		ct, ok := findTime(lower)
		if !ok {
			return nil
		}
		day := midnight(now)
		t := at(day, ct)
		if !t.After(now) {
			t = at(day.AddDate(0, 0, 1), ct)
		}
		return []Slot{{Display: FormatTime(t), Time: t, Confidence: 0.5}}
	}

	slots := make([]Slot, 0, len(anchors))
	prevEnd := 0
	for i, a := range anchors {
		next := len(lower)
		if i+1 < len(anchors) {
			next = anchors[i+1].start
		}
		ct, ok := findTime(lower[a.end:next])
		if !ok {
			ct, ok = findTime(lower[prevEnd:a.start])
		}
		prevEnd = a.end

		confidence := 0.5
		switch {
		case ok && ct.exact && a.explicit:
			confidence = 0.9
		case ok && ct.exact:
			confidence = 0.8
		case ok:
			confidence = 0.6
		default:
			ct = clockTime{hour: 14}
		}
		t := at(a.date, ct)
		slots = append(slots, Slot{Display: FormatTime(t), Time: t, Confidence: confidence})
	}
	return slots
}

func findAnchors(lower string, now time.Time) []anchor {
	today := midnight(now)
	var found []anchor

	for _, m := range isoDateRe.FindAllStringSubmatchIndex(lower, -1) {
		y, _ := strconv.Atoi(lower[m[2]:m[3]])
		mo, _ := strconv.Atoi(lower[m[4]:m[5]])
		d, _ := strconv.Atoi(lower[m[6]:m[7]])
		if date, ok := validDate(y, time.Month(mo), d, now.Location()); ok {
			found = append(found, anchor{start: m[0], end: m[1], date: date, explicit: true})
		}
	}
	for _, m := range dayMonthRe.FindAllStringSubmatchIndex(lower, -1) {
		d, _ := strconv.Atoi(lower[m[2]:m[3]])
		if date, ok := calendarDate(today, months[lower[m[4]:m[5]]], d); ok {
			found = append(found, anchor{start: m[0], end: m[1], date: date, explicit: true})
		}
	}
	for _, m := range monthDayRe.FindAllStringSubmatchIndex(lower, -1) {
		d, _ := strconv.Atoi(lower[m[4]:m[5]])
		if date, ok := calendarDate(today, months[lower[m[2]:m[3]]], d); ok {
			found = append(found, anchor{start: m[0], end: m[1], date: date, explicit: true})
		}
	}
	found = dropOverlapping(found)

	for _, m := range weekdayRe.FindAllStringSubmatchIndex(lower, -1) {
		ahead := int(weekdays[lower[m[2]:m[3]]]) - int(today.Weekday())
		if ahead <= 0 {
			ahead += 7
		}
		found = append(found, anchor{start: m[0], end: m[1], date: today.AddDate(0, 0, ahead)})
	}
	for _, m := range relativeRe.FindAllStringSubmatchIndex(lower, -1) {
		date := today
		if lower[m[2]:m[3]] == "tomorrow" {
			date = today.AddDate(0, 0, 1)
		}
		found = append(found, anchor{start: m[0], end: m[1], date: date})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })
	return mergeAdjacent(lower, dropOverlapping(found))
}

// dropOverlapping keeps the earliest-starting anchor of any overlapping pair.
func dropOverlapping(in []anchor) []anchor {
	sort.SliceStable(in, func(i, j int) bool { return in[i].start < in[j].start })
	out := in[:0]
	for _, a := range in {
		if len(out) > 0 && a.start < out[len(out)-1].end {
			continue
		}
		out = append(out, a)
	}
	return out
}

// mergeAdjacent folds "Monday, June 24" into one anchor, preferring the explicit date.
func mergeAdjacent(lower string, in []anchor) []anchor {
	var out []anchor
	for _, a := range in {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if separatorRe.MatchString(lower[prev.end:a.start]) && (prev.explicit != a.explicit) {
				if a.explicit {
					prev.date = a.date
					prev.explicit = true
				}
				prev.end = a.end
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

func findTime(segment string) (clockTime, bool) {
	if m := rangeRe.FindStringSubmatch(segment); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		endHour, _ := strconv.Atoi(m[4])
		meridiem := m[3]
		if meridiem == "" {
			meridiem = m[6]
			if meridiem == "pm" && hour > endHour && hour != 12 {
				meridiem = "am"
			}
		}
		if h, ok := to24(hour, meridiem); ok && minute < 60 {
			return clockTime{hour: h, minute: minute, exact: true}, true
		}
	}
	if m := clockRe.FindStringSubmatch(segment); m != nil {
		var hour, minute int
		meridiem := ""
		if m[1] != "" {
			hour, _ = strconv.Atoi(m[1])
			minute, _ = strconv.Atoi(m[2])
			meridiem = m[3]
		} else {
			hour, _ = strconv.Atoi(m[4])
			minute, _ = strconv.Atoi(m[5])
		}
		if h, ok := to24(hour, meridiem); ok && minute < 60 {
			return clockTime{hour: h, minute: minute, exact: true}, true
		}
	}
	if m := periodRe.FindStringSubmatch(segment); m != nil {
		return clockTime{hour: periods[m[1]]}, true
	}
	return clockTime{}, false
}

func to24(hour int, meridiem string) (int, bool) {
	switch meridiem {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour == 12 {
			return 0, true
		}
		return hour, true
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		if hour < 12 {
			return hour + 12, true
		}
		return 12, true
	default:
		return hour, hour >= 0 && hour < 24
	}
}

// calendarDate resolves a day and month without a year to the next occurrence from today.
func calendarDate(today time.Time, month time.Month, day int) (time.Time, bool) {
	date, ok := validDate(today.Year(), month, day, today.Location())
	if !ok {
		return time.Time{}, false
	}
	if date.Before(today) {
		date = date.AddDate(1, 0, 0)
	}
	return date, true
}

func validDate(year int, month time.Month, day int, loc *time.Location) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 {
		return time.Time{}, false
	}
	date := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if date.Month() != month {
		return time.Time{}, false
	}
	return date, true
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func at(day time.Time, ct clockTime) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), ct.hour, ct.minute, 0, 0, day.Location())
}
