// Package hours is the clock and business-hours oracle: pure functions over
// a configured timezone and a weekly open-interval schedule.
package hours

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Interval is one open span within a day, in minutes since local midnight.
// Open is inclusive, Close exclusive.
type Interval struct {
	Open  int
	Close int
}

// Schedule maps each weekday to its ordered open intervals.
// An empty slice means closed that day.
type Schedule map[time.Weekday][]Interval

const minutesPerDay = 24 * 60

// ParseSchedule decodes business_hours_json: an object keyed by weekday digit
// ("0"=Sunday through "6") whose values are ordered [["09:00","17:00"], ...]
// pairs. An interval whose close precedes its open crosses midnight and is
// split into two intervals on adjacent days.
func ParseSchedule(raw string) (Schedule, error) {
	var decoded map[string][][]string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("parse business hours: %w", err)
	}

	sched := Schedule{}
	for key, ranges := range decoded {
		day, err := strconv.Atoi(key)
		if err != nil || day < 0 || day > 6 {
			return nil, fmt.Errorf("parse business hours: invalid weekday key %q", key)
		}
		weekday := time.Weekday(day)

		for _, pair := range ranges {
			if len(pair) != 2 {
				return nil, fmt.Errorf("parse business hours: range for %q must be [open, close]", key)
			}
			openMin, err := parseClock(pair[0])
			if err != nil {
				return nil, fmt.Errorf("parse business hours: %w", err)
			}
			closeMin, err := parseClock(pair[1])
			if err != nil {
				return nil, fmt.Errorf("parse business hours: %w", err)
			}

			if closeMin > openMin {
				sched[weekday] = append(sched[weekday], Interval{Open: openMin, Close: closeMin})
			} else {
				// Crosses midnight: tail of this day, head of the next.
				sched[weekday] = append(sched[weekday], Interval{Open: openMin, Close: minutesPerDay})
				next := time.Weekday((day + 1) % 7)
				sched[next] = append(sched[next], Interval{Open: 0, Close: closeMin})
			}
		}
	}

	for day := range sched {
		sort.Slice(sched[day], func(i, j int) bool {
			return sched[day][i].Open < sched[day][j].Open
		})
	}

	return sched, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsOpen reports whether t falls inside an open interval of the schedule,
// evaluated in the location timezone.
func (s Schedule) IsOpen(loc *time.Location, t time.Time) bool {
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	for _, iv := range s[local.Weekday()] {
		if minute >= iv.Open && minute < iv.Close {
			return true
		}
	}
	return false
}

// IsBusinessDay reports whether the weekday of t (in loc) has any open interval.
func (s Schedule) IsBusinessDay(loc *time.Location, t time.Time) bool {
	return len(s[t.In(loc).Weekday()]) > 0
}

// NextOpen returns the next instant at or after t that is within business
// hours. If t is already open it is returned unchanged. Returns an error when
// the schedule has no open interval at all within the next three weeks.
func (s Schedule) NextOpen(loc *time.Location, t time.Time) (time.Time, error) {
	if s.IsOpen(loc, t) {
		return t, nil
	}

	local := t.In(loc)
	for offset := 0; offset < 21; offset++ {
		day := local.AddDate(0, 0, offset)
		minute := -1
		if offset == 0 {
			minute = local.Hour()*60 + local.Minute()
		}
		for _, iv := range s[day.Weekday()] {
			if iv.Open <= minute {
				continue
			}
			opening := time.Date(day.Year(), day.Month(), day.Day(),
				iv.Open/60, iv.Open%60, 0, 0, loc)
			return opening.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("no business hours within 21 days of %s", t.Format(time.RFC3339))
}

// Span is an occupied or candidate [Start, End) interval in UTC.
type Span struct {
	Start time.Time
	End   time.Time
}

// Slot and buffer geometry: 30-minute bookable slots, a 10-minute buffer
// after each, so candidate starts step on a 40-minute grid.
const (
	SlotDuration   = 30 * time.Minute
	SlotBuffer     = 10 * time.Minute
	slotStepMinute = 40
)

// EnumerateSlots walks the next `days` business days at or after from
// (today counts if it still has open time) and yields candidate slots in
// chronological order: 30-minute spans on a 40-minute grid inside each open
// interval, strictly after from, skipping any candidate that conflicts with
// an existing span once the 10-minute post-buffer is applied on both sides.
// Enumeration stops once max candidates are collected. The scan is bounded
// at 14 calendar days so a mostly-closed week cannot loop forever.
func (s Schedule) EnumerateSlots(loc *time.Location, from time.Time, days, max int, existing []Span) []Span {
	local := from.In(loc)
	slots := []Span{}
	businessDays := 0

	for offset := 0; offset < 14 && businessDays < days; offset++ {
		day := local.AddDate(0, 0, offset)
		intervals := s[day.Weekday()]
		if len(intervals) == 0 {
			continue
		}
		if offset == 0 {
			minute := local.Hour()*60 + local.Minute()
			stillOpen := false
			for _, iv := range intervals {
				if iv.Close > minute {
					stillOpen = true
					break
				}
			}
			if !stillOpen {
				continue
			}
		}
		businessDays++

		for _, iv := range intervals {
			for minute := iv.Open; minute+int(SlotDuration.Minutes()) <= iv.Close; minute += slotStepMinute {
				start := time.Date(day.Year(), day.Month(), day.Day(),
					minute/60, minute%60, 0, 0, loc).UTC()
				end := start.Add(SlotDuration)

				if !start.After(from) {
					continue
				}
				if conflicts(start, end, existing) {
					continue
				}

				slots = append(slots, Span{Start: start, End: end})
				if len(slots) >= max {
					return slots
				}
			}
		}
	}

	return slots
}

// conflicts applies the 10-minute post-buffer to both the candidate and the
// existing span before testing overlap.
func conflicts(start, end time.Time, existing []Span) bool {
	bufferedEnd := end.Add(SlotBuffer)
	for _, e := range existing {
		if start.Before(e.End.Add(SlotBuffer)) && e.Start.Before(bufferedEnd) {
			return true
		}
	}
	return false
}

// SpanOpen reports whether the span [start, start+d) fits entirely inside a
// single open interval. Midnight-crossing schedule entries are already split
// at parse time, so the span is evaluated against its start day only.
func (s Schedule) SpanOpen(loc *time.Location, start time.Time, d time.Duration) bool {
	local := start.In(loc)
	minute := local.Hour()*60 + local.Minute()
	endMinute := minute + int(d.Minutes())
	for _, iv := range s[local.Weekday()] {
		if minute >= iv.Open && endMinute <= iv.Close {
			return true
		}
	}
	return false
}

// DayBounds returns the UTC instants bounding the local calendar day of t.
func DayBounds(loc *time.Location, t time.Time) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}
