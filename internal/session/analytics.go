package session

import "time"

// DayWindow is a half-open local-time interval [Start, End) used for daily
// analytics.
type DayWindow struct {
	Start time.Time
	End   time.Time
}

// Today returns the [midnight, next midnight) window containing now.
func Today(now time.Time) DayWindow {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return DayWindow{Start: start, End: start.AddDate(0, 0, 1)}
}

// CategoryTotals sums tracked time per known category, clipped to the window.
//
// A session's tracked time is modeled as a contiguous interval ending at its
// stop time (or now, while active) of length DisplayedElapsed. Sessions that
// span midnight, and sessions started on a prior day but still active, only
// contribute the portion inside the window. Deleted sessions and unrecognized
// categories are excluded.
func CategoryTotals(sessions []Session, window DayWindow, now time.Time) map[Category]time.Duration {
	totals := make(map[Category]time.Duration)
	for _, s := range sessions {
		if s.Deleted || !s.Category.Known() {
			continue
		}
		if d := s.windowContribution(window, now); d > 0 {
			totals[s.Category] += d
		}
	}
	return totals
}

// TotalToday is a convenience wrapper summing all categorized time for the
// day containing now.
func TotalToday(sessions []Session, now time.Time) time.Duration {
	var total time.Duration
	for _, d := range CategoryTotals(sessions, Today(now), now) {
		total += d
	}
	return total
}

func (s Session) windowContribution(window DayWindow, now time.Time) time.Duration {
	end := now
	if !s.Active {
		if s.EndTime == nil {
			return 0
		}
		end = *s.EndTime
	}

	start := end.Add(-s.DisplayedElapsed(now))
	return overlap(start, end, window)
}

func overlap(start, end time.Time, window DayWindow) time.Duration {
	if start.Before(window.Start) {
		start = window.Start
	}
	if end.After(window.End) {
		end = window.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
