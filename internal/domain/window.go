package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimeWindow is the half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// NewTimeWindow validates start ≤ end.
func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	if end.Before(start) {
		return TimeWindow{}, fmt.Errorf("time window end %s before start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return TimeWindow{Start: start.UTC(), End: end.UTC()}, nil
}

// ParseTimeWindow parses "YYYY-MM-DD/YYYY-MM-DD" with an inclusive end day,
// or a single "YYYY-MM-DD" for one day.
func ParseTimeWindow(s string) (TimeWindow, error) {
	startStr, endStr, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		endStr = startStr
	}
	start, err := time.Parse(time.DateOnly, strings.TrimSpace(startStr))
	if err != nil {
		return TimeWindow{}, fmt.Errorf("parse time window %q: %w", s, err)
	}
	end, err := time.Parse(time.DateOnly, strings.TrimSpace(endStr))
	if err != nil {
		return TimeWindow{}, fmt.Errorf("parse time window %q: %w", s, err)
	}
	if end.Before(start) {
		return TimeWindow{}, fmt.Errorf("time window %q ends before it starts", s)
	}
	return TimeWindow{Start: start, End: end.AddDate(0, 0, 1)}, nil
}

// Empty reports whether the window contains no instant.
func (w TimeWindow) Empty() bool { return !w.End.After(w.Start) }

// Steps splits the window into consecutive windows of length step. The last
// one is clipped to End.
func (w TimeWindow) Steps(step time.Duration) []TimeWindow {
	if w.Empty() {
		return nil
	}
	if step <= 0 {
		return []TimeWindow{w}
	}
	var out []TimeWindow
	for s := w.Start; s.Before(w.End); s = s.Add(step) {
		e := s.Add(step)
		if e.After(w.End) {
			e = w.End
		}
		out = append(out, TimeWindow{Start: s, End: e})
	}
	return out
}

// Interval formats the window as a closed RFC 3339 interval for catalog queries.
func (w TimeWindow) Interval() string {
	last := w.End.Add(-time.Millisecond)
	if last.Before(w.Start) {
		last = w.Start
	}
	const layout = "2006-01-02T15:04:05.000Z"
	return w.Start.UTC().Format(layout) + "/" + last.UTC().Format(layout)
}

func (w TimeWindow) String() string {
	first := w.Start.UTC().Format(time.DateOnly)
	last := w.End.Add(-time.Nanosecond).UTC().Format(time.DateOnly)
	if w.Empty() || first == last {
		return first
	}
	return first + "/" + last
}
