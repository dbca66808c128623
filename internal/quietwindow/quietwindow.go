// Package quietwindow parses and evaluates the "HH:MM-HH:MM" time-of-day
// windows used throughout spec.md §4.6/§4.8 (quiet hours, morning window,
// evening window), including the overnight-wraparound case.
package quietwindow

import (
	"strconv"
	"strings"
	"time"
)

// Window is a half-open [start,end) range in minutes-of-day, possibly
// wrapping past midnight (e.g. 22:00-02:00). A window with Start == End
// covers the whole day.
type Window struct {
	Start, End int
}

// Parse parses "HH:MM-HH:MM". An empty or malformed string yields
// ok=false, matching the original's "disabled" semantics.
func Parse(raw string) (w Window, ok bool) {
	if raw == "" {
		return Window{}, false
	}
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return Window{}, false
	}
	s, ok1 := parseHHMM(parts[0])
	e, ok2 := parseHHMM(parts[1])
	if !ok1 || !ok2 {
		return Window{}, false
	}
	return Window{Start: s, End: e}, true
}

func parseHHMM(raw string) (int, bool) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}

// In reports whether minuteOfDay falls in the window, handling the
// overnight wraparound case (Start > End).
func (w Window) In(minuteOfDay int) bool {
	if w.Start == w.End {
		return true
	}
	if w.Start < w.End {
		return w.Start <= minuteOfDay && minuteOfDay < w.End
	}
	return minuteOfDay >= w.Start || minuteOfDay < w.End
}

// EndOf returns the next wall-clock instant (in the same local frame as
// localNow) when this window's end boundary next occurs.
func EndOf(w Window, localNow time.Time) time.Time {
	endH, endM := w.End/60, w.End%60
	wake := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), endH, endM, 0, 0, localNow.Location())
	if !wake.After(localNow) {
		wake = wake.AddDate(0, 0, 1)
	}
	return wake
}
