package plan

import (
	"fmt"
	"regexp"
	"time"
)

// DateLayout is the scheduling-day key format used in persisted plans.
const DateLayout = "2006-01-02"

// Window is a daily send window, expressed as wall-clock bounds.
//
// End before start means the window crosses midnight: "22:00-02:00" opens
// at 22:00 and stays open until 02:00 on the next calendar day. A plan made
// for such a window belongs to the day the window opens.
type Window struct {
	startMin int // minutes since local midnight
	endMin   int
}

var reWindow = regexp.MustCompile(`^\s*(\d{2}):(\d{2})\s*-\s*(\d{2}):(\d{2})\s*$`)

// ParseWindow parses "HH:MM-HH:MM". Bounds are inclusive.
func ParseWindow(s string) (Window, error) {
	m := reWindow.FindStringSubmatch(s)
	if len(m) != 5 {
		return Window{}, fmt.Errorf("invalid window %q (use HH:MM-HH:MM like '09:00-23:00')", s)
	}
	start, err := clockMinutes(m[1], m[2])
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	end, err := clockMinutes(m[3], m[4])
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	if start == end {
		return Window{}, fmt.Errorf("invalid window %q: start equals end", s)
	}
	return Window{startMin: start, endMin: end}, nil
}

// MustParseWindow is ParseWindow for compile-time-known strings.
func MustParseWindow(s string) Window {
	w, err := ParseWindow(s)
	if err != nil {
		panic(err)
	}
	return w
}

func clockMinutes(hh, mm string) (int, error) {
	h := int(hh[0]-'0')*10 + int(hh[1]-'0')
	m := int(mm[0]-'0')*10 + int(mm[1]-'0')
	if h > 23 {
		return 0, fmt.Errorf("hour %d out of range", h)
	}
	if m > 59 {
		return 0, fmt.Errorf("minute %d out of range", m)
	}
	return h*60 + m, nil
}

func (w Window) IsZero() bool { return w.startMin == 0 && w.endMin == 0 }

func (w Window) CrossesMidnight() bool { return w.endMin < w.startMin }

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d",
		w.startMin/60, w.startMin%60, w.endMin/60, w.endMin%60)
}

// DayFor returns the scheduling day that now belongs to.
//
// For a normal window this is now's local date. For a cross-midnight window
// the stretch after midnight up to (and including) the end bound still
// belongs to the previous day, since that is the day whose window is open.
func (w Window) DayFor(now time.Time) string {
	if !w.CrossesMidnight() {
		return now.Format(DateLayout)
	}
	end := time.Date(now.Year(), now.Month(), now.Day(), w.endMin/60, w.endMin%60, 0, 0, now.Location())
	if !now.After(end) {
		return now.AddDate(0, 0, -1).Format(DateLayout)
	}
	return now.Format(DateLayout)
}

// BoundsFor returns the concrete [start, end] instants of the window on the
// given scheduling day. For a cross-midnight window, end falls on the next
// calendar day.
func (w Window) BoundsFor(day string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	d, err := time.ParseInLocation(DateLayout, day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	start := time.Date(d.Year(), d.Month(), d.Day(), w.startMin/60, w.startMin%60, 0, 0, loc)
	endDay := d
	if w.CrossesMidnight() {
		endDay = d.AddDate(0, 0, 1)
	}
	end := time.Date(endDay.Year(), endDay.Month(), endDay.Day(), w.endMin/60, w.endMin%60, 0, 0, loc)
	return start, end, nil
}
