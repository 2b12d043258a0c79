package notify

import (
	"time"

	"github.com/diariolab/gazeta/settings"
)

// Window is the daily delivery window for intrusive channels. WhatsApp
// messages are only sent between Start and End on weekdays; deliveries
// landing outside wait for the next opening.
type Window struct {
	Start settings.ClockTime
	End   settings.ClockTime
}

// DefaultWindow is 08:00–22:00.
var DefaultWindow = Window{
	Start: settings.ClockTime{Hour: 8},
	End:   settings.ClockTime{Hour: 22},
}

// Open reports whether t falls inside the window on a weekday.
func (w Window) Open(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= w.Start.Minutes() && minutes < w.End.Minutes()
}

// NextOpening returns the earliest instant at or after t when the window
// is open. Inside the window it returns t unchanged; evenings roll to
// the next morning and weekends roll to Monday.
func (w Window) NextOpening(t time.Time) time.Time {
	if w.Open(t) {
		return t
	}
	day := t
	minutes := t.Hour()*60 + t.Minute()
	// Past today's window (or weekend): start from tomorrow.
	if minutes >= w.Start.Minutes() || day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(),
		w.Start.Hour, w.Start.Minute, 0, 0, t.Location())
}
