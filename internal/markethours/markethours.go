// Package markethours knows the NSE cash session: 9:15 to 15:30 IST on
// weekdays that are not exchange holidays.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IsMarketOpen returns true if t falls within NSE trading hours.
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !IsHoliday(ist)
}

// NextOpen returns the next market open. If t is before today's open on a
// trading day, that is today's open.
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	open := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(open) && IsTradingDay(ist) {
		return open
	}
	for i := 0; i < 15; i++ { // weekends plus the longest holiday runs
		open = open.AddDate(0, 0, 1)
		if IsTradingDay(open) {
			return open
		}
	}
	return open
}

// TodayClose returns today's market close time (3:30 PM IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// SessionStart returns the open of the trading session t belongs to: today's
// open once it has passed, otherwise the previous trading day's.
func SessionStart(t time.Time) time.Time {
	ist := t.In(IST)
	open := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if !ist.Before(open) && IsTradingDay(ist) {
		return open
	}
	for i := 0; i < 15; i++ {
		open = open.AddDate(0, 0, -1)
		if IsTradingDay(open) {
			return open
		}
	}
	return open
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("market open, closes in %s", fmtDur(TodayClose(t).Sub(t)))
	}
	next := NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("market closed, opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
