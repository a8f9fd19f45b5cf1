package markethours

import "time"

// NSE trading holidays by year.
// Source: NSE India official holiday lists; entries marked tentative may move.
var nseHolidays = map[int][]struct {
	month time.Month
	day   int
}{
	2025: {
		{time.February, 26}, // Mahashivratri
		{time.March, 14},    // Holi
		{time.March, 31},    // Id-ul-Fitr
		{time.April, 10},    // Mahavir Jayanti
		{time.April, 14},    // Dr. Ambedkar Jayanti
		{time.April, 18},    // Good Friday
		{time.May, 1},       // Maharashtra Day
		{time.August, 15},   // Independence Day
		{time.August, 27},   // Ganesh Chaturthi
		{time.October, 2},   // Mahatma Gandhi Jayanti / Dussehra
		{time.October, 21},  // Diwali Laxmi Pujan
		{time.October, 22},  // Diwali Balipratipada
		{time.November, 5},  // Guru Nanak Jayanti
		{time.December, 25}, // Christmas
	},
	2026: {
		{time.January, 26},  // Republic Day
		{time.February, 17}, // Mahashivratri (tentative)
		{time.March, 14},    // Holi
		{time.March, 31},    // Id-ul-Fitr (tentative)
		{time.April, 2},     // Ram Navami (tentative)
		{time.April, 6},     // Mahavir Jayanti
		{time.April, 10},    // Good Friday
		{time.April, 14},    // Dr. Ambedkar Jayanti
		{time.May, 1},       // Maharashtra Day
		{time.June, 7},      // Bakrid (tentative)
		{time.July, 6},      // Muharram (tentative)
		{time.August, 15},   // Independence Day
		{time.August, 16},   // Janmashtami (tentative)
		{time.September, 5}, // Milad-un-Nabi (tentative)
		{time.October, 2},   // Mahatma Gandhi Jayanti
		{time.October, 20},  // Dussehra
		{time.October, 21},  // Dussehra (tentative)
		{time.November, 5},  // Diwali / Lakshmi Puja (tentative)
		{time.November, 6},  // Diwali Balipratipada (tentative)
		{time.November, 7},  // Bhai Dooj (tentative)
		{time.November, 19}, // Guru Nanak Jayanti
		{time.December, 25}, // Christmas
	},
}

type day struct {
	year  int
	month time.Month
	day   int
}

var holidaySet = func() map[day]bool {
	set := make(map[day]bool)
	for year, list := range nseHolidays {
		for _, h := range list {
			set[day{year, h.month, h.day}] = true
		}
	}
	return set
}()

// IsHoliday returns true if the date (in IST) is an NSE holiday.
func IsHoliday(t time.Time) bool {
	ist := t.In(IST)
	return holidaySet[day{ist.Year(), ist.Month(), ist.Day()}]
}
