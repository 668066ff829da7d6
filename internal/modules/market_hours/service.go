// Package market_hours tracks the US options trading session. Orders
// may be placed at any time; this service only drives the reconciler's
// polling cadence and the UI's session display.
package market_hours

import (
	"time"
)

// Session bounds for US listed options (NYSE/CBOE calendar).
const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0

	earlyCloseHour = 13
)

// Service answers session-calendar questions for the US options market
type Service struct {
	tz           *time.Location
	holidayCache map[int][]time.Time

	pollIntervalOpen   time.Duration
	pollIntervalClosed time.Duration
}

// NewService creates a market hours service. The poll intervals are the
// reconciler cadences returned by PollInterval for open and closed
// sessions.
func NewService(pollIntervalOpen, pollIntervalClosed time.Duration) *Service {
	tz, err := time.LoadLocation("America/New_York")
	if err != nil {
		// tzdata is compiled into the binary; absence is a build error
		panic(err)
	}
	if pollIntervalOpen <= 0 {
		pollIntervalOpen = time.Minute
	}
	if pollIntervalClosed <= 0 {
		pollIntervalClosed = 10 * time.Minute
	}
	return &Service{
		tz:                 tz,
		holidayCache:       make(map[int][]time.Time),
		pollIntervalOpen:   pollIntervalOpen,
		pollIntervalClosed: pollIntervalClosed,
	}
}

// IsOpen reports whether the regular options session is trading at t
func (s *Service) IsOpen(t time.Time) bool {
	market := t.In(s.tz)

	if market.Weekday() == time.Saturday || market.Weekday() == time.Sunday {
		return false
	}
	if s.isHoliday(market) {
		return false
	}

	openAt := time.Date(market.Year(), market.Month(), market.Day(), openHour, openMinute, 0, 0, s.tz)
	closeAt := time.Date(market.Year(), market.Month(), market.Day(), closeHour, closeMinute, 0, 0, s.tz)
	if isEarlyClose(market) {
		closeAt = time.Date(market.Year(), market.Month(), market.Day(), earlyCloseHour, 0, 0, 0, s.tz)
	}

	return !market.Before(openAt) && market.Before(closeAt)
}

// PollInterval returns the reconciler cadence appropriate for t
func (s *Service) PollInterval(t time.Time) time.Duration {
	if s.IsOpen(t) {
		return s.pollIntervalOpen
	}
	return s.pollIntervalClosed
}

// isHoliday reports whether the market date of t is a full-day holiday
func (s *Service) isHoliday(market time.Time) bool {
	for _, h := range s.holidaysForYear(market.Year()) {
		if h.Month() == market.Month() && h.Day() == market.Day() {
			return true
		}
	}
	return false
}

// holidaysForYear computes the NYSE full-closure days for a year:
// fixed-date holidays (weekend observance shifted), nth-weekday
// holidays, and Good Friday.
func (s *Service) holidaysForYear(year int) []time.Time {
	if holidays, ok := s.holidayCache[year]; ok {
		return holidays
	}

	fixed := []struct{ month, day int }{
		{1, 1},   // New Year's Day
		{6, 19},  // Juneteenth
		{7, 4},   // Independence Day
		{12, 25}, // Christmas
	}
	ruleBased := []struct {
		month   int
		weekday time.Weekday
		n       int // -1 = last occurrence
	}{
		{1, time.Monday, 3},    // MLK Day
		{2, time.Monday, 3},    // Presidents Day
		{5, time.Monday, -1},   // Memorial Day
		{9, time.Monday, 1},    // Labor Day
		{11, time.Thursday, 4}, // Thanksgiving
	}

	var holidays []time.Time
	for _, h := range fixed {
		date := time.Date(year, time.Month(h.month), h.day, 0, 0, 0, 0, s.tz)
		holidays = append(holidays, observeOnWeekday(date))
	}
	for _, h := range ruleBased {
		if h.n == -1 {
			holidays = append(holidays, lastWeekdayOf(year, h.month, h.weekday, s.tz))
		} else {
			holidays = append(holidays, nthWeekdayOf(year, h.month, h.weekday, h.n, s.tz))
		}
	}
	easter := easterSunday(year)
	goodFriday := time.Date(easter.Year(), easter.Month(), easter.Day(), 0, 0, 0, 0, s.tz).AddDate(0, 0, -2)
	holidays = append(holidays, goodFriday)

	s.holidayCache[year] = holidays
	return holidays
}

// isEarlyClose reports the 13:00 ET half-days: the day before
// Thanksgiving, Christmas Eve, and July 3 when July 4 is a weekday.
func isEarlyClose(market time.Time) bool {
	if market.Month() == 12 && market.Day() == 24 {
		return true
	}
	if market.Month() == 11 {
		thanksgiving := nthWeekdayOf(market.Year(), 11, time.Thursday, 4, market.Location())
		dayBefore := thanksgiving.AddDate(0, 0, -1)
		if market.Day() == dayBefore.Day() {
			return true
		}
	}
	if market.Month() == 7 && market.Day() == 3 {
		july4 := time.Date(market.Year(), 7, 4, 0, 0, 0, 0, market.Location())
		return july4.Weekday() != time.Saturday && july4.Weekday() != time.Sunday
	}
	return false
}

// observeOnWeekday shifts weekend holidays to the nearest weekday
// (Saturday -> Friday, Sunday -> Monday).
func observeOnWeekday(date time.Time) time.Time {
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, -1)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	default:
		return date
	}
}

func nthWeekdayOf(year, month int, weekday time.Weekday, n int, tz *time.Location) time.Time {
	date := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, tz)
	for date.Weekday() != weekday {
		date = date.AddDate(0, 0, 1)
	}
	return date.AddDate(0, 0, 7*(n-1))
}

func lastWeekdayOf(year, month int, weekday time.Weekday, tz *time.Location) time.Time {
	date := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, tz).AddDate(0, 0, -1)
	for date.Weekday() != weekday {
		date = date.AddDate(0, 0, -1)
	}
	return date
}

// easterSunday computes Gregorian Easter by the computus method
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451

	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
