package market_hours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nyTime(t *testing.T, year int, month time.Month, day, hour, minute int) time.Time {
	t.Helper()
	tz, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(year, month, day, hour, minute, 0, 0, tz)
}

func TestIsOpen(t *testing.T) {
	s := NewService(time.Minute, 10*time.Minute)

	tests := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"weekday mid-session", nyTime(t, 2026, time.March, 3, 12, 0), true},
		{"weekday at open", nyTime(t, 2026, time.March, 3, 9, 30), true},
		{"weekday before open", nyTime(t, 2026, time.March, 3, 9, 29), false},
		{"weekday at close", nyTime(t, 2026, time.March, 3, 16, 0), false},
		{"weekday after close", nyTime(t, 2026, time.March, 3, 17, 0), false},
		{"saturday", nyTime(t, 2026, time.March, 7, 12, 0), false},
		{"sunday", nyTime(t, 2026, time.March, 8, 12, 0), false},
		{"new years day", nyTime(t, 2026, time.January, 1, 12, 0), false},
		{"mlk day 2026", nyTime(t, 2026, time.January, 19, 12, 0), false},
		{"independence day observed friday", nyTime(t, 2026, time.July, 3, 12, 0), false},
		{"thanksgiving 2026", nyTime(t, 2026, time.November, 26, 12, 0), false},
		{"good friday 2026", nyTime(t, 2026, time.April, 3, 12, 0), false},
		{"christmas", nyTime(t, 2026, time.December, 25, 12, 0), false},
		{"christmas eve morning", nyTime(t, 2026, time.December, 24, 12, 0), true},
		{"christmas eve after early close", nyTime(t, 2026, time.December, 24, 14, 0), false},
		{"day before thanksgiving after early close", nyTime(t, 2026, time.November, 25, 14, 0), false},
		{"day before thanksgiving morning", nyTime(t, 2026, time.November, 25, 10, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, s.IsOpen(tt.at))
		})
	}
}

func TestIsOpen_ConvertsTimezone(t *testing.T) {
	s := NewService(time.Minute, 10*time.Minute)

	// 15:00 UTC on a March weekday is 10:00 or 11:00 in New York
	// depending on DST; either way the session is trading.
	utc := time.Date(2026, time.March, 3, 15, 0, 0, 0, time.UTC)
	assert.True(t, s.IsOpen(utc))

	// 02:00 UTC is overnight in New York.
	overnight := time.Date(2026, time.March, 3, 2, 0, 0, 0, time.UTC)
	assert.False(t, s.IsOpen(overnight))
}

func TestPollInterval(t *testing.T) {
	s := NewService(time.Minute, 10*time.Minute)

	assert.Equal(t, time.Minute, s.PollInterval(nyTime(t, 2026, time.March, 3, 12, 0)))
	assert.Equal(t, 10*time.Minute, s.PollInterval(nyTime(t, 2026, time.March, 7, 12, 0)))
}

func TestHolidayCache(t *testing.T) {
	s := NewService(time.Minute, 10*time.Minute)

	first := s.holidaysForYear(2026)
	second := s.holidaysForYear(2026)
	assert.Equal(t, first, second)
	assert.Len(t, s.holidayCache, 1)
}

func TestEasterSunday(t *testing.T) {
	tests := []struct {
		year  int
		month time.Month
		day   int
	}{
		{2024, time.March, 31},
		{2025, time.April, 20},
		{2026, time.April, 5},
		{2027, time.March, 28},
	}

	for _, tt := range tests {
		easter := easterSunday(tt.year)
		assert.Equal(t, tt.month, easter.Month(), "year %d", tt.year)
		assert.Equal(t, tt.day, easter.Day(), "year %d", tt.year)
	}
}

func TestObservedHolidays(t *testing.T) {
	s := NewService(time.Minute, 10*time.Minute)

	// July 4 2026 is a Saturday; observed Friday July 3.
	assert.False(t, s.IsOpen(nyTime(t, 2026, time.July, 3, 12, 0)))
	// The following Monday trades normally.
	assert.True(t, s.IsOpen(nyTime(t, 2026, time.July, 6, 12, 0)))
}
