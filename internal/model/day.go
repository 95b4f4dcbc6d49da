package model

import "time"

// Day is a civil trading date in a symbol's trading timezone.
type Day string

const dayLayout = "2006-01-02"

// DayOf returns the trading date of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).Format(dayLayout))
}

// PriorDay returns the trading date of the calendar day before t in loc.
func PriorDay(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).AddDate(0, 0, -1).Format(dayLayout))
}

func (d Day) IsZero() bool {
	return d == ""
}
