package model

import "time"

// DateLayout is the calendar-day format used for snapshot keys
const DateLayout = "2006-01-02"

// Day is a user-local calendar day and its absolute bounds
type Day struct {
	Date  string
	Start time.Time
	End   time.Time
}

// DayFor returns the calendar day containing t in loc
func DayFor(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Day{
		Date:  start.Format(DateLayout),
		Start: start,
		End:   start.AddDate(0, 0, 1),
	}
}

// ParseDay parses a YYYY-MM-DD date in loc
func ParseDay(date string, loc *time.Location) (Day, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return Day{}, err
	}
	return DayFor(t, loc), nil
}

// Chunk splits items into consecutive slices of at most size elements
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
