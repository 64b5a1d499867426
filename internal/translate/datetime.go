package translate

import (
	"time"
)

// YearInterval returns the instant range covered by a comparison between
// two calendar years: the start of pastYear to the last second of
// presentYear, in UTC.
func YearInterval(pastYear, presentYear int) (start, end time.Time) {
	start = time.Date(pastYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	end = time.Date(presentYear, time.December, 31, 23, 59, 59, 0, time.UTC)
	return start, end
}

// FormatSTACTime formats a time.Time as RFC3339 for STAC.
// STAC uses RFC3339 format: "2023-06-15T14:00:00Z"
func FormatSTACTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
