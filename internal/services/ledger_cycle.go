package services

import "time"

// CycleBounds returns the UTC billing cycle containing now. Cycles start on
// startDay of each month; days past 28 are clamped so every month has a start.
func CycleBounds(now time.Time, startDay int) (time.Time, time.Time) {
	if startDay < 1 {
		startDay = 1
	}
	if startDay > 28 {
		startDay = 28
	}

	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), startDay, 0, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}
	return start, start.AddDate(0, 1, 0)
}
