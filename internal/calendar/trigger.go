package calendar

import "time"

// ShouldFire answers spec.md §4.2 step 3: fire at the minute equal to the
// execution instant, only if today hasn't already executed and no
// execution is currently in progress. lastExecutionDate is the Eastern date
// string (YYYY-MM-DD) of the last completed run, or "" if none yet.
func ShouldFire(now time.Time, hours CachedHours, minMinutesBeforeClose int, lastExecutionDate string, executing bool) bool {
	if hours.Closed || executing {
		return false
	}
	today := hours.Date
	if lastExecutionDate == today {
		return false
	}

	instantHour, instantMinute := ExecutionInstant(hours, minMinutesBeforeClose)
	return now.Hour() == instantHour && now.Minute() == instantMinute
}

// ShouldRefreshToday answers whether the daily pre-warm tick should run:
// the current Eastern hour matches marketHoursCheckHour and today isn't
// cached yet.
func ShouldRefreshToday(now time.Time, marketHoursCheckHour int, cachedToday bool) bool {
	return !cachedToday && now.Hour() == marketHoursCheckHour
}
