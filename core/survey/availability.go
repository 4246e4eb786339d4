package survey

import "time"

const (
	day          = 24 * time.Hour
	defaultDelta = 30 * day
)

// frequency -> time to wait between two submissions
var freqToDelta = map[Frequency]time.Duration{
	FrequencyWeekly:    7 * day,
	FrequencyMonthly:   30 * day,
	FrequencyQuarterly: 90 * day,
	FrequencyYearly:    365 * day,
}

// Delta returns the fixed duration of a frequency cycle. Months and quarters are approximated
// with 30 and 90 days; "once" and unknown frequencies use 30 days.
func Delta(freq Frequency) time.Duration {
	if d, ok := freqToDelta[freq]; ok {
		return d
	}
	return defaultDelta
}

// NextEligibleTime returns when a recipient who last submitted at `last` may submit again.
// Without a previous submission they are eligible right away.
func NextEligibleTime(last *time.Time, freq Frequency, now time.Time) time.Time {
	if last == nil {
		return now
	}
	return last.Add(Delta(freq))
}

func IsAvailableNow(last *time.Time, freq Frequency, now time.Time) bool {
	return last == nil || !now.Before(NextEligibleTime(last, freq, now))
}
