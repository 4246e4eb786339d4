package distribution

import (
	"fmt"
	"time"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/survey"
)

type Options struct {
	// AlignFirstPeriod applies the calendar alignment when no Period exists yet;
	// otherwise the first Period opens on the first run.
	AlignFirstPeriod bool
	// AcademicYearStart anchors yearly templates; only the month and day are used.
	AcademicYearStart time.Time
}

func DefaultOptions() Options {
	return Options{
		AlignFirstPeriod:  true,
		AcademicYearStart: time.Date(0, time.September, 1, 0, 0, 0, 0, time.UTC),
	}
}

func OptionsFromConfig(conf *core.Config) Options {
	opts := DefaultOptions()
	opts.AlignFirstPeriod = conf.Scheduler.AlignFirstPeriod
	if !conf.Scheduler.AcademicYearStart.IsZero() {
		opts.AcademicYearStart = conf.Scheduler.AcademicYearStart
	}
	return opts
}

var quarterMonths = map[time.Month]bool{time.January: true, time.April: true, time.July: true, time.October: true}

// ShouldOpenNewPeriod applies the transition rule of a (Template, organization) pair whose latest
// Period is `latest` (nil when none exists yet).
func ShouldOpenNewPeriod(tmpl survey.Template, latest *Period, today time.Time, opts Options) Decision {
	today = core.Date(today)

	if !tmpl.Frequency.IsRecurring() {
		return Decision{Reason: "One-time survey (sent manually)"}
	}
	if latest == nil {
		if !opts.AlignFirstPeriod {
			return Decision{Open: true, Reason: "No existing period found"}
		}
		return aligned(tmpl.Frequency, today, opts)
	}
	if !latest.IsExpired(today) {
		days := latest.DaysRemaining(today)
		return Decision{Reason: fmt.Sprintf("Current period still active (%d days remaining)", days), DaysRemaining: days}
	}
	return aligned(tmpl.Frequency, today, opts)
}

// aligned only opens periods on calendar boundaries.
func aligned(freq survey.Frequency, today time.Time, opts Options) Decision {
	switch freq {
	case survey.FrequencyWeekly:
		if today.Weekday() == time.Monday {
			return Decision{Open: true, Reason: "New week started (Monday)"}
		}
		return Decision{Reason: fmt.Sprintf("Waiting for Monday (today is %s)", today.Weekday())}

	case survey.FrequencyMonthly:
		if today.Day() == 1 {
			return Decision{Open: true, Reason: "New month started"}
		}
		return Decision{Reason: fmt.Sprintf("Waiting for 1st of month (today is day %d)", today.Day())}

	case survey.FrequencyQuarterly:
		if today.Day() == 1 && quarterMonths[today.Month()] {
			return Decision{Open: true, Reason: fmt.Sprintf("New quarter started (%s)", today.Month())}
		}
		return Decision{Reason: "Waiting for start of quarter"}

	case survey.FrequencyYearly:
		anchor := opts.AcademicYearStart
		if today.Month() == anchor.Month() && today.Day() == anchor.Day() {
			return Decision{Open: true, Reason: "New academic year started"}
		}
		return Decision{Reason: fmt.Sprintf("Waiting for academic year start (%s)", anchor.Format("Jan 2"))}
	}
	return Decision{Reason: "Unknown frequency"}
}
