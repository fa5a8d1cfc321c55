// Package recur computes the due date of the successor of a verified
// recurring mission. The computation is anchored to the prior due date, never
// to wall-clock time, so a late verification does not skew the cadence.
package recur

import (
	"fmt"
	"time"

	"homefront/internal/domain"
)

var fixedWeekdays = map[domain.RecurrencePattern]time.Weekday{
	domain.RecurWeeklyMonday:    time.Monday,
	domain.RecurWeeklyTuesday:   time.Tuesday,
	domain.RecurWeeklyWednesday: time.Wednesday,
	domain.RecurWeeklyThursday:  time.Thursday,
	domain.RecurWeeklyFriday:    time.Friday,
	domain.RecurWeeklySaturday:  time.Saturday,
	domain.RecurWeeklySunday:    time.Sunday,
}

// NextDueDate returns the successor due date for a pattern given the prior
// due date. The result is always strictly after the prior date:
//   - daily advances one day;
//   - weekly_<weekday> lands on the next occurrence of that weekday, which
//     is prior+7d when the prior date already sits on the anchor weekday;
//   - weekly_weekday advances to the next Monday-Friday date;
//   - weekly_weekend advances to the next Saturday or Sunday.
//
// Time of day is preserved from the prior date.
func NextDueDate(pattern domain.RecurrencePattern, prior time.Time) (time.Time, error) {
	switch pattern {
	case domain.RecurDaily:
		return prior.AddDate(0, 0, 1), nil
	case domain.RecurWeeklyWeekday:
		return rollForward(prior, isWeekday), nil
	case domain.RecurWeeklyWeekend:
		return rollForward(prior, isWeekend), nil
	}
	if target, ok := fixedWeekdays[pattern]; ok {
		return rollForward(prior, func(d time.Weekday) bool { return d == target }), nil
	}
	return time.Time{}, fmt.Errorf("unknown recurrence pattern %q", pattern)
}

func rollForward(prior time.Time, match func(time.Weekday) bool) time.Time {
	next := prior.AddDate(0, 0, 1)
	for !match(next.Weekday()) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func isWeekday(d time.Weekday) bool {
	return d >= time.Monday && d <= time.Friday
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
