// Package streak counts consecutive calendar days with at least one verified
// mission. Read-only derived statistic; nothing is persisted.
package streak

import (
	"sort"
	"time"
)

// Count returns the current streak for the given completion times, evaluated
// at "now". Same-day completions are deduplicated. A streak is alive only if
// the most recent completion is today or yesterday; the first gap larger
// than one day ends the count.
func Count(completions []time.Time, now time.Time) int {
	if len(completions) == 0 {
		return 0
	}
	seen := make(map[int64]struct{}, len(completions))
	days := make([]int64, 0, len(completions))
	for _, c := range completions {
		d := dayNumber(c)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] > days[j] })

	today := dayNumber(now)
	if today-days[0] > 1 {
		return 0
	}
	streak := 1
	for i := 0; i < len(days)-1; i++ {
		if days[i]-days[i+1] != 1 {
			break
		}
		streak++
	}
	return streak
}

// dayNumber projects a time onto its UTC calendar date.
func dayNumber(t time.Time) int64 {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Unix() / 86400
}
