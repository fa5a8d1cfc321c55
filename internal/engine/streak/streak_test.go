package streak

import (
	"testing"
	"time"
)

var now = time.Date(2024, time.June, 10, 15, 30, 0, 0, time.UTC)

func daysAgo(n int) time.Time {
	return now.AddDate(0, 0, -n)
}

func TestThreeConsecutiveDays(t *testing.T) {
	got := Count([]time.Time{daysAgo(0), daysAgo(1), daysAgo(2)}, now)
	if got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}

func TestGapEndsStreak(t *testing.T) {
	// today, yesterday, then a 2-day hole
	got := Count([]time.Time{daysAgo(0), daysAgo(1), daysAgo(3), daysAgo(4)}, now)
	if got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestStaleStreakIsZero(t *testing.T) {
	got := Count([]time.Time{daysAgo(2), daysAgo(3)}, now)
	if got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestYesterdayKeepsStreakAlive(t *testing.T) {
	got := Count([]time.Time{daysAgo(1), daysAgo(2)}, now)
	if got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestSameDayDeduplicated(t *testing.T) {
	morning := time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2024, time.June, 10, 20, 0, 0, 0, time.UTC)
	got := Count([]time.Time{morning, evening, daysAgo(1)}, now)
	if got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestEmpty(t *testing.T) {
	if got := Count(nil, now); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}
