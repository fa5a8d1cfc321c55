package recur

import (
	"testing"
	"time"

	"homefront/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 18, 0, 0, 0, time.UTC)
}

func TestDaily(t *testing.T) {
	got, err := NextDueDate(domain.RecurDaily, date(2024, time.January, 1))
	if err != nil {
		t.Fatal(err)
	}
	if want := date(2024, time.January, 2); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWeeklyAnchoredToDueDateNotNow(t *testing.T) {
	// 2024-01-01 is a Monday; a weekly_monday mission verified days late
	// must still produce 2024-01-08.
	got, err := NextDueDate(domain.RecurWeeklyMonday, date(2024, time.January, 1))
	if err != nil {
		t.Fatal(err)
	}
	if want := date(2024, time.January, 8); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWeeklyRealignsDriftedAnchor(t *testing.T) {
	// Prior due date drifted onto a Wednesday; the next weekly_monday
	// occurrence is the following Monday, not +7 days.
	got, err := NextDueDate(domain.RecurWeeklyMonday, date(2024, time.January, 3))
	if err != nil {
		t.Fatal(err)
	}
	if want := date(2024, time.January, 8); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWeekdayRollsOverWeekend(t *testing.T) {
	cases := []struct {
		prior, want time.Time
	}{
		// Thursday -> Friday
		{date(2024, time.January, 4), date(2024, time.January, 5)},
		// Friday -> Monday
		{date(2024, time.January, 5), date(2024, time.January, 8)},
		// Saturday -> Monday
		{date(2024, time.January, 6), date(2024, time.January, 8)},
	}
	for _, c := range cases {
		got, err := NextDueDate(domain.RecurWeeklyWeekday, c.prior)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(c.want) {
			t.Errorf("prior %v: got %v, want %v", c.prior, got, c.want)
		}
	}
}

func TestWeekendRollsOverWeek(t *testing.T) {
	cases := []struct {
		prior, want time.Time
	}{
		// Saturday -> Sunday
		{date(2024, time.January, 6), date(2024, time.January, 7)},
		// Sunday -> next Saturday
		{date(2024, time.January, 7), date(2024, time.January, 13)},
		// Wednesday -> Saturday
		{date(2024, time.January, 3), date(2024, time.January, 6)},
	}
	for _, c := range cases {
		got, err := NextDueDate(domain.RecurWeeklyWeekend, c.prior)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(c.want) {
			t.Errorf("prior %v: got %v, want %v", c.prior, got, c.want)
		}
	}
}

func TestAlwaysStrictlyAfterPrior(t *testing.T) {
	patterns := []domain.RecurrencePattern{
		domain.RecurDaily, domain.RecurWeeklyMonday, domain.RecurWeeklySunday,
		domain.RecurWeeklyWeekday, domain.RecurWeeklyWeekend,
	}
	prior := date(2024, time.March, 1)
	for day := 0; day < 14; day++ {
		p := prior.AddDate(0, 0, day)
		for _, pattern := range patterns {
			next, err := NextDueDate(pattern, p)
			if err != nil {
				t.Fatal(err)
			}
			if !next.After(p) {
				t.Errorf("%s from %v produced %v, not strictly after", pattern, p, next)
			}
		}
	}
}

func TestUnknownPattern(t *testing.T) {
	if _, err := NextDueDate("fortnightly", date(2024, time.January, 1)); err == nil {
		t.Fatal("expected error for unknown pattern")
	}
}
