package session

import (
	"testing"
	"time"
)

func day(t *testing.T, hour, min int) time.Time {
	t.Helper()
	return time.Date(2025, 3, 10, hour, min, 0, 0, time.UTC)
}

func TestCategoryTotals_StoppedWithinDay(t *testing.T) {
	now := day(t, 18, 0)
	end := day(t, 10, 0)

	sessions := []Session{
		{Category: CategoryGoal, Elapsed: 2 * time.Hour, EndTime: &end},
	}

	totals := CategoryTotals(sessions, Today(now), now)
	if totals[CategoryGoal] != 2*time.Hour {
		t.Errorf("Expected 2h for Goal, got %v", totals[CategoryGoal])
	}
}

func TestCategoryTotals_SpansMidnight(t *testing.T) {
	// 23:00 yesterday to 01:00 today: only the hour after midnight counts.
	now := day(t, 8, 0)
	end := day(t, 1, 0)

	sessions := []Session{
		{Category: CategoryHealth, Elapsed: 2 * time.Hour, EndTime: &end},
	}

	totals := CategoryTotals(sessions, Today(now), now)
	if totals[CategoryHealth] != time.Hour {
		t.Errorf("Expected 1h inside today's window, got %v", totals[CategoryHealth])
	}
}

func TestCategoryTotals_ActiveStartedYesterday(t *testing.T) {
	// Started 22:00 yesterday, still running at 03:00: today's share is 3h.
	now := day(t, 3, 0)
	start := now.Add(-5 * time.Hour)

	sessions := []Session{
		{Category: CategoryGoal, Active: true, StartTime: start},
	}

	totals := CategoryTotals(sessions, Today(now), now)
	if totals[CategoryGoal] != 3*time.Hour {
		t.Errorf("Expected 3h inside today's window, got %v", totals[CategoryGoal])
	}
}

func TestCategoryTotals_ActiveIncludesRunningInterval(t *testing.T) {
	now := day(t, 12, 0)

	sessions := []Session{
		{Category: CategoryLost, Active: true, StartTime: now.Add(-30 * time.Minute), Elapsed: 15 * time.Minute},
	}

	totals := CategoryTotals(sessions, Today(now), now)
	if totals[CategoryLost] != 45*time.Minute {
		t.Errorf("Expected 45m, got %v", totals[CategoryLost])
	}
}

func TestCategoryTotals_ExcludesDeletedAndUnknown(t *testing.T) {
	now := day(t, 12, 0)
	end := day(t, 11, 0)

	sessions := []Session{
		{Category: CategoryGoal, Elapsed: time.Hour, EndTime: &end, Deleted: true},
		{Category: Category("Mystery"), Elapsed: time.Hour, EndTime: &end},
	}

	totals := CategoryTotals(sessions, Today(now), now)
	if len(totals) != 0 {
		t.Errorf("Expected empty totals, got %v", totals)
	}
}

func TestCategoryTotals_YesterdayOnlySessionExcluded(t *testing.T) {
	now := day(t, 12, 0)
	end := day(t, 0, 0).Add(-2 * time.Hour) // ended 22:00 yesterday

	sessions := []Session{
		{Category: CategoryGoal, Elapsed: time.Hour, EndTime: &end},
	}

	totals := CategoryTotals(sessions, Today(now), now)
	if totals[CategoryGoal] != 0 {
		t.Errorf("Expected no contribution from yesterday, got %v", totals[CategoryGoal])
	}
}

func TestTotalToday(t *testing.T) {
	now := day(t, 12, 0)
	end := day(t, 10, 0)

	sessions := []Session{
		{Category: CategoryGoal, Elapsed: time.Hour, EndTime: &end},
		{Category: CategoryHealth, Elapsed: 30 * time.Minute, EndTime: &end},
	}

	if got := TotalToday(sessions, now); got != 90*time.Minute {
		t.Errorf("Expected 90m total, got %v", got)
	}
}
