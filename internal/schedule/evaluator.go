// Package schedule implements the Schedule Evaluator: a pure, stateless
// predicate over a Config's schedule document and the current wall-clock
// time.
package schedule

import (
	"time"

	"tachyon-sftp/internal/domain"
)

// IsAllowed reports whether downloading is permitted right now. Grounded
// 1:1 on original_source/scheduler.rs (is_allowed / check_time /
// check_weekly / check_day_enabled) — that file is the authoritative
// algorithm source for this predicate.
func IsAllowed(sched domain.Schedule, now time.Time) bool {
	if sched.Mode == domain.ScheduleNone {
		return true
	}
	current := now.Hour()*60 + now.Minute()
	start := sched.Start.Minutes()
	end := sched.End.Minutes()

	inWindow := checkTime(current, start, end)

	if sched.Mode == domain.ScheduleDaily {
		return inWindow
	}

	// Weekly: additionally gated by the enabled-weekday set.
	return inWindow && checkWeekly(sched, current, start, end, now.Weekday())
}

// checkTime mirrors scheduler.rs::check_time exactly: start==end means
// "all day"; start<end is a normal same-day window; start>end is an
// overnight window wrapping past midnight.
func checkTime(current, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return current >= start && current < end
	}
	return current >= start || current < end
}

// checkWeekly mirrors scheduler.rs::check_weekly. For a same-day window the
// day in question is simply today. For an overnight window, the "evening
// side" (current >= start) consults today's weekday, while the "morning
// side" (current < end) consults yesterday's weekday — a Friday-night
// window stays open into Saturday morning even if Saturday itself is
// disabled, because Friday's weekday "owns" that morning.
func checkWeekly(sched domain.Schedule, current, start, end int, today time.Weekday) bool {
	if start <= end {
		return checkDayEnabled(sched, today)
	}

	if current >= start {
		return checkDayEnabled(sched, today)
	}
	yesterday := (today + 6) % 7
	return checkDayEnabled(sched, yesterday)
}

func checkDayEnabled(sched domain.Schedule, day time.Weekday) bool {
	if len(sched.Days) == 0 {
		return false
	}
	return sched.Days[day]
}
