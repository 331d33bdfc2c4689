package activity

import (
	"sort"
	"time"

	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/model"
)

// Aggregate derives one participant's metrics from their records. Calendar
// days are taken in today's location. Records are returned newest first.
func Aggregate(participant string, records []model.ActivityRecord, today time.Time) model.ParticipantMetrics {
	m := model.ParticipantMetrics{ParticipantID: participant}
	if len(records) == 0 {
		return m
	}

	sorted := append([]model.ActivityRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return clock.TotalOrderLess(sorted[j].StartTime, sorted[j].ID, sorted[i].StartTime, sorted[i].ID)
	})

	loc := today.Location()
	days := make(map[time.Time]struct{})
	dates := make([]time.Time, 0, len(sorted))
	for _, r := range sorted {
		m.TotalDistance += r.DistanceMeters
		m.TotalDuration += r.DurationSec
		if r.DistanceMeters > m.LongestDistance {
			m.LongestDistance = r.DistanceMeters
		}
		if r.DurationSec > m.LongestDuration {
			m.LongestDuration = r.DurationSec
		}
		if r.StartTime.After(m.LastActivity) {
			m.LastActivity = r.StartTime
		}
		days[clock.Day(r.StartTime, loc)] = struct{}{}
		dates = append(dates, r.StartTime)
	}
	m.WorkoutCount = len(sorted)
	m.ActiveDays = len(days)
	m.Streak = Streak(dates, today)
	if km := m.TotalDistance / 1000; km > 0 && m.TotalDuration > 0 {
		m.AvgPaceSecPerKm = float64(m.TotalDuration) / km
		m.AvgSpeedKmh = km / (float64(m.TotalDuration) / 3600)
	}
	m.Records = sorted
	return m
}

// Streak counts consecutive active calendar days ending at the most recent
// activity, provided that activity was today or yesterday. Otherwise the
// streak is broken and Streak returns 0. Days are taken in today's
// location; dates after today are ignored.
func Streak(dates []time.Time, today time.Time) int {
	loc := today.Location()
	todayDay := clock.Day(today, loc)

	seen := make(map[time.Time]struct{}, len(dates))
	var days []time.Time
	for _, d := range dates {
		day := clock.Day(d, loc)
		if day.After(todayDay) {
			continue
		}
		if _, dup := seen[day]; dup {
			continue
		}
		seen[day] = struct{}{}
		days = append(days, day)
	}
	if len(days) == 0 {
		return 0
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })

	if days[0].Before(todayDay.AddDate(0, 0, -1)) {
		return 0
	}
	streak := 1
	for i := 1; i < len(days); i++ {
		if !days[i].Equal(days[i-1].AddDate(0, 0, -1)) {
			break
		}
		streak++
	}
	return streak
}
