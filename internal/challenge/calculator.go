package challenge

import (
	"math"
	"strings"
	"time"

	"github.com/2beens/pushtrack/pkg"
)

// Metrics are derived from a challenge and its logs, never stored as a
// source of truth. All date fields are YYYY-MM-DD.
type Metrics struct {
	CurrentDay       int                        `json:"currentDay"`
	Streak           int                        `json:"streak"`
	PersonalBest     int                        `json:"personalBest"`
	PersonalBestDate string                     `json:"personalBestDate,omitempty"`
	TotalReps        int                        `json:"totalReps"`
	DaysLogged       int                        `json:"daysLogged"`
	DaysMissed       int                        `json:"daysMissed"`
	CompletionRate   int                        `json:"completionRate"` // percent, rounded
	CalculatedAt     int64                      `json:"calculatedAt"`   // unix millis
	PerActivity      map[string]ActivityMetrics `json:"perActivity"`
}

// ActivityMetrics are the same derived values, computed over a single
// activity's entries only.
type ActivityMetrics struct {
	Activity         string `json:"activity"`
	CurrentDay       int    `json:"currentDay"`
	Streak           int    `json:"streak"`
	PersonalBest     int    `json:"personalBest"`
	PersonalBestDate string `json:"personalBestDate,omitempty"`
	TotalReps        int    `json:"totalReps"`
	DaysLogged       int    `json:"daysLogged"`
	DaysMissed       int    `json:"daysMissed"`
	CompletionRate   int    `json:"completionRate"`
	CalculatedAt     int64  `json:"calculatedAt"`
}

// Calculator derives challenge metrics relative to "today". The clock is
// injectable so tests can pin it.
type Calculator struct {
	nowFunc func() time.Time
}

func NewCalculator() *Calculator {
	return &Calculator{nowFunc: time.Now}
}

func NewCalculatorWithNow(nowFunc func() time.Time) *Calculator {
	return &Calculator{nowFunc: nowFunc}
}

func (calc *Calculator) Calculate(c *Challenge, logs []DailyLog) *Metrics {
	now := calc.nowFunc()

	m := &Metrics{
		CurrentDay:   calc.currentDay(c, now),
		CalculatedAt: now.UnixMilli(),
		PerActivity:  make(map[string]ActivityMetrics, len(c.Activities)),
	}

	perDate := make(map[string]int)
	perActivityLogs := make(map[string][]DailyLog, len(c.Activities))
	for _, l := range logs {
		perDate[l.Date] += l.Reps
		m.TotalReps += l.Reps

		// personal best is the strongest single entry, the earlier
		// date wins a tie
		if l.Reps > m.PersonalBest ||
			(l.Reps == m.PersonalBest && m.PersonalBestDate != "" && l.Date < m.PersonalBestDate) {
			m.PersonalBest = l.Reps
			m.PersonalBestDate = l.Date
		}

		name := l.Activity
		if canonical, ok := c.CanonicalActivity(l.Activity); ok {
			name = canonical
		}
		perActivityLogs[name] = append(perActivityLogs[name], l)
	}

	m.DaysLogged = len(perDate)
	m.Streak = calc.streak(perDate, now)
	m.DaysMissed = daysMissed(m.CurrentDay, m.DaysLogged)
	m.CompletionRate = completionRate(m.DaysLogged, m.CurrentDay)

	for _, a := range c.Activities {
		m.PerActivity[a] = calc.activityMetrics(a, perActivityLogs[a], m.CurrentDay, now)
	}
	// stray activity names in old entries still get reported
	for name, entries := range perActivityLogs {
		if _, ok := m.PerActivity[name]; !ok {
			m.PerActivity[name] = calc.activityMetrics(name, entries, m.CurrentDay, now)
		}
	}

	return m
}

// CalculateForActivity derives metrics from a single activity's entries.
// The activity is not checked against the challenge's activity list.
func (calc *Calculator) CalculateForActivity(c *Challenge, logs []DailyLog, activity string) ActivityMetrics {
	now := calc.nowFunc()
	entries := make([]DailyLog, 0, len(logs))
	for _, l := range logs {
		if strings.EqualFold(l.Activity, activity) {
			entries = append(entries, l)
		}
	}
	return calc.activityMetrics(activity, entries, calc.currentDay(c, now), now)
}

func (calc *Calculator) activityMetrics(
	activity string,
	entries []DailyLog,
	currentDay int,
	now time.Time,
) ActivityMetrics {
	am := ActivityMetrics{
		Activity:     activity,
		CurrentDay:   currentDay,
		CalculatedAt: now.UnixMilli(),
	}

	perDate := make(map[string]int, len(entries))
	for _, l := range entries {
		perDate[l.Date] += l.Reps
		am.TotalReps += l.Reps
		if l.Reps > am.PersonalBest ||
			(l.Reps == am.PersonalBest && am.PersonalBestDate != "" && l.Date < am.PersonalBestDate) {
			am.PersonalBest = l.Reps
			am.PersonalBestDate = l.Date
		}
	}

	am.DaysLogged = len(perDate)
	am.Streak = calc.streak(perDate, now)
	am.DaysMissed = daysMissed(currentDay, am.DaysLogged)
	am.CompletionRate = completionRate(am.DaysLogged, currentDay)
	return am
}

// CurrentDay is the 1-based day of the challenge today.
func (calc *Calculator) CurrentDay(c *Challenge) int {
	return calc.currentDay(c, calc.nowFunc())
}

// currentDay is the 1-based day of the challenge, clamped to [1, duration]
// so it stays meaningful before the start date and after the end.
func (calc *Calculator) currentDay(c *Challenge, now time.Time) int {
	elapsed, err := pkg.DaysBetween(c.StartDate, pkg.FormatDate(now))
	if err != nil {
		return 1
	}
	day := elapsed + 1
	if day < 1 {
		return 1
	}
	if day > c.Duration {
		return c.Duration
	}
	return day
}

// streak counts consecutive non-zero days ending at the anchor. The
// anchor is today if today has a non-zero entry, otherwise yesterday: an
// unlogged today does not break the streak until the day is over, but a
// logged zero does.
func (calc *Calculator) streak(loggedDates map[string]int, now time.Time) int {
	anchor := pkg.FormatDate(now)
	if total, ok := loggedDates[anchor]; !ok || total == 0 {
		anchor = pkg.FormatDate(now.AddDate(0, 0, -1))
	}

	streak := 0
	for date := anchor; ; {
		if total, ok := loggedDates[date]; !ok || total == 0 {
			break
		}
		streak++
		prev, err := pkg.PrevDay(date)
		if err != nil {
			break
		}
		date = prev
	}
	return streak
}

// daysMissed counts elapsed challenge days without an entry. An unlogged
// today already counts as missed, logging it brings the number back down.
func daysMissed(currentDay, daysLogged int) int {
	if missed := currentDay - daysLogged; missed > 0 {
		return missed
	}
	return 0
}

// completionRate is the logged share of elapsed days, in percent.
func completionRate(daysLogged, currentDay int) int {
	if currentDay == 0 {
		return 0
	}
	return int(math.Round(float64(daysLogged) / float64(currentDay) * 100))
}
