package challenge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	// StatusAbandoned is reserved in the data model, but abandoning a
	// challenge deletes its records instead of marking them.
	StatusAbandoned Status = "abandoned"
)

type ActivityUnit string

const (
	UnitReps    ActivityUnit = "reps"
	UnitMinutes ActivityUnit = "minutes"
	UnitSeconds ActivityUnit = "seconds"
	UnitKm      ActivityUnit = "km"
	UnitMiles   ActivityUnit = "miles"
	UnitMeters  ActivityUnit = "meters"
	UnitHours   ActivityUnit = "hours"
)

var validUnits = map[ActivityUnit]bool{
	UnitReps:    true,
	UnitMinutes: true,
	UnitSeconds: true,
	UnitKm:      true,
	UnitMiles:   true,
	UnitMeters:  true,
	UnitHours:   true,
}

func ValidUnit(u ActivityUnit) bool {
	return validUnits[u]
}

// DefaultActivityName is assigned to records created before challenges
// supported multiple activities.
const DefaultActivityName = "Push-ups"

// TTLGracePeriodDays is added to a challenge duration when computing the
// expiry of all its records in the store.
const TTLGracePeriodDays = 30

type Challenge struct {
	ID          string                  `json:"id"`
	Duration    int                     `json:"duration"`  // days, 1-365
	StartDate   string                  `json:"startDate"` // YYYY-MM-DD, local to the creating user
	Status      Status                  `json:"status"`
	CreatedAt   int64                   `json:"createdAt"`             // unix millis
	CompletedAt int64                   `json:"completedAt,omitempty"` // unix millis, 0 if not completed
	Timezone    string                  `json:"timezone"`              // IANA zone at creation, advisory
	Email       string                  `json:"email,omitempty"`
	Activities  []string                `json:"activities"`
	Units       map[string]ActivityUnit `json:"activityUnits"`
}

// TTL all records of this challenge carry in the store.
func (c *Challenge) TTL() time.Duration {
	return time.Duration(c.Duration+TTLGracePeriodDays) * 24 * time.Hour
}

// HasActivity reports whether name is one of the challenge activities,
// case-insensitively.
func (c *Challenge) HasActivity(name string) bool {
	_, ok := c.CanonicalActivity(name)
	return ok
}

// CanonicalActivity resolves name to the challenge's own spelling of the
// activity, matching case-insensitively. Callers writing log entries use
// it so stored records never fork on casing.
func (c *Challenge) CanonicalActivity(name string) (string, bool) {
	for _, a := range c.Activities {
		if strings.EqualFold(a, name) {
			return a, true
		}
	}
	return "", false
}

// UnitFor returns the unit of measure for an activity, defaulting to reps.
func (c *Challenge) UnitFor(activity string) ActivityUnit {
	if u, ok := c.Units[activity]; ok && ValidUnit(u) {
		return u
	}
	return UnitReps
}

// migrate upgrades a legacy single-activity challenge to the current
// multi-activity shape. Returns true when something changed and the
// record should be persisted back. Idempotent.
func (c *Challenge) migrate() (changed bool) {
	if len(c.Activities) == 0 {
		c.Activities = []string{DefaultActivityName}
		changed = true
	}
	if c.Units == nil {
		c.Units = make(map[string]ActivityUnit, len(c.Activities))
	}
	for _, a := range c.Activities {
		if _, ok := c.Units[a]; !ok {
			c.Units[a] = UnitReps
			changed = true
		}
	}
	return changed
}

type DailyLog struct {
	Date      string `json:"date"` // YYYY-MM-DD, local to the logging user
	Activity  string `json:"activity"`
	Reps      int    `json:"reps"` // 0-10000, in the activity unit of measure
	Timestamp int64  `json:"timestamp"`          // unix millis of the write, display/ordering only
	Timezone  string `json:"timezone,omitempty"` // zone at write time, advisory

	// deprecated single-activity field, only read for legacy entries
	Pushups *int `json:"pushups,omitempty"`
}

// migrate upgrades a legacy log entry: entries written before
// multi-activity support carry no activity name and store the value in
// the deprecated pushups field.
func (l *DailyLog) migrate(defaultActivity string) (changed bool) {
	if l.Activity == "" {
		l.Activity = defaultActivity
		changed = true
	}
	if l.Pushups != nil {
		if l.Reps == 0 {
			l.Reps = *l.Pushups
		}
		l.Pushups = nil
		changed = true
	}
	return changed
}

// dateScore converts a YYYY-MM-DD date into the numeric sorted-set score
// (yyyymmdd), so a date range scan returns entries in chronological order.
func dateScore(date string) (float64, error) {
	n, err := strconv.ParseInt(strings.ReplaceAll(date, "-", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid log date %q: %w", date, err)
	}
	return float64(n), nil
}

// challengeToHash flattens a challenge into the string map stored in the
// redis hash. Counterpart of challengeFromHash.
func challengeToHash(c *Challenge) (map[string]interface{}, error) {
	activitiesJson, err := json.Marshal(c.Activities)
	if err != nil {
		return nil, fmt.Errorf("marshal activities: %w", err)
	}
	unitsJson, err := json.Marshal(c.Units)
	if err != nil {
		return nil, fmt.Errorf("marshal activity units: %w", err)
	}

	fields := map[string]interface{}{
		"id":            c.ID,
		"duration":      strconv.Itoa(c.Duration),
		"startDate":     c.StartDate,
		"status":        string(c.Status),
		"createdAt":     strconv.FormatInt(c.CreatedAt, 10),
		"timezone":      c.Timezone,
		"activities":    string(activitiesJson),
		"activityUnits": string(unitsJson),
	}
	if c.CompletedAt > 0 {
		fields["completedAt"] = strconv.FormatInt(c.CompletedAt, 10)
	}
	if c.Email != "" {
		fields["email"] = c.Email
	}

	return fields, nil
}

// challengeFromHash coerces the loosely-typed redis hash fields back into
// a challenge. Missing multi-activity fields are left empty here, the
// repo applies (and persists) the legacy migration.
func challengeFromHash(data map[string]string) (*Challenge, error) {
	duration, err := strconv.Atoi(data["duration"])
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", data["duration"], err)
	}
	createdAt, err := strconv.ParseInt(data["createdAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt %q: %w", data["createdAt"], err)
	}

	var completedAt int64
	if v := data["completedAt"]; v != "" {
		if completedAt, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid completedAt %q: %w", v, err)
		}
	}

	c := &Challenge{
		ID:          data["id"],
		Duration:    duration,
		StartDate:   data["startDate"],
		Status:      Status(data["status"]),
		CreatedAt:   createdAt,
		CompletedAt: completedAt,
		Timezone:    data["timezone"],
		Email:       data["email"],
	}

	if v := data["activities"]; v != "" {
		if err := json.Unmarshal([]byte(v), &c.Activities); err != nil {
			return nil, fmt.Errorf("unmarshal activities %q: %w", v, err)
		}
	}
	if v := data["activityUnits"]; v != "" {
		if err := json.Unmarshal([]byte(v), &c.Units); err != nil {
			return nil, fmt.Errorf("unmarshal activity units %q: %w", v, err)
		}
	}

	return c, nil
}
