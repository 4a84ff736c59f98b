package challenge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeHashRoundTrip(t *testing.T) {
	c := &Challenge{
		ID:          "ch-42",
		Duration:    60,
		StartDate:   "2025-09-01",
		Status:      StatusActive,
		CreatedAt:   1756710000000,
		Timezone:    "Europe/Berlin",
		Email:       "runner@example.org",
		Activities:  []string{"Push-ups", "Running"},
		Units: map[string]ActivityUnit{
			"Push-ups": UnitReps,
			"Running":  UnitKm,
		},
	}

	fields, err := challengeToHash(c)
	require.NoError(t, err)
	assert.Equal(t, "60", fields["duration"])
	assert.Equal(t, "active", fields["status"])
	assert.NotContains(t, fields, "completedAt")

	// simulate what HGetAll returns
	stringFields := make(map[string]string, len(fields))
	for k, v := range fields {
		stringFields[k] = v.(string)
	}

	decoded, err := challengeFromHash(stringFields)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestChallengeHashRoundTrip_Completed(t *testing.T) {
	c := &Challenge{
		ID:          "ch-done",
		Duration:    30,
		StartDate:   "2025-07-01",
		Status:      StatusCompleted,
		CreatedAt:   1751320800000,
		CompletedAt: 1753999200000,
		Timezone:    "UTC",
		Activities:  []string{"Plank"},
		Units:       map[string]ActivityUnit{"Plank": UnitSeconds},
	}

	fields, err := challengeToHash(c)
	require.NoError(t, err)
	stringFields := make(map[string]string, len(fields))
	for k, v := range fields {
		stringFields[k] = v.(string)
	}

	decoded, err := challengeFromHash(stringFields)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestChallengeFromHash_InvalidFields(t *testing.T) {
	_, err := challengeFromHash(map[string]string{
		"id": "ch-1", "duration": "not-a-number", "createdAt": "123",
	})
	assert.ErrorContains(t, err, "invalid duration")

	_, err = challengeFromHash(map[string]string{
		"id": "ch-1", "duration": "30", "createdAt": "nope",
	})
	assert.ErrorContains(t, err, "invalid createdAt")
}

func TestChallengeMigrate_Legacy(t *testing.T) {
	// record written before multi-activity support
	c := &Challenge{
		ID:        "ch-old",
		Duration:  100,
		StartDate: "2024-01-01",
		Status:    StatusActive,
		CreatedAt: 1704067200000,
	}

	require.True(t, c.migrate())
	assert.Equal(t, []string{DefaultActivityName}, c.Activities)
	assert.Equal(t, UnitReps, c.Units[DefaultActivityName])

	// second run changes nothing
	assert.False(t, c.migrate())
}

func TestChallengeMigrate_MissingUnit(t *testing.T) {
	c := &Challenge{
		Activities: []string{"Push-ups", "Squats"},
		Units:      map[string]ActivityUnit{"Push-ups": UnitReps},
	}

	require.True(t, c.migrate())
	assert.Equal(t, UnitReps, c.Units["Squats"])
	assert.False(t, c.migrate())
}

func TestDailyLogMigrate_Legacy(t *testing.T) {
	legacyJson := `{"date":"2024-02-10","pushups":55,"timestamp":1707555600000}`

	var l DailyLog
	require.NoError(t, json.Unmarshal([]byte(legacyJson), &l))

	require.True(t, l.migrate("Push-ups"))
	assert.Equal(t, "Push-ups", l.Activity)
	assert.Equal(t, 55, l.Reps)
	assert.Nil(t, l.Pushups)

	// re-marshalling drops the deprecated field
	upgraded, err := json.Marshal(l)
	require.NoError(t, err)
	assert.NotContains(t, string(upgraded), "pushups")

	assert.False(t, l.migrate("Push-ups"))
}

func TestDailyLogMigrate_CurrentEntryUntouched(t *testing.T) {
	l := DailyLog{Date: "2025-03-01", Activity: "Running", Reps: 12}
	assert.False(t, l.migrate("Push-ups"))
	assert.Equal(t, "Running", l.Activity)
	assert.Equal(t, 12, l.Reps)
}

func TestDateScore(t *testing.T) {
	score, err := dateScore("2025-10-05")
	require.NoError(t, err)
	assert.Equal(t, float64(20251005), score)

	// scores order chronologically
	later, err := dateScore("2025-11-01")
	require.NoError(t, err)
	assert.Greater(t, later, score)

	_, err = dateScore("garbage")
	assert.Error(t, err)
}

func TestChallengeTTL(t *testing.T) {
	c := &Challenge{Duration: 30}
	assert.Equal(t, float64(60), c.TTL().Hours()/24)
}

func TestChallengeUnitFor(t *testing.T) {
	c := &Challenge{
		Activities: []string{"Running"},
		Units:      map[string]ActivityUnit{"Running": UnitKm},
	}
	assert.Equal(t, UnitKm, c.UnitFor("Running"))
	// unknown activity defaults to reps
	assert.Equal(t, UnitReps, c.UnitFor("Swimming"))
}

func TestChallengeHasActivity(t *testing.T) {
	c := &Challenge{Activities: []string{"Push-ups"}}
	assert.True(t, c.HasActivity("Push-ups"))
	assert.True(t, c.HasActivity("push-UPS"))
	assert.False(t, c.HasActivity("Squats"))
}

func TestChallengeCanonicalActivity(t *testing.T) {
	c := &Challenge{Activities: []string{"Push-ups", "Running"}}

	name, ok := c.CanonicalActivity("push-UPS")
	assert.True(t, ok)
	assert.Equal(t, "Push-ups", name)

	_, ok = c.CanonicalActivity("Squats")
	assert.False(t, ok)
}
