package challenge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/2beens/pushtrack/pkg"
)

const (
	MinDuration = 1
	MaxDuration = 365

	MinActivities     = 1
	MaxActivities     = 5
	MaxActivityLength = 30

	MinReps = 0
	MaxReps = 10000
)

// letters, digits, whitespace and hyphens, any script
var activityNameRegex = regexp.MustCompile(`^[\p{L}\p{N}\s\-]+$`)

func ValidateDuration(days int) error {
	if days < MinDuration || days > MaxDuration {
		return fmt.Errorf("duration must be between %d and %d days", MinDuration, MaxDuration)
	}
	return nil
}

func ValidateActivityName(name string) error {
	if name == "" || len([]rune(name)) > MaxActivityLength {
		return fmt.Errorf("activity name must be 1 to %d characters", MaxActivityLength)
	}
	if !activityNameRegex.MatchString(name) {
		return fmt.Errorf("activity name %q contains invalid characters", name)
	}
	return nil
}

// ValidateActivities checks count, per-name shape, and case-insensitive
// uniqueness.
func ValidateActivities(activities []string) error {
	if len(activities) < MinActivities || len(activities) > MaxActivities {
		return fmt.Errorf("between %d and %d activities required", MinActivities, MaxActivities)
	}
	seen := make(map[string]bool, len(activities))
	for _, a := range activities {
		if err := ValidateActivityName(a); err != nil {
			return err
		}
		folded := strings.ToLower(strings.TrimSpace(a))
		if seen[folded] {
			return fmt.Errorf("duplicate activity %q", a)
		}
		seen[folded] = true
	}
	return nil
}

func ValidateUnits(activities []string, units map[string]ActivityUnit) error {
	for name, unit := range units {
		if !ValidUnit(unit) {
			return fmt.Errorf("invalid unit %q for activity %q", unit, name)
		}
		found := false
		for _, a := range activities {
			if a == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unit given for unknown activity %q", name)
		}
	}
	return nil
}

func ValidateReps(reps int) error {
	if reps < MinReps || reps > MaxReps {
		return fmt.Errorf("reps must be between %d and %d", MinReps, MaxReps)
	}
	return nil
}

func ValidateDate(date string) error {
	if !pkg.IsValidDate(date) {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
	}
	return nil
}

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func ValidateEmail(email string) error {
	if email == "" {
		return nil // optional
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email address")
	}
	return nil
}
