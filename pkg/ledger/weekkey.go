package ledger

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Payout periods run twice weekly. A period key is the week key (the
// Monday date) plus a period suffix, e.g. "2026-08-24-P1".
var periodKeyRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-P([12])$`)

// ParsePeriodKey splits a period key into its stats week key and
// period number (1 or 2).
func ParsePeriodKey(periodKey string) (weekKey string, period int, err error) {
	m := periodKeyRe.FindStringSubmatch(periodKey)
	if m == nil {
		return "", 0, fmt.Errorf("invalid period key %q, want YYYY-MM-DD-P1 or -P2", periodKey)
	}
	if _, err := time.Parse("2006-01-02", m[1]); err != nil {
		return "", 0, fmt.Errorf("invalid period key %q: %w", periodKey, err)
	}
	period = 1
	if m[2] == "2" {
		period = 2
	}
	return m[1], period, nil
}

// PeriodKeyFor renders the period key for a week key and period.
func PeriodKeyFor(weekKey string, period int) string {
	return fmt.Sprintf("%s-P%d", weekKey, period)
}

// IsPeriodKey reports whether s carries a period suffix. Legacy week
// keys without one are treated as P1.
func IsPeriodKey(s string) bool {
	return strings.Contains(s, "-P") && periodKeyRe.MatchString(s)
}
