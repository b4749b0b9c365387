// Package cronexpr validates classic 5-field cron expressions and computes
// next-run timestamps in a given timezone. It is pure: no I/O, deterministic
// given a clock.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conveyr/conveyr/pkg/schema"
)

// FallbackInterval is returned by NextRun for unparseable expressions so
// scheduling never wedges permanently on bad input. Liveness over precision.
const FallbackInterval = 24 * time.Hour

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type fieldSpec struct {
	name string
	min  int
	max  int
}

// Field order and bounds for classic 5-field cron.
// Weekday accepts 0-7 with both 0 and 7 meaning Sunday.
var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 7},
}

// Validate checks a 5-field cron expression and returns a field-specific
// error for the first invalid field, or nil if the expression is valid.
// Supported syntax per field: "*", "*/N", explicit values, ranges "N-M",
// and comma-separated lists of any of those.
func Validate(expression string) error {
	fields := strings.Fields(strings.TrimSpace(expression))
	if len(fields) != 5 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"cron expression must have 5 fields (minute hour day month weekday), got %d", len(fields))
	}
	for i, f := range fields {
		if err := validateField(f, fieldSpecs[i]); err != nil {
			return err
		}
	}
	// Final pass through the full parser to reject anything the per-field
	// check is too permissive for.
	if _, err := parser.Parse(normalizeWeekdays(expression)); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression: %s", err.Error()).WithCause(err)
	}
	return nil
}

func validateField(field string, spec fieldSpec) error {
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s field has an empty list entry", spec.name)
		}
		if err := validatePart(part, spec); err != nil {
			return err
		}
	}
	return nil
}

func validatePart(part string, spec fieldSpec) error {
	// Step: "*/N" or "N-M/S".
	base := part
	if idx := strings.Index(part, "/"); idx >= 0 {
		base = part[:idx]
		step := part[idx+1:]
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s field has invalid step %q", spec.name, step)
		}
	}

	if base == "*" {
		return nil
	}

	// Range: "N-M".
	if idx := strings.Index(base, "-"); idx >= 0 {
		lo, err1 := strconv.Atoi(base[:idx])
		hi, err2 := strconv.Atoi(base[idx+1:])
		if err1 != nil || err2 != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s field has invalid range %q", spec.name, base)
		}
		if lo > hi {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s field range %q is inverted", spec.name, base)
		}
		return checkBounds(lo, hi, spec)
	}

	n, err := strconv.Atoi(base)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s field has invalid value %q", spec.name, base)
	}
	return checkBounds(n, n, spec)
}

func checkBounds(lo, hi int, spec fieldSpec) error {
	if lo < spec.min || hi > spec.max {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s field value out of range %d-%d", spec.name, spec.min, spec.max)
	}
	return nil
}

// normalizeWeekdays folds weekday 7 (Sunday) onto 0 before the expression
// reaches the underlying parser, which only accepts 0-6. Ranges and stepped
// ranges that include 7 are expanded to an explicit day list.
func normalizeWeekdays(expression string) string {
	fields := strings.Fields(strings.TrimSpace(expression))
	if len(fields) != 5 || !strings.Contains(fields[4], "7") {
		return expression
	}
	parts := strings.Split(fields[4], ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, normalizeWeekdayPart(part))
	}
	fields[4] = strings.Join(out, ",")
	return strings.Join(fields, " ")
}

func normalizeWeekdayPart(part string) string {
	base, step := part, 1
	if idx := strings.Index(part, "/"); idx >= 0 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return part
		}
		base, step = part[:idx], n
	}
	if !strings.Contains(base, "7") {
		return part
	}

	lo, hi := 0, 0
	if idx := strings.Index(base, "-"); idx >= 0 {
		a, err1 := strconv.Atoi(base[:idx])
		b, err2 := strconv.Atoi(base[idx+1:])
		if err1 != nil || err2 != nil || a > b {
			return part
		}
		lo, hi = a, b
	} else {
		n, err := strconv.Atoi(base)
		if err != nil {
			return part
		}
		lo, hi = n, n
	}
	if hi != 7 {
		return part
	}

	var seen [7]bool
	days := make([]string, 0, 7)
	for d := lo; d <= hi; d += step {
		v := d % 7
		if !seen[v] {
			seen[v] = true
			days = append(days, strconv.Itoa(v))
		}
	}
	return strings.Join(days, ",")
}

// NextRun computes the soonest timestamp strictly after from that satisfies
// the expression in the given timezone (IANA name; "" or invalid names fall
// back to UTC). An unparseable expression yields from+24h rather than an
// error so a bad stored expression cannot drop a schedule from future runs.
func NextRun(expression, timezone string, from time.Time) time.Time {
	loc := loadLocation(timezone)

	sched, err := parser.Parse(normalizeWeekdays(expression))
	if err != nil {
		return from.Add(FallbackInterval)
	}
	return sched.Next(from.In(loc))
}

// NextN returns the next n run times after from. Used by the schedule API
// to preview upcoming runs. Returns nil for unparseable expressions.
func NextN(expression, timezone string, from time.Time, n int) []time.Time {
	loc := loadLocation(timezone)

	sched, err := parser.Parse(normalizeWeekdays(expression))
	if err != nil {
		return nil
	}

	runs := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		runs = append(runs, t)
	}
	return runs
}

func loadLocation(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Describe returns a short human-readable summary of the expression, used in
// API responses. Falls back to the raw expression for anything non-trivial.
func Describe(expression string) string {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return expression
	}
	if fields[0] == "*" && fields[1] == "*" && fields[2] == "*" && fields[3] == "*" && fields[4] == "*" {
		return "every minute"
	}
	if strings.HasPrefix(fields[0], "*/") && fields[1] == "*" {
		return fmt.Sprintf("every %s minutes", fields[0][2:])
	}
	return expression
}
