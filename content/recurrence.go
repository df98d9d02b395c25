package content

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// recurrenceParser reads exactly the five standard fields. Descriptors such as
// @hourly or @every are not accepted.
var recurrenceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseRecurrence parses a standard 5-field cron expression, optionally
// prefixed with CRON_TZ=<zone> to evaluate it in that time zone; otherwise it
// is evaluated in UTC.
func ParseRecurrence(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: recurrence is empty", ErrValidation)
	}
	fields := strings.Fields(expr)
	if strings.HasPrefix(fields[0], "CRON_TZ=") || strings.HasPrefix(fields[0], "TZ=") {
		fields = fields[1:]
	} else {
		expr = "CRON_TZ=UTC " + expr
	}
	if len(fields) != 5 || strings.HasPrefix(fields[0], "@") {
		return nil, fmt.Errorf("%w: recurrence %q must have exactly 5 fields", ErrValidation, strings.Join(fields, " "))
	}
	sched, err := recurrenceParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: recurrence %q: %v", ErrValidation, strings.Join(fields, " "), err)
	}
	return sched, nil
}

// NextOccurrence returns the first time the recurrence fires strictly after
// after.
func NextOccurrence(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseRecurrence(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: recurrence %q never fires", ErrValidation, expr)
	}
	return next.UTC(), nil
}

// NextRuns returns up to n upcoming occurrences after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseRecurrence(expr)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		next := sched.Next(from)
		if next.IsZero() {
			break
		}
		times = append(times, next.UTC())
		from = next
	}
	return times, nil
}
