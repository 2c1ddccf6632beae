// Package scheduler runs named jobs on fixed intervals or cron expressions.
// Each job is single-flight: a tick that finds the job still running skips
// it. Jobs may also take a cross-process file lock.
package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 5-field cron expression: minute, hour, day-of-month,
// month, day-of-week.
type CronExpr struct {
	Minute     []int
	Hour       []int
	DayOfMonth []int
	Month      []int
	DayOfWeek  []int

	expr string
}

var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

var cronFields = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses a 5-field expression or one of the @hourly, @daily,
// @midnight, @weekly and @monthly aliases. Fields accept *, */N, N, N-M,
// N-M/S and comma lists.
func ParseCron(expr string) (*CronExpr, error) {
	expr = strings.TrimSpace(expr)
	spec := expr
	if alias, ok := cronAliases[strings.ToLower(expr)]; ok {
		spec = alias
	}
	fields := strings.Fields(spec)
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	parsed := make([][]int, len(fields))
	for i, f := range cronFields {
		vals, err := parseField(fields[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", f.name, err)
		}
		parsed[i] = vals
	}
	return &CronExpr{
		Minute:     parsed[0],
		Hour:       parsed[1],
		DayOfMonth: parsed[2],
		Month:      parsed[3],
		DayOfWeek:  parsed[4],
		expr:       expr,
	}, nil
}

// String returns the expression as written.
func (c *CronExpr) String() string {
	return c.expr
}

// Matches reports whether t falls on the expression, at minute resolution.
func (c *CronExpr) Matches(t time.Time) bool {
	return slices.Contains(c.Minute, t.Minute()) &&
		slices.Contains(c.Hour, t.Hour()) &&
		slices.Contains(c.DayOfMonth, t.Day()) &&
		slices.Contains(c.Month, int(t.Month())) &&
		slices.Contains(c.DayOfWeek, int(t.Weekday()))
}

// Next returns the first matching minute strictly after t, searching two
// years ahead. The zero time means no match.
func (c *CronExpr) Next(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)
	loc := candidate.Location()

	for candidate.Before(limit) {
		y, m, d := candidate.Date()
		switch {
		case !slices.Contains(c.Month, int(m)):
			candidate = time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
		case !slices.Contains(c.DayOfMonth, d) || !slices.Contains(c.DayOfWeek, int(candidate.Weekday())):
			candidate = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
		case !slices.Contains(c.Hour, candidate.Hour()):
			candidate = time.Date(y, m, d, candidate.Hour()+1, 0, 0, 0, loc)
		case !slices.Contains(c.Minute, candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate
		}
	}
	return time.Time{}
}

func parseField(field string, min, max int) ([]int, error) {
	var out []int
	for _, part := range strings.Split(field, ",") {
		vals, err := parsePart(part, min, max)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func parsePart(part string, min, max int) ([]int, error) {
	base, stepText, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepText)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid step in %q", part)
		}
		step = n
	}

	lo, hi := min, max
	switch {
	case base == "*":
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		var err error
		if lo, err = strconv.Atoi(a); err != nil {
			return nil, fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return nil, fmt.Errorf("invalid range end %q", b)
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", base)
		}
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of bounds [%d,%d]", v, min, max)
		}
		if hasStep {
			return nil, fmt.Errorf("step on single value %q", part)
		}
		return []int{v}, nil
	}

	out := make([]int, 0, (hi-lo)/step+1)
	for i := lo; i <= hi; i += step {
		out = append(out, i)
	}
	return out, nil
}
