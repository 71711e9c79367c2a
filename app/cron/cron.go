package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression evaluated in UTC.
type Schedule struct {
	expr string

	minutes bits
	hours   bits
	doms    bits
	months  bits
	dows    bits
	domStar bool
	dowStar bool
}

type bits uint64

func (b bits) has(v int) bool { return b&(1<<uint(v)) != 0 }

var macros = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// Parse accepts "minute hour day-of-month month day-of-week" with *, lists,
// ranges, steps, month and weekday names, and the @hourly style macros.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	spec := expr
	if m, ok := macros[strings.ToLower(spec)]; ok {
		spec = m
	}

	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(fields))
	}

	s := Schedule{expr: expr}
	var err error
	if s.minutes, err = parseField(fields[0], 0, 59, nil); err != nil {
		return Schedule{}, fmt.Errorf("cron %q: minute: %w", expr, err)
	}
	if s.hours, err = parseField(fields[1], 0, 23, nil); err != nil {
		return Schedule{}, fmt.Errorf("cron %q: hour: %w", expr, err)
	}
	if s.doms, err = parseField(fields[2], 1, 31, nil); err != nil {
		return Schedule{}, fmt.Errorf("cron %q: day of month: %w", expr, err)
	}
	if s.months, err = parseField(fields[3], 1, 12, monthNames); err != nil {
		return Schedule{}, fmt.Errorf("cron %q: month: %w", expr, err)
	}
	// 7 is accepted as Sunday.
	if s.dows, err = parseField(fields[4], 0, 7, dayNames); err != nil {
		return Schedule{}, fmt.Errorf("cron %q: day of week: %w", expr, err)
	}
	if s.dows.has(7) {
		s.dows |= 1
	}
	s.domStar = strings.HasPrefix(fields[2], "*")
	s.dowStar = strings.HasPrefix(fields[4], "*")

	return s, nil
}

// MustParse is Parse for expressions known at compile time.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schedule) String() string {
	return s.expr
}

// Next returns the first matching minute strictly after t. Schedules that
// can never fire (Feb 30) fail after a five year search.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron %q: no matching time before %s", s.expr, limit.Format(time.RFC3339))
}

// Interval is the gap between the next two firings after t. The reliability
// scorer uses it as the expected run cadence.
func (s Schedule) Interval(t time.Time) time.Duration {
	first, err := s.Next(t)
	if err != nil {
		return 0
	}
	second, err := s.Next(first)
	if err != nil {
		return 0
	}
	return second.Sub(first)
}

// Vixie cron semantics: when both day fields are restricted either may match.
func (s Schedule) dayMatches(t time.Time) bool {
	dom := s.doms.has(t.Day())
	dow := s.dows.has(int(t.Weekday()))
	if s.domStar || s.dowStar {
		return dom && dow
	}
	return dom || dow
}

func parseField(field string, lo, hi int, names map[string]int) (bits, error) {
	var out bits
	for _, term := range strings.Split(field, ",") {
		b, err := parseTerm(term, lo, hi, names)
		if err != nil {
			return 0, err
		}
		out |= b
	}
	if out == 0 {
		return 0, fmt.Errorf("%q matches nothing", field)
	}
	return out, nil
}

func parseTerm(term string, lo, hi int, names map[string]int) (bits, error) {
	rng, stepStr, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad step %q", stepStr)
		}
		step = n
	}

	start, end := lo, hi
	switch {
	case rng == "*":
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		var err error
		if start, err = value(a, names); err != nil {
			return 0, err
		}
		if end, err = value(b, names); err != nil {
			return 0, err
		}
		if start > end {
			return 0, fmt.Errorf("range %q is reversed", rng)
		}
	default:
		v, err := value(rng, names)
		if err != nil {
			return 0, err
		}
		start = v
		// "5/15" means from 5 to the end of the field.
		if hasStep {
			end = hi
		} else {
			end = v
		}
	}

	if start < lo || end > hi {
		return 0, fmt.Errorf("%q outside %d-%d", term, lo, hi)
	}

	var out bits
	for v := start; v <= end; v += step {
		out |= 1 << uint(v)
	}
	return out, nil
}

func value(s string, names map[string]int) (int, error) {
	if v, ok := names[strings.ToLower(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return v, nil
}
