package hands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// schedule is a compiled cron expression supporting both the 6-field form
// (seconds minute hour day-of-month month day-of-week) and the 7-field
// form that appends a year field (spec §4.5 point 1, §9: "Cron parser
// must support both 6 and 7-field forms"). This extends the teacher's
// 5-field minute-resolution gateway/cron.go parser with a leading seconds
// field and an optional trailing year field, matching spec §3's "schedule
// (cron, 6 or 7 fields)".
type schedule struct {
	second     []int
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
	year       []int // nil means "any year" (6-field form)
}

// maxMinutesSearch bounds the forward search in Next to a little over two
// years at minute granularity, generous enough for any realistic schedule
// (including a year-qualified one) while staying a bounded loop.
const maxMinutesSearch = 2 * 366 * 24 * 60

// ParseSchedule parses a 6-field ("sec min hour dom month dow") or 7-field
// (same, plus "year") cron expression.
func ParseSchedule(expr string) (*schedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 6, 7:
	default:
		return nil, fmt.Errorf("cron expression must have 6 or 7 fields, got %d in %q", len(fields), expr)
	}

	second, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("second field %q: %w", fields[0], err)
	}
	minute, err := parseCronField(fields[1], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field %q: %w", fields[1], err)
	}
	hour, err := parseCronField(fields[2], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field %q: %w", fields[2], err)
	}
	dayOfMonth, err := parseCronField(fields[3], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field %q: %w", fields[3], err)
	}
	month, err := parseCronField(fields[4], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field %q: %w", fields[4], err)
	}
	dayOfWeek, err := parseCronField(fields[5], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field %q: %w", fields[5], err)
	}

	s := &schedule{
		second:     second,
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}

	if len(fields) == 7 {
		year, err := parseCronField(fields[6], 1970, 2200)
		if err != nil {
			return nil, fmt.Errorf("year field %q: %w", fields[6], err)
		}
		s.year = year
	}

	return s, nil
}

// Next returns the earliest instant strictly after now that matches s, or
// the zero time if none is found within the search horizon.
func (s *schedule) Next(now time.Time) time.Time {
	cursor := now.Truncate(time.Second).Add(time.Second)
	minuteStart := cursor.Truncate(time.Minute)

	for i := 0; i < maxMinutesSearch; i++ {
		if s.yearMatches(minuteStart.Year()) &&
			containsInt(s.month, int(minuteStart.Month())) &&
			containsInt(s.dayOfMonth, minuteStart.Day()) &&
			containsInt(s.dayOfWeek, int(minuteStart.Weekday())) &&
			containsInt(s.hour, minuteStart.Hour()) &&
			containsInt(s.minute, minuteStart.Minute()) {
			for _, sec := range s.second {
				candidate := minuteStart.Add(time.Duration(sec) * time.Second)
				if !candidate.Before(cursor) {
					return candidate
				}
			}
		}
		minuteStart = minuteStart.Add(time.Minute)
	}
	return time.Time{}
}

func (s *schedule) yearMatches(year int) bool {
	if s.year == nil {
		return true
	}
	return containsInt(s.year, year)
}

func parseCronField(field string, min, max int) ([]int, error) {
	if idx := strings.LastIndex(field, "/"); idx != -1 {
		stepStr := field[idx+1:]
		step, err := strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value %q", stepStr)
		}
		base := field[:idx]
		var start, end int
		switch {
		case base == "*":
			start, end = min, max
		case strings.Contains(base, "-"):
			s, e, err := parseCronRange(base, min, max)
			if err != nil {
				return nil, err
			}
			start, end = s, e
		default:
			v, err := strconv.Atoi(base)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", base)
			}
			start, end = v, max
		}
		if err := checkCronRange(start, end, min, max); err != nil {
			return nil, err
		}
		var vals []int
		for v := start; v <= end; v += step {
			vals = append(vals, v)
		}
		return vals, nil
	}

	if field == "*" {
		vals := make([]int, max-min+1)
		for i := range vals {
			vals[i] = min + i
		}
		return vals, nil
	}

	if strings.Contains(field, ",") {
		parts := strings.Split(field, ",")
		seen := make(map[int]bool)
		var vals []int
		for _, p := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("invalid list value %q", p)
			}
			if v < min || v > max {
				return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
			}
			if !seen[v] {
				seen[v] = true
				vals = append(vals, v)
			}
		}
		sort.Ints(vals)
		return vals, nil
	}

	if strings.Contains(field, "-") {
		start, end, err := parseCronRange(field, min, max)
		if err != nil {
			return nil, err
		}
		if err := checkCronRange(start, end, min, max); err != nil {
			return nil, err
		}
		vals := make([]int, end-start+1)
		for i := range vals {
			vals[i] = start + i
		}
		return vals, nil
	}

	v, err := strconv.Atoi(field)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", field)
	}
	if v < min || v > max {
		return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
	}
	return []int{v}, nil
}

func parseCronRange(s string, min, max int) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", parts[0])
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", parts[1])
	}
	return start, end, nil
}

func checkCronRange(start, end, min, max int) error {
	if start < min || end > max || start > end {
		return fmt.Errorf("range [%d, %d] out of bounds [%d, %d]", start, end, min, max)
	}
	return nil
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
