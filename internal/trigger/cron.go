package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronField bounds by position: minute, hour, dayOfMonth, month, dayOfWeek.
var cronFieldBounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0 = Sunday
}

// parseCronSchedule validates a five-field minute-granularity CRON
// expression. Each field accepts a single integer, "*", an inclusive range
// "a-b", or a comma list "a,b,c". Step syntax ("*/n") is not supported.
func parseCronSchedule(schedule string) ([5]map[int]bool, error) {
	var fields [5]map[int]bool
	parts := strings.Fields(schedule)
	if len(parts) != 5 {
		return fields, fmt.Errorf("cron schedule must have 5 fields, got %d", len(parts))
	}

	for i, part := range parts {
		set, err := parseCronField(part, cronFieldBounds[i][0], cronFieldBounds[i][1])
		if err != nil {
			return fields, fmt.Errorf("field %d (%q): %w", i, part, err)
		}
		fields[i] = set
	}
	return fields, nil
}

func parseCronField(field string, min, max int) (map[int]bool, error) {
	set := make(map[int]bool)

	if field == "*" {
		for v := min; v <= max; v++ {
			set[v] = true
		}
		return set, nil
	}

	for _, item := range strings.Split(field, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, fmt.Errorf("empty list entry")
		}
		if strings.Contains(item, "-") {
			bounds := strings.SplitN(item, "-", 2)
			lo, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("invalid range start %q", bounds[0])
			}
			hi, err := strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("invalid range end %q", bounds[1])
			}
			if lo > hi || lo < min || hi > max {
				return nil, fmt.Errorf("range %q out of bounds [%d-%d]", item, min, max)
			}
			for v := lo; v <= hi; v++ {
				set[v] = true
			}
			continue
		}
		v, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", item)
		}
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of bounds [%d-%d]", v, min, max)
		}
		set[v] = true
	}
	return set, nil
}

// cronMatches reports whether t's wall-clock minute satisfies every field of
// the given schedule.
func cronMatches(schedule string, t time.Time) bool {
	fields, err := parseCronSchedule(schedule)
	if err != nil {
		return false
	}
	return fields[0][t.Minute()] &&
		fields[1][t.Hour()] &&
		fields[2][t.Day()] &&
		fields[3][int(t.Month())] &&
		fields[4][int(t.Weekday())]
}
