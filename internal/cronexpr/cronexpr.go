// Package cronexpr builds, parses, describes, and evaluates the
// 5-field schedule expressions used by scheduled tasks. Expressions
// are (minute hour day-of-month month day-of-week) in local time.
//
// ParseToForm is deliberately lossy: it collapses an expression back
// into one of the simple editing-form categories only when the mapping
// is unambiguous, and surfaces everything else as a raw passthrough.
package cronexpr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/agentbridge/internal/models"
)

// Frequency is the structured-form category of a schedule.
type Frequency string

const (
	FreqOnce     Frequency = "once"
	FreqDaily    Frequency = "daily"
	FreqWeekly   Frequency = "weekly"
	FreqInterval Frequency = "interval"
	FreqRaw      Frequency = "raw"
)

// Form is the structured representation used by editing surfaces.
// Weekdays are numbered 0=Sunday..6=Saturday.
type Form struct {
	Frequency   Frequency `json:"frequency"`
	StartDate   string    `json:"start_date,omitempty"` // YYYY-MM-DD
	StartTime   string    `json:"start_time,omitempty"` // HH:MM
	Weekdays    []int     `json:"weekdays,omitempty"`
	IntervalMin int       `json:"interval_min,omitempty"`
	Raw         string    `json:"raw,omitempty"`
}

// Build maps a structured form to an expression string.
func Build(form Form) string {
	hour, min := splitTime(form.StartTime)

	switch form.Frequency {
	case FreqOnce:
		_, mo, d := splitDate(form.StartDate)
		return fmt.Sprintf("%d %d %d %d *", min, hour, d, mo)
	case FreqDaily:
		return fmt.Sprintf("%d %d * * *", min, hour)
	case FreqWeekly:
		if len(form.Weekdays) == 0 {
			return fmt.Sprintf("%d %d * * *", min, hour)
		}
		days := append([]int(nil), form.Weekdays...)
		sort.Ints(days)
		parts := make([]string, len(days))
		for i, d := range days {
			parts[i] = strconv.Itoa(d)
		}
		return fmt.Sprintf("%d %d * * %s", min, hour, strings.Join(parts, ","))
	case FreqInterval:
		return fmt.Sprintf("*/%d * * * *", form.IntervalMin)
	default:
		return form.Raw
	}
}

// ParseToForm is the best-effort inverse of Build, used to pre-fill an
// editing form. A caller-supplied oneShot flag forces a plain daily
// expression to be reported as once: the wire format is identical and
// the distinguishing bit lives outside the expression.
func ParseToForm(expr string, oneShot bool) Form {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Form{Frequency: FreqRaw, Raw: expr}
	}
	min, hour, dom, mon, dow := parts[0], parts[1], parts[2], parts[3], parts[4]

	if strings.HasPrefix(min, "*/") && hour == "*" {
		n, err := strconv.Atoi(min[2:])
		if err != nil {
			return Form{Frequency: FreqRaw, Raw: expr}
		}
		return Form{Frequency: FreqInterval, IntervalMin: n}
	}

	timeStr := pad2(hour) + ":" + pad2(min)

	if dom != "*" && mon != "*" {
		return Form{
			Frequency: FreqOnce,
			StartDate: fmt.Sprintf("%d-%s-%s", time.Now().Year(), pad2(mon), pad2(dom)),
			StartTime: timeStr,
		}
	}

	if dow != "*" {
		var weekdays []int
		if strings.Contains(dow, "-") {
			weekdays = ExpandRange(dow)
		} else {
			for _, p := range strings.Split(dow, ",") {
				n, err := strconv.Atoi(p)
				if err != nil {
					return Form{Frequency: FreqRaw, Raw: expr}
				}
				weekdays = append(weekdays, n)
			}
		}
		return Form{Frequency: FreqWeekly, Weekdays: weekdays, StartTime: timeStr}
	}

	if oneShot {
		return Form{Frequency: FreqOnce, StartTime: timeStr}
	}

	// Only collapse to daily when minute and hour are plain integers.
	// Steps or ranges on the hour field stay raw even with a plain
	// minute: the editing form assumes the categories are exclusive.
	if isInt(min) && isInt(hour) {
		return Form{Frequency: FreqDaily, StartTime: timeStr}
	}

	return Form{Frequency: FreqRaw, Raw: expr}
}

// ExpandRange expands "a-b" into the explicit list [a..b].
func ExpandRange(r string) []int {
	bounds := strings.SplitN(r, "-", 2)
	if len(bounds) != 2 {
		return nil
	}
	start, err1 := strconv.Atoi(bounds[0])
	end, err2 := strconv.Atoi(bounds[1])
	if err1 != nil || err2 != nil {
		return nil
	}
	var out []int
	for i := start; i <= end; i++ {
		out = append(out, i)
	}
	return out
}

var dayNames = map[string]string{
	"0": "Sun", "1": "Mon", "2": "Tue", "3": "Wed", "4": "Thu", "5": "Fri", "6": "Sat",
}

// Describe renders a short human-readable summary of an expression.
// Malformed input is echoed unchanged.
func Describe(expr string) string {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return expr
	}
	min, hour, dom, mon, dow := parts[0], parts[1], parts[2], parts[3], parts[4]

	if strings.HasPrefix(min, "*/") {
		n, err := strconv.Atoi(min[2:])
		if err != nil {
			return expr
		}
		interval := fmt.Sprintf("Every %d min", n)
		if n >= 60 {
			interval = fmt.Sprintf("Every %dh", (n+30)/60)
		}
		if hour != "*" {
			return fmt.Sprintf("%s (%sh)", interval, hour)
		}
		return interval
	}

	if !isInt(min) || !isInt(hour) {
		return expr
	}
	timeStr := pad2(hour) + ":" + pad2(min)

	if dom != "*" && mon != "*" {
		return fmt.Sprintf("Once %s/%s %s", mon, dom, timeStr)
	}

	if dow != "*" {
		if dow == "1,2,3,4,5" || dow == "1-5" {
			return "Mon-Fri " + timeStr
		}
		if dow == "0,1,2,3,4,5,6" {
			return "Daily " + timeStr
		}
		var names []string
		for _, d := range strings.Split(dow, ",") {
			if name, ok := dayNames[d]; ok {
				names = append(names, name)
			} else {
				names = append(names, d)
			}
		}
		return strings.Join(names, ", ") + " " + timeStr
	}

	return "Daily " + timeStr
}

// Validate checks an expression is 5 syntactically valid fields.
func Validate(expr string) error {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return fmt.Errorf("expected 5 fields, got %d", len(parts))
	}
	limits := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	for i, field := range parts {
		if err := validateField(field, limits[i][0], limits[i][1]); err != nil {
			return fmt.Errorf("%s field %q: %w", names[i], field, err)
		}
	}
	return nil
}

func validateField(field string, lo, hi int) error {
	if field == "*" {
		return nil
	}
	if strings.HasPrefix(field, "*/") {
		n, err := strconv.Atoi(field[2:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step")
		}
		return nil
	}
	for _, part := range strings.Split(field, ",") {
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || a > b || a < lo || b > hi {
				return fmt.Errorf("invalid range")
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < lo || n > hi {
			return fmt.Errorf("invalid value")
		}
	}
	return nil
}

// matchField reports whether value satisfies a single field spec.
func matchField(field string, value int) bool {
	if field == "*" {
		return true
	}
	if strings.HasPrefix(field, "*/") {
		n, err := strconv.Atoi(field[2:])
		if err != nil || n <= 0 {
			return false
		}
		return value%n == 0
	}
	for _, part := range strings.Split(field, ",") {
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 == nil && err2 == nil && value >= a && value <= b {
				return true
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil && n == value {
			return true
		}
	}
	return false
}

// MatchesTime reports whether all five fields match t. This is the
// scheduler's firing check, evaluated once per minute.
func MatchesTime(expr string, t time.Time) bool {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return false
	}
	return matchField(parts[0], t.Minute()) &&
		matchField(parts[1], t.Hour()) &&
		matchField(parts[2], t.Day()) &&
		matchField(parts[3], int(t.Month())) &&
		matchField(parts[4], int(t.Weekday()))
}

// MatchesDate reports whether an expression's date constraints match a
// calendar date. An expression constraining neither day-of-month+month
// nor day-of-week matches every date.
func MatchesDate(expr string, date time.Time) bool {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return false
	}
	dom, mon, dow := parts[2], parts[3], parts[4]

	d := date.Day()
	m := int(date.Month())
	w := int(date.Weekday())

	if dom != "*" && mon != "*" {
		nd, err1 := strconv.Atoi(dom)
		nm, err2 := strconv.Atoi(mon)
		return err1 == nil && err2 == nil && nd == d && nm == m
	}

	if dow != "*" {
		if strings.Contains(dow, ",") {
			found := false
			for _, p := range strings.Split(dow, ",") {
				if n, err := strconv.Atoi(p); err == nil && n == w {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		} else if strings.Contains(dow, "-") {
			bounds := strings.SplitN(dow, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || w < a || w > b {
				return false
			}
		} else {
			n, err := strconv.Atoi(dow)
			if err != nil || n != w {
				return false
			}
		}
	}

	return true
}

// NextOccurrence scans forward from the day of "from" (inclusive) for
// the first date the expression matches, bounded to 366 days. Returns
// the zero time if nothing matches within the bound.
func NextOccurrence(expr string, from time.Time) time.Time {
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for i := 0; i < 366; i++ {
		d := day.AddDate(0, 0, i)
		if MatchesDate(expr, d) {
			return d
		}
	}
	return time.Time{}
}

// TaskMatchesDate combines schedule matching with the task's startDate
// gate and, for one-shot tasks, the next-occurrence restriction: a
// one-shot task matches only its single next occurrence.
func TaskMatchesDate(task models.ScheduledTask, date time.Time) bool {
	if !MatchesDate(task.CronExpr, date) {
		return false
	}
	if task.StartDate != "" {
		start, err := time.ParseInLocation("2006-01-02", task.StartDate, date.Location())
		if err == nil {
			check := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
			if check.Before(start) {
				return false
			}
		}
	}
	if task.OneShot {
		next := NextOccurrence(task.CronExpr, time.Now())
		if next.IsZero() {
			return false
		}
		return next.Year() == date.Year() && next.Month() == date.Month() && next.Day() == date.Day()
	}
	return true
}

func splitTime(hhmm string) (hour, min int) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) == 2 {
		hour, _ = strconv.Atoi(parts[0])
		min, _ = strconv.Atoi(parts[1])
	}
	return hour, min
}

func splitDate(ymd string) (year, month, day int) {
	parts := strings.SplitN(ymd, "-", 3)
	if len(parts) == 3 {
		year, _ = strconv.Atoi(parts[0])
		month, _ = strconv.Atoi(parts[1])
		day, _ = strconv.Atoi(parts[2])
	}
	return year, month, day
}

func isInt(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
