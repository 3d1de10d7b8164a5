package cronexpr

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/agentbridge/internal/models"
)

func TestBuildWeekly(t *testing.T) {
	expr := Build(Form{Frequency: FreqWeekly, Weekdays: []int{5, 1, 3}, StartTime: "09:00"})
	if expr != "0 9 * * 1,3,5" {
		t.Errorf("expected 0 9 * * 1,3,5, got %q", expr)
	}
}

func TestBuildWeeklyEmptyDegradestoDaily(t *testing.T) {
	expr := Build(Form{Frequency: FreqWeekly, StartTime: "07:15"})
	if expr != "15 7 * * *" {
		t.Errorf("expected 15 7 * * *, got %q", expr)
	}
}

func TestBuildOnce(t *testing.T) {
	expr := Build(Form{Frequency: FreqOnce, StartDate: "2026-03-15", StartTime: "09:00"})
	if expr != "0 9 15 3 *" {
		t.Errorf("expected 0 9 15 3 *, got %q", expr)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		form Form
	}{
		{"daily", Form{Frequency: FreqDaily, StartTime: "09:30"}},
		{"weekly", Form{Frequency: FreqWeekly, Weekdays: []int{1, 3, 5}, StartTime: "09:00"}},
		{"interval", Form{Frequency: FreqInterval, IntervalMin: 15}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expr := Build(tc.form)
			got := ParseToForm(expr, false)
			if got.Frequency != tc.form.Frequency {
				t.Fatalf("frequency changed: built %q, parsed %+v", expr, got)
			}
			if tc.form.StartTime != "" && got.StartTime != tc.form.StartTime {
				t.Errorf("start time changed: %q -> %q", tc.form.StartTime, got.StartTime)
			}
			if tc.form.IntervalMin != got.IntervalMin {
				t.Errorf("interval changed: %d -> %d", tc.form.IntervalMin, got.IntervalMin)
			}
			if len(tc.form.Weekdays) > 0 && !reflect.DeepEqual(got.Weekdays, tc.form.Weekdays) {
				t.Errorf("weekdays changed: %v -> %v", tc.form.Weekdays, got.Weekdays)
			}
		})
	}
}

func TestRoundTripOnce(t *testing.T) {
	form := Form{Frequency: FreqOnce, StartDate: "2026-03-15", StartTime: "09:00"}
	got := ParseToForm(Build(form), false)
	if got.Frequency != FreqOnce {
		t.Fatalf("expected once, got %s", got.Frequency)
	}
	// ParseToForm cannot recover the year from the expression; it
	// assumes the current one.
	want := fmt.Sprintf("%d-03-15", time.Now().Year())
	if got.StartDate != want {
		t.Errorf("expected start date %s, got %s", want, got.StartDate)
	}
	if got.StartTime != "09:00" {
		t.Errorf("expected 09:00, got %s", got.StartTime)
	}
}

func TestParseWeeklyRange(t *testing.T) {
	got := ParseToForm("0 9 * * 1-5", false)
	if got.Frequency != FreqWeekly {
		t.Fatalf("expected weekly, got %s", got.Frequency)
	}
	if !reflect.DeepEqual(got.Weekdays, []int{1, 2, 3, 4, 5}) {
		t.Errorf("expected expanded range, got %v", got.Weekdays)
	}
}

func TestParseOneShotForcesOnce(t *testing.T) {
	got := ParseToForm("0 9 * * *", true)
	if got.Frequency != FreqOnce {
		t.Errorf("expected once for one-shot daily expression, got %s", got.Frequency)
	}
}

func TestParseStaysRawForComplexHour(t *testing.T) {
	for _, expr := range []string{"0 */2 * * *", "0 9-17 * * *", "*/30 7-23 * * *"} {
		got := ParseToForm(expr, false)
		if got.Frequency != FreqRaw {
			t.Errorf("%q: expected raw, got %s", expr, got.Frequency)
		}
		if got.Raw != expr {
			t.Errorf("%q: raw passthrough lost, got %q", expr, got.Raw)
		}
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"*/15 * * * *", "Every 15 min"},
		{"*/30 7-23 * * *", "Every 30 min (7-23h)"},
		{"*/120 * * * *", "Every 2h"},
		{"0 9 15 3 *", "Once 3/15 09:00"},
		{"0 9 * * 1-5", "Mon-Fri 09:00"},
		{"0 9 * * 0,1,2,3,4,5,6", "Daily 09:00"},
		{"30 7 * * *", "Daily 07:30"},
		{"not a cron", "not a cron"},
	}
	for _, tc := range cases {
		if got := Describe(tc.expr); got != tc.want {
			t.Errorf("Describe(%q) = %q, want %q", tc.expr, got, tc.want)
		}
	}
}

func TestDescribeListsDayNames(t *testing.T) {
	got := Describe("0 9 * * 1,3,5")
	for _, day := range []string{"Mon", "Wed", "Fri"} {
		if !strings.Contains(got, day) {
			t.Errorf("expected %q to mention %s", got, day)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := []string{"0 9 * * 1,3,5", "*/30 7-23 * * *", "0 3 * * *", "59 23 31 12 6"}
	for _, expr := range valid {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", expr, err)
		}
	}
	invalid := []string{"", "0 9 * *", "61 * * * *", "0 24 * * *", "0 9 * * 7", "x 9 * * *", "5-1 * * * *"}
	for _, expr := range invalid {
		if err := Validate(expr); err == nil {
			t.Errorf("Validate(%q) = nil, want error", expr)
		}
	}
}

func TestMatchesTime(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 9, 1, hour, min, 0, 0, time.Local)
	}
	cases := []struct {
		expr string
		t    time.Time
		want bool
	}{
		{"*/30 7-23 * * *", at(7, 30), true},
		{"*/30 7-23 * * *", at(7, 15), false},
		{"*/30 7-23 * * *", at(6, 30), false},
		{"0 3 * * *", at(3, 0), true},
		{"0 3 * * *", at(3, 1), false},
	}
	for _, tc := range cases {
		if got := MatchesTime(tc.expr, tc.t); got != tc.want {
			t.Errorf("MatchesTime(%q, %s) = %t, want %t", tc.expr, tc.t.Format("15:04"), got, tc.want)
		}
	}
}

func TestMatchesDateOnce(t *testing.T) {
	expr := "0 9 15 3 *"
	mar15 := time.Date(2027, 3, 15, 0, 0, 0, 0, time.Local)
	if !MatchesDate(expr, mar15) {
		t.Errorf("expected %q to match March 15", expr)
	}
	if MatchesDate(expr, mar15.AddDate(0, 0, 1)) {
		t.Errorf("expected %q not to match March 16", expr)
	}
	if MatchesDate(expr, time.Date(2027, 4, 15, 0, 0, 0, 0, time.Local)) {
		t.Errorf("expected %q not to match April 15", expr)
	}
}

func TestMatchesDateWildcardsMatchEverything(t *testing.T) {
	if !MatchesDate("0 9 * * *", time.Now()) {
		t.Error("wildcard expression should match every date")
	}
}

func TestNextOccurrence(t *testing.T) {
	// 2026-09-01 is a Tuesday; next Monday is 2026-09-07.
	from := time.Date(2026, 9, 1, 12, 0, 0, 0, time.Local)
	next := NextOccurrence("0 9 * * 1", from)
	want := time.Date(2026, 9, 7, 0, 0, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("expected %s, got %s", want.Format("2006-01-02"), next.Format("2006-01-02"))
	}
}

func TestNextOccurrenceNoMatch(t *testing.T) {
	// Feb 30 never exists.
	if next := NextOccurrence("0 9 30 2 *", time.Now()); !next.IsZero() {
		t.Errorf("expected zero time, got %s", next)
	}
}

func TestTaskMatchesDateStartDateGate(t *testing.T) {
	today := time.Now()
	tomorrow := today.AddDate(0, 0, 1)
	task := models.ScheduledTask{
		CronExpr:  "0 9 * * *",
		StartDate: tomorrow.Format("2006-01-02"),
	}
	if TaskMatchesDate(task, today) {
		t.Error("task must not match a date before its start date")
	}
	if !TaskMatchesDate(task, tomorrow) {
		t.Error("task should match its start date")
	}
}

func TestTaskMatchesDateOneShot(t *testing.T) {
	task := models.ScheduledTask{
		CronExpr: "0 9 * * *",
		OneShot:  true,
	}
	today := time.Now()
	if !TaskMatchesDate(task, today) {
		t.Error("one-shot daily task should match its next occurrence (today)")
	}
	if TaskMatchesDate(task, today.AddDate(0, 0, 1)) {
		t.Error("one-shot task must match exactly one date")
	}
}
