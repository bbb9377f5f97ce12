package automation

import (
	"fmt"
	"strconv"
	"strings"
)

// Preset kinds the rule editor offers instead of raw cron.
const (
	PresetDaily   = "daily"
	PresetWeekly  = "weekly"
	PresetMonthly = "monthly"
)

// Preset is a calendar schedule expressed the way the editor shows it.
type Preset struct {
	Kind       string `json:"kind"`
	Hour       int    `json:"hour"`
	Minute     int    `json:"minute"`
	Weekday    int    `json:"weekday,omitempty"`
	DayOfMonth int    `json:"day_of_month,omitempty"`
}

// Cron renders the preset as a five-field expression.
func (p Preset) Cron() (string, error) {
	if p.Minute < 0 || p.Minute > 59 {
		return "", fmt.Errorf("minute %d out of range", p.Minute)
	}
	if p.Hour < 0 || p.Hour > 23 {
		return "", fmt.Errorf("hour %d out of range", p.Hour)
	}
	switch p.Kind {
	case PresetDaily:
		return fmt.Sprintf("%d %d * * *", p.Minute, p.Hour), nil
	case PresetWeekly:
		if p.Weekday < 0 || p.Weekday > 6 {
			return "", fmt.Errorf("weekday %d out of range", p.Weekday)
		}
		return fmt.Sprintf("%d %d * * %d", p.Minute, p.Hour, p.Weekday), nil
	case PresetMonthly:
		if p.DayOfMonth < 1 || p.DayOfMonth > 31 {
			return "", fmt.Errorf("day of month %d out of range", p.DayOfMonth)
		}
		return fmt.Sprintf("%d %d %d * *", p.Minute, p.Hour, p.DayOfMonth), nil
	default:
		return "", fmt.Errorf("unknown preset %q", p.Kind)
	}
}

// PresetFromCron recognizes preset-shaped expressions. Anything else, such as
// a restricted month or both day fields restricted, is not a preset.
func PresetFromCron(expr string) (Preset, bool) {
	if ValidateCronExpression(expr) != nil {
		return Preset{}, false
	}
	f := strings.Fields(expr)
	if f[0] == "*" || f[1] == "*" || f[3] != "*" {
		return Preset{}, false
	}
	minute, _ := strconv.Atoi(f[0])
	hour, _ := strconv.Atoi(f[1])

	switch {
	case f[2] == "*" && f[4] == "*":
		return Preset{Kind: PresetDaily, Hour: hour, Minute: minute}, true
	case f[2] == "*":
		wd, _ := strconv.Atoi(f[4])
		return Preset{Kind: PresetWeekly, Hour: hour, Minute: minute, Weekday: wd}, true
	case f[4] == "*":
		dom, _ := strconv.Atoi(f[2])
		return Preset{Kind: PresetMonthly, Hour: hour, Minute: minute, DayOfMonth: dom}, true
	default:
		return Preset{}, false
	}
}
