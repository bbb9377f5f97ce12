package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/cadence/internal/automation"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
)

func RenderTable(out io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				continue
			}
			if l := visibleLen(cell); l > widths[i] {
				widths[i] = l
			}
		}
	}

	writeRow(out, headers, widths)
	writeDivider(out, widths)
	for _, row := range rows {
		writeRow(out, row, widths)
	}
}

func writeDivider(out io.Writer, widths []int) {
	for i, w := range widths {
		if i > 0 {
			fmt.Fprint(out, "  ")
		}
		fmt.Fprint(out, strings.Repeat("-", w))
	}
	fmt.Fprintln(out)
}

func writeRow(out io.Writer, cols []string, widths []int) {
	for i, w := range widths {
		val := ""
		if i < len(cols) {
			val = cols[i]
		}
		fmt.Fprint(out, padRight(val, w))
		if i < len(widths)-1 {
			fmt.Fprint(out, "  ")
		}
	}
	fmt.Fprintln(out)
}

func padRight(v string, width int) string {
	pad := width - visibleLen(v)
	if pad <= 0 {
		return v
	}
	return v + strings.Repeat(" ", pad)
}

func visibleLen(s string) int {
	inEscape := false
	count := 0
	for _, ch := range s {
		if inEscape {
			if ch == 'm' {
				inEscape = false
			}
			continue
		}
		if ch == 27 {
			inEscape = true
			continue
		}
		count++
	}
	return count
}

// RuleState summarizes a rule's runtime status for the table view.
func RuleState(rule automation.Rule, st automation.Status) string {
	switch {
	case st.Completed:
		return ansiGreen + "completed" + ansiReset
	case st.LastError != "":
		return ansiRed + "failing" + ansiReset
	case !rule.Enabled:
		return ansiYellow + "disabled" + ansiReset
	default:
		return "armed"
	}
}

// DescribeTrigger renders a trigger in one short cell.
func DescribeTrigger(t automation.Trigger) string {
	switch tr := t.(type) {
	case automation.IntervalTrigger:
		return "every " + (time.Duration(tr.EverySeconds) * time.Second).String()
	case automation.CronTrigger:
		if tr.Timezone != "" {
			return fmt.Sprintf("cron %q %s", tr.Expression, tr.Timezone)
		}
		return fmt.Sprintf("cron %q", tr.Expression)
	case automation.AtTrigger:
		return "at " + tr.At.Format(time.RFC3339)
	default:
		return "-"
	}
}

// DescribeAction renders an action in one short cell.
func DescribeAction(a automation.Action) string {
	switch act := a.(type) {
	case automation.NotifyAction:
		if act.Snippet != "" {
			return "notify snippet:" + act.Snippet
		}
		return "notify " + strconv.Quote(Truncate(act.Message, 32))
	case automation.GroupStateAction:
		return "state -> " + act.TargetState
	case automation.ActorControlAction:
		return act.Operation + " " + strings.Join(act.Targets, ",")
	default:
		return "-"
	}
}

func PrintJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func FormatTimeOrDash(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
