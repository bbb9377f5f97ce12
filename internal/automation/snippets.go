package automation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Template variables available to notify content.
const (
	VarIntervalMinutes = "interval_minutes"
	VarIntervalSeconds = "interval_seconds"
	VarScopeTitle      = "scope_title"
	VarRecipients      = "recipients"
	VarScheduledAt     = "scheduled_at"
	VarRuleID          = "rule_id"
	VarNow             = "now"
)

// Variable documents one supported template variable.
type Variable struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var supportedVariables = []Variable{
	{VarIntervalMinutes, "interval length in minutes (interval triggers)"},
	{VarIntervalSeconds, "interval length in seconds (interval triggers)"},
	{VarScopeTitle, "display title of the owning scope"},
	{VarRecipients, "comma-separated recipient list"},
	{VarScheduledAt, "the instant the rule was scheduled to fire (RFC 3339)"},
	{VarRuleID, "id of the firing rule"},
	{VarNow, "dispatch time (RFC 3339)"},
}

// SupportedVariables lists the variables the dispatcher fills in.
func SupportedVariables() []Variable {
	return append([]Variable(nil), supportedVariables...)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render substitutes {{name}} placeholders. Unknown names are left as written.
func Render(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// RenderContext carries what the dispatcher knows when a rule fires.
type RenderContext struct {
	Rule        Rule
	ScopeTitle  string
	ScheduledAt time.Time
	Now         time.Time
}

// Variables builds the substitution map for one firing.
func (c RenderContext) Variables() map[string]string {
	vars := map[string]string{
		VarScopeTitle:  c.ScopeTitle,
		VarRecipients:  strings.Join(c.Rule.Recipients, ", "),
		VarRuleID:      c.Rule.ID,
		VarNow:         c.Now.UTC().Format(time.RFC3339),
		VarScheduledAt: c.ScheduledAt.UTC().Format(time.RFC3339),
	}
	if it, ok := c.Rule.Trigger.(IntervalTrigger); ok {
		vars[VarIntervalSeconds] = strconv.FormatInt(it.EverySeconds, 10)
		vars[VarIntervalMinutes] = strconv.FormatInt(it.EverySeconds/60, 10)
	}
	return vars
}

// Content resolves a notify action to its template text.
func Content(action NotifyAction, snippets map[string]string) (string, bool) {
	if name := strings.TrimSpace(action.Snippet); name != "" {
		tmpl, ok := snippets[name]
		return tmpl, ok
	}
	return action.Message, strings.TrimSpace(action.Message) != ""
}
