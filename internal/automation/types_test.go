package automation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRuleJSONUsesKindDiscriminator(t *testing.T) {
	rule := Rule{
		ID:      "pause",
		Enabled: true,
		Scope:   ScopeGroup,
		Trigger: AtTrigger{At: time.Date(2026, 3, 6, 18, 0, 0, 0, time.UTC)},
		Action:  GroupStateAction{TargetState: StatePaused},
	}
	data, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"kind":"at"`) || !strings.Contains(string(data), `"kind":"group_state"`) {
		t.Fatalf("missing discriminators: %s", data)
	}

	var back Rule
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if at, ok := back.Trigger.(AtTrigger); !ok || !at.At.Equal(rule.Trigger.(AtTrigger).At) {
		t.Fatalf("trigger = %#v", back.Trigger)
	}
	if gs, ok := back.Action.(GroupStateAction); !ok || gs.TargetState != StatePaused {
		t.Fatalf("action = %#v", back.Action)
	}
}

func TestRuleJSONRejectsUnknownKinds(t *testing.T) {
	docs := []string{
		`{"id":"x","trigger":{"kind":"lunar"},"action":{"kind":"notify","message":"hi"}}`,
		`{"id":"x","trigger":{"kind":"interval","every_seconds":5},"action":{"kind":"explode"}}`,
	}
	for _, doc := range docs {
		var r Rule
		if err := json.Unmarshal([]byte(doc), &r); err == nil {
			t.Fatalf("expected decode error for %s", doc)
		}
	}
}

func TestRuleSetCloneIsDeep(t *testing.T) {
	set := RuleSet{
		Rules: []Rule{{
			ID:         "r",
			Recipients: []string{"a"},
			Trigger:    AtTrigger{At: testNow},
			Action:     ActorControlAction{Operation: OperationStart, Targets: []string{"bot"}},
		}},
		Snippets: map[string]string{"s": "v"},
	}
	clone := set.Clone()
	clone.Rules[0].Recipients[0] = "changed"
	clone.Rules[0].Action.(ActorControlAction).Targets[0] = "changed"
	clone.Snippets["s"] = "changed"

	if set.Rules[0].Recipients[0] != "a" {
		t.Fatal("recipients shared with clone")
	}
	if set.Rules[0].Action.(ActorControlAction).Targets[0] != "bot" {
		t.Fatal("targets shared with clone")
	}
	if set.Snippets["s"] != "v" {
		t.Fatal("snippets shared with clone")
	}
}

func TestBaselineIsValid(t *testing.T) {
	base := Baseline()
	if len(base.Rules) == 0 {
		t.Fatal("baseline has no rules")
	}
	for _, r := range base.Rules {
		if r.Enabled {
			t.Fatalf("baseline rule %q should start disabled", r.ID)
		}
	}
	if err := Validate(base, RuleSet{}, testNow); err != nil {
		t.Fatalf("baseline does not validate: %v", err)
	}
}
