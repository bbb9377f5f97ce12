package automation

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed baseline.yaml
var baselineYAML []byte

// LoadRuleSetYAML decodes a YAML rule set document. The document uses the
// same field names as the JSON wire format.
func LoadRuleSetYAML(data []byte) (RuleSet, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RuleSet{}, fmt.Errorf("parse rule set yaml: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return RuleSet{}, fmt.Errorf("convert rule set yaml: %w", err)
	}
	var set RuleSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return RuleSet{}, fmt.Errorf("decode rule set: %w", err)
	}
	if set.Snippets == nil {
		set.Snippets = map[string]string{}
	}
	return Normalize(set), nil
}

// Baseline returns the built-in default rule set used by ResetBaseline.
func Baseline() RuleSet {
	set, err := LoadRuleSetYAML(baselineYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded baseline rule set is invalid: %v", err))
	}
	return set
}
