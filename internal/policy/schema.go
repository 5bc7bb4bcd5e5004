package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ruleListSchema is enforced on every policy write. Reads stay lenient so
// rows written by older versions keep loading; unknown keys are allowed
// for the same reason.
const ruleListSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["action"],
    "properties": {
      "action": {"type": "string", "minLength": 1},
      "resource": {"type": "string"},
      "conditions": {
        "type": "object",
        "properties": {
          "env": {"type": "array", "items": {"type": "string"}},
          "time_range": {
            "type": "object",
            "properties": {
              "start": {"type": "string", "pattern": "^[0-9]{1,2}:[0-9]{1,2}$"},
              "end": {"type": "string", "pattern": "^[0-9]{1,2}:[0-9]{1,2}$"},
              "tz": {"type": "string"}
            }
          },
          "day_of_week": {
            "type": "array",
            "items": {"type": "string", "enum": ["Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"]}
          }
        }
      }
    }
  }
}`

var compiledRuleSchema = mustCompileRuleSchema()

func mustCompileRuleSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://agentguard.local/schemas/rules.schema.json"
	if err := c.AddResource(url, strings.NewReader(ruleListSchema)); err != nil {
		panic(fmt.Sprintf("rule schema: %v", err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("rule schema: %v", err))
	}
	return schema
}

// ParseRules validates a raw rule list against the write schema and
// decodes it. A missing list is an empty one.
func ParseRules(raw json.RawMessage) ([]Rule, error) {
	if len(raw) == 0 {
		return []Rule{}, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("rules must be a JSON array: %w", err)
	}
	if err := compiledRuleSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid rule list: %w", err)
	}

	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if rules == nil {
		rules = []Rule{}
	}
	return rules, nil
}
