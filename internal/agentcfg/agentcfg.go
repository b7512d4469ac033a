// Package agentcfg models the agent configuration document: a JSON object
// with a fixed set of recognized keys plus an opaque extension map. Unknown
// keys round-trip untouched but are never validated or interpreted by the
// supervisor. Validation is table-driven so the bounds live in one place.
package agentcfg

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Bounds for the recognized numeric fields.
const (
	TemperatureMin = 0.0
	TemperatureMax = 2.0
	MaxTokensMin   = 1
	MaxTokensMax   = 32000
	TimeoutMin     = 1
	TimeoutMax     = 300
	PortMin        = 1024
	PortMax        = 65535
)

// Config is the parsed form of an agent config document. Pointer fields
// distinguish "absent" from zero values; Extra holds unrecognized keys
// verbatim so they survive a parse/serialize round trip.
type Config struct {
	Model          string
	Temperature    *float64
	MaxTokens      *int
	TimeoutSeconds *int
	RetryAttempts  *int
	SystemPrompt   *string
	Tools          []string
	Port           *int

	Extra map[string]json.RawMessage
}

// FieldError describes a single invalid or malformed config field.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("config field %q: %s", e.Field, e.Reason)
}

// ValidationError aggregates every FieldError found in one pass so API
// clients see all problems at once instead of fixing them one by one.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return "invalid agent config: " + strings.Join(msgs, "; ")
}

// recognizedKeys maps each known document key to a decoder that populates
// the corresponding Config field. Decoding failures become FieldErrors
// rather than aborting the whole parse.
var recognizedKeys = map[string]func(c *Config, raw json.RawMessage) error{
	"model": func(c *Config, raw json.RawMessage) error {
		return json.Unmarshal(raw, &c.Model)
	},
	"temperature": func(c *Config, raw json.RawMessage) error {
		return json.Unmarshal(raw, &c.Temperature)
	},
	"max_tokens": func(c *Config, raw json.RawMessage) error {
		return json.Unmarshal(raw, &c.MaxTokens)
	},
	"timeout_seconds": func(c *Config, raw json.RawMessage) error {
		return json.Unmarshal(raw, &c.TimeoutSeconds)
	},
	"retry_attempts": func(c *Config, raw json.RawMessage) error {
		return json.Unmarshal(raw, &c.RetryAttempts)
	},
	"system_prompt": func(c *Config, raw json.RawMessage) error {
		return json.Unmarshal(raw, &c.SystemPrompt)
	},
	"tools": func(c *Config, raw json.RawMessage) error {
		return json.Unmarshal(raw, &c.Tools)
	},
	"port": func(c *Config, raw json.RawMessage) error {
		return json.Unmarshal(raw, &c.Port)
	},
}

// Parse decodes a config document. A key of the wrong JSON type is reported
// as a ValidationError; unknown keys are preserved in Extra.
func Parse(doc []byte) (*Config, error) {
	if len(doc) == 0 {
		doc = []byte("{}")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, fmt.Errorf("agentcfg: config must be a JSON object: %w", err)
	}

	cfg := &Config{}
	var verr ValidationError

	for key, raw := range obj {
		decode, ok := recognizedKeys[key]
		if !ok {
			if cfg.Extra == nil {
				cfg.Extra = make(map[string]json.RawMessage)
			}
			cfg.Extra[key] = raw
			continue
		}
		if err := decode(cfg, raw); err != nil {
			verr.Fields = append(verr.Fields, FieldError{Field: key, Reason: "wrong type"})
		}
	}

	if len(verr.Fields) > 0 {
		sortFieldErrors(verr.Fields)
		return nil, &verr
	}
	return cfg, nil
}

// validation rules, applied in order. Each rule checks one recognized field
// and returns a reason string when the value is out of bounds.
var rules = []struct {
	field string
	check func(c *Config) string
}{
	{"model", func(c *Config) string {
		if c.Model == "" {
			return "required"
		}
		return ""
	}},
	{"temperature", func(c *Config) string {
		if c.Temperature != nil && (*c.Temperature < TemperatureMin || *c.Temperature > TemperatureMax) {
			return fmt.Sprintf("must be between %g and %g", TemperatureMin, TemperatureMax)
		}
		return ""
	}},
	{"max_tokens", func(c *Config) string {
		if c.MaxTokens != nil && (*c.MaxTokens < MaxTokensMin || *c.MaxTokens > MaxTokensMax) {
			return fmt.Sprintf("must be between %d and %d", MaxTokensMin, MaxTokensMax)
		}
		return ""
	}},
	{"timeout_seconds", func(c *Config) string {
		if c.TimeoutSeconds != nil && (*c.TimeoutSeconds < TimeoutMin || *c.TimeoutSeconds > TimeoutMax) {
			return fmt.Sprintf("must be between %d and %d", TimeoutMin, TimeoutMax)
		}
		return ""
	}},
	{"retry_attempts", func(c *Config) string {
		if c.RetryAttempts != nil && *c.RetryAttempts < 0 {
			return "must not be negative"
		}
		return ""
	}},
	{"port", func(c *Config) string {
		if c.Port != nil && (*c.Port < PortMin || *c.Port > PortMax) {
			return fmt.Sprintf("must be between %d and %d", PortMin, PortMax)
		}
		return ""
	}},
}

// Validate checks the recognized fields against the rule table.
// Extension keys are never validated.
func (c *Config) Validate() error {
	var verr ValidationError
	for _, r := range rules {
		if reason := r.check(c); reason != "" {
			verr.Fields = append(verr.Fields, FieldError{Field: r.field, Reason: reason})
		}
	}
	if len(verr.Fields) > 0 {
		return &verr
	}
	return nil
}

// MarshalJSON serializes the document with recognized keys and extension
// keys merged back into a single object.
func (c *Config) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(c.Extra)+8)
	for k, v := range c.Extra {
		obj[k] = v
	}
	if c.Model != "" {
		obj["model"] = c.Model
	}
	if c.Temperature != nil {
		obj["temperature"] = *c.Temperature
	}
	if c.MaxTokens != nil {
		obj["max_tokens"] = *c.MaxTokens
	}
	if c.TimeoutSeconds != nil {
		obj["timeout_seconds"] = *c.TimeoutSeconds
	}
	if c.RetryAttempts != nil {
		obj["retry_attempts"] = *c.RetryAttempts
	}
	if c.SystemPrompt != nil {
		obj["system_prompt"] = *c.SystemPrompt
	}
	if c.Tools != nil {
		obj["tools"] = c.Tools
	}
	if c.Port != nil {
		obj["port"] = *c.Port
	}
	return json.Marshal(obj)
}

// UnmarshalJSON makes Config usable directly in request body structs.
func (c *Config) UnmarshalJSON(doc []byte) error {
	parsed, err := Parse(doc)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// Merge deep-merges an override document on top of a base document and
// returns the resulting JSON. Nested objects merge recursively; scalars and
// arrays from the override replace the base value. This is the template
// defaulting rule: the user-supplied config always wins on conflict.
func Merge(base, override []byte) ([]byte, error) {
	baseObj, err := decodeObject(base)
	if err != nil {
		return nil, fmt.Errorf("agentcfg: template config: %w", err)
	}
	overObj, err := decodeObject(override)
	if err != nil {
		return nil, fmt.Errorf("agentcfg: override config: %w", err)
	}
	return json.Marshal(mergeObjects(baseObj, overObj))
}

func decodeObject(doc []byte) (map[string]any, error) {
	if len(doc) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func mergeObjects(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		overMap, overIsMap := v.(map[string]any)
		baseMap, baseIsMap := out[k].(map[string]any)
		if overIsMap && baseIsMap {
			out[k] = mergeObjects(baseMap, overMap)
			continue
		}
		out[k] = v
	}
	return out
}

func sortFieldErrors(fields []FieldError) {
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
}
