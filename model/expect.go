package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Expect is the assertion block of a step. Every present check must hold.
type Expect struct {
	StatusCode *int
	Count      *int
	Topic      *string
	JSONSchema any
}

const (
	CheckStatusCode = "status_code"
	CheckCount      = "count"
	CheckTopic      = "topic"
	CheckJSONSchema = "json_schema"
)

// IsEmpty reports whether the block carries no checks.
func (e *Expect) IsEmpty() bool {
	return e == nil || (e.StatusCode == nil && e.Count == nil && e.Topic == nil && e.JSONSchema == nil)
}

// DecodeExpect builds an Expect from a (possibly rendered) expect mapping.
func DecodeExpect(m map[string]any) (*Expect, error) {
	e := &Expect{}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		switch k {
		case CheckStatusCode:
			code, err := intValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if code < 100 || code > 599 {
				return nil, fmt.Errorf("%s: %d is not an HTTP status code", k, code)
			}
			e.StatusCode = &code
		case CheckCount:
			n, err := intValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if n < 0 {
				return nil, fmt.Errorf("%s: must not be negative", k)
			}
			e.Count = &n
		case CheckTopic:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s: must be a string", k)
			}
			e.Topic = &s
		case CheckJSONSchema:
			switch v.(type) {
			case map[string]any, bool:
				e.JSONSchema = v
			default:
				return nil, fmt.Errorf("%s: must be a schema object or boolean", k)
			}
		default:
			return nil, fmt.Errorf("unknown expectation %q (supported: %s)", k,
				strings.Join([]string{CheckStatusCode, CheckCount, CheckTopic, CheckJSONSchema}, ", "))
		}
	}
	return e, nil
}

// intValue accepts integers, integral floats and numeric strings (the latter
// appear after template rendering).
func intValue(v any) (int, error) {
	if n, ok := toInt(v); ok {
		return n, nil
	}
	if s, ok := v.(string); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("expected an integer, got %v", v)
}
