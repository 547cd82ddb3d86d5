package steps

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/protocol-bench/templates"
)

// Step inputs arrive as decoded YAML after template rendering, so numbers may
// be int, float64 or numeric strings. These readers accept all of them.

func stringField(in map[string]any, key string, required bool) (string, error) {
	v, ok := in[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%s: required field missing", key)
		}
		return "", nil
	}
	switch t := v.(type) {
	case string:
		if required && t == "" {
			return "", fmt.Errorf("%s: must not be empty", key)
		}
		return t, nil
	case int, int64, float64, bool:
		return fmt.Sprint(t), nil
	}
	return "", fmt.Errorf("%s: expected a string, got %T", key, v)
}

func intField(in map[string]any, key string, def int) (int, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t == float64(int(t)) {
			return int(t), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%s: expected an integer, got %v", key, v)
}

func floatField(in map[string]any, key string, def float64) (float64, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%s: expected a number, got %v", key, v)
}

func boolField(in map[string]any, key string, def bool) (bool, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b, nil
		}
	}
	return false, fmt.Errorf("%s: expected a boolean, got %v", key, v)
}

func mapField(in map[string]any, key string) (map[string]any, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a mapping, got %T", key, v)
	}
	return m, nil
}

// stringMap flattens a mapping of scalars, as used for headers and query
// parameters. Non-string values are JSON-encoded.
func stringMap(in map[string]any, key string) (map[string]string, error) {
	m, err := mapField(in, key)
	if err != nil || m == nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		case int, int64, float64, bool:
			out[k] = fmt.Sprint(t)
		default:
			data, err := sonic.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", key, k, err)
			}
			out[k] = string(data)
		}
	}
	return out, nil
}

// exclusive returns the single key of keys present in in. More than one is
// an error; none is an error only when required.
func exclusive(in map[string]any, required bool, keys ...string) (string, error) {
	var found []string
	for _, k := range keys {
		if _, ok := in[k]; ok {
			found = append(found, k)
		}
	}
	switch {
	case len(found) > 1:
		return "", fmt.Errorf("only one of %s may be set", strings.Join(keys, ", "))
	case len(found) == 0 && required:
		return "", fmt.Errorf("one of %s is required", strings.Join(keys, ", "))
	case len(found) == 0:
		return "", nil
	}
	return found[0], nil
}

// literal reports whether a raw value can be type-checked before rendering.
func literal(v any) bool {
	s, ok := v.(string)
	return !ok || !templates.IsTemplate(s)
}

// hasTemplate reports whether any string inside v is a template.
func hasTemplate(v any) bool {
	switch t := v.(type) {
	case string:
		return templates.IsTemplate(t)
	case map[string]any:
		for _, e := range t {
			if hasTemplate(e) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if hasTemplate(e) {
				return true
			}
		}
	}
	return false
}
