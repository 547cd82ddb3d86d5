package model

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ============================================================================
// SCHEMA VALIDATOR
// ============================================================================

// SchemaValidator compiles and caches JSON Schemas. Safe for concurrent use;
// subscription filters validate from listener goroutines.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

const schemaResource = "schema.json"

func (v *SchemaValidator) Compile(schema any) (*jsonschema.Schema, error) {
	data, err := sonic.ConfigStd.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	key := string(data)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(schemaResource, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	compiled, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

// Validate checks instance against schema. Non-conformance is reported as a
// *SchemaValidationError; any other error means the schema itself is unusable.
func (v *SchemaValidator) Validate(instance any, schema any) error {
	compiled, err := v.Compile(schema)
	if err != nil {
		return err
	}
	normalized, err := NormalizeJSON(instance)
	if err != nil {
		return err
	}
	err = compiled.Validate(normalized)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	violations := make([]SchemaViolation, 0)
	collectViolations(ve, &violations)
	return &SchemaValidationError{Violations: violations}
}

// collectViolations keeps the leaves of the validator's cause tree, which
// name the exact keyword and instance location that failed.
func collectViolations(ve *jsonschema.ValidationError, out *[]SchemaViolation) {
	if len(ve.Causes) == 0 {
		*out = append(*out, SchemaViolation{
			InstancePath: ve.InstanceLocation,
			KeywordPath:  ve.KeywordLocation,
			Message:      ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		collectViolations(c, out)
	}
}

// ============================================================================
// ASSERTION EVALUATOR
// ============================================================================

type AssertionEvaluator struct {
	validator *SchemaValidator
}

func NewAssertionEvaluator(validator *SchemaValidator) *AssertionEvaluator {
	if validator == nil {
		validator = NewSchemaValidator()
	}
	return &AssertionEvaluator{validator: validator}
}

// Evaluate runs every check present in expect against output. A nil or empty
// block yields no results, which counts as success.
func (e *AssertionEvaluator) Evaluate(output any, expect *Expect) []AssertionResult {
	if expect.IsEmpty() {
		return nil
	}
	results := make([]AssertionResult, 0, 4)
	if expect.StatusCode != nil {
		results = append(results, e.evalStatusCode(output, *expect.StatusCode))
	}
	if expect.Count != nil {
		results = append(results, e.evalCount(output, *expect.Count))
	}
	if expect.Topic != nil {
		results = append(results, e.evalTopic(output, *expect.Topic))
	}
	if expect.JSONSchema != nil {
		results = append(results, e.evalJSONSchema(output, expect.JSONSchema))
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func (e *AssertionEvaluator) evalStatusCode(output any, expected int) AssertionResult {
	resp, ok := output.(*HTTPResponse)
	if !ok {
		return AssertionResult{
			Type:    CheckStatusCode,
			Passed:  false,
			Message: fmt.Sprintf("status_code: output of type %T has no status code", output),
		}
	}
	if resp.StatusCode != expected {
		return AssertionResult{
			Type:    CheckStatusCode,
			Passed:  false,
			Message: fmt.Sprintf("status_code: expected %d, got %d", expected, resp.StatusCode),
			Details: map[string]interface{}{"expected": expected, "actual": resp.StatusCode},
		}
	}
	return AssertionResult{
		Type:    CheckStatusCode,
		Passed:  true,
		Message: fmt.Sprintf("status_code is %d", expected),
	}
}

func (e *AssertionEvaluator) evalCount(output any, expected int) AssertionResult {
	var (
		actual   int
		timedOut bool
		waited   int64
	)
	switch o := output.(type) {
	case *MessageBatch:
		actual, timedOut, waited = o.Count, o.TimedOut, o.WaitedMs
	case *MessageBuffer:
		actual = o.Pending()
	case []Message:
		actual = len(o)
	case []any:
		actual = len(o)
	default:
		return AssertionResult{
			Type:    CheckCount,
			Passed:  false,
			Message: fmt.Sprintf("count: output of type %T has no item count", output),
		}
	}

	details := map[string]interface{}{"expected": expected, "actual": actual}
	if actual == expected {
		return AssertionResult{
			Type:    CheckCount,
			Passed:  true,
			Message: fmt.Sprintf("count is %d", expected),
			Details: details,
		}
	}
	msg := fmt.Sprintf("count: expected %d, got %d", expected, actual)
	if timedOut {
		details["timedOut"] = true
		msg = fmt.Sprintf("%s: expected %d message(s), got %d after %dms", KindTimeout, expected, actual, waited)
	}
	return AssertionResult{Type: CheckCount, Passed: false, Message: msg, Details: details}
}

func (e *AssertionEvaluator) evalTopic(output any, expected string) AssertionResult {
	var topics []string
	switch o := output.(type) {
	case *MessageBatch:
		for _, m := range o.Messages {
			topics = append(topics, m.Topic)
		}
	case *MessageBuffer:
		for _, m := range o.Snapshot() {
			topics = append(topics, m.Topic)
		}
	case Message:
		topics = append(topics, o.Topic)
	case *PublishAck:
		topics = append(topics, o.Topic)
	default:
		return AssertionResult{
			Type:    CheckTopic,
			Passed:  false,
			Message: fmt.Sprintf("topic: output of type %T has no topic", output),
		}
	}
	if len(topics) == 0 {
		return AssertionResult{
			Type:    CheckTopic,
			Passed:  false,
			Message: "topic: no message to compare",
		}
	}
	for i, t := range topics {
		if t != expected {
			return AssertionResult{
				Type:    CheckTopic,
				Passed:  false,
				Message: fmt.Sprintf("topic: expected %q, got %q (message %d)", expected, t, i),
				Details: map[string]interface{}{"expected": expected, "actual": t, "index": i},
			}
		}
	}
	return AssertionResult{
		Type:    CheckTopic,
		Passed:  true,
		Message: fmt.Sprintf("topic is %q", expected),
	}
}

func (e *AssertionEvaluator) evalJSONSchema(output any, schema any) AssertionResult {
	instances, err := jsonInstances(output)
	if err != nil {
		return AssertionResult{
			Type:    CheckJSONSchema,
			Passed:  false,
			Message: "json_schema: " + err.Error(),
		}
	}
	if len(instances) == 0 {
		return AssertionResult{
			Type:    CheckJSONSchema,
			Passed:  false,
			Message: "json_schema: no payload to validate",
		}
	}
	for i, inst := range instances {
		err := e.validator.Validate(inst, schema)
		if err == nil {
			continue
		}
		var sve *SchemaValidationError
		if errors.As(err, &sve) {
			msg := "json_schema: " + sve.Error()
			if len(instances) > 1 {
				msg = fmt.Sprintf("json_schema: message %d: %s", i, sve.Error())
			}
			return AssertionResult{
				Type:    CheckJSONSchema,
				Passed:  false,
				Message: msg,
				Details: map[string]interface{}{"errors": sve.Violations, "index": i},
			}
		}
		return AssertionResult{
			Type:    CheckJSONSchema,
			Passed:  false,
			Message: "json_schema: " + err.Error(),
		}
	}
	return AssertionResult{
		Type:    CheckJSONSchema,
		Passed:  true,
		Message: "payload matches schema",
	}
}

// jsonInstances returns the JSON values a schema check applies to: the parsed
// body of a response, each consumed message payload, or the value itself.
func jsonInstances(output any) ([]any, error) {
	switch o := output.(type) {
	case *HTTPResponse:
		v, err := o.JSON()
		if err != nil {
			return nil, fmt.Errorf("response body: %w", err)
		}
		return []any{v}, nil
	case *ToolResult:
		v, err := o.JSON()
		if err != nil {
			return nil, fmt.Errorf("tool result: %w", err)
		}
		return []any{v}, nil
	case *MessageBatch:
		return messageInstances(o.Messages)
	case *MessageBuffer:
		return messageInstances(o.Snapshot())
	case Message:
		return messageInstances([]Message{o})
	case []byte:
		v, err := ParseJSON(o)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	case nil:
		return nil, fmt.Errorf("step produced no output")
	default:
		return []any{o}, nil
	}
}

func messageInstances(msgs []Message) ([]any, error) {
	out := make([]any, 0, len(msgs))
	for i, m := range msgs {
		v, err := m.JSON()
		if err != nil {
			return nil, fmt.Errorf("message %d payload: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
