package model

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func msg(topic, payload string) Message {
	return Message{Topic: topic, Payload: []byte(payload)}
}

var catFactSchema = map[string]any{
	"type":     "object",
	"required": []any{"fact", "length"},
	"properties": map[string]any{
		"fact":   map[string]any{"type": "string"},
		"length": map[string]any{"type": "integer", "minimum": 1},
	},
}

func TestEvaluate(t *testing.T) {
	ev := NewAssertionEvaluator(nil)
	resp := &HTTPResponse{StatusCode: 200, Body: `{"fact":"Cats purr.","length":10}`}

	tests := []struct {
		name    string
		output  any
		expect  *Expect
		passed  []bool
		message string
	}{
		{"no expect", resp, nil, nil, ""},
		{"status ok", resp, &Expect{StatusCode: intp(200)}, []bool{true}, "status_code is 200"},
		{"status mismatch", resp, &Expect{StatusCode: intp(404)}, []bool{false}, "status_code: expected 404, got 200"},
		{"status on message", msg("a", "{}"), &Expect{StatusCode: intp(200)}, []bool{false}, "has no status code"},
		{"schema ok", resp, &Expect{JSONSchema: catFactSchema}, []bool{true}, "payload matches schema"},
		{"schema violation", &HTTPResponse{StatusCode: 200, Body: `{"fact":1,"length":0}`},
			&Expect{JSONSchema: catFactSchema}, []bool{false}, "/fact"},
		{"schema on non-json body", &HTTPResponse{Body: "<html>"},
			&Expect{JSONSchema: catFactSchema}, []bool{false}, "response body"},
		{"schema false", resp, &Expect{JSONSchema: false}, []bool{false}, "schema validation failed"},
		{"count on batch", &MessageBatch{Count: 2, Messages: []Message{msg("a", "1"), msg("a", "2")}},
			&Expect{Count: intp(2)}, []bool{true}, "count is 2"},
		{"count timed out", &MessageBatch{Count: 1, TimedOut: true, WaitedMs: 500, Messages: []Message{msg("a", "1")}},
			&Expect{Count: intp(3)}, []bool{false}, "Timeout: expected 3 message(s), got 1 after 500ms"},
		{"count on list", []any{1, 2, 3}, &Expect{Count: intp(3)}, []bool{true}, "count is 3"},
		{"count on response", resp, &Expect{Count: intp(1)}, []bool{false}, "has no item count"},
		{"topic all match", &MessageBatch{Messages: []Message{msg("d/7", "1"), msg("d/7", "2")}},
			&Expect{Topic: strp("d/7")}, []bool{true}, `topic is "d/7"`},
		{"topic second differs", &MessageBatch{Messages: []Message{msg("d/7", "1"), msg("d/8", "2")}},
			&Expect{Topic: strp("d/7")}, []bool{false}, `got "d/8" (message 1)`},
		{"topic empty batch", &MessageBatch{}, &Expect{Topic: strp("d/7")}, []bool{false}, "no message to compare"},
		{"topic on ack", &PublishAck{Topic: "cmd"}, &Expect{Topic: strp("cmd")}, []bool{true}, ""},
		{"schema per message", &MessageBatch{Messages: []Message{msg("a", `{"ok":true}`), msg("a", `{"ok":"yes"}`)}},
			&Expect{JSONSchema: map[string]any{"properties": map[string]any{"ok": map[string]any{"type": "boolean"}}}},
			[]bool{false}, "message 1"},
		{"schema without payload", &MessageBatch{}, &Expect{JSONSchema: map[string]any{}}, []bool{false}, "no payload"},
		{"schema on tool result", &ToolResult{Structured: map[string]any{"fact": "x", "length": 1}},
			&Expect{JSONSchema: catFactSchema}, []bool{true}, ""},
		{"all checks in order", resp, &Expect{StatusCode: intp(200), JSONSchema: catFactSchema},
			[]bool{true, true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := ev.Evaluate(tt.output, tt.expect)
			got := make([]bool, len(results))
			for i, r := range results {
				got[i] = r.Passed
			}
			if len(tt.passed) == 0 {
				assert.Empty(t, results)
				assert.True(t, AllPassed(results))
				return
			}
			assert.Equal(t, tt.passed, got)
			if tt.message != "" {
				assert.Contains(t, results[0].Message, tt.message)
			}
		})
	}
}

func TestEvaluate_SchemaViolationDetails(t *testing.T) {
	ev := NewAssertionEvaluator(NewSchemaValidator())
	results := ev.Evaluate(&HTTPResponse{Body: `{"fact":"x","length":"long"}`}, &Expect{JSONSchema: catFactSchema})
	require.Len(t, results, 1)
	violations, ok := results[0].Details["errors"].([]SchemaViolation)
	require.True(t, ok)
	require.Len(t, violations, 1)
	assert.Equal(t, "/length", violations[0].InstancePath)
	assert.Contains(t, violations[0].KeywordPath, "type")
}

func TestSchemaValidator_CachesAndRejectsBadSchemas(t *testing.T) {
	v := NewSchemaValidator()
	a, err := v.Compile(catFactSchema)
	require.NoError(t, err)
	b, err := v.Compile(catFactSchema)
	require.NoError(t, err)
	assert.Same(t, a, b)

	err = v.Validate(map[string]any{}, map[string]any{"type": "no-such-type"})
	require.Error(t, err)
	var sve *SchemaValidationError
	assert.NotErrorAs(t, err, &sve)
}

func TestMessageBuffer(t *testing.T) {
	b := NewMessageBuffer("t/#")
	assert.True(t, b.Append(msg("t/1", "1")))
	assert.True(t, b.Append(msg("t/2", "2")))
	assert.True(t, b.Append(msg("t/3", "3")))

	assert.Equal(t, 3, b.Pending())
	assert.Len(t, b.Peek(), 3)
	assert.Equal(t, 3, b.Pending(), "peek does not consume")

	first := b.Consume(2)
	assert.Equal(t, []string{"t/1", "t/2"}, topics(first))
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, []string{"t/3"}, topics(b.Consume(-1)))
	assert.Empty(t, b.Consume(5))
	assert.Equal(t, 3, b.Len())
	assert.Len(t, b.Snapshot(), 3, "consumed messages stay in the snapshot")

	b.Close()
	assert.True(t, b.Closed())
	assert.False(t, b.Append(msg("t/4", "4")))
	assert.Equal(t, 3, b.Len())
}

func topics(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Topic
	}
	return out
}

func TestMessageBuffer_WaitFor(t *testing.T) {
	b := NewMessageBuffer("t")
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(5 * time.Millisecond)
			b.Append(msg("t", "x"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := b.WaitFor(ctx, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)

	n, err = b.WaitFor(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	n, err = b.WaitFor(short, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, n)
}

func TestMessageBuffer_ConcurrentAppend(t *testing.T) {
	b := NewMessageBuffer("t")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Append(msg("t", "x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Pending())
}

func TestCaseRecorder(t *testing.T) {
	tc := &TestCase{ID: "c", Name: "Case", Steps: []*Step{{ID: "a"}, {ID: "b"}}}
	rec := NewCaseRecorder(tc)
	assert.Equal(t, StatePending, rec.State())

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec.Start(start)
	assert.Equal(t, StateRunning, rec.State())

	assertions := []AssertionResult{{Type: CheckCount, Passed: true}}
	rec.Record(StepResult{StepID: "a", Verdict: VerdictPass, Assertions: assertions})
	assertions[0].Passed = false
	rec.Record(StepResult{StepID: "b", Verdict: VerdictSkipped, Message: "not executed"})

	got := rec.Finish(StateAborted, start.Add(1500*time.Millisecond))
	want := CaseResult{
		CaseID:     "c",
		Name:       "Case",
		State:      StateAborted,
		Verdict:    VerdictFail,
		StartTime:  start,
		DurationMs: 1500,
		Steps: []StepResult{
			{StepID: "a", Verdict: VerdictPass, Assertions: []AssertionResult{{Type: CheckCount, Passed: true}}},
			{StepID: "b", Verdict: VerdictSkipped, Message: "not executed"},
		},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("case result mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, got.Passed())
}

func TestSuiteResult_Counts(t *testing.T) {
	s := &SuiteResult{Cases: []CaseResult{
		{CaseID: "a", Verdict: VerdictPass},
		{CaseID: "b", Verdict: VerdictFail},
		{CaseID: "c", Verdict: VerdictPass},
	}}
	assert.Equal(t, 2, s.CountPassed())
	assert.Equal(t, 1, s.CountFailed())
	assert.True(t, s.HasFailures())
	assert.False(t, (&SuiteResult{}).HasFailures())
}

func TestErrors(t *testing.T) {
	err := NetworkError("connect to broker:1883", context.DeadlineExceeded)
	err.StepID = "sub"
	assert.Equal(t, "Network error in step sub: connect to broker:1883: context deadline exceeded", err.Error())
	assert.True(t, IsKind(err, KindNetwork))
	assert.False(t, IsKind(err, KindTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pe := &ParseError{Path: "services.a", Reason: "alias cycle detected"}
	assert.Equal(t, "parse error: services.a: alias cycle detected", pe.Error())

	ue := &UnresolvedReferenceError{Template: "{{env.X}}", Name: "env.X"}
	assert.Contains(t, ue.Error(), `"env.X"`)

	af := &AssertionFailure{StepID: "s", Results: []AssertionResult{
		{Passed: true, Message: "fine"},
		{Passed: false, Message: "count: expected 1, got 0"},
	}}
	assert.Equal(t, "step s: count: expected 1, got 0", af.Error())
}
