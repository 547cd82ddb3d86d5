package model

import (
	"time"
)

// ============================================================================
// TEST RESULT
// ============================================================================

type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictError   Verdict = "error"
	VerdictSkipped Verdict = "skipped"
)

type CaseState string

const (
	StatePending   CaseState = "Pending"
	StateRunning   CaseState = "Running"
	StateCompleted CaseState = "Completed"
	StateAborted   CaseState = "Aborted"
)

type AssertionResult struct {
	Type    string                 `json:"type"`
	Passed  bool                   `json:"passed"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type StepResult struct {
	StepID     string            `json:"stepId"`
	Type       string            `json:"type"`
	Output     any               `json:"output,omitempty"`
	Verdict    Verdict           `json:"verdict"`
	Message    string            `json:"message,omitempty"`
	ErrorKind  ErrorKind         `json:"errorKind,omitempty"`
	Assertions []AssertionResult `json:"assertions,omitempty"`
	Background bool              `json:"background,omitempty"`
	StartTime  time.Time         `json:"startTime"`
	DurationMs int64             `json:"durationMs"`
}

// Failed reports whether the step counts against its test case.
func (r StepResult) Failed() bool {
	return r.Verdict != VerdictPass
}

type CaseResult struct {
	CaseID     string       `json:"caseId"`
	Name       string       `json:"name"`
	State      CaseState    `json:"state"`
	Verdict    Verdict      `json:"verdict"`
	Steps      []StepResult `json:"steps"`
	StartTime  time.Time    `json:"startTime"`
	DurationMs int64        `json:"durationMs"`
}

func (r CaseResult) Passed() bool {
	return r.Verdict == VerdictPass
}

// CaseRecorder accumulates StepResults for one test case. Recorded entries
// are never modified afterwards.
type CaseRecorder struct {
	result CaseResult
}

func NewCaseRecorder(tc *TestCase) *CaseRecorder {
	return &CaseRecorder{result: CaseResult{
		CaseID: tc.ID,
		Name:   tc.DisplayName(),
		State:  StatePending,
		Steps:  make([]StepResult, 0, len(tc.Steps)),
	}}
}

func (r *CaseRecorder) Start(now time.Time) {
	r.result.State = StateRunning
	r.result.StartTime = now
}

func (r *CaseRecorder) State() CaseState {
	return r.result.State
}

func (r *CaseRecorder) Record(step StepResult) {
	if step.Assertions != nil {
		step.Assertions = append([]AssertionResult(nil), step.Assertions...)
	}
	r.result.Steps = append(r.result.Steps, step)
}

// Finish fixes the final state and derives the case verdict: fail when any
// step did not pass.
func (r *CaseRecorder) Finish(state CaseState, now time.Time) CaseResult {
	r.result.State = state
	if !r.result.StartTime.IsZero() {
		r.result.DurationMs = now.Sub(r.result.StartTime).Milliseconds()
	}
	r.result.Verdict = VerdictPass
	for _, s := range r.result.Steps {
		if s.Failed() {
			r.result.Verdict = VerdictFail
			break
		}
	}
	out := r.result
	out.Steps = append([]StepResult(nil), r.result.Steps...)
	return out
}

type SuiteResult struct {
	Name       string       `json:"name"`
	Source     string       `json:"source,omitempty"`
	Cases      []CaseResult `json:"cases"`
	StartTime  time.Time    `json:"startTime"`
	DurationMs int64        `json:"durationMs"`
}

func (s *SuiteResult) HasFailures() bool {
	for _, c := range s.Cases {
		if !c.Passed() {
			return true
		}
	}
	return false
}

func (s *SuiteResult) CountPassed() int {
	n := 0
	for _, c := range s.Cases {
		if c.Passed() {
			n++
		}
	}
	return n
}

func (s *SuiteResult) CountFailed() int {
	return len(s.Cases) - s.CountPassed()
}
