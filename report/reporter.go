// Package report receives the result feed of a run and renders the console
// summary.
package report

import (
	"sync"

	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
)

// Reporter is notified as a suite runs. Test cases may run in parallel, so
// implementations must be safe for concurrent use.
type Reporter interface {
	StartSuite(doc *model.Document)
	EndSuite(result *model.SuiteResult)
	StartCase(tc *model.TestCase)
	EndCase(result model.CaseResult)
	StartStep(caseID string, step *model.Step)
	EndStep(caseID string, result model.StepResult)
}

// MultiReporter forwards every event to each of its reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) StartSuite(doc *model.Document) {
	for _, r := range m {
		r.StartSuite(doc)
	}
}

func (m MultiReporter) EndSuite(result *model.SuiteResult) {
	for _, r := range m {
		r.EndSuite(result)
	}
}

func (m MultiReporter) StartCase(tc *model.TestCase) {
	for _, r := range m {
		r.StartCase(tc)
	}
}

func (m MultiReporter) EndCase(result model.CaseResult) {
	for _, r := range m {
		r.EndCase(result)
	}
}

func (m MultiReporter) StartStep(caseID string, step *model.Step) {
	for _, r := range m {
		r.StartStep(caseID, step)
	}
}

func (m MultiReporter) EndStep(caseID string, result model.StepResult) {
	for _, r := range m {
		r.EndStep(caseID, result)
	}
}

// Nop ignores every event.
type Nop struct{}

func (Nop) StartSuite(*model.Document) {}
func (Nop) EndSuite(*model.SuiteResult) {}
func (Nop) StartCase(*model.TestCase) {}
func (Nop) EndCase(model.CaseResult) {}
func (Nop) StartStep(string, *model.Step) {}
func (Nop) EndStep(string, model.StepResult) {}

// LogReporter writes every event to the global logger.
type LogReporter struct{}

func (LogReporter) StartSuite(doc *model.Document) {
	logger.Logger.Info("Starting test suite",
		"name", doc.Name,
		"source", doc.Source,
		"services", len(doc.Services),
		"cases", len(doc.TestCases))
}

func (LogReporter) EndSuite(result *model.SuiteResult) {
	logger.Logger.Info("Test suite completed",
		"name", result.Name,
		"passed", result.CountPassed(),
		"failed", result.CountFailed(),
		"duration_ms", result.DurationMs)
}

func (LogReporter) StartCase(tc *model.TestCase) {
	logger.Logger.Info("Running test case", "case", tc.ID, "steps", len(tc.Steps))
}

func (LogReporter) EndCase(result model.CaseResult) {
	if result.Passed() {
		logger.Logger.Info("Test case PASSED", "case", result.CaseID, "duration_ms", result.DurationMs)
		return
	}
	logger.Logger.Warn("Test case FAILED",
		"case", result.CaseID,
		"state", result.State,
		"duration_ms", result.DurationMs)
}

func (LogReporter) StartStep(caseID string, step *model.Step) {
	logger.Logger.Debug("Running step", "case", caseID, "step", step.ID, "type", step.Type)
}

func (LogReporter) EndStep(caseID string, result model.StepResult) {
	args := []any{
		"case", caseID,
		"step", result.StepID,
		"verdict", result.Verdict,
		"duration_ms", result.DurationMs,
	}
	switch result.Verdict {
	case model.VerdictPass:
		logger.Logger.Debug("Step completed", args...)
	case model.VerdictSkipped:
		logger.Logger.Info("Step skipped", append(args, "reason", result.Message)...)
	default:
		if result.ErrorKind != "" {
			args = append(args, "kind", result.ErrorKind)
		}
		logger.Logger.Warn("Step did not pass", append(args, "reason", result.Message)...)
	}
}

// Recorder keeps every event in memory, in arrival order.
type Recorder struct {
	mu     sync.Mutex
	Events []string
	Cases  []model.CaseResult
	Suite  *model.SuiteResult
}

func (r *Recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
}

func (r *Recorder) StartSuite(doc *model.Document) { r.add("suite:" + doc.Name) }

func (r *Recorder) EndSuite(result *model.SuiteResult) {
	r.mu.Lock()
	r.Suite = result
	r.mu.Unlock()
	r.add("/suite:" + result.Name)
}

func (r *Recorder) StartCase(tc *model.TestCase) { r.add("case:" + tc.ID) }

func (r *Recorder) EndCase(result model.CaseResult) {
	r.mu.Lock()
	r.Cases = append(r.Cases, result)
	r.mu.Unlock()
	r.add("/case:" + result.CaseID)
}

func (r *Recorder) StartStep(caseID string, step *model.Step) {
	r.add("step:" + caseID + "." + step.ID)
}

func (r *Recorder) EndStep(caseID string, result model.StepResult) {
	r.add("/step:" + caseID + "." + result.StepID + "=" + string(result.Verdict))
}

// Snapshot returns a copy of the recorded events.
func (r *Recorder) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Events...)
}
