package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/report"
	"github.com/mykhaliev/protocol-bench/server"
	"github.com/mykhaliev/protocol-bench/steps"
	"github.com/mykhaliev/protocol-bench/templates"
)

const (
	DefaultStepTimeout = 30 * time.Second
	teardownTimeout    = 5 * time.Second
)

// CaseRunner executes test cases one step at a time. A CaseRunner holds no
// per-case state, so one runner can execute many cases concurrently.
type CaseRunner struct {
	Registry  *steps.Registry
	Services  map[string]*model.Service
	Factory   server.Factory
	Limiters  *server.RateLimiters
	Validator *model.SchemaValidator
	Evaluator *model.AssertionEvaluator
	Reporter  report.Reporter
	// Env and Variables seed the binding context of every case.
	Env         map[string]string
	Variables   map[string]string
	StepTimeout time.Duration
}

// listener is background work left running by a step.
type listener struct {
	stepID string
	stop   func(ctx context.Context) error
}

// caseRun is the mutable state of one test case execution.
type caseRun struct {
	tc        *model.TestCase
	bindings  *templates.Context
	session   *server.Session
	listeners []listener
}

func (r *CaseRunner) reporter() report.Reporter {
	if r.Reporter == nil {
		return report.Nop{}
	}
	return r.Reporter
}

func (r *CaseRunner) stepTimeout(step *model.Step) time.Duration {
	if step.TimeoutSeconds != nil {
		return time.Duration(*step.TimeoutSeconds * float64(time.Second))
	}
	if r.StepTimeout > 0 {
		return r.StepTimeout
	}
	return DefaultStepTimeout
}

// Run executes every step of tc in order and returns the case result. The
// case starts Pending, moves to Running and ends Completed or Aborted.
// Connections and listeners opened by the case are released before Run
// returns.
func (r *CaseRunner) Run(ctx context.Context, tc *model.TestCase) model.CaseResult {
	rec := model.NewCaseRecorder(tc)
	r.reporter().StartCase(tc)

	rec.Start(time.Now())
	state := r.execute(ctx, tc, rec)
	result := rec.Finish(state, time.Now())

	r.reporter().EndCase(result)
	return result
}

func (r *CaseRunner) execute(ctx context.Context, tc *model.TestCase, rec *model.CaseRecorder) model.CaseState {
	run := &caseRun{
		tc:       tc,
		bindings: templates.NewContext(r.Env, r.Variables),
		session:  server.NewSession(r.Factory, r.Services, r.Limiters),
	}
	defer r.teardown(run)

	var abortedBy string
	for _, step := range tc.Steps {
		if abortedBy != "" {
			skipped := model.StepResult{
				StepID:    step.ID,
				Type:      step.Type,
				Verdict:   model.VerdictSkipped,
				Message:   abortedBy,
				StartTime: time.Now(),
			}
			rec.Record(skipped)
			r.reporter().EndStep(tc.ID, skipped)
			continue
		}
		if err := ctx.Err(); err != nil {
			abortedBy = fmt.Sprintf("not executed: test case cancelled (%v)", err)
			skipped := model.StepResult{
				StepID:    step.ID,
				Type:      step.Type,
				Verdict:   model.VerdictSkipped,
				Message:   abortedBy,
				StartTime: time.Now(),
			}
			rec.Record(skipped)
			r.reporter().EndStep(tc.ID, skipped)
			continue
		}

		r.reporter().StartStep(tc.ID, step)
		result := r.runStep(ctx, run, step)
		rec.Record(result)
		r.reporter().EndStep(tc.ID, result)

		switch result.Verdict {
		case model.VerdictError:
			if !tc.ContinueOnError {
				abortedBy = fmt.Sprintf("not executed: step %q errored", step.ID)
			}
		case model.VerdictFail:
			if tc.StopOnFailure {
				abortedBy = fmt.Sprintf("not executed: step %q failed", step.ID)
			}
		}
	}

	if abortedBy != "" {
		return model.StateAborted
	}
	return model.StateCompleted
}

// teardown stops listeners in reverse start order, then closes the session.
// It runs on a fresh context so a cancelled case still unsubscribes.
func (r *CaseRunner) teardown(run *caseRun) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	for i := len(run.listeners) - 1; i >= 0; i-- {
		l := run.listeners[i]
		if err := l.stop(ctx); err != nil {
			logger.Logger.Warn("Failed to stop listener", "case", run.tc.ID, "step", l.stepID, "error", err)
		}
	}
	run.listeners = nil
	if err := run.session.Close(); err != nil {
		logger.Logger.Warn("Failed to close connections", "case", run.tc.ID, "error", err)
	}
}

// runStep executes one step and classifies its outcome.
func (r *CaseRunner) runStep(ctx context.Context, run *caseRun, step *model.Step) (result model.StepResult) {
	start := time.Now()
	result = model.StepResult{StepID: step.ID, Type: step.Type, StartTime: start}
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	expect, err := r.renderExpect(run, step)
	if err != nil {
		classify(&result, step, err)
		return result
	}

	res, err := r.invoke(ctx, run, step, expect)
	if err != nil {
		classify(&result, step, err)
		return result
	}
	if res.Background() {
		run.listeners = append(run.listeners, listener{stepID: step.ID, stop: res.Stop})
		result.Background = true
	}
	if err := run.bindings.Put(step.ID, res.Output); err != nil {
		classify(&result, step, model.ProtocolError("failed to bind output", err))
		return result
	}
	result.Output = res.Output

	result.Assertions = r.evaluator().Evaluate(res.Output, expect)
	passed := model.AllPassed(result.Assertions)

	if batch, ok := res.Output.(*model.MessageBatch); ok && batch.TimedOut {
		result.Verdict = model.VerdictFail
		result.ErrorKind = model.KindTimeout
		if passed {
			result.Message = fmt.Sprintf("%s: got %d message(s) after %dms", model.KindTimeout, batch.Count, batch.WaitedMs)
		} else {
			result.Message = (&model.AssertionFailure{StepID: step.ID, Results: result.Assertions}).Error()
		}
		return result
	}
	if !passed {
		result.Verdict = model.VerdictFail
		result.Message = (&model.AssertionFailure{StepID: step.ID, Results: result.Assertions}).Error()
		return result
	}
	result.Verdict = model.VerdictPass
	return result
}

var sharedValidator = model.NewSchemaValidator()

func (r *CaseRunner) validator() *model.SchemaValidator {
	if r.Validator == nil {
		return sharedValidator
	}
	return r.Validator
}

func (r *CaseRunner) evaluator() *model.AssertionEvaluator {
	if r.Evaluator == nil {
		return model.NewAssertionEvaluator(r.validator())
	}
	return r.Evaluator
}

// renderExpect resolves templates inside the expect block against the
// bindings made so far.
func (r *CaseRunner) renderExpect(run *caseRun, step *model.Step) (*model.Expect, error) {
	raw := step.RawExpect()
	if raw == nil {
		return step.Expect, nil
	}
	rendered, err := run.bindings.Render(raw)
	if err != nil {
		return nil, err
	}
	m, _ := rendered.(map[string]any)
	expect, err := model.DecodeExpect(m)
	if err != nil {
		return nil, model.ProtocolError("invalid expect block after rendering", err)
	}
	return expect, nil
}

// invoke renders the step input and calls the handler under the step
// timeout. A handler panic is returned as a protocol error.
func (r *CaseRunner) invoke(ctx context.Context, run *caseRun, step *model.Step, expect *model.Expect) (res *steps.Result, err error) {
	def, ok := r.Registry.Lookup(step.Type)
	if !ok {
		return nil, model.ProtocolError(fmt.Sprintf("unknown step type %q", step.Type), nil)
	}

	input, err := run.bindings.RenderMap(step.Input())
	if err != nil {
		return nil, err
	}
	req := &steps.Request{
		Step:      step,
		Input:     input,
		Expect:    expect,
		Bindings:  run.bindings,
		Session:   run.session,
		Validator: r.validator(),
	}
	if step.Service != "" {
		req.Service = r.Services[step.Service]
	}
	if step.From != "" {
		if req.From, err = run.bindings.Get(step.From); err != nil {
			return nil, err
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout(step))
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			logger.Logger.Error("Step handler panicked",
				"case", run.tc.ID,
				"step", step.ID,
				"panic", p,
				"stack", string(debug.Stack()))
			res, err = nil, model.ProtocolError(fmt.Sprintf("handler panicked: %v", p), nil)
		}
	}()
	res, err = def.Handler.Execute(stepCtx, req)
	if err == nil && res == nil {
		res = &steps.Result{}
	}
	return res, err
}

// classify turns a step error into an error verdict. Errors outside the
// taxonomy are reported as protocol errors.
func classify(result *model.StepResult, step *model.Step, err error) {
	result.Verdict = model.VerdictError

	var (
		unresolved *model.UnresolvedReferenceError
		unknown    *model.UnknownStepError
		execErr    *model.StepExecutionError
	)
	switch {
	case errors.As(err, &unresolved), errors.As(err, &unknown):
		result.Message = err.Error()
	case errors.As(err, &execErr):
		if execErr.StepID == "" {
			execErr.StepID = step.ID
		}
		result.ErrorKind = execErr.Kind
		result.Message = execErr.Error()
	default:
		pe := model.ProtocolError("", err)
		pe.StepID = step.ID
		result.ErrorKind = model.KindProtocol
		result.Message = pe.Error()
	}
}
