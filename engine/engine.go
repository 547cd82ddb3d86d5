// Package engine loads test documents and runs their test cases.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/report"
	"github.com/mykhaliev/protocol-bench/server"
	"github.com/mykhaliev/protocol-bench/steps"
	"github.com/mykhaliev/protocol-bench/templates"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout   = DefaultStepTimeout
	DefaultCaseDelay = 0 * time.Second
	DefaultParallel  = 1
)

// Options adjust a run without touching the document.
type Options struct {
	// Parallel overrides settings.parallel when positive.
	Parallel int
	// ContinueOnError forces continue-on-error for every test case.
	ContinueOnError bool
	// Cases restricts the run to the named test cases, kept in document order.
	Cases []string
	// Env replaces the process environment as the source of env.* values.
	Env      map[string]string
	Factory  server.Factory
	Registry *steps.Registry
	Reporter report.Reporter
}

// Load reads, parses and validates a test document. Every failure is a
// *model.ParseError or a file access error; nothing is executed.
func Load(path string) (*model.Document, error) {
	if err := ValidateTestInputFile(path); err != nil {
		return nil, &model.ParseError{Path: path, Reason: "invalid input file", Err: err}
	}
	logger.Logger.Info("Loading test document", "file", path)
	doc, err := model.ParseDocumentFile(path, steps.NewDefaultRegistry())
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}
	totalSteps := 0
	for _, tc := range doc.TestCases {
		totalSteps += len(tc.Steps)
	}
	logger.Logger.Info("Test document loaded",
		"name", doc.Name,
		"services", len(doc.Services),
		"cases", len(doc.TestCases),
		"steps", totalSteps)
	return doc, nil
}

// Run executes the selected test cases of doc and returns their results in
// document order. An error means the run could not start; failing test cases
// are reported in the result.
func Run(ctx context.Context, doc *model.Document, opts Options) (*model.SuiteResult, error) {
	registry := opts.Registry
	if registry == nil {
		registry = steps.NewDefaultRegistry()
	}
	rep := opts.Reporter
	if rep == nil {
		rep = report.Nop{}
	}
	env := opts.Env
	if env == nil {
		env = GetAllEnv()
	}

	cases, err := selectCases(doc, opts)
	if err != nil {
		return nil, err
	}

	static, err := CreateStaticTemplateContext(doc.Source, doc.Variables, env)
	if err != nil {
		return nil, err
	}
	services, err := ResolveServices(doc.Services, templates.NewContext(env, static))
	if err != nil {
		return nil, err
	}

	validator := model.NewSchemaValidator()
	runner := &CaseRunner{
		Registry:    registry,
		Services:    services,
		Factory:     opts.Factory,
		Limiters:    server.NewRateLimiters(services),
		Validator:   validator,
		Evaluator:   model.NewAssertionEvaluator(validator),
		Reporter:    rep,
		Env:         env,
		Variables:   static,
		StepTimeout: ParseTimeout(doc.Settings.StepTimeout),
	}

	parallel := DefaultParallel
	if doc.Settings.Parallel > 0 {
		parallel = doc.Settings.Parallel
	}
	if opts.Parallel > 0 {
		parallel = opts.Parallel
	}
	caseDelay := ParseDelay(doc.Settings.CaseDelay)

	suite := &model.SuiteResult{
		Name:      doc.Name,
		Source:    doc.Source,
		Cases:     make([]model.CaseResult, len(cases)),
		StartTime: time.Now(),
	}
	rep.StartSuite(doc)
	logger.Logger.Info("Running test cases",
		"cases", len(cases),
		"parallel", parallel,
		"step_timeout", runner.StepTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, tc := range cases {
		if i > 0 && caseDelay > 0 {
			logger.Logger.Debug("Waiting before next test case", "delay", caseDelay)
			select {
			case <-time.After(caseDelay):
			case <-gctx.Done():
			}
		}
		g.Go(func() error {
			suite.Cases[i] = runner.Run(gctx, tc)
			return nil
		})
	}
	_ = g.Wait()

	suite.DurationMs = time.Since(suite.StartTime).Milliseconds()
	rep.EndSuite(suite)
	return suite, nil
}

// selectCases applies the case filter and the continue-on-error override.
func selectCases(doc *model.Document, opts Options) ([]*model.TestCase, error) {
	selected := doc.TestCases
	if len(opts.Cases) > 0 {
		wanted := make(map[string]bool, len(opts.Cases))
		for _, id := range opts.Cases {
			if _, ok := doc.Case(id); !ok {
				return nil, fmt.Errorf("unknown test case %q", id)
			}
			wanted[id] = true
		}
		selected = make([]*model.TestCase, 0, len(wanted))
		for _, tc := range doc.TestCases {
			if wanted[tc.ID] {
				selected = append(selected, tc)
			}
		}
	}
	if !opts.ContinueOnError {
		return selected, nil
	}
	out := make([]*model.TestCase, len(selected))
	for i, tc := range selected {
		c := *tc
		c.ContinueOnError = true
		out[i] = &c
	}
	return out, nil
}

// GetAllEnv returns the process environment as a map.
func GetAllEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// CreateStaticTemplateContext builds the root variables every test case
// starts with:
//   - RUN_ID: unique identifier of this run (UUID v4)
//   - TEMP_DIR: system temporary directory
//   - TEST_DIR: absolute directory of the source document
//   - the document variables, rendered against env and the values above
//
// Variables are rendered in name order and may refer to variables that sort
// before them.
func CreateStaticTemplateContext(sourceFile string, variables map[string]string, env map[string]string) (map[string]string, error) {
	static := map[string]string{
		"RUN_ID":   uuid.New().String(),
		"TEMP_DIR": os.TempDir(),
	}
	if sourceFile != "" {
		if absPath, err := filepath.Abs(sourceFile); err == nil {
			static["TEST_DIR"] = filepath.Dir(absPath)
		}
	}

	names := make([]string, 0, len(variables))
	for k := range variables {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		rendered, err := templates.NewContext(env, static).ResolveTemplate(variables[k])
		if err != nil {
			return nil, &model.ParseError{Path: "variables." + k, Reason: "cannot resolve variable", Err: err}
		}
		static[k] = rendered
	}
	return static, nil
}

// ResolveServices returns copies of the services with templates in their
// connection fields resolved. Headers are left alone; they are rendered per
// request so they may use step outputs.
func ResolveServices(services map[string]*model.Service, bindings *templates.Context) (map[string]*model.Service, error) {
	out := make(map[string]*model.Service, len(services))
	for id, svc := range services {
		resolved, err := resolveService(svc, bindings)
		if err != nil {
			return nil, &model.ParseError{Path: "services." + id, Reason: "cannot resolve service configuration", Err: err}
		}
		out[id] = resolved
	}
	return out, nil
}

func resolveService(svc *model.Service, bindings *templates.Context) (*model.Service, error) {
	c := *svc
	fields := []*string{&c.Hostname, &c.BasePath, &c.ClientID, &c.Command, &c.URL}
	if svc.Credentials != nil {
		creds := *svc.Credentials
		c.Credentials = &creds
		fields = append(fields, &creds.Username, &creds.Password)
	}
	for _, f := range fields {
		v, err := bindings.ResolveTemplate(*f)
		if err != nil {
			return nil, err
		}
		*f = v
	}
	if svc.Env != nil {
		env, err := bindings.Substitute(svc.Env)
		if err != nil {
			return nil, err
		}
		c.Env = env
	}
	return &c, nil
}

func ParseTimeout(timeoutStr string) time.Duration {
	if timeoutStr == "" {
		return DefaultTimeout
	}

	dur, err := time.ParseDuration(timeoutStr)
	if err != nil {
		logger.Logger.Warn("Invalid timeout, using default",
			"timeout", timeoutStr,
			"default", DefaultTimeout,
			"error", err)
		return DefaultTimeout
	}

	if dur <= 0 {
		logger.Logger.Warn("Non-positive timeout, using default", "timeout", dur, "default", DefaultTimeout)
		return DefaultTimeout
	}

	return dur
}

func ParseDelay(delayStr string) time.Duration {
	if delayStr == "" {
		return DefaultCaseDelay
	}

	dur, err := time.ParseDuration(delayStr)
	if err != nil {
		logger.Logger.Warn("Invalid delay, using default",
			"delay", delayStr,
			"default", DefaultCaseDelay,
			"error", err)
		return DefaultCaseDelay
	}

	if dur < 0 {
		logger.Logger.Warn("Negative delay, using 0", "delay", dur)
		return 0
	}

	return dur
}
