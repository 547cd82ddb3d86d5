package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jstemmer/go-junit-report/v2/junit"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
)

// NewJUnit maps a suite result onto JUnit XML: one testsuite per document,
// one testcase per test case. The first step that did not pass decides
// whether the testcase carries a failure, an error or a skip.
func NewJUnit(suite *model.SuiteResult) *junit.Testsuites {
	ts := junit.Testsuite{
		Name: suite.Name,
		Time: seconds(suite.DurationMs),
	}
	if !suite.StartTime.IsZero() {
		ts.SetTimestamp(suite.StartTime)
	}
	for _, c := range suite.Cases {
		ts.AddTestcase(junitCase(suite.Name, c))
	}

	out := &junit.Testsuites{Name: suite.Name, Time: ts.Time}
	out.AddSuite(ts)
	return out
}

func junitCase(classname string, c model.CaseResult) junit.Testcase {
	tc := junit.Testcase{
		Name:      c.Name,
		Classname: classname,
		Time:      seconds(c.DurationMs),
	}
	for _, s := range c.Steps {
		if !s.Failed() {
			continue
		}
		res := &junit.Result{
			Message: fmt.Sprintf("step %s %s", s.StepID, s.Verdict),
			Data:    stepLog(c.Steps),
		}
		switch s.Verdict {
		case model.VerdictError:
			res.Type = string(s.ErrorKind)
			tc.Error = res
		case model.VerdictSkipped:
			res.Message = s.Message
			tc.Skipped = res
		default:
			res.Type = "AssertionFailure"
			tc.Failure = res
		}
		break
	}
	return tc
}

// stepLog lists every step with its verdict and, for steps that did not
// pass, the reason.
func stepLog(steps []model.StepResult) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "%s (%s): %s\n", s.StepID, s.Type, s.Verdict)
		if !s.Failed() {
			continue
		}
		for _, line := range strings.Split(stepDetails(s), "\n") {
			if line != "" {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}
	return b.String()
}

func seconds(ms int64) string {
	return fmt.Sprintf("%.3f", float64(ms)/1000)
}

// SaveJUnit writes the suite result as JUnit XML for CI systems.
func SaveJUnit(outputPath string, suite *model.SuiteResult) error {
	outputDir := filepath.Dir(outputPath)
	if outputDir != "." && outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logger.FilePermission)
	if err != nil {
		return fmt.Errorf("failed to open JUnit file: %w", err)
	}
	if err := NewJUnit(suite).WriteXML(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write JUnit file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write JUnit file: %w", err)
	}

	logger.Logger.Info("JUnit report written", "path", outputPath, "cases", len(suite.Cases))
	return nil
}
