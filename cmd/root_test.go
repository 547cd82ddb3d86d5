package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/report"
	"github.com/mykhaliev/protocol-bench/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Discard()
	text.DisableColors()
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "doc.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

const passingDoc = `
name: naps
testCases:
  short:
    steps:
      - {id: nap, type: sleep, time: 0}
`

const failingDoc = `
testCases:
  broken:
    steps:
      - {id: nap, type: sleep, duration: "{{env.PROTOCOL_BENCH_UNSET_VARIABLE}}"}
`

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCodeSuccess, getExitCode(nil))
	assert.Equal(t, ExitCodeFailed, getExitCode(errTestsFailed))
	assert.Equal(t, ExitCodeFailed, getExitCode(errors.New("boom")))
	assert.Equal(t, ExitCodeInvalid, getExitCode(&model.ParseError{Reason: "bad"}))
	assert.Equal(t, ExitCodeInvalid, getExitCode(fmt.Errorf("load: %w", &model.ParseError{Reason: "bad"})))
}

func TestRunOnce(t *testing.T) {
	var out bytes.Buffer
	err := runOnce(context.Background(), &out, &runOptions{file: writeDoc(t, passingDoc)})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1/1 passed")

	out.Reset()
	err = runOnce(context.Background(), &out, &runOptions{file: writeDoc(t, failingDoc)})
	assert.ErrorIs(t, err, errTestsFailed)
	assert.Contains(t, out.String(), "PROTOCOL_BENCH_UNSET_VARIABLE")

	out.Reset()
	err = runOnce(context.Background(), &out, &runOptions{file: writeDoc(t, failingDoc), noSummary: true})
	assert.ErrorIs(t, err, errTestsFailed)
	assert.Empty(t, out.String())

	reportPath := filepath.Join(t.TempDir(), "report.json")
	junitPath := filepath.Join(t.TempDir(), "junit.xml")
	err = runOnce(context.Background(), &out, &runOptions{file: writeDoc(t, passingDoc), noSummary: true, output: reportPath, junit: junitPath})
	require.NoError(t, err)
	xmlData, err := os.ReadFile(junitPath)
	require.NoError(t, err)
	assert.Contains(t, string(xmlData), `name="short"`)
	rep, err := report.LoadJSON(reportPath)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Summary.Passed)

	err = runOnce(context.Background(), &out, &runOptions{file: writeDoc(t, "testCases: {}\nservices: [\n")})
	assert.Equal(t, ExitCodeInvalid, getExitCode(err))
}

func TestValidateCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newValidateCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-f", writeDoc(t, passingDoc)})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "valid (0 services, 1 test cases, 1 steps)")

	cmd = newValidateCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"-f", writeDoc(t, "testCases:\n  a:\n    steps: [{type: teleport}]\n")})
	err := cmd.Execute()
	assert.Equal(t, ExitCodeInvalid, getExitCode(err))
}

func TestStepsCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newStepsCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	for _, typ := range steps.NewDefaultRegistry().Types() {
		assert.Contains(t, out.String(), typ)
	}
	assert.Contains(t, out.String(), "required (mqtt_subscribe)")
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Version: dev")
}
