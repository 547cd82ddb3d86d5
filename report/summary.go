package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mykhaliev/protocol-bench/model"
)

const maxMessageWidth = 80

// PrintSummary renders one table of test cases and, for every case that did
// not pass, a table of its steps.
func PrintSummary(w io.Writer, suite *model.SuiteResult) {
	if len(suite.Cases) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No test cases were run"))
		return
	}

	t := newTable(w)
	t.SetTitle(fmt.Sprintf("Test Summary: %s", suite.Name))
	t.AppendHeader(table.Row{"Case", "Verdict", "State", "Steps", "Duration"})
	for _, c := range suite.Cases {
		t.AppendRow(table.Row{
			c.Name,
			verdictText(c.Verdict),
			c.State,
			stepCounts(c.Steps),
			fmt.Sprintf("%dms", c.DurationMs),
		})
	}
	total := len(suite.Cases)
	passed := suite.CountPassed()
	t.AppendFooter(table.Row{
		"Total",
		fmt.Sprintf("%d/%d passed (%.1f%%)", passed, total, float64(passed)/float64(total)*100),
		"",
		"",
		fmt.Sprintf("%dms", suite.DurationMs),
	})
	t.Render()

	for _, c := range suite.Cases {
		if c.Passed() {
			continue
		}
		st := newTable(w)
		st.SetTitle("Case " + c.Name)
		st.AppendHeader(table.Row{"Step", "Type", "Verdict", "Details"})
		for _, s := range c.Steps {
			st.AppendRow(table.Row{s.StepID, s.Type, verdictText(s.Verdict), stepDetails(s)})
		}
		st.Render()
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	return t
}

func verdictText(v model.Verdict) string {
	switch v {
	case model.VerdictPass:
		return text.FgGreen.Sprint("PASS")
	case model.VerdictFail:
		return text.FgRed.Sprint("FAIL")
	case model.VerdictError:
		return text.FgRed.Sprint("ERROR")
	case model.VerdictSkipped:
		return text.FgHiBlack.Sprint("SKIPPED")
	}
	return string(v)
}

func stepCounts(steps []model.StepResult) string {
	counts := make(map[model.Verdict]int)
	for _, s := range steps {
		counts[s.Verdict]++
	}
	parts := []string{fmt.Sprintf("%d passed", counts[model.VerdictPass])}
	if n := counts[model.VerdictFail]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", n))
	}
	if n := counts[model.VerdictError]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d errored", n))
	}
	if n := counts[model.VerdictSkipped]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", n))
	}
	return strings.Join(parts, ", ")
}

// stepDetails lists the failed assertions of a step, or its diagnostic.
func stepDetails(s model.StepResult) string {
	var lines []string
	for _, a := range s.Assertions {
		if !a.Passed {
			lines = append(lines, truncate(a.Message))
		}
	}
	if len(lines) == 0 && s.Message != "" {
		lines = append(lines, truncate(s.Message))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string) string {
	if len(s) <= maxMessageWidth {
		return s
	}
	return s[:maxMessageWidth-3] + "..."
}
