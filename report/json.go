package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/version"
)

// JSONReport is the layout of the file written by SaveJSON.
type JSONReport struct {
	Version     string             `json:"protocol_bench_version"`
	GeneratedAt string             `json:"generated_at"`
	TestFile    string             `json:"test_file,omitempty"`
	Summary     JSONSummary        `json:"summary"`
	Results     *model.SuiteResult `json:"detailed_results"`
}

type JSONSummary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

func NewJSONReport(suite *model.SuiteResult) *JSONReport {
	return &JSONReport{
		Version:     version.Version,
		GeneratedAt: time.Now().Format(time.RFC3339),
		TestFile:    suite.Source,
		Summary: JSONSummary{
			Total:  len(suite.Cases),
			Passed: suite.CountPassed(),
			Failed: suite.CountFailed(),
		},
		Results: suite,
	}
}

// SaveJSON writes the suite result to outputPath, creating parent
// directories as needed.
func SaveJSON(outputPath string, suite *model.SuiteResult) error {
	data, err := sonic.ConfigStd.MarshalIndent(NewJSONReport(suite), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	outputDir := filepath.Dir(outputPath)
	if outputDir != "." && outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, data, logger.FilePermission); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}

	logger.Logger.Info("Report written", "path", outputPath, "cases", len(suite.Cases))
	return nil
}

// LoadJSON reads a report written by SaveJSON.
func LoadJSON(path string) (*JSONReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON file: %w", err)
	}
	var rep JSONReport
	if err := sonic.ConfigStd.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if rep.Results == nil {
		return nil, fmt.Errorf("no test results found in JSON file")
	}
	return &rep, nil
}
