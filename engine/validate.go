package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/templates"
)

var documentExtensions = []string{".yaml", ".yml", ".json"}

func ValidateTestInputFile(path string) error {
	if path == "" {
		return fmt.Errorf("input file path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file %s: %w", path, err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}

	if info.Size() == 0 {
		return fmt.Errorf("file is empty: %s", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !slices.Contains(documentExtensions, ext) {
		logger.Logger.Warn("Unexpected file extension", "extension", ext, "expected", strings.Join(documentExtensions, ", "))
		return fmt.Errorf("unexpected file extension: %s", ext)
	}

	return nil
}

// ValidateDocument checks what the parser cannot see on its own: template
// references must only name steps that run earlier in the same test case.
func ValidateDocument(doc *model.Document) error {
	for _, tc := range doc.TestCases {
		for idx, step := range tc.Steps {
			path := fmt.Sprintf("testCases.%s.steps[%d]", tc.ID, idx)
			for _, ref := range collectReferences(step.Raw) {
				target := referencedStep(ref)
				pos := tc.StepIndex(target)
				if pos < 0 {
					continue
				}
				if pos == idx {
					return &model.ParseError{
						Path:   path,
						Reason: fmt.Sprintf("step %q references its own output in %q", step.ID, ref),
					}
				}
				if pos > idx {
					return &model.ParseError{
						Path:   path,
						Reason: fmt.Sprintf("step %q references %q, which runs later (forward reference)", step.ID, target),
					}
				}
			}
		}
	}
	return nil
}

// referencedStep returns the step id a reference may name: its first segment,
// or the second one for the steps.<id> form.
func referencedStep(ref string) string {
	root := templates.RootName(ref)
	if root == "steps" && len(ref) > len("steps.") {
		return templates.RootName(ref[len("steps."):])
	}
	return root
}

// collectReferences walks a raw step and gathers every template reference in
// its string values, sorted for stable error messages.
func collectReferences(v any) []string {
	seen := make(map[string]struct{})
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, ref := range templates.References(t) {
				seen[ref] = struct{}{}
			}
		case map[string]any:
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(v)
	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
