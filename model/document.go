package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// DOCUMENT
// ============================================================================

// Document is a parsed test document. Services are fully resolved: no alias
// survives parsing, so execution never looks at $ref again.
type Document struct {
	Name      string
	Source    string
	Variables map[string]string
	Settings  Settings
	Services  map[string]*Service
	TestCases []*TestCase
}

type Settings struct {
	Parallel        int    `yaml:"parallel"`
	ContinueOnError bool   `yaml:"continueOnError"`
	StopOnFailure   bool   `yaml:"stopOnFailure"`
	StepTimeout     string `yaml:"stepTimeout"`
	CaseDelay       string `yaml:"caseDelay"`
}

// Case returns the test case with the given id.
func (d *Document) Case(id string) (*TestCase, bool) {
	for _, tc := range d.TestCases {
		if tc.ID == id {
			return tc, true
		}
	}
	return nil, false
}

// ServiceIDs returns the service ids in sorted order.
func (d *Document) ServiceIDs() []string {
	ids := make([]string, 0, len(d.Services))
	for id := range d.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ============================================================================
// TEST CASE / STEP
// ============================================================================

type TestCase struct {
	ID              string
	Name            string
	Description     string
	ContinueOnError bool
	StopOnFailure   bool
	Steps           []*Step
}

// DisplayName prefers the declared name over the key.
func (tc *TestCase) DisplayName() string {
	if tc.Name != "" {
		return tc.Name
	}
	return tc.ID
}

// StepIndex returns the position of the step with the given id, or -1.
func (tc *TestCase) StepIndex(id string) int {
	for i, s := range tc.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Step keys the scheduler interprets itself. Everything else is handler input.
var structuralStepKeys = map[string]struct{}{
	"id":             {},
	"type":           {},
	"service":        {},
	"from":           {},
	"expect":         {},
	"timeoutSeconds": {},
	"description":    {},
}

type Step struct {
	ID             string
	Type           string
	Service        string
	From           string
	Description    string
	Index          int
	TimeoutSeconds *float64
	Expect         *Expect
	// Raw holds every field of the step as written, templates unresolved.
	Raw map[string]any
}

// Input returns the handler-specific fields of the step.
func (s *Step) Input() map[string]any {
	in := make(map[string]any, len(s.Raw))
	for k, v := range s.Raw {
		if _, ok := structuralStepKeys[k]; ok {
			continue
		}
		in[k] = v
	}
	return in
}

// RawExpect returns the unrendered expect block, or nil.
func (s *Step) RawExpect() map[string]any {
	m, _ := s.Raw["expect"].(map[string]any)
	return m
}

// Catalog tells the parser which type tags exist and whether a step is wired
// to compatible services and sources.
type Catalog interface {
	KnownServiceType(t ServiceType) bool
	CheckStep(step *Step, service *Service, from *Step) error
}

// ============================================================================
// PARSING
// ============================================================================

func ParseDocumentFile(filename string, catalog Catalog) (*Document, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ParseError{Path: filename, Reason: "failed to read file", Err: err}
	}
	doc, err := ParseDocument(data, catalog)
	if err != nil {
		return nil, err
	}
	doc.Source = filename
	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	return doc, nil
}

// ParseDocument turns YAML (or JSON) into a Document. A nil catalog skips the
// type checks.
func ParseDocument(data []byte, catalog Catalog) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Reason: "failed to parse YAML document", Err: err}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, parseErrorf("", "document is empty")
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, parseErrorf("", "document root must be a mapping")
	}

	doc := &Document{
		Services:  make(map[string]*Service),
		Variables: make(map[string]string),
	}
	var servicesNode, casesNode *yaml.Node
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, value := top.Content[i].Value, top.Content[i+1]
		switch key {
		case "name":
			doc.Name = value.Value
		case "variables":
			if err := value.Decode(&doc.Variables); err != nil {
				return nil, &ParseError{Path: "variables", Reason: "must be a string map", Err: err}
			}
		case "settings":
			if err := value.Decode(&doc.Settings); err != nil {
				return nil, &ParseError{Path: "settings", Reason: "invalid settings", Err: err}
			}
		case "services":
			servicesNode = value
		case "testCases":
			casesNode = value
		}
	}
	if doc.Settings.Parallel < 0 {
		return nil, parseErrorf("settings.parallel", "must not be negative")
	}

	if servicesNode != nil {
		services, err := parseServices(servicesNode, catalog)
		if err != nil {
			return nil, err
		}
		doc.Services = services
	}

	if casesNode == nil {
		return nil, parseErrorf("testCases", "required field missing")
	}
	cases, err := parseTestCases(casesNode, doc, catalog)
	if err != nil {
		return nil, err
	}
	doc.TestCases = cases
	return doc, nil
}

type testCaseConfig struct {
	Name            string      `yaml:"name"`
	Description     string      `yaml:"description"`
	ContinueOnError *bool       `yaml:"continueOnError"`
	StopOnFailure   *bool       `yaml:"stopOnFailure"`
	Steps           []yaml.Node `yaml:"steps"`
}

func parseTestCases(node *yaml.Node, doc *Document, catalog Catalog) ([]*TestCase, error) {
	if node.Kind != yaml.MappingNode {
		return nil, parseErrorf("testCases", "must be a mapping of test case id to test case")
	}
	cases := make([]*TestCase, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		path := "testCases." + id

		var cfg testCaseConfig
		if err := node.Content[i+1].Decode(&cfg); err != nil {
			return nil, &ParseError{Path: path, Reason: "invalid test case", Err: err}
		}
		if len(cfg.Steps) == 0 {
			return nil, parseErrorf(path, "steps: required field missing")
		}

		tc := &TestCase{
			ID:              id,
			Name:            cfg.Name,
			Description:     cfg.Description,
			ContinueOnError: doc.Settings.ContinueOnError,
			StopOnFailure:   doc.Settings.StopOnFailure,
		}
		if cfg.ContinueOnError != nil {
			tc.ContinueOnError = *cfg.ContinueOnError
		}
		if cfg.StopOnFailure != nil {
			tc.StopOnFailure = *cfg.StopOnFailure
		}

		for idx := range cfg.Steps {
			stepPath := fmt.Sprintf("%s.steps[%d]", path, idx)
			step, err := parseStep(&cfg.Steps[idx], idx, stepPath)
			if err != nil {
				return nil, err
			}
			if tc.StepIndex(step.ID) >= 0 {
				return nil, parseErrorf(stepPath, "duplicate step id %q", step.ID)
			}
			if err := linkStep(tc, step, doc, catalog, stepPath); err != nil {
				return nil, err
			}
			tc.Steps = append(tc.Steps, step)
		}
		cases = append(cases, tc)
	}
	return cases, nil
}

func parseStep(node *yaml.Node, idx int, path string) (*Step, error) {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return nil, &ParseError{Path: path, Reason: "step must be a mapping", Err: err}
	}
	if raw == nil {
		return nil, parseErrorf(path, "step must be a mapping")
	}

	step := &Step{Index: idx, Raw: raw}
	var ok bool
	if step.Type, ok = raw["type"].(string); !ok || step.Type == "" {
		return nil, parseErrorf(path, "type: required field missing")
	}
	if v, present := raw["id"]; present {
		if step.ID, ok = v.(string); !ok || step.ID == "" {
			return nil, parseErrorf(path, "id must be a non-empty string")
		}
	} else {
		step.ID = fmt.Sprintf("step-%d", idx+1)
	}
	if v, present := raw["service"]; present {
		if step.Service, ok = v.(string); !ok {
			return nil, parseErrorf(path, "service must be a string")
		}
	}
	if v, present := raw["from"]; present {
		if step.From, ok = v.(string); !ok {
			return nil, parseErrorf(path, "from must be a string")
		}
	}
	step.Description, _ = raw["description"].(string)

	if v, present := raw["timeoutSeconds"]; present && v != nil {
		secs, ok := toFloat(v)
		if !ok || secs < 0 {
			return nil, parseErrorf(path, "timeoutSeconds must be a non-negative number")
		}
		step.TimeoutSeconds = &secs
	}

	if v, present := raw["expect"]; present && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, parseErrorf(path, "expect must be a mapping")
		}
		// Templated blocks are decoded once rendered.
		if !containsTemplate(m) {
			expect, err := DecodeExpect(m)
			if err != nil {
				return nil, &ParseError{Path: path + ".expect", Reason: "invalid expect block", Err: err}
			}
			step.Expect = expect
		}
	}
	return step, nil
}

func containsTemplate(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, "{{")
	case map[string]any:
		for _, val := range t {
			if containsTemplate(val) {
				return true
			}
		}
	case []any:
		for _, val := range t {
			if containsTemplate(val) {
				return true
			}
		}
	}
	return false
}

// linkStep checks the step's service and from references against what is
// already known. Only earlier steps are visible, so forward references fail here.
func linkStep(tc *TestCase, step *Step, doc *Document, catalog Catalog, path string) error {
	var svc *Service
	if step.Service != "" {
		var ok bool
		if svc, ok = doc.Services[step.Service]; !ok {
			return parseErrorf(path, "unknown service %q", step.Service)
		}
	}
	var from *Step
	if step.From != "" {
		if step.From == step.ID {
			return parseErrorf(path, "step %q cannot consume its own output", step.ID)
		}
		idx := tc.StepIndex(step.From)
		if idx < 0 {
			return parseErrorf(path, "from references %q which is not an earlier step of test case %q", step.From, tc.ID)
		}
		from = tc.Steps[idx]
	}
	if catalog == nil {
		return nil
	}
	if err := catalog.CheckStep(step, svc, from); err != nil {
		return &ParseError{Path: path, Reason: fmt.Sprintf("step %q", step.ID), Err: err}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
