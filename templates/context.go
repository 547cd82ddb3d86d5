package templates

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aymerick/raymond"
	"github.com/mykhaliev/protocol-bench/model"
)

const (
	envRoot   = "env"
	stepsRoot = "steps"
)

// Context is the binding context of one test case: environment values,
// document variables and the captured output of every step that has run.
// Each step id is bound at most once.
type Context struct {
	mu      sync.RWMutex
	env     map[string]string
	vars    map[string]string
	outputs map[string]any
	order   []string
}

// NewContext creates an empty binding context. Neither map is retained.
func NewContext(env, vars map[string]string) *Context {
	RegisterHelpers()
	c := &Context{
		env:     make(map[string]string, len(env)),
		vars:    make(map[string]string, len(vars)),
		outputs: make(map[string]any),
	}
	for k, v := range env {
		c.env[k] = v
	}
	for k, v := range vars {
		c.vars[k] = v
	}
	return c
}

// Put binds the output of a step. Binding the same id twice is an error.
func (c *Context) Put(stepID string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outputs[stepID]; ok {
		return fmt.Errorf("step %q is already bound", stepID)
	}
	c.outputs[stepID] = value
	c.order = append(c.order, stepID)
	return nil
}

// Get returns the captured output of a step.
func (c *Context) Get(stepID string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[stepID]
	if !ok {
		return nil, &model.UnknownStepError{StepID: stepID}
	}
	return v, nil
}

func (c *Context) Has(stepID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.outputs[stepID]
	return ok
}

// StepIDs returns the bound step ids in binding order.
func (c *Context) StepIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Env returns an environment value.
func (c *Context) Env(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.env[name]
	return v, ok
}

// Data builds the template data: variables at the root, step outputs by id at
// the root and under "steps", environment under "env". Outputs are taken at
// call time so buffers show their current contents.
func (c *Context) Data() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	env := make(map[string]any, len(c.env))
	for k, v := range c.env {
		env[k] = v
	}
	steps := make(map[string]any, len(c.outputs))
	data := make(map[string]any, len(c.vars)+len(c.outputs)+2)
	for k, v := range c.vars {
		data[k] = v
	}
	for id, out := range c.outputs {
		view := viewOf(out)
		steps[id] = view
		data[id] = view
	}
	data[envRoot] = env
	data[stepsRoot] = steps
	return data
}

// ResolveTemplate substitutes every expression in tpl. A reference to an
// environment variable, variable or step that has no binding fails with
// *model.UnresolvedReferenceError before anything is rendered.
func (c *Context) ResolveTemplate(tpl string) (string, error) {
	if !IsTemplate(tpl) {
		return tpl, nil
	}
	data := c.Data()
	if err := checkReferences(tpl, data); err != nil {
		return "", err
	}
	out, err := raymond.Render(unescapeMustaches(tpl), data)
	if err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", tpl, err)
	}
	return out, nil
}

// RenderValue resolves one string. A string made of a single path
// expression yields the bound value itself, so "{{fetch.json}}" stays an
// object instead of becoming its string form.
func (c *Context) RenderValue(s string) (any, error) {
	if m := singleRefPattern.FindStringSubmatch(s); m != nil && !isHelper(m[1]) {
		data := c.Data()
		if err := checkReferences(s, data); err != nil {
			return nil, err
		}
		if v, ok := lookupPath(data, m[1]); ok {
			return v, nil
		}
		return "", nil
	}
	return c.ResolveTemplate(s)
}

// Render walks maps and slices and resolves every string leaf. Keys and
// non-string leaves are copied unchanged.
func (c *Context) Render(v any) (any, error) {
	switch t := v.(type) {
	case string:
		if !IsTemplate(t) {
			return t, nil
		}
		return c.RenderValue(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			r, err := c.Render(val)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			r, err := c.Render(val)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap is Render for a step input.
func (c *Context) RenderMap(in map[string]any) (map[string]any, error) {
	out, err := c.Render(in)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

// Lookup resolves a dotted path against the current data.
func (c *Context) Lookup(path string) (any, bool) {
	return lookupPath(c.Data(), path)
}

func checkReferences(tpl string, data map[string]any) error {
	for _, ref := range References(tpl) {
		root := RootName(ref)
		if root == envRoot || root == stepsRoot {
			segs := pathSegments(ref)
			if len(segs) < 2 {
				continue
			}
			if _, ok := lookupPath(data, root+"."+segs[1]); !ok {
				return &model.UnresolvedReferenceError{Template: tpl, Name: root + "." + segs[1]}
			}
			continue
		}
		if _, ok := data[root]; !ok {
			return &model.UnresolvedReferenceError{Template: tpl, Name: root}
		}
	}
	return nil
}

func viewOf(v any) any {
	if tv, ok := v.(model.TemplateViewer); ok {
		return tv.TemplateView()
	}
	return v
}

func lookupPath(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, seg := range pathSegments(path) {
		switch node := viewOf(cur).(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return viewOf(cur), true
}

// Substitute resolves templates in a flat string map, as used for headers.
func (c *Context) Substitute(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		r, err := c.ResolveTemplate(v)
		if err != nil {
			return nil, err
		}
		out[k] = strings.TrimSpace(r)
	}
	return out, nil
}
