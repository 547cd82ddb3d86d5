// Package steps holds the step registry and the built-in step handlers.
package steps

import (
	"context"
	"fmt"
	"sync"

	"github.com/life4/genesis/maps"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/server"
	"github.com/mykhaliev/protocol-bench/templates"
)

// Request is everything a handler gets for one step execution.
type Request struct {
	Step *model.Step
	// Service is nil for steps without a service.
	Service *model.Service
	// Input is the step's handler fields with templates resolved.
	Input map[string]any
	// Expect is the rendered expect block, possibly nil.
	Expect *model.Expect
	// From is the bound output of the step named by Step.From.
	From      any
	Bindings  *templates.Context
	Session   *server.Session
	Validator *model.SchemaValidator
}

// HasTimeout reports whether the step sets its own timeoutSeconds.
func (r *Request) HasTimeout() bool {
	return r.Step.TimeoutSeconds != nil
}

// Result is what a handler produced.
type Result struct {
	Output any
	// Stop ends background work started by the step. It is nil for
	// foreground steps and is called once when the test case ends.
	Stop func(ctx context.Context) error
}

// Background reports whether the step left work running.
func (r *Result) Background() bool {
	return r != nil && r.Stop != nil
}

type Handler interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// Definition describes one step type.
type Definition struct {
	Type        string
	Description string
	// ServiceType is the service type the step talks to; empty means the
	// step takes no service.
	ServiceType model.ServiceType
	// AcceptsFrom allows a from reference; RequiresFrom makes it mandatory.
	AcceptsFrom  bool
	RequiresFrom bool
	// FromTypes restricts the step types from may name. Empty allows any.
	FromTypes []string
	// Validate checks the raw step fields before anything runs. Templated
	// values have not been rendered yet.
	Validate func(input map[string]any) error
	Handler  Handler
}

// Registry maps step type tags to definitions. It is populated before any
// document is parsed and only read afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Type tags are unique.
func (r *Registry) Register(def *Definition) error {
	if def.Type == "" {
		return fmt.Errorf("step definition has no type")
	}
	if def.Handler == nil {
		return fmt.Errorf("step type %q has no handler", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("step type %q is already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(stepType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[stepType]
	return def, ok
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sort(maps.Keys(r.defs))
}

// KnownServiceType reports whether any registered step talks to services of
// type t.
func (r *Registry) KnownServiceType(t model.ServiceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Any(maps.Values(r.defs), func(def *Definition) bool {
		return def.ServiceType == t
	})
}

// CheckStep verifies that step has a known type, is wired to a compatible
// service and source step, and that its fields pass the type's own checks.
func (r *Registry) CheckStep(step *model.Step, svc *model.Service, from *model.Step) error {
	def, ok := r.Lookup(step.Type)
	if !ok {
		return fmt.Errorf("unknown step type %q", step.Type)
	}

	switch {
	case def.ServiceType == "" && svc != nil:
		return fmt.Errorf("%s steps take no service", def.Type)
	case def.ServiceType != "" && svc == nil:
		return fmt.Errorf("service: required for %s steps", def.Type)
	case svc != nil && svc.Type != def.ServiceType:
		return fmt.Errorf("service %q is of type %s, %s steps need %s", svc.Name, svc.Type, def.Type, def.ServiceType)
	}

	switch {
	case from == nil && def.RequiresFrom:
		return fmt.Errorf("from: required for %s steps", def.Type)
	case from != nil && !def.AcceptsFrom && !def.RequiresFrom:
		return fmt.Errorf("%s steps take no from", def.Type)
	case from != nil && len(def.FromTypes) > 0 && !slices.Contains(def.FromTypes, from.Type):
		return fmt.Errorf("from %q is a %s step, %s steps read from %v", from.ID, from.Type, def.Type, def.FromTypes)
	}

	if def.Validate != nil {
		if err := def.Validate(step.Input()); err != nil {
			return err
		}
	}
	return nil
}

const (
	TypeHTTPRequest   = "http_request"
	TypeMQTTSubscribe = "mqtt_subscribe"
	TypeMQTTPublish   = "mqtt_publish"
	TypeMQTTMessage   = "mqtt_message"
	TypeJSON          = "json"
	TypeJSONPath      = "jsonpath"
	TypeSleep         = "sleep"
	TypeMCPCall       = "mcp_call"
)

// NewDefaultRegistry returns a registry with every built-in step type.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(&Definition{
		Type:        TypeHTTPRequest,
		Description: "send an HTTP request and capture the response",
		ServiceType: model.ServiceHTTP,
		Validate:    validateHTTPRequest,
		Handler:     HandlerFunc(executeHTTPRequest),
	})
	r.MustRegister(&Definition{
		Type:        TypeMQTTSubscribe,
		Description: "subscribe to a topic and buffer matching messages in the background",
		ServiceType: model.ServiceMQTT,
		Validate:    validateMQTTSubscribe,
		Handler:     HandlerFunc(executeMQTTSubscribe),
	})
	r.MustRegister(&Definition{
		Type:        TypeMQTTPublish,
		Description: "publish one message",
		ServiceType: model.ServiceMQTT,
		Validate:    validateMQTTPublish,
		Handler:     HandlerFunc(executeMQTTPublish),
	})
	r.MustRegister(&Definition{
		Type:         TypeMQTTMessage,
		Description:  "wait for messages collected by a subscription and consume them",
		RequiresFrom: true,
		FromTypes:    []string{TypeMQTTSubscribe},
		Validate:     validateMQTTMessage,
		Handler:      HandlerFunc(executeMQTTMessage),
	})
	r.MustRegister(&Definition{
		Type:         TypeJSON,
		Description:  "parse the body of an earlier step as JSON",
		RequiresFrom: true,
		Handler:      HandlerFunc(executeJSON),
	})
	r.MustRegister(&Definition{
		Type:         TypeJSONPath,
		Description:  "extract a value from an earlier step with a JSON Pointer or JSONPath",
		RequiresFrom: true,
		Validate:     validateJSONPath,
		Handler:      HandlerFunc(executeJSONPath),
	})
	r.MustRegister(&Definition{
		Type:        TypeSleep,
		Description: "pause the test case",
		Validate:    validateSleep,
		Handler:     HandlerFunc(executeSleep),
	})
	r.MustRegister(&Definition{
		Type:        TypeMCPCall,
		Description: "call a tool on an MCP server",
		ServiceType: model.ServiceMCP,
		Validate:    validateMCPCall,
		Handler:     HandlerFunc(executeMCPCall),
	})
	return r
}
