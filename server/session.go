package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
)

// Factory opens protocol connections for services. Tests substitute their own.
type Factory interface {
	NewHTTPClient(svc *model.Service) (HTTPClient, error)
	NewMQTTClient(ctx context.Context, svc *model.Service) (MQTTClient, error)
	NewToolCaller(ctx context.Context, svc *model.Service) (ToolCaller, error)
}

// DefaultFactory connects to real services.
type DefaultFactory struct{}

func (DefaultFactory) NewHTTPClient(svc *model.Service) (HTTPClient, error) {
	return NewHTTPClient(svc)
}

func (DefaultFactory) NewMQTTClient(ctx context.Context, svc *model.Service) (MQTTClient, error) {
	return DialMQTT(ctx, svc)
}

func (DefaultFactory) NewToolCaller(ctx context.Context, svc *model.Service) (ToolCaller, error) {
	return NewMCPServer(ctx, svc)
}

// Session owns the connections of one test case. Connections are opened on
// first use and all of them are closed by Close, so nothing outlives the case.
type Session struct {
	factory  Factory
	services map[string]*model.Service
	limiters *RateLimiters

	mu     sync.Mutex
	http   map[string]HTTPClient
	mqtt   map[string]MQTTClient
	mcp    map[string]ToolCaller
	closed bool
}

func NewSession(factory Factory, services map[string]*model.Service, limiters *RateLimiters) *Session {
	if factory == nil {
		factory = DefaultFactory{}
	}
	return &Session{
		factory:  factory,
		services: services,
		limiters: limiters,
		http:     make(map[string]HTTPClient),
		mqtt:     make(map[string]MQTTClient),
		mcp:      make(map[string]ToolCaller),
	}
}

func (s *Session) service(id string, want model.ServiceType) (*model.Service, error) {
	svc, ok := s.services[id]
	if !ok {
		return nil, model.ProtocolError(fmt.Sprintf("unknown service %q", id), nil)
	}
	if svc.Type != want {
		return nil, model.ProtocolError(fmt.Sprintf("service %q is %s, not %s", id, svc.Type, want), nil)
	}
	return svc, nil
}

// Throttle waits for the service's rate limit, if any.
func (s *Session) Throttle(ctx context.Context, service string) error {
	if err := s.limiters.For(service).Wait(ctx); err != nil {
		return model.TimeoutError("waiting for rate limit of "+service, err)
	}
	return nil
}

func (s *Session) HTTP(service string) (HTTPClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed()
	}
	if c, ok := s.http[service]; ok {
		return c, nil
	}
	svc, err := s.service(service, model.ServiceHTTP)
	if err != nil {
		return nil, err
	}
	c, err := s.factory.NewHTTPClient(svc)
	if err != nil {
		return nil, asProtocolError(err)
	}
	s.http[service] = c
	return c, nil
}

func (s *Session) MQTT(ctx context.Context, service string) (MQTTClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed()
	}
	if c, ok := s.mqtt[service]; ok {
		return c, nil
	}
	svc, err := s.service(service, model.ServiceMQTT)
	if err != nil {
		return nil, err
	}
	c, err := s.factory.NewMQTTClient(ctx, svc)
	if err != nil {
		return nil, asProtocolError(err)
	}
	s.mqtt[service] = c
	return c, nil
}

func (s *Session) MCP(ctx context.Context, service string) (ToolCaller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed()
	}
	if c, ok := s.mcp[service]; ok {
		return c, nil
	}
	svc, err := s.service(service, model.ServiceMCP)
	if err != nil {
		return nil, err
	}
	c, err := s.factory.NewToolCaller(ctx, svc)
	if err != nil {
		return nil, asProtocolError(err)
	}
	s.mcp[service] = c
	return c, nil
}

// Close closes every connection opened through the session. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for id, c := range s.mqtt {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt %s: %w", id, err))
		}
	}
	for id, c := range s.mcp {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp %s: %w", id, err))
		}
	}
	for id, c := range s.http {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("http %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		logger.Logger.Warn("Errors while closing connections", "count", len(errs))
	}
	return errors.Join(errs...)
}

// errSessionClosed returns a new error each time; the scheduler stamps the
// step id into it.
func errSessionClosed() error {
	return model.ProtocolError("session is closed", nil)
}

// asProtocolError keeps classified errors and marks the rest as protocol
// errors, which covers configuration problems found when connecting.
func asProtocolError(err error) error {
	var se *model.StepExecutionError
	if errors.As(err, &se) {
		return err
	}
	return model.ProtocolError("connection setup failed", err)
}
