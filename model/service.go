package model

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// SERVICE CONFIGURATION
// ============================================================================

type ServiceType string

const (
	ServiceHTTP ServiceType = "http"
	ServiceMQTT ServiceType = "mqtt"
	ServiceMCP  ServiceType = "mcp"
)

type MCPTransport string

const (
	Stdio MCPTransport = "stdio"
	SSE   MCPTransport = "sse"
	Http  MCPTransport = "http"
)

const (
	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
	DefaultMQTTPort  = 1883
	DefaultMQTTSPort = 8883
	DefaultKeepAlive = 60
	MQTTProtocolV5   = 5
	refKey           = "$ref"
	serviceRefPrefix = "#/services/"
)

// RetryConfig enables transport-level retries for HTTP services. Zero means
// every request is sent once.
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	WaitMin    string `yaml:"wait_min"`
	WaitMax    string `yaml:"wait_max"`
}

// RateLimitConfig throttles I/O steps that target the service.
type RateLimitConfig struct {
	RPM int `yaml:"rpm"` // Requests per minute
}

type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ConnectProperties struct {
	SessionExpiryInterval *uint32 `yaml:"sessionExpiryInterval,omitempty"`
	ReceiveMaximum        *uint16 `yaml:"receiveMaximum,omitempty"`
	MaximumPacketSize     *uint32 `yaml:"maximumPacketSize,omitempty"`
}

type Service struct {
	Name     string      `yaml:"-"`
	Type     ServiceType `yaml:"type"`
	Hostname string      `yaml:"hostname,omitempty"`
	Port     int         `yaml:"port,omitempty"`
	TLS      bool        `yaml:"tls,omitempty"`
	Protocol float64     `yaml:"protocol,omitempty"`
	// HTTP
	Headers  map[string]string `yaml:"headers,omitempty"`
	BasePath string            `yaml:"basePath,omitempty"`
	Timeout  string            `yaml:"timeout,omitempty"`
	Retry    RetryConfig       `yaml:"retry,omitempty"`
	// MQTT
	ClientID          string            `yaml:"clientId,omitempty"`
	CleanSession      *bool             `yaml:"cleanSession,omitempty"`
	KeepAlive         int               `yaml:"keepAlive,omitempty"`
	Credentials       *Credentials      `yaml:"credentials,omitempty"`
	ConnectProperties ConnectProperties `yaml:"connectProperties,omitempty"`
	// MCP
	Transport    MCPTransport      `yaml:"transport,omitempty"`
	Command      string            `yaml:"command,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	URL          string            `yaml:"url,omitempty"`
	ServerDelay  string            `yaml:"server_delay,omitempty"`
	ProcessDelay string            `yaml:"process_delay,omitempty"`

	RateLimits RateLimitConfig `yaml:"rate_limits,omitempty"`

	// Config is the effective configuration after alias resolution.
	Config map[string]any `yaml:"-"`
}

// EffectivePort returns the configured port or the protocol default.
func (s *Service) EffectivePort() int {
	if s.Port > 0 {
		return s.Port
	}
	switch s.Type {
	case ServiceMQTT:
		if s.TLS {
			return DefaultMQTTSPort
		}
		return DefaultMQTTPort
	default:
		if s.TLS {
			return DefaultHTTPSPort
		}
		return DefaultHTTPPort
	}
}

func (s *Service) validate() error {
	switch s.Type {
	case ServiceHTTP:
		if s.Hostname == "" {
			return fmt.Errorf("hostname: required field missing")
		}
	case ServiceMQTT:
		if s.Hostname == "" {
			return fmt.Errorf("hostname: required field missing")
		}
		if s.Protocol != 0 && s.Protocol != MQTTProtocolV5 {
			return fmt.Errorf("unsupported MQTT protocol version %v (only %d is supported)", s.Protocol, MQTTProtocolV5)
		}
		if s.Credentials != nil && s.Credentials.Username == "" {
			return fmt.Errorf("credentials.username: required field missing")
		}
	case ServiceMCP:
		switch s.Transport {
		case Stdio:
			if strings.TrimSpace(s.Command) == "" {
				return fmt.Errorf("command is required for stdio transport")
			}
		case SSE, Http:
			if s.URL == "" {
				return fmt.Errorf("url is required for %s transport", s.Transport)
			}
		default:
			return fmt.Errorf("unsupported MCP transport %q (expected: stdio, sse, or http)", s.Transport)
		}
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if s.RateLimits.RPM < 0 {
		return fmt.Errorf("rate_limits.rpm must not be negative")
	}
	return nil
}

// ============================================================================
// ALIAS RESOLUTION
// ============================================================================

const (
	unvisited = iota
	visiting
	resolved
)

type serviceResolver struct {
	raw      map[string]map[string]any
	state    map[string]int
	resolved map[string]map[string]any
}

func parseServices(node *yaml.Node, catalog Catalog) (map[string]*Service, error) {
	if node.Kind != yaml.MappingNode {
		return nil, parseErrorf("services", "must be a mapping of service id to service")
	}
	r := &serviceResolver{
		raw:      make(map[string]map[string]any),
		state:    make(map[string]int),
		resolved: make(map[string]map[string]any),
	}
	ids := make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var m map[string]any
		if err := node.Content[i+1].Decode(&m); err != nil || m == nil {
			return nil, &ParseError{Path: "services." + id, Reason: "service must be a mapping", Err: err}
		}
		if _, dup := r.raw[id]; dup {
			return nil, parseErrorf("services."+id, "duplicate service id")
		}
		r.raw[id] = m
		ids = append(ids, id)
	}
	sort.Strings(ids)

	services := make(map[string]*Service, len(ids))
	for _, id := range ids {
		cfg, err := r.resolve(id, nil)
		if err != nil {
			return nil, err
		}
		svc, err := decodeService(id, cfg)
		if err != nil {
			return nil, err
		}
		if catalog != nil && !catalog.KnownServiceType(svc.Type) {
			return nil, parseErrorf("services."+id, "unknown service type %q", svc.Type)
		}
		if err := svc.validate(); err != nil {
			return nil, &ParseError{Path: "services." + id, Reason: "invalid service", Err: err}
		}
		services[id] = svc
	}
	return services, nil
}

// resolve returns the effective configuration of a service, following $ref
// chains. chain is the alias path walked so far, used for cycle reports.
func (r *serviceResolver) resolve(id string, chain []string) (map[string]any, error) {
	chain = append(chain, id)
	switch r.state[id] {
	case resolved:
		return r.resolved[id], nil
	case visiting:
		return nil, parseErrorf("services."+chain[0], "alias cycle detected: %s", strings.Join(chain, " -> "))
	}

	raw, ok := r.raw[id]
	if !ok {
		return nil, parseErrorf("services."+chain[0], "$ref target %q does not exist", id)
	}
	r.state[id] = visiting

	var cfg map[string]any
	if ref, isAlias := raw[refKey]; isAlias {
		target, err := refTarget(ref)
		if err != nil {
			return nil, &ParseError{Path: "services." + id, Reason: "invalid $ref", Err: err}
		}
		base, err := r.resolve(target, chain)
		if err != nil {
			return nil, err
		}
		overrides := make(map[string]any, len(raw))
		for k, v := range raw {
			if k != refKey {
				overrides[k] = v
			}
		}
		cfg = mergeConfig(base, overrides)
	} else {
		if t, _ := raw["type"].(string); t == "" {
			return nil, parseErrorf("services."+id, "type: required field missing")
		}
		cfg = raw
	}

	r.state[id] = resolved
	r.resolved[id] = cfg
	return cfg, nil
}

func refTarget(ref any) (string, error) {
	s, ok := ref.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("must be a non-empty string")
	}
	if strings.HasPrefix(s, serviceRefPrefix) {
		return strings.TrimPrefix(s, serviceRefPrefix), nil
	}
	if strings.HasPrefix(s, "#") || strings.Contains(s, "/") {
		return "", fmt.Errorf("unsupported reference %q (expected a service id or %s<id>)", s, serviceRefPrefix)
	}
	return s, nil
}

// mergeConfig overlays override on base. Nested maps merge, anything else is
// replaced. Neither input is modified.
func mergeConfig(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeConfig(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func decodeService(id string, cfg map[string]any) (*Service, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, &ParseError{Path: "services." + id, Reason: "failed to encode service", Err: err}
	}
	svc := &Service{}
	if err := yaml.Unmarshal(data, svc); err != nil {
		return nil, &ParseError{Path: "services." + id, Reason: "invalid service", Err: err}
	}
	svc.Name = id
	svc.Config = cfg
	return svc, nil
}
