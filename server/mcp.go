package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/version"
)

const (
	DefaultServerInitDelay = 30 * time.Second
	ProcessStartupDelay    = 300 * time.Millisecond
	MCPClientName          = "protocol-bench"
	URLSchemeHTTP          = "http://"
	URLSchemeHTTPS         = "https://"
)

// ToolCaller invokes tools on an MCP server.
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, args map[string]any) (*model.ToolResult, error)
	Close() error
}

// MCPServer is an initialized connection to one mcp service.
type MCPServer struct {
	Name         string
	Transport    model.MCPTransport
	Command      string
	Env          map[string]string
	URL          string
	Headers      map[string]string
	Client       mcpclient.MCPClient
	ServerDelay  string
	ProcessDelay string

	// stop ends the transport context; the connection outlives the step
	// that opened it.
	stop context.CancelFunc
}

// NewMCPServer starts the transport and runs the MCP initialize handshake.
// ctx bounds the handshake only; the transport lives until Close.
func NewMCPServer(ctx context.Context, svc *model.Service) (*MCPServer, error) {
	logger.Logger.Info("Creating MCP server", "service", svc.Name, "transport", svc.Transport)

	s := &MCPServer{
		Name:         svc.Name,
		Transport:    svc.Transport,
		Command:      svc.Command,
		Env:          svc.Env,
		URL:          svc.URL,
		Headers:      svc.Headers,
		ServerDelay:  svc.ServerDelay,
		ProcessDelay: svc.ProcessDelay,
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration for %s: %w", svc.Name, err)
	}

	transportCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = stop
	cli, err := s.createMCPClient(transportCtx)
	if err != nil {
		s.cleanup()
		return nil, model.NetworkError("failed to create MCP client for "+svc.Name, err)
	}
	s.Client = cli

	initDelay := parseDurationOr(s.ServerDelay, DefaultServerInitDelay)
	initCtx, cancel := context.WithTimeout(ctx, initDelay)
	defer cancel()

	logger.Logger.Debug("Initializing MCP client", "service", svc.Name, "timeout", initDelay)
	if err := s.initializeClient(initCtx); err != nil {
		s.cleanup()
		if initCtx.Err() != nil {
			return nil, model.TimeoutError("MCP initialize for "+svc.Name, err)
		}
		return nil, model.ProtocolError("MCP initialize for "+svc.Name, err)
	}
	logger.Logger.Info("MCP server initialized", "service", svc.Name)
	return s, nil
}

func (s *MCPServer) validate() error {
	switch s.Transport {
	case model.Stdio:
		if len(strings.Fields(s.Command)) == 0 {
			return fmt.Errorf("command must contain at least an executable name")
		}
	case model.SSE, model.Http:
		if strings.TrimSpace(s.URL) != s.URL {
			return fmt.Errorf("URL contains leading or trailing whitespace")
		}
		if !strings.HasPrefix(s.URL, URLSchemeHTTP) && !strings.HasPrefix(s.URL, URLSchemeHTTPS) {
			return fmt.Errorf("invalid URL format: must start with http:// or https://, got: %s", s.URL)
		}
	default:
		return fmt.Errorf("unsupported transport: %s (expected: stdio, sse, or http)", s.Transport)
	}
	return nil
}

func (s *MCPServer) initializeClient(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    MCPClientName,
		Version: version.Version,
	}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	resp, err := s.Client.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("initialize response is nil")
	}
	logger.Logger.Debug("MCP server info",
		"service", s.Name,
		"server_name", resp.ServerInfo.Name,
		"server_version", resp.ServerInfo.Version,
		"protocol_version", resp.ProtocolVersion,
	)
	return nil
}

func (s *MCPServer) createMCPClient(ctx context.Context) (mcpclient.MCPClient, error) {
	switch s.Transport {
	case model.Stdio:
		return s.createStdioClient()
	case model.SSE:
		return s.createSSEClient(ctx)
	case model.Http:
		return s.createStreamableHTTPClient()
	}
	return nil, fmt.Errorf("unsupported transport type '%s' for server %s", s.Transport, s.Name)
}

func (s *MCPServer) createStdioClient() (mcpclient.MCPClient, error) {
	parts := strings.Fields(s.Command)
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}

	logger.Logger.Debug("Starting stdio MCP server", "service", s.Name, "command", parts[0], "args", parts[1:])
	cli, err := mcpclient.NewStdioMCPClient(parts[0], env, parts[1:]...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio client: %w", err)
	}
	if err := s.waitForProcess(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

func (s *MCPServer) createSSEClient(ctx context.Context) (mcpclient.MCPClient, error) {
	var options []transport.ClientOption
	if len(s.Headers) > 0 {
		options = append(options, transport.WithHeaders(s.Headers))
	}
	cli, err := mcpclient.NewSSEMCPClient(s.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start SSE client: %w", err)
	}
	return cli, nil
}

func (s *MCPServer) createStreamableHTTPClient() (mcpclient.MCPClient, error) {
	var options []transport.StreamableHTTPCOption
	if len(s.Headers) > 0 {
		options = append(options, transport.WithHTTPHeaders(s.Headers))
	}
	cli, err := mcpclient.NewStreamableHttpClient(s.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
	}
	if err := s.waitForProcess(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

func (s *MCPServer) waitForProcess() error {
	delay := ProcessStartupDelay
	if s.ProcessDelay != "" {
		d, err := time.ParseDuration(s.ProcessDelay)
		if err != nil {
			return fmt.Errorf("failed to parse process delay %q: %w", s.ProcessDelay, err)
		}
		delay = d
	}
	time.Sleep(delay)
	return nil
}

// CallTool invokes a tool and flattens its text content. A result flagged
// as an error by the server is returned, not treated as a transport failure.
func (s *MCPServer) CallTool(ctx context.Context, tool string, args map[string]any) (*model.ToolResult, error) {
	if s.Client == nil {
		return nil, model.ProtocolError("MCP client is closed", nil)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	start := time.Now()
	resp, err := s.Client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.TimeoutError("call tool "+tool, err)
		}
		return nil, model.ProtocolError("call tool "+tool, err)
	}
	logger.Logger.Debug("MCP tool called", "service", s.Name, "tool", tool, "duration", time.Since(start), "is_error", resp.IsError)
	return toToolResult(tool, resp), nil
}

func toToolResult(tool string, resp *mcp.CallToolResult) *model.ToolResult {
	texts := make([]string, 0, len(resp.Content))
	for _, c := range resp.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			texts = append(texts, tc.Text)
		}
	}
	return &model.ToolResult{
		Tool:       tool,
		IsError:    resp.IsError,
		Text:       strings.Join(texts, "\n"),
		Structured: resp.StructuredContent,
	}
}

func (s *MCPServer) cleanup() {
	defer s.stopTransport()
	if s.Client == nil {
		return
	}
	if err := s.Client.Close(); err != nil {
		logger.Logger.Warn("Error closing MCP client", "service", s.Name, "error", err)
	}
	s.Client = nil
}

func (s *MCPServer) stopTransport() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

func (s *MCPServer) Close() error {
	defer s.stopTransport()
	if s.Client == nil {
		return nil
	}
	logger.Logger.Debug("Closing MCP server", "service", s.Name)
	err := s.Client.Close()
	s.Client = nil
	if err != nil {
		return fmt.Errorf("failed to close server %s: %w", s.Name, err)
	}
	return nil
}
