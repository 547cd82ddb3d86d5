package server

import (
	"context"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDeviceServer() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer("devices", "1.0.0", mcpserver.WithToolCapabilities(true))
	srv.AddTool(mcp.NewTool("echo", mcp.WithString("text", mcp.Required())),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.GetString("text", "")), nil
		})
	srv.AddTool(mcp.NewTool("status"),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultStructured(map[string]any{"online": true, "count": 3}, "ok"), nil
		})
	srv.AddTool(mcp.NewTool("broken"),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("device offline"), nil
		})
	return srv
}

func newInProcessServer(t *testing.T) *MCPServer {
	t.Helper()
	cli, err := mcpclient.NewInProcessClient(newDeviceServer())
	require.NoError(t, err)
	require.NoError(t, cli.Start(context.Background()))

	s := &MCPServer{Name: "devices", Transport: model.Stdio, Client: cli}
	require.NoError(t, s.initializeClient(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMCPServer_CallTool(t *testing.T) {
	s := newInProcessServer(t)

	res, err := s.CallTool(context.Background(), "echo", map[string]any{"text": `{"a":1}`})
	require.NoError(t, err)
	assert.Equal(t, "echo", res.Tool)
	assert.False(t, res.IsError)
	assert.Equal(t, `{"a":1}`, res.Text)
	v, err := res.JSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)
}

func TestMCPServer_StructuredResult(t *testing.T) {
	s := newInProcessServer(t)

	res, err := s.CallTool(context.Background(), "status", nil)
	require.NoError(t, err)
	v, err := res.JSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"online": true, "count": float64(3)}, v)
}

func TestMCPServer_ToolErrorIsAResult(t *testing.T) {
	s := newInProcessServer(t)

	res, err := s.CallTool(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "device offline", res.Text)
}

func TestMCPServer_ClosedClient(t *testing.T) {
	s := &MCPServer{Name: "gone"}
	_, err := s.CallTool(context.Background(), "echo", nil)
	assert.True(t, model.IsKind(err, model.KindProtocol))
	assert.NoError(t, s.Close())
}

func TestMCPServer_Validate(t *testing.T) {
	tests := []struct {
		name    string
		server  MCPServer
		wantErr bool
	}{
		{"stdio ok", MCPServer{Transport: model.Stdio, Command: "node server.js"}, false},
		{"stdio blank", MCPServer{Transport: model.Stdio, Command: "   "}, true},
		{"sse ok", MCPServer{Transport: model.SSE, URL: "http://localhost:3000/sse"}, false},
		{"http bad scheme", MCPServer{Transport: model.Http, URL: "ftp://x"}, true},
		{"sse whitespace", MCPServer{Transport: model.SSE, URL: " http://x"}, true},
		{"unknown", MCPServer{Transport: "pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.server.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewMCPServer_SSEOutlivesOpeningContext(t *testing.T) {
	ts := mcpserver.NewTestServer(newDeviceServer())
	defer ts.Close()

	svc := &model.Service{Name: "devices", Type: model.ServiceMCP, Transport: model.SSE, URL: ts.URL + "/sse"}
	openCtx, cancelOpen := context.WithTimeout(context.Background(), 10*time.Second)
	s, err := NewMCPServer(openCtx, svc)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.CallTool(openCtx, "echo", map[string]any{"text": "first"})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Text)

	// the step that opened the connection is over
	cancelOpen()

	callCtx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCall()
	res, err = s.CallTool(callCtx, "echo", map[string]any{"text": "second"})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Text)

	require.NoError(t, s.Close())
	assert.Nil(t, s.stop)
}
