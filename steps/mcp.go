package steps

import (
	"context"
	"fmt"

	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
)

func validateMCPCall(in map[string]any) error {
	if _, err := stringField(in, "tool", true); err != nil {
		return err
	}
	_, err := mapField(in, "arguments")
	return err
}

// executeMCPCall calls one tool. A result the server flags as an error
// fails the step with a Protocol error.
func executeMCPCall(ctx context.Context, req *Request) (*Result, error) {
	tool, err := stringField(req.Input, "tool", true)
	if err != nil {
		return nil, err
	}
	args, err := mapField(req.Input, "arguments")
	if err != nil {
		return nil, err
	}
	caller, err := req.Session.MCP(ctx, req.Step.Service)
	if err != nil {
		return nil, err
	}
	if err := req.Session.Throttle(ctx, req.Step.Service); err != nil {
		return nil, err
	}
	res, err := caller.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, model.ProtocolError(fmt.Sprintf("tool %q returned an error: %s", tool, res.Text), nil)
	}
	logger.Logger.Info("Tool called", "step", req.Step.ID, "service", req.Step.Service, "tool", tool)
	return &Result{Output: res}, nil
}
