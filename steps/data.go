package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-openapi/jsonpointer"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/yalp/jsonpath"
)

// jsonOf returns the JSON value carried by a step output. Message batches
// with a single message yield that payload, otherwise a list of payloads.
func jsonOf(output any) (any, error) {
	switch o := output.(type) {
	case *model.HTTPResponse:
		return o.JSON()
	case *model.ToolResult:
		return o.JSON()
	case *model.MessageBatch:
		return payloads(o.Messages)
	case *model.MessageBuffer:
		return payloads(o.Snapshot())
	case model.Message:
		return o.JSON()
	case string:
		return model.ParseJSON([]byte(o))
	case []byte:
		return model.ParseJSON(o)
	case nil:
		return nil, fmt.Errorf("source step produced no output")
	default:
		return model.NormalizeJSON(o)
	}
}

func payloads(msgs []model.Message) (any, error) {
	if len(msgs) == 1 {
		return msgs[0].JSON()
	}
	out := make([]any, 0, len(msgs))
	for i, m := range msgs {
		v, err := m.JSON()
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func executeJSON(ctx context.Context, req *Request) (*Result, error) {
	v, err := jsonOf(req.From)
	if err != nil {
		return nil, model.ProtocolError(fmt.Sprintf("cannot parse output of %q as JSON", req.Step.From), err)
	}
	return &Result{Output: v}, nil
}

func validateJSONPath(in map[string]any) error {
	path, err := stringField(in, "path", true)
	if err != nil {
		return err
	}
	if !literal(path) {
		return nil
	}
	_, err = compilePath(path)
	return err
}

type pathQuery func(doc any) (any, error)

// compilePath accepts a JSON Pointer ("/a/0/b") or a JSONPath ("$.a[0].b").
func compilePath(path string) (pathQuery, error) {
	switch {
	case path == "" || strings.HasPrefix(path, "/"):
		ptr, err := jsonpointer.New(path)
		if err != nil {
			return nil, fmt.Errorf("path: invalid JSON Pointer %q: %w", path, err)
		}
		return func(doc any) (any, error) {
			v, _, err := ptr.Get(doc)
			return v, err
		}, nil
	case strings.HasPrefix(path, "$"):
		filter, err := jsonpath.Prepare(path)
		if err != nil {
			return nil, fmt.Errorf("path: invalid JSONPath %q: %w", path, err)
		}
		return pathQuery(filter), nil
	}
	return nil, fmt.Errorf("path: %q must start with / (JSON Pointer) or $ (JSONPath)", path)
}

func executeJSONPath(ctx context.Context, req *Request) (*Result, error) {
	path, err := stringField(req.Input, "path", true)
	if err != nil {
		return nil, err
	}
	query, err := compilePath(path)
	if err != nil {
		return nil, err
	}
	doc, err := jsonOf(req.From)
	if err != nil {
		return nil, model.ProtocolError(fmt.Sprintf("cannot read output of %q as JSON", req.Step.From), err)
	}
	v, err := query(doc)
	if err != nil {
		return nil, model.ProtocolError(fmt.Sprintf("path %q did not match", path), err)
	}
	logger.Logger.Debug("Value extracted", "step", req.Step.ID, "from", req.Step.From, "path", path)
	return &Result{Output: v}, nil
}
