package steps

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/server"
)

var httpMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

func validateHTTPRequest(in map[string]any) error {
	if _, err := stringField(in, "path", true); err != nil {
		return err
	}
	if m, ok := in["method"]; ok && literal(m) {
		method, err := stringField(in, "method", false)
		if err != nil {
			return err
		}
		if !isHTTPMethod(method) {
			return fmt.Errorf("method: unsupported HTTP method %q", method)
		}
	}
	if _, err := exclusive(in, false, "json", "content"); err != nil {
		return err
	}
	for _, key := range []string{"headers", "query"} {
		if _, err := mapField(in, key); err != nil {
			return err
		}
	}
	return nil
}

func isHTTPMethod(m string) bool {
	return slices.Contains(httpMethods, strings.ToUpper(m))
}

// buildHTTPRequest turns rendered step input into a transport request.
// Service headers come first; step headers override them.
func buildHTTPRequest(req *Request) (*server.HTTPRequest, error) {
	in := req.Input
	path, err := stringField(in, "path", true)
	if err != nil {
		return nil, err
	}
	method, err := stringField(in, "method", false)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	follow, err := boolField(in, "follow_redirects", true)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	if req.Service != nil && len(req.Service.Headers) > 0 {
		svcHeaders, err := req.Bindings.Substitute(req.Service.Headers)
		if err != nil {
			return nil, err
		}
		for k, v := range svcHeaders {
			headers[k] = v
		}
	}
	stepHeaders, err := stringMap(in, "headers")
	if err != nil {
		return nil, err
	}
	for k, v := range stepHeaders {
		headers[k] = v
	}
	query, err := stringMap(in, "query")
	if err != nil {
		return nil, err
	}

	out := &server.HTTPRequest{
		Method:     strings.ToUpper(method),
		Path:       path,
		Query:      query,
		Headers:    headers,
		NoRedirect: !follow,
	}
	if v, ok := in["json"]; ok {
		body, err := sonic.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
		out.Body = body
		if !hasHeader(headers, "Content-Type") {
			headers["Content-Type"] = "application/json"
		}
	} else if _, ok := in["content"]; ok {
		content, err := stringField(in, "content", false)
		if err != nil {
			return nil, err
		}
		out.Body = []byte(content)
	}
	return out, nil
}

func hasHeader(h map[string]string, name string) bool {
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func executeHTTPRequest(ctx context.Context, req *Request) (*Result, error) {
	httpReq, err := buildHTTPRequest(req)
	if err != nil {
		return nil, err
	}
	client, err := req.Session.HTTP(req.Step.Service)
	if err != nil {
		return nil, err
	}
	if err := req.Session.Throttle(ctx, req.Step.Service); err != nil {
		return nil, err
	}
	resp, err := client.Do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	logger.Logger.Info("HTTP request completed",
		"step", req.Step.ID,
		"method", resp.Method,
		"url", resp.URL,
		"status", resp.StatusCode,
		"latency_ms", resp.LatencyMs,
	)
	return &Result{Output: resp}, nil
}
