package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
)

const (
	DefaultHTTPTimeout = 30 * time.Second
	defaultRetryWait   = time.Second
	defaultRetryMax    = 30 * time.Second
	// Response bodies beyond this size are truncated.
	maxBodyBytes = 10 << 20
	maxRedirects = 10
)

type noRedirectKey struct{}

// HTTPRequest is one request issued by an http_request step. Path is joined
// to the service base URL unless it is already absolute.
type HTTPRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    []byte
	// NoRedirect returns 3xx responses instead of following them.
	NoRedirect bool
}

// HTTPClient sends requests to one HTTP service.
type HTTPClient interface {
	Do(ctx context.Context, req *HTTPRequest) (*model.HTTPResponse, error)
	Close() error
}

type httpClient struct {
	service string
	baseURL *url.URL
	client  *retryablehttp.Client
}

// NewHTTPClient builds a client for an http service. Retries are off unless
// the service configures retry.max_retries.
func NewHTTPClient(svc *model.Service) (HTTPClient, error) {
	base, err := BaseURL(svc)
	if err != nil {
		return nil, err
	}
	timeout := DefaultHTTPTimeout
	if svc.Timeout != "" {
		if timeout, err = time.ParseDuration(svc.Timeout); err != nil {
			return nil, fmt.Errorf("invalid timeout %q for service %s: %w", svc.Timeout, svc.Name, err)
		}
	}

	rc := retryablehttp.NewClient()
	rc.Logger = logger.Leveled()
	rc.RetryMax = svc.Retry.MaxRetries
	rc.RetryWaitMin = parseDurationOr(svc.Retry.WaitMin, defaultRetryWait)
	rc.RetryWaitMax = parseDurationOr(svc.Retry.WaitMax, defaultRetryMax)
	rc.Backoff = RetryAfterBackoff
	// the last response is returned as is so status_code checks see it
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = timeout
	rc.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.Context().Value(noRedirectKey{}) != nil {
			return http.ErrUseLastResponse
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	logger.Logger.Debug("HTTP client created",
		"service", svc.Name,
		"base_url", base.String(),
		"timeout", timeout,
		"max_retries", rc.RetryMax,
	)
	return &httpClient{service: svc.Name, baseURL: base, client: rc}, nil
}

// BaseURL derives scheme://host:port/basePath from the service.
func BaseURL(svc *model.Service) (*url.URL, error) {
	scheme := "http"
	if svc.TLS {
		scheme = "https"
	}
	host := svc.Hostname
	if strings.Contains(host, "://") {
		return nil, fmt.Errorf("hostname %q must not contain a scheme", host)
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(svc.EffectivePort())),
		Path:   "/" + strings.Trim(svc.BasePath, "/"),
	}
	return u, nil
}

func (c *httpClient) resolve(req *HTTPRequest) (string, error) {
	var target *url.URL
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		u, err := url.Parse(req.Path)
		if err != nil {
			return "", err
		}
		target = u
	} else {
		ref, err := url.Parse(strings.TrimPrefix(req.Path, "/"))
		if err != nil {
			return "", err
		}
		base := *c.baseURL
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		target = base.ResolveReference(ref)
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}
	return target.String(), nil
}

func (c *httpClient) Do(ctx context.Context, req *HTTPRequest) (*model.HTTPResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target, err := c.resolve(req)
	if err != nil {
		return nil, model.ProtocolError(fmt.Sprintf("invalid request path %q", req.Path), err)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	if req.NoRedirect {
		ctx = context.WithValue(ctx, noRedirectKey{}, true)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, model.ProtocolError("failed to build request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	logger.Logger.Debug("Sending HTTP request", "service", c.service, "method", method, "url", target)
	start := time.Now()
	resp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, classifyHTTPError(ctx, method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, model.NetworkError("failed to read response body", err)
	}
	logger.Logger.Debug("HTTP response received",
		"service", c.service,
		"status", resp.StatusCode,
		"bytes", len(data),
		"latency", latency,
	)
	return &model.HTTPResponse{
		Method:     method,
		URL:        target,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       string(data),
		LatencyMs:  latency.Milliseconds(),
	}, nil
}

func (c *httpClient) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

func classifyHTTPError(ctx context.Context, method, target string, err error) error {
	detail := fmt.Sprintf("%s %s", method, target)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.TimeoutError(detail, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.TimeoutError(detail, err)
	}
	return model.NetworkError(detail, err)
}

// RetryAfterBackoff honours retry-after-ms and Retry-After on 429 and 503
// responses and falls back to exponential backoff otherwise.
func RetryAfterBackoff(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if d := ParseRetryAfter(resp.Header); d > 0 {
			if d > max {
				return max
			}
			return d
		}
	}
	return retryablehttp.DefaultBackoff(min, max, attempt, resp)
}

var httpDateFormats = []string{
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 02 Jan 2006 15:04:05 MST",
}

// ParseRetryAfter reads retry-after-ms (milliseconds) or Retry-After
// (seconds or HTTP-date). It returns 0 when neither is usable.
func ParseRetryAfter(h http.Header) time.Duration {
	if ms := strings.TrimSpace(h.Get("retry-after-ms")); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	for _, format := range httpDateFormats {
		if t, err := time.Parse(format, value); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			// date in the past
			return time.Second
		}
	}
	logger.Logger.Warn("Could not parse Retry-After header", "value", value)
	return 0
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
