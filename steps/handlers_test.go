package steps

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/server"
	"github.com/mykhaliev/protocol-bench/server/servertest"
	"github.com/mykhaliev/protocol-bench/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Discard()
}

// harness runs handlers the way the scheduler does: render the input, look
// up the from output, call the handler.
type harness struct {
	t        *testing.T
	services map[string]*model.Service
	bindings *templates.Context
	session  *server.Session
	registry *Registry
}

func newHarness(t *testing.T, factory server.Factory, services map[string]*model.Service) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		services: services,
		bindings: templates.NewContext(map[string]string{"HOME": "/home/test"}, map[string]string{"token": "s3cret"}),
		session:  server.NewSession(factory, services, nil),
		registry: NewDefaultRegistry(),
	}
	t.Cleanup(func() { _ = h.session.Close() })
	return h
}

func (h *harness) run(ctx context.Context, raw map[string]any) (*Result, error) {
	h.t.Helper()
	step := &model.Step{ID: raw["id"].(string), Type: raw["type"].(string), Raw: raw}
	step.Service, _ = raw["service"].(string)
	step.From, _ = raw["from"].(string)
	if v, ok := raw["timeoutSeconds"].(float64); ok {
		step.TimeoutSeconds = &v
	}

	req := &Request{Step: step, Bindings: h.bindings, Session: h.session, Validator: model.NewSchemaValidator()}
	if step.Service != "" {
		req.Service = h.services[step.Service]
	}
	if step.From != "" {
		from, err := h.bindings.Get(step.From)
		require.NoError(h.t, err)
		req.From = from
	}
	if e := step.RawExpect(); e != nil {
		expect, err := model.DecodeExpect(e)
		require.NoError(h.t, err)
		req.Expect = expect
	}
	in, err := h.bindings.RenderMap(step.Input())
	if err != nil {
		return nil, err
	}
	req.Input = in

	def, ok := h.registry.Lookup(step.Type)
	require.True(h.t, ok)
	res, err := def.Handler.Execute(ctx, req)
	if err == nil {
		require.NoError(h.t, h.bindings.Put(step.ID, res.Output))
	}
	return res, err
}

func httpService(t *testing.T, srv *httptest.Server) *model.Service {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &model.Service{
		Name:     "api",
		Type:     model.ServiceHTTP,
		Hostname: host,
		Port:     p,
		Headers:  map[string]string{"Authorization": "Bearer {{token}}", "X-Client": "bench"},
	}
}

// ============================================================================
// http_request
// ============================================================================

func TestHTTPRequest(t *testing.T) {
	var got *http.Request
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fact":"Cats sleep 70% of their lives.","length":35}`))
	}))
	defer srv.Close()

	h := newHarness(t, &servertest.Factory{}, map[string]*model.Service{"api": httpService(t, srv)})
	res, err := h.run(context.Background(), map[string]any{
		"id":      "fetch",
		"type":    TypeHTTPRequest,
		"service": "api",
		"method":  "post",
		"path":    "/fact",
		"query":   map[string]any{"max_length": 140},
		"headers": map[string]any{"X-Client": "override"},
		"json":    map[string]any{"home": "{{env.HOME}}"},
	})
	require.NoError(t, err)
	assert.False(t, res.Background())

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/fact", got.URL.Path)
	assert.Equal(t, "140", got.URL.Query().Get("max_length"))
	assert.Equal(t, "Bearer s3cret", got.Header.Get("Authorization"))
	assert.Equal(t, "override", got.Header.Get("X-Client"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"home":"/home/test"}`, body)

	resp := res.Output.(*model.HTTPResponse)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the response is visible to later templates
	length, err := h.bindings.RenderValue("{{fetch.json.length}}")
	require.NoError(t, err)
	assert.Equal(t, float64(35), length)
}

func TestHTTPRequest_RawContentAndRedirects(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/here", http.StatusMovedPermanently)
			return
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newHarness(t, &servertest.Factory{}, map[string]*model.Service{"api": httpService(t, srv)})
	res, err := h.run(context.Background(), map[string]any{
		"id": "raw", "type": TypeHTTPRequest, "service": "api",
		"method": "PUT", "path": "/raw", "content": "plain text",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.Output.(*model.HTTPResponse).StatusCode)
	assert.Equal(t, "plain text", body)

	res, err = h.run(context.Background(), map[string]any{
		"id": "noredirect", "type": TypeHTTPRequest, "service": "api",
		"path": "/moved", "follow_redirects": false,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusMovedPermanently, res.Output.(*model.HTTPResponse).StatusCode)
}

func TestHTTPRequest_UnresolvedServiceHeader(t *testing.T) {
	svc := &model.Service{Name: "api", Type: model.ServiceHTTP, Hostname: "localhost",
		Headers: map[string]string{"X-Key": "{{env.MISSING_KEY}}"}}
	h := newHarness(t, &servertest.Factory{}, map[string]*model.Service{"api": svc})

	_, err := h.run(context.Background(), map[string]any{"id": "x", "type": TypeHTTPRequest, "service": "api", "path": "/"})
	var unresolved *model.UnresolvedReferenceError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "env.MISSING_KEY", unresolved.Name)
}

// ============================================================================
// mqtt
// ============================================================================

var brokerServices = map[string]*model.Service{
	"broker": {Name: "broker", Type: model.ServiceMQTT, Hostname: "localhost"},
}

func TestMQTT_RequestReply(t *testing.T) {
	broker := servertest.NewBroker()
	broker.OnPublish(10*time.Millisecond, func(req server.PublishRequest) []model.Message {
		if req.Properties.ResponseTopic == "" {
			return nil
		}
		return []model.Message{
			{Topic: req.Properties.ResponseTopic, Payload: []byte(`{"ok":false}`),
				Properties: model.MessageProperties{CorrelationData: []byte("other")}},
			{Topic: req.Properties.ResponseTopic, Payload: []byte(`{"ok":true}`),
				Properties: model.MessageProperties{CorrelationData: req.Properties.CorrelationData, ContentType: "application/json"}},
		}
	})
	h := newHarness(t, &servertest.Factory{Broker: broker}, brokerServices)
	ctx := context.Background()

	sub, err := h.run(ctx, map[string]any{
		"id": "replies", "type": TypeMQTTSubscribe, "service": "broker",
		"topic": "devices/+/reply", "qos": 1,
		"filter": map[string]any{
			"publishProperties": map[string]any{"correlationData": "req-1"},
			"json_schema":       map[string]any{"type": "object", "required": []any{"ok"}},
		},
	})
	require.NoError(t, err)
	require.True(t, sub.Background())
	assert.Equal(t, 1, broker.Subscriptions())

	pub, err := h.run(ctx, map[string]any{
		"id": "send", "type": TypeMQTTPublish, "service": "broker",
		"topic": "devices/7/cmd", "json": map[string]any{"cmd": "reboot"},
		"publishProperties": map[string]any{
			"responseTopic":   "devices/7/reply",
			"correlationData": "req-1",
			"contentType":     "application/json",
		},
	})
	require.NoError(t, err)
	ack := pub.Output.(*model.PublishAck)
	assert.Equal(t, "devices/7/cmd", ack.Topic)

	timeout := 2.0
	wait, err := h.run(ctx, map[string]any{
		"id": "reply", "type": TypeMQTTMessage, "from": "replies",
		"timeoutSeconds": timeout, "expect": map[string]any{"count": 1},
	})
	require.NoError(t, err)
	batch := wait.Output.(*model.MessageBatch)
	assert.False(t, batch.TimedOut)
	assert.Equal(t, 1, batch.Count)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "devices/7/reply", batch.Messages[0].Topic)
	assert.JSONEq(t, `{"ok":true}`, string(batch.Messages[0].Payload))

	require.NoError(t, sub.Stop(ctx))
	assert.Equal(t, 0, broker.Subscriptions())
	assert.True(t, sub.Output.(*model.MessageBuffer).Closed())
}

func TestMQTTMessage_Timeout(t *testing.T) {
	broker := servertest.NewBroker()
	h := newHarness(t, &servertest.Factory{Broker: broker}, brokerServices)

	_, err := h.run(context.Background(), map[string]any{
		"id": "sub", "type": TypeMQTTSubscribe, "service": "broker", "topic": "silent/#",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := h.run(ctx, map[string]any{
		"id": "wait", "type": TypeMQTTMessage, "from": "sub", "timeoutSeconds": 0.05,
	})
	require.NoError(t, err, "a wait timeout is reported in the batch")
	batch := res.Output.(*model.MessageBatch)
	assert.True(t, batch.TimedOut)
	assert.Equal(t, 0, batch.Count)
	assert.GreaterOrEqual(t, batch.WaitedMs, int64(40))
}

func TestMQTTMessage_ConsumeAdvancesCursor(t *testing.T) {
	broker := servertest.NewBroker()
	h := newHarness(t, &servertest.Factory{Broker: broker}, brokerServices)
	ctx := context.Background()

	_, err := h.run(ctx, map[string]any{"id": "sub", "type": TypeMQTTSubscribe, "service": "broker", "topic": "t/#"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		broker.Deliver(model.Message{Topic: "t/" + strconv.Itoa(i), Payload: []byte(strconv.Itoa(i))})
	}

	first, err := h.run(ctx, map[string]any{"id": "first", "type": TypeMQTTMessage, "from": "sub", "consume": 2})
	require.NoError(t, err)
	b1 := first.Output.(*model.MessageBatch)
	assert.Equal(t, 3, b1.Count)
	require.Len(t, b1.Messages, 2)
	assert.Equal(t, "t/0", b1.Messages[0].Topic)

	rest, err := h.run(ctx, map[string]any{"id": "rest", "type": TypeMQTTMessage, "from": "sub", "expect": map[string]any{"count": 1}})
	require.NoError(t, err)
	b2 := rest.Output.(*model.MessageBatch)
	assert.Equal(t, 1, b2.Count)
	require.Len(t, b2.Messages, 1)
	assert.Equal(t, "t/2", b2.Messages[0].Topic)
}

func TestConsumeLimit(t *testing.T) {
	tests := []struct {
		consume, observed, want int
	}{
		{-1, 3, 3},
		{-1, 0, 0},
		{2, 3, 2},
		{5, 3, 3},
		{0, 3, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, consumeLimit(tt.consume, tt.observed), "consume=%d observed=%d", tt.consume, tt.observed)
	}
}

func TestMQTTMessage_LateArrivalsStayPending(t *testing.T) {
	buf := model.NewMessageBuffer("t/#")
	for i := 0; i < 2; i++ {
		buf.Append(model.Message{Topic: "t/" + strconv.Itoa(i)})
	}
	observed, err := buf.WaitFor(context.Background(), 2)
	require.NoError(t, err)

	// arrives between the wait and the consume
	buf.Append(model.Message{Topic: "t/late"})

	got := buf.Consume(consumeLimit(-1, observed))
	assert.Len(t, got, observed)
	assert.Equal(t, 1, buf.Pending())
	assert.Equal(t, "t/late", buf.Peek()[0].Topic)
}

func TestMQTTMessage_FromWrongOutput(t *testing.T) {
	h := newHarness(t, &servertest.Factory{}, nil)
	require.NoError(t, h.bindings.Put("notbuf", map[string]any{"a": 1}))
	_, err := h.run(context.Background(), map[string]any{"id": "w", "type": TypeMQTTMessage, "from": "notbuf"})
	assert.True(t, model.IsKind(err, model.KindProtocol))
}

func TestBuildPublishRequest(t *testing.T) {
	tests := []struct {
		name    string
		in      map[string]any
		payload string
		wantErr bool
	}{
		{"json", map[string]any{"topic": "a", "json": []any{1, "x"}}, `[1,"x"]`, false},
		{"string payload", map[string]any{"topic": "a", "payload": "hello"}, "hello", false},
		{"null payload", map[string]any{"topic": "a", "nullPayload": true}, "", false},
		{"null payload false", map[string]any{"topic": "a", "nullPayload": false}, "", true},
		{"two payloads", map[string]any{"topic": "a", "payload": "x", "json": 1}, "", true},
		{"no topic", map[string]any{"payload": "x"}, "", true},
		{"qos from template", map[string]any{"topic": "a", "payload": "x", "qos": "2"}, "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := buildPublishRequest(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.payload, string(req.Payload))
		})
	}

	req, err := buildPublishRequest(map[string]any{
		"topic": "a", "payload": "x", "retain": true,
		"publishProperties": map[string]any{"payloadFormatIndicator": 1, "messageExpiryInterval": 30},
	})
	require.NoError(t, err)
	assert.True(t, req.Retain)
	require.NotNil(t, req.Properties.PayloadFormat)
	assert.Equal(t, byte(1), *req.Properties.PayloadFormat)
	require.NotNil(t, req.Properties.MessageExpiry)
	assert.Equal(t, uint32(30), *req.Properties.MessageExpiry)
}

func TestMessageFilter(t *testing.T) {
	f, err := parseMessageFilter(map[string]any{"filter": map[string]any{
		"contentType":       "application/json",
		"publishProperties": map[string]any{"payloadFormatIndicator": 1},
	}})
	require.NoError(t, err)

	one := byte(1)
	v := model.NewSchemaValidator()
	ok, _ := f.match(model.Message{Properties: model.MessageProperties{ContentType: "application/json", PayloadFormat: &one}}, v)
	assert.True(t, ok)
	ok, reason := f.match(model.Message{Properties: model.MessageProperties{ContentType: "application/json"}}, v)
	assert.False(t, ok)
	assert.Equal(t, "payloadFormatIndicator", reason)
	ok, reason = f.match(model.Message{Properties: model.MessageProperties{ContentType: "text/plain", PayloadFormat: &one}}, v)
	assert.False(t, ok)
	assert.Equal(t, "contentType", reason)

	none, err := parseMessageFilter(map[string]any{})
	require.NoError(t, err)
	ok, _ = none.match(model.Message{}, v)
	assert.True(t, ok)
}

func TestConsumeCount(t *testing.T) {
	tests := []struct {
		in      any
		want    int
		wantErr bool
	}{
		{nil, -1, false},
		{"all", -1, false},
		{3, 3, false},
		{"2", 2, false},
		{-1, 0, true},
		{"many", 0, true},
	}
	for _, tt := range tests {
		in := map[string]any{}
		if tt.in != nil {
			in["consume"] = tt.in
		}
		n, err := consumeCount(in)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, n, "%v", tt.in)
	}
}

// ============================================================================
// json, jsonpath
// ============================================================================

func TestJSONAndJSONPath(t *testing.T) {
	h := newHarness(t, &servertest.Factory{}, nil)
	require.NoError(t, h.bindings.Put("fetch", &model.HTTPResponse{
		StatusCode: 200,
		Body:       `{"data":{"items":[{"name":"a","n":1},{"name":"b","n":2}]}}`,
	}))
	ctx := context.Background()

	parsed, err := h.run(ctx, map[string]any{"id": "parsed", "type": TypeJSON, "from": "fetch"})
	require.NoError(t, err)
	assert.Contains(t, parsed.Output.(map[string]any), "data")

	ptr, err := h.run(ctx, map[string]any{"id": "second", "type": TypeJSONPath, "from": "fetch", "path": "/data/items/1/name"})
	require.NoError(t, err)
	assert.Equal(t, "b", ptr.Output)

	jp, err := h.run(ctx, map[string]any{"id": "names", "type": TypeJSONPath, "from": "parsed", "path": "$.data.items[*].name"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, jp.Output)

	_, err = h.run(ctx, map[string]any{"id": "missing", "type": TypeJSONPath, "from": "fetch", "path": "/nope"})
	assert.True(t, model.IsKind(err, model.KindProtocol))
}

func TestJSON_NotJSON(t *testing.T) {
	h := newHarness(t, &servertest.Factory{}, nil)
	require.NoError(t, h.bindings.Put("fetch", &model.HTTPResponse{StatusCode: 200, Body: "<html>"}))
	_, err := h.run(context.Background(), map[string]any{"id": "p", "type": TypeJSON, "from": "fetch"})
	assert.True(t, model.IsKind(err, model.KindProtocol))
}

func TestJSON_MessageBatch(t *testing.T) {
	batch := &model.MessageBatch{Messages: []model.Message{{Payload: []byte(`{"a":1}`)}}}
	v, err := jsonOf(batch)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	batch.Messages = append(batch.Messages, model.Message{Payload: []byte(`2`)})
	v, err = jsonOf(batch)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"a": float64(1)}, float64(2)}, v)
}

// ============================================================================
// sleep
// ============================================================================

func TestSleepDuration(t *testing.T) {
	tests := []struct {
		name    string
		in      map[string]any
		want    time.Duration
		wantErr bool
	}{
		{"default", map[string]any{}, time.Second, false},
		{"seconds", map[string]any{"time": 0.25}, 250 * time.Millisecond, false},
		{"duration", map[string]any{"duration": "15ms"}, 15 * time.Millisecond, false},
		{"negative", map[string]any{"time": -1}, 0, true},
		{"bad duration", map[string]any{"duration": "soon"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := sleepDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestSleep_Cancelled(t *testing.T) {
	h := newHarness(t, &servertest.Factory{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.run(ctx, map[string]any{"id": "nap", "type": TypeSleep, "time": 10})
	assert.True(t, model.IsKind(err, model.KindTimeout))

	res, err := h.run(context.Background(), map[string]any{"id": "short", "type": TypeSleep, "duration": "1ms"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sleptMs": int64(1)}, res.Output)
}

// ============================================================================
// mcp_call
// ============================================================================

func TestMCPCall(t *testing.T) {
	tools := servertest.ToolFunc(func(ctx context.Context, tool string, args map[string]any) (*model.ToolResult, error) {
		if tool == "fail" {
			return &model.ToolResult{Tool: tool, IsError: true, Text: "device offline"}, nil
		}
		return &model.ToolResult{Tool: tool, Structured: map[string]any{"echo": args["text"]}}, nil
	})
	services := map[string]*model.Service{"tools": {Name: "tools", Type: model.ServiceMCP, Transport: model.Stdio, Command: "srv"}}
	h := newHarness(t, &servertest.Factory{Tools: tools}, services)

	res, err := h.run(context.Background(), map[string]any{
		"id": "call", "type": TypeMCPCall, "service": "tools",
		"tool": "echo", "arguments": map[string]any{"text": "{{token}}"},
	})
	require.NoError(t, err)
	v, err := res.Output.(*model.ToolResult).JSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "s3cret"}, v)

	_, err = h.run(context.Background(), map[string]any{"id": "bad", "type": TypeMCPCall, "service": "tools", "tool": "fail"})
	require.True(t, model.IsKind(err, model.KindProtocol))
	assert.Contains(t, err.Error(), "device offline")
}
