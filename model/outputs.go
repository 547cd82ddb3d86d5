package model

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// ============================================================================
// CAPTURED OUTPUTS
// ============================================================================

// TemplateViewer is implemented by outputs that expose a different shape to
// templates than their Go representation.
type TemplateViewer interface {
	TemplateView() any
}

// HTTPResponse is captured by http_request.
type HTTPResponse struct {
	Method     string              `json:"method"`
	URL        string              `json:"url"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body"`
	LatencyMs  int64               `json:"latency_ms"`
}

// JSON parses the body.
func (r *HTTPResponse) JSON() (any, error) {
	return ParseJSON([]byte(r.Body))
}

func (r *HTTPResponse) TemplateView() any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	view := map[string]any{
		"status_code": r.StatusCode,
		"body":        r.Body,
		"headers":     headers,
		"url":         r.URL,
	}
	if v, err := r.JSON(); err == nil {
		view["json"] = v
	}
	return view
}

// MessageProperties are the MQTT v5 publish properties tests can set and filter on.
type MessageProperties struct {
	CorrelationData []byte  `json:"correlationData,omitempty"`
	ContentType     string  `json:"contentType,omitempty"`
	ResponseTopic   string  `json:"responseTopic,omitempty"`
	PayloadFormat   *byte   `json:"payloadFormatIndicator,omitempty"`
	MessageExpiry   *uint32 `json:"messageExpiryInterval,omitempty"`
}

// Message is one MQTT message received by a subscription.
type Message struct {
	Topic      string            `json:"topic"`
	Payload    []byte            `json:"payload"`
	QoS        byte              `json:"qos"`
	Retain     bool              `json:"retain"`
	Properties MessageProperties `json:"properties"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

func (m Message) JSON() (any, error) {
	return ParseJSON(m.Payload)
}

func (m Message) view() map[string]any {
	v := map[string]any{
		"topic":           m.Topic,
		"payload":         string(m.Payload),
		"correlationData": string(m.Properties.CorrelationData),
		"contentType":     m.Properties.ContentType,
		"responseTopic":   m.Properties.ResponseTopic,
	}
	if j, err := m.JSON(); err == nil {
		v["json"] = j
	}
	return v
}

func messagesView(msgs []Message) map[string]any {
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, m.view())
	}
	return map[string]any{"count": len(msgs), "messages": list}
}

// MessageBatch is captured by a wait step: the messages it consumed from a
// subscription buffer.
type MessageBatch struct {
	Source   string    `json:"source"`
	Count    int       `json:"count"`
	Messages []Message `json:"messages"`
	TimedOut bool      `json:"timedOut"`
	WaitedMs int64     `json:"waitedMs"`
}

func (b *MessageBatch) TemplateView() any {
	v := messagesView(b.Messages)
	v["count"] = b.Count
	v["timedOut"] = b.TimedOut
	return v
}

// PublishAck is captured by mqtt_publish.
type PublishAck struct {
	Topic      string `json:"topic"`
	QoS        byte   `json:"qos"`
	ReasonCode byte   `json:"reasonCode"`
	PayloadLen int    `json:"payloadLength"`
}

func (a *PublishAck) TemplateView() any {
	return map[string]any{
		"topic":      a.Topic,
		"qos":        int(a.QoS),
		"reasonCode": int(a.ReasonCode),
	}
}

// ToolResult is captured by mcp_call.
type ToolResult struct {
	Tool       string `json:"tool"`
	IsError    bool   `json:"isError"`
	Text       string `json:"text"`
	Structured any    `json:"structured,omitempty"`
}

// JSON returns the structured content when the server sent any, otherwise
// the text content parsed as JSON.
func (r *ToolResult) JSON() (any, error) {
	if r.Structured != nil {
		return NormalizeJSON(r.Structured)
	}
	return ParseJSON([]byte(r.Text))
}

func (r *ToolResult) TemplateView() any {
	v := map[string]any{
		"tool":    r.Tool,
		"isError": r.IsError,
		"text":    r.Text,
	}
	if r.Structured != nil {
		v["structured"] = r.Structured
	}
	if j, err := r.JSON(); err == nil {
		v["json"] = j
	}
	return v
}

// ============================================================================
// JSON HELPERS
// ============================================================================

// ParseJSON decodes a JSON document into generic Go values.
func ParseJSON(data []byte) (any, error) {
	var v any
	if err := sonic.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}

// NormalizeJSON round-trips a value through JSON so that numbers, maps and
// slices have the shapes a JSON decoder would produce.
func NormalizeJSON(v any) (any, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-encodable: %w", err)
	}
	return ParseJSON(data)
}
