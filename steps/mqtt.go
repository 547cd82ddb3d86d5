package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/server"
)

const consumeAll = "all"

// ============================================================================
// PROPERTIES
// ============================================================================

var propertyKeys = []string{
	"correlationData", "contentType", "responseTopic",
	"payloadFormatIndicator", "messageExpiryInterval",
}

// decodeProperties reads MQTT v5 publish properties from a mapping.
func decodeProperties(m map[string]any, path string) (model.MessageProperties, error) {
	var p model.MessageProperties
	for k := range m {
		if !slices.Contains(propertyKeys, k) {
			return p, fmt.Errorf("%s.%s: unknown property (supported: %s)", path, k, strings.Join(propertyKeys, ", "))
		}
	}
	cd, err := stringField(m, "correlationData", false)
	if err != nil {
		return p, fmt.Errorf("%s.%w", path, err)
	}
	if cd != "" {
		p.CorrelationData = []byte(cd)
	}
	if p.ContentType, err = stringField(m, "contentType", false); err != nil {
		return p, fmt.Errorf("%s.%w", path, err)
	}
	if p.ResponseTopic, err = stringField(m, "responseTopic", false); err != nil {
		return p, fmt.Errorf("%s.%w", path, err)
	}
	if _, ok := m["payloadFormatIndicator"]; ok {
		n, err := intField(m, "payloadFormatIndicator", 0)
		if err != nil {
			return p, fmt.Errorf("%s.%w", path, err)
		}
		if n != 0 && n != 1 {
			return p, fmt.Errorf("%s.payloadFormatIndicator: must be 0 or 1", path)
		}
		b := byte(n)
		p.PayloadFormat = &b
	}
	if _, ok := m["messageExpiryInterval"]; ok {
		n, err := intField(m, "messageExpiryInterval", 0)
		if err != nil {
			return p, fmt.Errorf("%s.%w", path, err)
		}
		if n < 0 {
			return p, fmt.Errorf("%s.messageExpiryInterval: must not be negative", path)
		}
		u := uint32(n)
		p.MessageExpiry = &u
	}
	return p, nil
}

// ============================================================================
// SUBSCRIBE
// ============================================================================

// messageFilter drops messages whose properties or payload do not match.
// Only the properties that were configured are compared.
type messageFilter struct {
	props  map[string]bool
	want   model.MessageProperties
	schema any
}

func parseMessageFilter(in map[string]any) (*messageFilter, error) {
	raw, err := mapField(in, "filter")
	if err != nil || raw == nil {
		return nil, err
	}
	f := &messageFilter{props: make(map[string]bool)}

	// properties may sit directly under filter or under filter.publishProperties
	flat := make(map[string]any)
	for k, v := range raw {
		switch k {
		case "json_schema":
			switch v.(type) {
			case map[string]any, bool:
				f.schema = v
			default:
				return nil, fmt.Errorf("filter.json_schema: must be a schema object or boolean")
			}
		case "publishProperties":
		default:
			flat[k] = v
		}
	}
	nested, err := mapField(raw, "publishProperties")
	if err != nil {
		return nil, fmt.Errorf("filter.%w", err)
	}
	for k, v := range nested {
		flat[k] = v
	}
	if f.want, err = decodeProperties(flat, "filter"); err != nil {
		return nil, err
	}
	for k := range flat {
		f.props[k] = true
	}
	return f, nil
}

// match reports whether m passes the filter and, if not, why.
func (f *messageFilter) match(m model.Message, validator *model.SchemaValidator) (bool, string) {
	if f == nil {
		return true, ""
	}
	got := m.Properties
	if f.props["correlationData"] && !bytes.Equal(f.want.CorrelationData, got.CorrelationData) {
		return false, "correlationData"
	}
	if f.props["contentType"] && f.want.ContentType != got.ContentType {
		return false, "contentType"
	}
	if f.props["responseTopic"] && f.want.ResponseTopic != got.ResponseTopic {
		return false, "responseTopic"
	}
	if f.props["payloadFormatIndicator"] && !equalPtr(f.want.PayloadFormat, got.PayloadFormat) {
		return false, "payloadFormatIndicator"
	}
	if f.props["messageExpiryInterval"] && !equalPtr(f.want.MessageExpiry, got.MessageExpiry) {
		return false, "messageExpiryInterval"
	}
	if f.schema != nil {
		v, err := m.JSON()
		if err != nil {
			return false, "payload is not JSON"
		}
		if err := validator.Validate(v, f.schema); err != nil {
			return false, err.Error()
		}
	}
	return true, ""
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func validateQoS(in map[string]any) (byte, error) {
	qos, err := intField(in, "qos", 0)
	if err != nil {
		return 0, err
	}
	if qos < 0 || qos > 2 {
		return 0, fmt.Errorf("qos: must be 0, 1 or 2")
	}
	return byte(qos), nil
}

func validateMQTTSubscribe(in map[string]any) error {
	if _, err := stringField(in, "topic", true); err != nil {
		return err
	}
	if v, ok := in["qos"]; ok && literal(v) {
		if _, err := validateQoS(in); err != nil {
			return err
		}
	}
	if hasTemplate(in["filter"]) {
		_, err := mapField(in, "filter")
		return err
	}
	_, err := parseMessageFilter(in)
	return err
}

func executeMQTTSubscribe(ctx context.Context, req *Request) (*Result, error) {
	topic, err := stringField(req.Input, "topic", true)
	if err != nil {
		return nil, err
	}
	qos, err := validateQoS(req.Input)
	if err != nil {
		return nil, err
	}
	filter, err := parseMessageFilter(req.Input)
	if err != nil {
		return nil, err
	}

	client, err := req.Session.MQTT(ctx, req.Step.Service)
	if err != nil {
		return nil, err
	}
	if err := req.Session.Throttle(ctx, req.Step.Service); err != nil {
		return nil, err
	}

	stepID := req.Step.ID
	validator := req.Validator
	buf := model.NewMessageBuffer(topic)
	unsubscribe, err := client.Subscribe(ctx, topic, qos, func(m model.Message) {
		if ok, reason := filter.match(m, validator); !ok {
			logger.Logger.Debug("Message filtered out", "step", stepID, "topic", m.Topic, "reason", reason)
			return
		}
		if buf.Append(m) {
			logger.Logger.Debug("Message buffered", "step", stepID, "topic", m.Topic, "bytes", len(m.Payload))
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Logger.Info("Listener started", "step", stepID, "service", req.Step.Service, "topic", topic, "qos", qos)

	stop := func(ctx context.Context) error {
		buf.Close()
		err := unsubscribe(ctx)
		logger.Logger.Info("Listener stopped", "step", stepID, "topic", topic, "received", buf.Len())
		return err
	}
	return &Result{Output: buf, Stop: stop}, nil
}

// ============================================================================
// PUBLISH
// ============================================================================

func validateMQTTPublish(in map[string]any) error {
	if _, err := stringField(in, "topic", true); err != nil {
		return err
	}
	if v, ok := in["qos"]; ok && literal(v) {
		if _, err := validateQoS(in); err != nil {
			return err
		}
	}
	if _, err := exclusive(in, true, "json", "payload", "nullPayload"); err != nil {
		return err
	}
	props, err := mapField(in, "publishProperties")
	if err != nil {
		return err
	}
	if hasTemplate(props) {
		return nil
	}
	_, err = decodeProperties(props, "publishProperties")
	return err
}

func buildPublishRequest(in map[string]any) (*server.PublishRequest, error) {
	topic, err := stringField(in, "topic", true)
	if err != nil {
		return nil, err
	}
	qos, err := validateQoS(in)
	if err != nil {
		return nil, err
	}
	retain, err := boolField(in, "retain", false)
	if err != nil {
		return nil, err
	}
	req := &server.PublishRequest{Topic: topic, QoS: qos, Retain: retain}

	key, err := exclusive(in, true, "json", "payload", "nullPayload")
	if err != nil {
		return nil, err
	}
	switch key {
	case "json":
		if req.Payload, err = sonic.Marshal(in["json"]); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	case "payload":
		s, err := stringField(in, "payload", false)
		if err != nil {
			return nil, err
		}
		req.Payload = []byte(s)
	case "nullPayload":
		null, err := boolField(in, "nullPayload", false)
		if err != nil {
			return nil, err
		}
		if !null {
			return nil, fmt.Errorf("nullPayload: must be true when set")
		}
	}

	props, err := mapField(in, "publishProperties")
	if err != nil {
		return nil, err
	}
	if req.Properties, err = decodeProperties(props, "publishProperties"); err != nil {
		return nil, err
	}
	return req, nil
}

func executeMQTTPublish(ctx context.Context, req *Request) (*Result, error) {
	pub, err := buildPublishRequest(req.Input)
	if err != nil {
		return nil, err
	}
	client, err := req.Session.MQTT(ctx, req.Step.Service)
	if err != nil {
		return nil, err
	}
	if err := req.Session.Throttle(ctx, req.Step.Service); err != nil {
		return nil, err
	}
	ack, err := client.Publish(ctx, pub)
	if err != nil {
		return nil, err
	}
	logger.Logger.Info("Message published", "step", req.Step.ID, "topic", pub.Topic, "qos", pub.QoS, "bytes", len(pub.Payload))
	return &Result{Output: ack}, nil
}

// ============================================================================
// WAIT
// ============================================================================

// consumeCount returns how many messages to consume; -1 means all.
func consumeCount(in map[string]any) (int, error) {
	v, ok := in["consume"]
	if !ok || v == nil {
		return -1, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == consumeAll {
		return -1, nil
	}
	n, err := intField(in, "consume", 0)
	if err != nil {
		return 0, fmt.Errorf("consume: expected %q or a non-negative integer", consumeAll)
	}
	if n < 0 {
		return 0, fmt.Errorf("consume: must not be negative")
	}
	return n, nil
}

func validateMQTTMessage(in map[string]any) error {
	if v, ok := in["consume"]; ok && literal(v) {
		if _, err := consumeCount(in); err != nil {
			return err
		}
	}
	return nil
}

// consumeLimit caps the consumed messages at the observed count so a batch
// never holds messages that arrived after the wait returned.
func consumeLimit(consume, observed int) int {
	if consume < 0 || consume > observed {
		return observed
	}
	return consume
}

// executeMQTTMessage waits until the subscription holds enough unconsumed
// messages, then consumes them. The wait target is expect.count, or one
// message when only a timeout is given. Running out of time yields a batch
// marked TimedOut rather than an error.
func executeMQTTMessage(ctx context.Context, req *Request) (*Result, error) {
	buf, ok := req.From.(*model.MessageBuffer)
	if !ok {
		return nil, model.ProtocolError(fmt.Sprintf("from %q did not produce a message buffer (got %T)", req.Step.From, req.From), nil)
	}
	consume, err := consumeCount(req.Input)
	if err != nil {
		return nil, err
	}
	want := 0
	switch {
	case req.Expect != nil && req.Expect.Count != nil:
		want = *req.Expect.Count
	case req.HasTimeout():
		want = 1
	}

	start := time.Now()
	observed, err := buf.WaitFor(ctx, want)
	batch := &model.MessageBatch{
		Source:   req.Step.From,
		Count:    observed,
		WaitedMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, model.TimeoutError("wait for messages interrupted", err)
		}
		batch.TimedOut = true
		batch.Messages = buf.Peek()
		logger.Logger.Warn("Timed out waiting for messages",
			"step", req.Step.ID, "from", req.Step.From, "expected", want, "received", observed, "waited_ms", batch.WaitedMs)
		return &Result{Output: batch}, nil
	}
	batch.Messages = buf.Consume(consumeLimit(consume, observed))
	logger.Logger.Info("Messages consumed",
		"step", req.Step.ID, "from", req.Step.From, "observed", observed, "consumed", len(batch.Messages), "waited_ms", batch.WaitedMs)
	return &Result{Output: batch}, nil
}
