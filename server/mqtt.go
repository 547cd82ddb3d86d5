package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	clientIDPrefix        = "protocol-bench-"
	reasonCodeFailure     = 0x80
)

// PublishRequest is one message sent by mqtt_publish.
type PublishRequest struct {
	Topic      string
	QoS        byte
	Retain     bool
	Payload    []byte
	Properties model.MessageProperties
}

// MessageHandler receives messages for a subscription. It runs on the
// client's receive goroutine and must not block.
type MessageHandler func(model.Message)

// Unsubscribe stops a subscription started by Subscribe.
type Unsubscribe func(ctx context.Context) error

// MQTTClient is a connected MQTT v5 client.
type MQTTClient interface {
	Publish(ctx context.Context, req *PublishRequest) (*model.PublishAck, error)
	Subscribe(ctx context.Context, filter string, qos byte, fn MessageHandler) (Unsubscribe, error)
	Close() error
}

type subscription struct {
	id     int
	filter string
	fn     MessageHandler
}

type mqttClient struct {
	service string
	client  *paho.Client

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

// DialMQTT connects to an mqtt service and completes the MQTT v5 handshake.
func DialMQTT(ctx context.Context, svc *model.Service) (MQTTClient, error) {
	addr := net.JoinHostPort(svc.Hostname, strconv.Itoa(svc.EffectivePort()))
	conn, err := dial(ctx, addr, svc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.TimeoutError("connect to "+addr, err)
		}
		return nil, model.NetworkError("connect to "+addr, err)
	}

	c := &mqttClient{service: svc.Name, subs: make(map[int]*subscription)}
	clientID := svc.ClientID
	if clientID == "" {
		clientID = clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	c.client = paho.NewClient(paho.ClientConfig{
		ClientID:          clientID,
		Conn:              conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){c.dispatch},
		OnClientError: func(err error) {
			logger.Logger.Warn("MQTT client error", "service", svc.Name, "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			logger.Logger.Warn("MQTT server disconnected", "service", svc.Name, "reason_code", d.ReasonCode)
		},
	})
	c.client.SetDebugLogger(logger.PahoLogger{Level: slog.LevelDebug - 4, Prefix: "paho: "})
	c.client.SetErrorLogger(logger.PahoLogger{Level: slog.LevelWarn, Prefix: "paho: "})

	cp := connectPacket(svc, clientID)
	logger.Logger.Debug("Connecting to MQTT broker",
		"service", svc.Name,
		"address", addr,
		"client_id", clientID,
		"keep_alive", cp.KeepAlive,
	)
	ack, err := c.client.Connect(ctx, cp)
	if err != nil {
		_ = conn.Close()
		if ack != nil && ack.ReasonCode >= reasonCodeFailure {
			return nil, model.ProtocolError(fmt.Sprintf("broker refused connection (reason code 0x%02x)", ack.ReasonCode), err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.TimeoutError("MQTT handshake with "+addr, err)
		}
		return nil, model.NetworkError("MQTT handshake with "+addr, err)
	}
	if ack.ReasonCode >= reasonCodeFailure {
		_ = conn.Close()
		return nil, model.ProtocolError(fmt.Sprintf("broker refused connection (reason code 0x%02x)", ack.ReasonCode), nil)
	}
	logger.Logger.Info("MQTT connected", "service", svc.Name, "client_id", clientID, "session_present", ack.SessionPresent)
	return c, nil
}

func dial(ctx context.Context, addr string, svc *model.Service) (net.Conn, error) {
	if svc.TLS {
		d := &tls.Dialer{Config: &tls.Config{ServerName: svc.Hostname, MinVersion: tls.VersionTLS12}}
		return d.DialContext(ctx, "tcp", addr)
	}
	d := &net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

func connectPacket(svc *model.Service, clientID string) *paho.Connect {
	keepAlive := svc.KeepAlive
	if keepAlive <= 0 {
		keepAlive = model.DefaultKeepAlive
	}
	cleanStart := true
	if svc.CleanSession != nil {
		cleanStart = *svc.CleanSession
	}
	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  uint16(keepAlive),
		CleanStart: cleanStart,
	}
	if svc.Credentials != nil {
		cp.Username = svc.Credentials.Username
		cp.UsernameFlag = true
		if svc.Credentials.Password != "" {
			cp.Password = []byte(svc.Credentials.Password)
			cp.PasswordFlag = true
		}
	}
	props := svc.ConnectProperties
	if props.SessionExpiryInterval != nil || props.ReceiveMaximum != nil || props.MaximumPacketSize != nil {
		cp.Properties = &paho.ConnectProperties{
			SessionExpiryInterval: props.SessionExpiryInterval,
			ReceiveMaximum:        props.ReceiveMaximum,
			MaximumPacketSize:     props.MaximumPacketSize,
		}
	}
	return cp
}

// dispatch fans an incoming publish out to every matching subscription.
func (c *mqttClient) dispatch(pr paho.PublishReceived) (bool, error) {
	msg := toMessage(pr.Packet)
	c.mu.RLock()
	defer c.mu.RUnlock()
	handled := false
	for _, s := range c.subs {
		if MatchTopic(s.filter, msg.Topic) {
			s.fn(msg)
			handled = true
		}
	}
	return handled, nil
}

func toMessage(p *paho.Publish) model.Message {
	m := model.Message{
		Topic:      p.Topic,
		Payload:    append([]byte(nil), p.Payload...),
		QoS:        p.QoS,
		Retain:     p.Retain,
		ReceivedAt: time.Now(),
	}
	if p.Properties != nil {
		m.Properties = model.MessageProperties{
			CorrelationData: append([]byte(nil), p.Properties.CorrelationData...),
			ContentType:     p.Properties.ContentType,
			ResponseTopic:   p.Properties.ResponseTopic,
			PayloadFormat:   p.Properties.PayloadFormat,
			MessageExpiry:   p.Properties.MessageExpiry,
		}
	}
	return m
}

func (c *mqttClient) Subscribe(ctx context.Context, filter string, qos byte, fn MessageHandler) (Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, model.ProtocolError("subscribe on closed connection", nil)
	}
	c.nextID++
	sub := &subscription{id: c.nextID, filter: filter, fn: fn}
	// registered before SUBSCRIBE so retained messages are not missed
	c.subs[sub.id] = sub
	c.mu.Unlock()

	ack, err := c.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
	})
	if err == nil && ack != nil && len(ack.Reasons) > 0 && ack.Reasons[0] >= reasonCodeFailure {
		err = model.ProtocolError(fmt.Sprintf("subscription to %q refused (reason code 0x%02x)", filter, ack.Reasons[0]), nil)
	}
	if err != nil {
		c.remove(sub.id)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.TimeoutError("subscribe to "+filter, err)
		}
		var se *model.StepExecutionError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, model.NetworkError("subscribe to "+filter, err)
	}
	logger.Logger.Debug("MQTT subscribed", "service", c.service, "filter", filter, "qos", qos)

	var once sync.Once
	return func(ctx context.Context) error {
		var uerr error
		once.Do(func() {
			if c.remove(sub.id) {
				_, uerr = c.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
			}
		})
		return uerr
	}, nil
}

// remove drops a subscription and reports whether the broker should be told,
// which is the case when no other subscription uses the same filter.
func (c *mqttClient) remove(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return false
	}
	delete(c.subs, id)
	if c.closed {
		return false
	}
	for _, s := range c.subs {
		if s.filter == sub.filter {
			return false
		}
	}
	return true
}

func (c *mqttClient) Publish(ctx context.Context, req *PublishRequest) (*model.PublishAck, error) {
	p := &paho.Publish{
		Topic:   req.Topic,
		QoS:     req.QoS,
		Retain:  req.Retain,
		Payload: req.Payload,
	}
	props := req.Properties
	if len(props.CorrelationData) > 0 || props.ContentType != "" || props.ResponseTopic != "" ||
		props.PayloadFormat != nil || props.MessageExpiry != nil {
		p.Properties = &paho.PublishProperties{
			CorrelationData: props.CorrelationData,
			ContentType:     props.ContentType,
			ResponseTopic:   props.ResponseTopic,
			PayloadFormat:   props.PayloadFormat,
			MessageExpiry:   props.MessageExpiry,
		}
	}
	resp, err := c.client.Publish(ctx, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.TimeoutError("publish to "+req.Topic, err)
		}
		return nil, model.NetworkError("publish to "+req.Topic, err)
	}
	ack := &model.PublishAck{Topic: req.Topic, QoS: req.QoS, PayloadLen: len(req.Payload)}
	if resp != nil {
		ack.ReasonCode = resp.ReasonCode
		if resp.ReasonCode >= reasonCodeFailure {
			return nil, model.ProtocolError(fmt.Sprintf("publish to %q rejected (reason code 0x%02x)", req.Topic, resp.ReasonCode), nil)
		}
	}
	logger.Logger.Debug("MQTT published", "service", c.service, "topic", req.Topic, "qos", req.QoS, "bytes", len(req.Payload))
	return ack, nil
}

func (c *mqttClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[int]*subscription)
	c.mu.Unlock()

	err := c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	logger.Logger.Debug("MQTT disconnected", "service", c.service)
	return err
}

// MatchTopic reports whether topic matches an MQTT subscription filter with
// + and # wildcards. Shared subscription prefixes are ignored. Topics
// starting with $ are not matched by a leading wildcard.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(filter, "$share/") {
		parts := strings.SplitN(filter, "/", 3)
		if len(parts) < 3 {
			return false
		}
		filter = parts[2]
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, seg := range f {
		if seg == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
