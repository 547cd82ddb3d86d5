// Package servertest provides in-memory stand-ins for the protocol clients
// so steps and test cases can run without a network.
package servertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/server"
)

// Responder reacts to a publish by returning messages the broker delivers
// afterwards, like a device answering a request.
type Responder func(req server.PublishRequest) []model.Message

// Broker routes publishes to subscriptions of every client it created.
type Broker struct {
	mu        sync.Mutex
	clients   []*MQTTClient
	published []server.PublishRequest
	responder Responder
	delay     time.Duration
}

func NewBroker() *Broker {
	return &Broker{}
}

// OnPublish installs a responder. Replies are delivered after delay on a
// separate goroutine.
func (b *Broker) OnPublish(delay time.Duration, r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = delay
	b.responder = r
}

// Client returns a new connected client.
func (b *Broker) Client() *MQTTClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &MQTTClient{broker: b, subs: make(map[int]fakeSub)}
	b.clients = append(b.clients, c)
	return c
}

// Published returns every message published so far.
func (b *Broker) Published() []server.PublishRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]server.PublishRequest(nil), b.published...)
}

// Subscriptions counts live subscriptions across all clients.
func (b *Broker) Subscriptions() int {
	b.mu.Lock()
	clients := append([]*MQTTClient(nil), b.clients...)
	b.mu.Unlock()
	n := 0
	for _, c := range clients {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

// Deliver routes a message to every matching subscription.
func (b *Broker) Deliver(m model.Message) {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}
	b.mu.Lock()
	clients := append([]*MQTTClient(nil), b.clients...)
	b.mu.Unlock()
	for _, c := range clients {
		c.deliver(m)
	}
}

func (b *Broker) publish(req server.PublishRequest) {
	b.mu.Lock()
	b.published = append(b.published, req)
	responder, delay := b.responder, b.delay
	b.mu.Unlock()

	b.Deliver(model.Message{
		Topic:      req.Topic,
		Payload:    req.Payload,
		QoS:        req.QoS,
		Retain:     req.Retain,
		Properties: req.Properties,
	})
	if responder == nil {
		return
	}
	replies := responder(req)
	go func() {
		time.Sleep(delay)
		for _, m := range replies {
			b.Deliver(m)
		}
	}()
}

type fakeSub struct {
	filter string
	fn     server.MessageHandler
}

// MQTTClient implements server.MQTTClient against a Broker.
type MQTTClient struct {
	broker *Broker

	mu     sync.Mutex
	next   int
	subs   map[int]fakeSub
	closed bool
}

func (c *MQTTClient) deliver(m model.Message) {
	c.mu.Lock()
	var fns []server.MessageHandler
	if !c.closed {
		for _, s := range c.subs {
			if server.MatchTopic(s.filter, m.Topic) {
				fns = append(fns, s.fn)
			}
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (c *MQTTClient) Publish(ctx context.Context, req *server.PublishRequest) (*model.PublishAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.TimeoutError("publish", err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, model.NetworkError("publish on closed connection", nil)
	}
	c.broker.publish(*req)
	return &model.PublishAck{Topic: req.Topic, QoS: req.QoS, PayloadLen: len(req.Payload)}, nil
}

func (c *MQTTClient) Subscribe(ctx context.Context, filter string, qos byte, fn server.MessageHandler) (server.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, model.NetworkError("subscribe on closed connection", nil)
	}
	c.next++
	id := c.next
	c.subs[id] = fakeSub{filter: filter, fn: fn}
	return func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
		return nil
	}, nil
}

func (c *MQTTClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[int]fakeSub)
	return nil
}

// ToolFunc adapts a function to server.ToolCaller.
type ToolFunc func(ctx context.Context, tool string, args map[string]any) (*model.ToolResult, error)

func (f ToolFunc) CallTool(ctx context.Context, tool string, args map[string]any) (*model.ToolResult, error) {
	return f(ctx, tool, args)
}

func (f ToolFunc) Close() error { return nil }

// Factory hands out fakes. HTTP goes to the real client unless HTTPClient is
// set, which suits httptest servers.
type Factory struct {
	Broker     *Broker
	Tools      server.ToolCaller
	HTTPClient server.HTTPClient
	DialErr    error

	Dials atomic.Int32
}

var ErrNoBroker = errors.New("servertest: factory has no broker")

func (f *Factory) NewHTTPClient(svc *model.Service) (server.HTTPClient, error) {
	if f.HTTPClient != nil {
		return f.HTTPClient, nil
	}
	return server.NewHTTPClient(svc)
}

func (f *Factory) NewMQTTClient(ctx context.Context, svc *model.Service) (server.MQTTClient, error) {
	f.Dials.Add(1)
	if f.DialErr != nil {
		return nil, f.DialErr
	}
	if f.Broker == nil {
		return nil, ErrNoBroker
	}
	return f.Broker.Client(), nil
}

func (f *Factory) NewToolCaller(ctx context.Context, svc *model.Service) (server.ToolCaller, error) {
	if f.Tools == nil {
		return nil, model.ProtocolError("no tools configured for "+svc.Name, nil)
	}
	return f.Tools, nil
}
