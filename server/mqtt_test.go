package server

import (
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/+/c", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"#", "a/b", true},
		{"+", "a", true},
		{"+/+", "/a", true},
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"$SYS/#", "$SYS/uptime", true},
		{"$share/group/a/+", "a/b", true},
		{"$share/group", "a", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.match, MatchTopic(tt.filter, tt.topic))
		})
	}
}

func TestConnectPacket(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cp := connectPacket(&model.Service{Name: "broker"}, "cid")
		assert.Equal(t, "cid", cp.ClientID)
		assert.Equal(t, uint16(model.DefaultKeepAlive), cp.KeepAlive)
		assert.True(t, cp.CleanStart)
		assert.False(t, cp.UsernameFlag)
		assert.Nil(t, cp.Properties)
	})

	t.Run("credentials and properties", func(t *testing.T) {
		clean := false
		expiry := uint32(300)
		recv := uint16(10)
		cp := connectPacket(&model.Service{
			KeepAlive:         15,
			CleanSession:      &clean,
			Credentials:       &model.Credentials{Username: "u", Password: "p"},
			ConnectProperties: model.ConnectProperties{SessionExpiryInterval: &expiry, ReceiveMaximum: &recv},
		}, "cid")
		assert.Equal(t, uint16(15), cp.KeepAlive)
		assert.False(t, cp.CleanStart)
		assert.True(t, cp.UsernameFlag)
		assert.True(t, cp.PasswordFlag)
		assert.Equal(t, "u", cp.Username)
		assert.Equal(t, []byte("p"), cp.Password)
		require.NotNil(t, cp.Properties)
		assert.Equal(t, &expiry, cp.Properties.SessionExpiryInterval)
		assert.Equal(t, &recv, cp.Properties.ReceiveMaximum)
		assert.Nil(t, cp.Properties.MaximumPacketSize)
	})
}

func TestToMessage(t *testing.T) {
	format := byte(1)
	p := &paho.Publish{
		Topic:   "devices/1/reply",
		QoS:     1,
		Payload: []byte(`{"ok":true}`),
		Properties: &paho.PublishProperties{
			CorrelationData: []byte("req-42"),
			ContentType:     "application/json",
			ResponseTopic:   "devices/1/req",
			PayloadFormat:   &format,
		},
	}
	m := toMessage(p)
	assert.Equal(t, "devices/1/reply", m.Topic)
	assert.Equal(t, byte(1), m.QoS)
	assert.Equal(t, []byte("req-42"), m.Properties.CorrelationData)
	assert.Equal(t, "application/json", m.Properties.ContentType)
	assert.Equal(t, "devices/1/req", m.Properties.ResponseTopic)
	assert.Equal(t, &format, m.Properties.PayloadFormat)
	assert.False(t, m.ReceivedAt.IsZero())

	// payload is copied
	p.Payload[0] = 'X'
	assert.Equal(t, byte('{'), m.Payload[0])
}

func TestDispatch(t *testing.T) {
	c := &mqttClient{service: "broker", subs: make(map[int]*subscription)}
	var exact, wild []string
	c.subs[1] = &subscription{id: 1, filter: "a/b", fn: func(m model.Message) { exact = append(exact, m.Topic) }}
	c.subs[2] = &subscription{id: 2, filter: "a/#", fn: func(m model.Message) { wild = append(wild, m.Topic) }}

	handled, err := c.dispatch(paho.PublishReceived{Packet: &paho.Publish{Topic: "a/b"}})
	require.NoError(t, err)
	assert.True(t, handled)
	handled, _ = c.dispatch(paho.PublishReceived{Packet: &paho.Publish{Topic: "a/c"}})
	assert.True(t, handled)
	handled, _ = c.dispatch(paho.PublishReceived{Packet: &paho.Publish{Topic: "x"}})
	assert.False(t, handled)

	assert.Equal(t, []string{"a/b"}, exact)
	assert.Equal(t, []string{"a/b", "a/c"}, wild)
}

func TestRemoveSubscription(t *testing.T) {
	c := &mqttClient{subs: make(map[int]*subscription)}
	c.subs[1] = &subscription{id: 1, filter: "a/b"}
	c.subs[2] = &subscription{id: 2, filter: "a/b"}
	c.subs[3] = &subscription{id: 3, filter: "c"}

	assert.False(t, c.remove(1), "filter still in use")
	assert.True(t, c.remove(2))
	assert.False(t, c.remove(2), "already removed")
	c.closed = true
	assert.False(t, c.remove(3), "closed clients skip UNSUBSCRIBE")
}
