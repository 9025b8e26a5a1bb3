package cloud

import (
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/uplink/log2"
)

func TestPahoConnect(t *testing.T) {
	t.Parallel()
	received := make(chan packet.Generic, 16)
	addr := fakeBroker(t, packet.ConnectionAccepted, received)
	p := NewPaho(log2.NewTest(t, log2.LDebug), Options{ClientID: "dev", TopicPrefix: "d/dev"}, func(string, []byte) {}, false)
	defer p.Disconnect()

	assert.Equal(t, ErrOffline, p.Publish("t", nil, time.Second))
	p.Connect(addr, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", 5*time.Second)
	require.Eventually(t, p.Connected, 5*time.Second, 5*time.Millisecond)
	assert.NoError(t, p.Err())
	assert.False(t, p.IsTokenInvalid())

	connect := (<-received).(*packet.Connect)
	assert.Equal(t, Username, connect.Username)
	assert.Equal(t, packet.Version311, connect.Version)
	require.NoError(t, p.Publish("d/dev/event", []byte{1}, 5*time.Second))
}

func TestPahoTokenInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		code    packet.ConnackCode
		invalid bool
	}{
		{"bad-credentials", packet.BadUsernameOrPassword, true},
		{"not-authorized", packet.NotAuthorized, true},
		{"unavailable", packet.ServerUnavailable, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			addr := fakeBroker(t, c.code, make(chan packet.Generic, 4))
			p := NewPaho(log2.NewTest(t, log2.LDebug), Options{ClientID: "dev"}, nil, false)
			defer p.Disconnect()
			p.Connect(addr, "token", 5*time.Second)
			require.Eventually(t, func() bool { return p.Err() != nil }, 5*time.Second, 5*time.Millisecond)
			assert.False(t, p.Connected())
			assert.Equal(t, c.invalid, p.IsTokenInvalid())
		})
	}
}

func TestPahoAuthRefused(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		rc     byte
		err    error
		expect bool
	}{
		{"code-credentials", packets.ErrRefusedBadUsernameOrPassword, nil, true},
		{"code-authorised", packets.ErrRefusedNotAuthorised, nil, true},
		{"error-value", 0, packets.ConnErrors[packets.ErrRefusedNotAuthorised], true},
		{"unavailable", packets.ErrRefusedServerUnavailable, packets.ConnErrors[packets.ErrRefusedServerUnavailable], false},
		{"network", packets.ErrNetworkError, errors.New("dial refused"), false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expect, pahoAuthRefused(c.rc, c.err))
		})
	}
}

func TestPahoConfigError(t *testing.T) {
	t.Parallel()
	p := NewPaho(log2.NewTest(t, log2.LDebug), Options{}, nil, false)
	p.Connect(" ", "token", time.Second)
	assert.Error(t, p.Err())
	assert.False(t, p.Connected())
	assert.False(t, p.IsTokenInvalid())
}
