package mqtt

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilievs/devsync/core"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return "127.0.0.1:" + strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
}

type message struct {
	topic   string
	payload string
}

func startBroker(t *testing.T, cfg BrokerConfig, hooks []mochi.Hook, configs []any) *Broker {
	t.Helper()
	b := NewBroker(cfg, zerolog.Nop())
	require.NoError(t, b.Start(hooks, configs))
	t.Cleanup(func() { _ = b.Close() })

	// listeners come up in the background
	addr := cfg.TCPAddress
	if addr == "" {
		addr = cfg.WSAddress
	}
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return b
}

func connectSession(t *testing.T, cfg SessionConfig, msgs chan message, lost chan error) *Session {
	t.Helper()
	s := NewSession(cfg, zerolog.Nop())
	err := s.Connect(context.Background(),
		func(topic string, payload []byte) { msgs <- message{topic, string(payload)} },
		func(err error) { lost <- err })
	require.NoError(t, err)
	return s
}

func TestSessionSubscribeAndPublish(t *testing.T) {
	addr := freeAddr(t)
	b := startBroker(t, BrokerConfig{TCPAddress: addr}, nil, nil)

	var mu sync.Mutex
	var commands []string
	require.NoError(t, b.Subscribe("arduino3/command", func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
		mu.Lock()
		commands = append(commands, string(pk.Payload))
		mu.Unlock()
	}))

	msgs := make(chan message, 10)
	lost := make(chan error, 1)
	s := connectSession(t, SessionConfig{Broker: "tcp://" + addr}, msgs, lost)
	defer s.Disconnect()

	require.NoError(t, s.Subscribe(context.Background(), "arduino3/sensor", "arduino3/status"))
	require.NoError(t, b.Publish("arduino3/sensor", []byte(`{"temperature":22}`), false))

	select {
	case m := <-msgs:
		assert.Equal(t, "arduino3/sensor", m.topic)
		assert.JSONEq(t, `{"temperature":22}`, m.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	require.NoError(t, s.Publish(context.Background(), "arduino3/command", []byte("TOGGLE_LED")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(commands) == 1 && commands[0] == "TOGGLE_LED"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionOverWebsocket(t *testing.T) {
	addr := freeAddr(t)
	b := startBroker(t, BrokerConfig{WSAddress: addr}, nil, nil)

	msgs := make(chan message, 10)
	s := connectSession(t, SessionConfig{Broker: "ws://" + addr}, msgs, make(chan error, 1))
	defer s.Disconnect()

	require.NoError(t, s.Subscribe(context.Background(), "arduino3/status"))
	require.NoError(t, b.Publish("arduino3/status", []byte(`{"led":"ON"}`), false))

	select {
	case m := <-msgs:
		assert.Equal(t, "arduino3/status", m.topic)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestSessionAuthentication(t *testing.T) {
	addr := freeAddr(t)
	startBroker(t, BrokerConfig{TCPAddress: addr, Users: []User{{Username: "devsync", Password: "secret"}}}, nil, nil)

	bad := NewSession(SessionConfig{Broker: "tcp://" + addr, Username: "devsync", Password: "wrong"}, zerolog.Nop())
	assert.Error(t, bad.Connect(context.Background(), func(string, []byte) {}, func(error) {}))

	good := NewSession(SessionConfig{Broker: "tcp://" + addr, Username: "devsync", Password: "secret"}, zerolog.Nop())
	require.NoError(t, good.Connect(context.Background(), func(string, []byte) {}, func(error) {}))
	assert.NoError(t, good.Disconnect())
}

func TestSessionReportsConnectionLossOnce(t *testing.T) {
	addr := freeAddr(t)
	b := NewBroker(BrokerConfig{TCPAddress: addr}, zerolog.Nop())
	require.NoError(t, b.Start(nil, nil))
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
		}
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	lost := make(chan error, 4)
	s := connectSession(t, SessionConfig{Broker: "tcp://" + addr}, make(chan message, 1), lost)

	require.NoError(t, b.Close())

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connection loss not reported")
	}
	assert.Never(t, func() bool { return len(lost) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	_ = s.Disconnect()
}

func TestSessionDisconnectIsNotALoss(t *testing.T) {
	addr := freeAddr(t)
	startBroker(t, BrokerConfig{TCPAddress: addr}, nil, nil)

	lost := make(chan error, 1)
	s := connectSession(t, SessionConfig{Broker: "tcp://" + addr}, make(chan message, 1), lost)
	require.NoError(t, s.Disconnect())

	assert.Never(t, func() bool { return len(lost) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.ErrorIs(t, s.Publish(context.Background(), "x", nil), ErrNotConnected)
}

func TestSessionReportsLossAfterReconnect(t *testing.T) {
	addr := freeAddr(t)
	b := NewBroker(BrokerConfig{TCPAddress: addr}, zerolog.Nop())
	require.NoError(t, b.Start(nil, nil))
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
		}
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	session := NewSession(SessionConfig{Broker: "tcp://" + addr}, zerolog.Nop())
	client := core.NewSyncClient(core.WithMessageBus(session))
	descs := []core.DeviceDescriptor{{ID: "arduino3", Transport: core.MQTT}}

	h, err := client.Start(context.Background(), descs, nil)
	require.NoError(t, err)
	h.Stop()

	updates := make(chan core.DeviceStatus, 8)
	h, err = client.Start(context.Background(), descs, func(_ string, s core.DeviceStatus) { updates <- s })
	require.NoError(t, err)
	defer h.Stop()

	next := func() core.DeviceStatus {
		select {
		case s := <-updates:
			return s
		case <-time.After(3 * time.Second):
			t.Fatal("no update delivered")
			return core.DeviceStatus{}
		}
	}

	require.NoError(t, b.Publish("arduino3/sensor", []byte(`{"led":"ON"}`), false))
	s := next()
	assert.True(t, s.Connected)
	assert.Equal(t, "ON", s.Fields["led"])

	require.NoError(t, b.Close())
	s = next()
	assert.False(t, s.Connected)
	assert.NotEmpty(t, s.Error)
}

func TestBrokerInlineSubscriptionsShareFilter(t *testing.T) {
	addr := freeAddr(t)
	b := startBroker(t, BrokerConfig{TCPAddress: addr}, nil, nil)

	got := make(chan int, 4)
	for i := range 2 {
		require.NoError(t, b.Subscribe("arduino3/status", func(*mochi.Client, packets.Subscription, packets.Packet) {
			got <- i
		}))
	}

	require.NoError(t, b.Publish("arduino3/status", []byte(`{}`), false))

	seen := map[int]bool{}
	for range 2 {
		select {
		case i := <-got:
			seen[i] = true
		case <-time.After(2 * time.Second):
			t.Fatal("inline subscriber not called")
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, seen)
}

func TestSessionUnsupportedScheme(t *testing.T) {
	s := NewSession(SessionConfig{Broker: "udp://localhost:1883"}, zerolog.Nop())
	err := s.Connect(context.Background(), func(string, []byte) {}, func(error) {})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
