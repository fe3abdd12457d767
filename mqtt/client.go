package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ilievs/devsync/core"
)

var (
	ErrNotConnected       = errors.New("mqtt session not connected")
	ErrUnsupportedScheme  = errors.New("unsupported broker scheme")
	ErrSubscriptionDenied = errors.New("subscription refused by broker")
)

type SessionConfig struct {
	// Broker is a URL with scheme tcp, mqtt, ssl, mqtts, ws or wss.
	Broker    string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	QoS       byte
	// ConnectTimeout bounds dialing and the CONNECT exchange.
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
}

// Session is a single MQTT connection shared by every MQTT device. It does
// not reconnect: once the connection drops the loss handler is called and the
// session stays down until Connect is called again.
type Session struct {
	cfg    SessionConfig
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *connection
	onMessage core.MessageHandler
}

// connection is the state of one Connect. Callbacks of an earlier connection
// never reach a later one.
type connection struct {
	client  *paho.Client
	netConn net.Conn
	onLost  func(error)

	lostOnce sync.Once
	closing  atomic.Bool
}

var _ core.MessageBus = (*Session)(nil)

func NewSession(cfg SessionConfig, logger zerolog.Logger) *Session {
	if cfg.ClientID == "" {
		cfg.ClientID = "devsync-" + uuid.NewString()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Logger(),
	}
}

func (s *Session) Connect(ctx context.Context, onMessage core.MessageHandler, onLost func(error)) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	netConn, err := dial(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	conn := &connection{netConn: netConn}
	conn.client = paho.NewClient(paho.ClientConfig{
		ClientID: s.cfg.ClientID,
		Conn:     netConn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			s.connectionLost(conn, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			if d.Properties != nil && d.Properties.ReasonString != "" {
				s.connectionLost(conn, fmt.Errorf("server requested disconnect: %s", d.Properties.ReasonString))
				return
			}
			s.connectionLost(conn, fmt.Errorf("server requested disconnect; reason code: %d", d.ReasonCode))
		},
	})

	s.mu.Lock()
	previous := s.conn
	s.conn = conn
	s.onMessage = onMessage
	s.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	cp := &paho.Connect{
		KeepAlive:  uint16(s.cfg.KeepAlive / time.Second),
		ClientID:   s.cfg.ClientID,
		CleanStart: true,
	}
	if s.cfg.Username != "" {
		cp.Username = s.cfg.Username
		cp.UsernameFlag = true
	}
	if s.cfg.Password != "" {
		cp.Password = []byte(s.cfg.Password)
		cp.PasswordFlag = true
	}

	ca, err := conn.client.Connect(ctx, cp)
	if err != nil {
		s.reset(conn)
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	if ca.ReasonCode != 0 {
		s.reset(conn)
		return fmt.Errorf("broker refused connection; reason code: %d", ca.ReasonCode)
	}

	s.mu.Lock()
	conn.onLost = onLost
	s.mu.Unlock()

	s.logger.Info().Msg("mqtt connection up")
	return nil
}

// reset drops a connection whose CONNECT exchange failed.
func (s *Session) reset(conn *connection) {
	conn.closing.Store(true)
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.netConn.Close()
}

func (c *connection) close() {
	c.closing.Store(true)
	_ = c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

func dial(ctx context.Context, cfg SessionConfig) (net.Conn, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", hostPort(u, "1883"))
	case "ssl", "tls", "mqtts":
		d := tls.Dialer{Config: cfg.TLSConfig}
		return d.DialContext(ctx, "tcp", hostPort(u, "8883"))
	case "ws", "wss":
		dialer := websocket.Dialer{
			Subprotocols:     []string{"mqtt"},
			TLSClientConfig:  cfg.TLSConfig,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
		conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return newWSConn(conn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}

func (s *Session) handleMessage(topic string, payload []byte) {
	s.mu.Lock()
	h := s.onMessage
	s.mu.Unlock()

	if h != nil {
		h(topic, payload)
	}
}

func (s *Session) connectionLost(conn *connection, err error) {
	if conn.closing.Load() {
		return
	}
	conn.lostOnce.Do(func() {
		s.logger.Warn().Err(err).Msg("mqtt connection lost")

		s.mu.Lock()
		h := conn.onLost
		s.mu.Unlock()
		if h != nil {
			h(err)
		}
	})
}

func (s *Session) current() (*paho.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn.client, nil
}

func (s *Session) Subscribe(ctx context.Context, topics ...string) error {
	client, err := s.current()
	if err != nil {
		return err
	}
	if len(topics) == 0 {
		return nil
	}

	sub := &paho.Subscribe{}
	for _, topic := range topics {
		sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{Topic: topic, QoS: s.cfg.QoS})
	}

	sa, err := client.Subscribe(ctx, sub)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	for i, code := range sa.Reasons {
		if code >= 0x80 {
			return fmt.Errorf("%w: %s (reason code %d)", ErrSubscriptionDenied, topics[i], code)
		}
	}

	return nil
}

func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := s.current()
	if err != nil {
		return err
	}

	_, err = client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     s.cfg.QoS,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.closing.Store(true)
	return conn.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
