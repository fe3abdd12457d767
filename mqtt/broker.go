package mqtt

import (
	"errors"
	"fmt"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
)

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BrokerConfig struct {
	// TCPAddress is the plain MQTT listener, e.g. ":1883".
	TCPAddress string
	// WSAddress is the optional MQTT over websocket listener.
	WSAddress string
	// Users enables authentication. With no users every client is allowed.
	Users []User
}

// Broker is the embedded broker boards and the sync client meet at when no
// external broker is configured.
type Broker struct {
	cfg    BrokerConfig
	server *mochi.Server
	logger zerolog.Logger

	subscriberMutex     sync.Mutex
	subscriberIdCounter int
}

func NewBroker(cfg BrokerConfig, logger zerolog.Logger) *Broker {
	return &Broker{
		cfg: cfg,
		server: mochi.New(&mochi.Options{
			InlineClient: true,
		}),
		logger:              logger,
		subscriberIdCounter: 1,
	}
}

// Start adds the auth hook, the given hooks and the listeners, then serves in
// the background. hookConfigs[i] is passed to hooks[i].
func (b *Broker) Start(hooks []mochi.Hook, hookConfigs []any) error {
	if len(hooks) != len(hookConfigs) {
		return errors.New("every hook needs a config entry")
	}

	if err := b.addAuthHook(); err != nil {
		return err
	}

	for i, hook := range hooks {
		if err := b.server.AddHook(hook, hookConfigs[i]); err != nil {
			return fmt.Errorf("failed to add hook %s: %w", hook.ID(), err)
		}
	}

	if b.cfg.TCPAddress == "" && b.cfg.WSAddress == "" {
		return errors.New("broker needs at least one listener address")
	}
	if b.cfg.TCPAddress != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: b.cfg.TCPAddress})
		if err := b.server.AddListener(tcp); err != nil {
			return fmt.Errorf("failed to add tcp listener: %w", err)
		}
	}
	if b.cfg.WSAddress != "" {
		ws := listeners.NewWebsocket(listeners.Config{ID: "ws1", Address: b.cfg.WSAddress})
		if err := b.server.AddListener(ws); err != nil {
			return fmt.Errorf("failed to add websocket listener: %w", err)
		}
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.logger.Error().Err(err).Msg("mqtt broker stopped")
		}
	}()

	b.logger.Info().Str("tcp", b.cfg.TCPAddress).Str("ws", b.cfg.WSAddress).Msg("embedded mqtt broker started")
	return nil
}

func (b *Broker) addAuthHook() error {
	if len(b.cfg.Users) == 0 {
		return b.server.AddHook(new(auth.AllowHook), nil)
	}

	rules := auth.AuthRules{}
	for _, u := range b.cfg.Users {
		rules = append(rules, auth.AuthRule{
			Username: auth.RString(u.Username),
			Password: auth.RString(u.Password),
			Allow:    true,
		})
	}

	return b.server.AddHook(new(auth.Hook), &auth.Options{
		Ledger: &auth.Ledger{Auth: rules},
	})
}

// Publish sends a message from the broker's inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 0)
}

// Subscribe registers an inline subscription on the broker itself.
func (b *Broker) Subscribe(topicFilter string,
	callbackFn func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet)) error {

	b.subscriberMutex.Lock()
	defer b.subscriberMutex.Unlock()
	if err := b.server.Subscribe(topicFilter, b.subscriberIdCounter, callbackFn); err != nil {
		return err
	}
	b.subscriberIdCounter++

	return nil
}

func (b *Broker) Close() error {
	return b.server.Close()
}
