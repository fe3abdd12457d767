// Package config loads the devsync YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ilievs/devsync/core"
	"github.com/ilievs/devsync/logger"
	"github.com/ilievs/devsync/mqtt"
)

var (
	errNoDevices      = errors.New("at least one device is required")
	errNoBroker       = errors.New("mqtt devices need mqtt.broker or mqtt.embedded")
	errInvalidQoS     = errors.New("mqtt qos must be 0, 1 or 2")
	errNegativeTiming = errors.New("durations must not be negative")
)

const (
	defaultListen       = ":8080"
	defaultSettingsPath = "devsync.db"
	defaultKeepAlive    = 30 * time.Second
)

type Config struct {
	Listen                  string         `yaml:"listen"`
	SettingsPath            string         `yaml:"settings_path"`
	ClearFieldsOnDisconnect *bool          `yaml:"clear_fields_on_disconnect"`
	Logging                 logger.Config  `yaml:"logging"`
	MQTT                    MQTTConfig     `yaml:"mqtt"`
	Devices                 []DeviceConfig `yaml:"devices"`
}

type MQTTConfig struct {
	Broker    string          `yaml:"broker"`
	ClientID  string          `yaml:"client_id"`
	Username  string          `yaml:"username"`
	Password  string          `yaml:"password"`
	QoS       byte            `yaml:"qos"`
	KeepAlive Duration        `yaml:"keep_alive"`
	Embedded  *EmbeddedBroker `yaml:"embedded"`
}

type EmbeddedBroker struct {
	TCP   string      `yaml:"tcp"`
	WS    string      `yaml:"ws"`
	Users []mqtt.User `yaml:"users"`
}

type DeviceConfig struct {
	ID             string                      `yaml:"id"`
	Transport      core.Transport              `yaml:"transport"`
	Address        string                      `yaml:"address"`
	AddressKey     string                      `yaml:"address_key"`
	StatusEndpoint string                      `yaml:"status_endpoint"`
	ResponseKey    string                      `yaml:"response_key"`
	PollInterval   Duration                    `yaml:"poll_interval"`
	Timeout        Duration                    `yaml:"timeout"`
	Markers        map[string]string           `yaml:"markers"`
	Commands       map[string]core.CommandSpec `yaml:"commands"`
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DEVSYNC_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("DEVSYNC_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate fills defaults and checks the device set.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return errNoDevices
	}

	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.SettingsPath == "" {
		c.SettingsPath = defaultSettingsPath
	}
	if c.ClearFieldsOnDisconnect == nil {
		enabled := true
		c.ClearFieldsOnDisconnect = &enabled
	}
	if c.MQTT.QoS > 2 {
		return errInvalidQoS
	}
	if c.MQTT.KeepAlive < 0 {
		return errNegativeTiming
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = Duration(defaultKeepAlive)
	}

	if c.MQTT.Broker == "" && c.MQTT.Embedded != nil {
		addr := c.MQTT.Embedded.TCP
		if addr == "" {
			addr = ":1883"
			c.MQTT.Embedded.TCP = addr
		}
		c.MQTT.Broker = "tcp://" + loopback(addr)
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Transport == "" {
			d.Transport = core.HTTPJSON
		}
		if d.Transport == core.MQTT && c.MQTT.Broker == "" {
			return fmt.Errorf("device %s: %w", d.ID, errNoBroker)
		}
	}

	return core.ValidateDescriptors(c.Descriptors())
}

// loopback turns a listen address into one a local client can dial.
func loopback(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

func (c *Config) Descriptors() []core.DeviceDescriptor {
	descs := make([]core.DeviceDescriptor, 0, len(c.Devices))
	for _, d := range c.Devices {
		descs = append(descs, core.DeviceDescriptor{
			ID:             d.ID,
			StatusEndpoint: d.StatusEndpoint,
			PollInterval:   time.Duration(d.PollInterval),
			Transport:      d.Transport,
			Address:        d.Address,
			AddressKey:     d.AddressKey,
			Timeout:        time.Duration(d.Timeout),
			ResponseKey:    d.ResponseKey,
			Markers:        d.Markers,
			Commands:       d.Commands,
		})
	}
	return descs
}

// MQTTDeviceIDs lists the devices fed by the message bus.
func (c *Config) MQTTDeviceIDs() []string {
	var ids []string
	for _, d := range c.Devices {
		if d.Transport == core.MQTT {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func (c *Config) SessionConfig() mqtt.SessionConfig {
	return mqtt.SessionConfig{
		Broker:    c.MQTT.Broker,
		ClientID:  c.MQTT.ClientID,
		Username:  c.MQTT.Username,
		Password:  c.MQTT.Password,
		QoS:       c.MQTT.QoS,
		KeepAlive: time.Duration(c.MQTT.KeepAlive),
	}
}

func (c *Config) BrokerConfig() mqtt.BrokerConfig {
	if c.MQTT.Embedded == nil {
		return mqtt.BrokerConfig{}
	}
	return mqtt.BrokerConfig{
		TCPAddress: c.MQTT.Embedded.TCP,
		WSAddress:  c.MQTT.Embedded.WS,
		Users:      c.MQTT.Embedded.Users,
	}
}
