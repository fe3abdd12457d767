package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilievs/devsync/core"
)

const sampleConfig = `
listen: ":9090"
settings_path: /tmp/devsync-test.db
logging:
  level: debug
mqtt:
  embedded:
    tcp: ":1884"
devices:
  - id: arduino1
    address: http://192.168.1.10:5000
    address_key: arduinoIp
    status_endpoint: /api/status
    response_key: arduino1
    poll_interval: 5000
    commands:
      toggle_led:
        path: /api/arduino1/led/toggle
      set_ip:
        path: /api/config
        persist_key: arduinoIp
  - id: arduino2
    transport: http_text
    address: http://192.168.1.20
    status_endpoint: /
    poll_interval: 2s
    timeout: 1500ms
  - id: arduino3
    transport: mqtt
    commands:
      toggle_led:
        payload: TOGGLE_LED
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, *cfg.ClearFieldsOnDisconnect)
	assert.Equal(t, "tcp://127.0.0.1:1884", cfg.MQTT.Broker)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.MQTT.KeepAlive))
	assert.Equal(t, []string{"arduino3"}, cfg.MQTTDeviceIDs())

	descs := cfg.Descriptors()
	require.Len(t, descs, 3)

	assert.Equal(t, core.HTTPJSON, descs[0].Transport)
	assert.Equal(t, 5*time.Second, descs[0].PollInterval)
	assert.Equal(t, "arduinoIp", descs[0].Commands["set_ip"].PersistKey)
	assert.Equal(t, "arduino1", descs[0].ResponseKey)

	assert.Equal(t, core.HTTPText, descs[1].Transport)
	assert.Equal(t, 2*time.Second, descs[1].PollInterval)
	assert.Equal(t, 1500*time.Millisecond, descs[1].Timeout)

	assert.Equal(t, "TOGGLE_LED", descs[2].Commands["toggle_led"].Payload)

	assert.Equal(t, ":1884", cfg.BrokerConfig().TCPAddress)
	assert.Equal(t, "tcp://127.0.0.1:1884", cfg.SessionConfig().Broker)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no devices", `listen: ":8080"`},
		{"unknown field", "devices:\n  - id: a\n    colour: red\n"},
		{"bad duration", "devices:\n  - id: a\n    address: http://x\n    poll_interval: soon\n"},
		{"zero interval", "devices:\n  - id: a\n    address: http://x\n    status_endpoint: /s\n"},
		{"duplicate ids", "devices:\n  - {id: a, address: 'http://x', poll_interval: 1s}\n  - {id: a, address: 'http://y', poll_interval: 1s}\n"},
		{"mqtt without broker", "devices:\n  - id: a\n    transport: mqtt\n"},
		{"bad qos", "mqtt:\n  broker: tcp://localhost:1883\n  qos: 3\ndevices:\n  - id: a\n    transport: mqtt\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DEVSYNC_LISTEN", ":7070")
	t.Setenv("DEVSYNC_MQTT_BROKER", "ws://broker.local:8083/mqtt")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "ws://broker.local:8083/mqtt", cfg.MQTT.Broker)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestRetainFieldsFlag(t *testing.T) {
	cfg, err := Parse([]byte("clear_fields_on_disconnect: false\ndevices:\n  - {id: a, address: 'http://x', poll_interval: 1s}\n"))
	require.NoError(t, err)
	assert.False(t, *cfg.ClearFieldsOnDisconnect)
	assert.Equal(t, defaultSettingsPath, cfg.SettingsPath)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestShippedConfig(t *testing.T) {
	t.Setenv("DEVSYNC_MQTT_BROKER", "")

	cfg, err := Load("../devsync.yaml")
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:1883", cfg.MQTT.Broker)
	assert.Equal(t, []string{"arduino3"}, cfg.MQTTDeviceIDs())

	descs := cfg.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, 2*time.Second, descs[0].PollInterval)
	assert.Equal(t, core.HTTPText, descs[1].Transport)
	assert.Equal(t, "arduinoIp", descs[0].Commands["set_ip"].PersistKey)
}
