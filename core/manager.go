package core

import "context"

// DeviceSyncer is what the host application sees of the sync client.
type DeviceSyncer interface {
	Start(ctx context.Context, descriptors []DeviceDescriptor, onUpdate UpdateFunc) (*Handle, error)

	Stop(h *Handle)

	Poll(ctx context.Context, deviceID string) (DeviceStatus, error)

	SendCommand(ctx context.Context, deviceID, action string, param any) (CommandResult, error)

	Status(deviceID string) (DeviceStatus, error)

	Statuses() map[string]DeviceStatus

	Setting(key string) (string, bool, error)
}

// Response is a completed HTTP exchange with a device.
type Response struct {
	StatusCode int
	Body       []byte
}

// Requester performs HTTP requests for the HTTPJSON and HTTPText transports.
// An error means the exchange could not be completed; any status code is a
// completed exchange.
type Requester interface {
	Do(ctx context.Context, method, url string, body []byte) (*Response, error)
}

type MessageHandler func(topic string, payload []byte)

// MessageBus is one publish/subscribe connection shared by all MQTT devices.
// onLost is called at most once, when an established connection drops.
type MessageBus interface {
	Connect(ctx context.Context, onMessage MessageHandler, onLost func(error)) error
	Subscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect() error
}

// SettingsStore persists values that outlive a session, such as a device
// address override.
type SettingsStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}
