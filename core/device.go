package core

import (
	"maps"
	"time"
)

type Transport string

const (
	HTTPJSON Transport = "http_json"
	HTTPText Transport = "http_text"
	MQTT     Transport = "mqtt"
)

const DefaultTimeout = 5 * time.Second

// DeviceDescriptor is the static configuration of one physical device.
type DeviceDescriptor struct {
	ID             string
	StatusEndpoint string
	PollInterval   time.Duration
	Transport      Transport

	// Address is the base URL relative endpoints are resolved against.
	Address string
	// AddressKey names the persisted setting that overrides the host of Address.
	AddressKey string
	Timeout    time.Duration
	// ResponseKey selects this device's record inside an aggregate status document.
	ResponseKey string
	// Markers maps a field to the literal text that means ON (HTTPText only).
	Markers  map[string]string
	Commands map[string]CommandSpec
}

// CommandSpec describes how an action is issued against a device.
type CommandSpec struct {
	Method     string `json:"method,omitempty" yaml:"method"`
	Path       string `json:"path,omitempty" yaml:"path"`
	Payload    string `json:"payload,omitempty" yaml:"payload"`
	PersistKey string `json:"persist_key,omitempty" yaml:"persist_key"`
}

// DeviceStatus is a normalized snapshot of one device.
type DeviceStatus struct {
	Connected   bool           `json:"connected"`
	Fields      map[string]any `json:"fields"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Error       string         `json:"error,omitempty"`
}

// Copy returns a status that shares no memory with s.
func (s DeviceStatus) Copy() DeviceStatus {
	c := s
	c.Fields = make(map[string]any, len(s.Fields))
	maps.Copy(c.Fields, s.Fields)
	return c
}

type CommandRequest struct {
	DeviceID string `json:"deviceId"`
	Action   string `json:"action"`
	Param    any    `json:"param,omitempty"`
}

type CommandResult struct {
	OK         bool   `json:"ok"`
	Action     string `json:"action,omitempty"`
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// UpdateFunc is the view sink. It receives a copy of every completed poll,
// one call at a time and in the order the statuses were stored. It may call
// Poll, SendCommand and the read methods of the client, but not Stop.
type UpdateFunc func(deviceID string, status DeviceStatus)

func defaultMarkers() map[string]string {
	return map[string]string{
		"relayChannel1": "Channel 1: ON",
		"relayChannel2": "Channel 2: ON",
	}
}
