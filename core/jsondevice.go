package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// jsonFieldNames maps the keys devices report to the field names views use.
var jsonFieldNames = map[string]string{
	"led":             "led",
	"builtin_led":     "builtinLed",
	"temperature":     "temperature",
	"humidity":        "humidity",
	"relay_channel_1": "relayChannel1",
	"relay_channel_2": "relayChannel2",
	"ip":              "ip",
	"last_update":     "lastUpdate",
	"button":          "button",
}

// NormalizeJSON turns a JSON status document into device fields. When
// responseKey is set the document is an aggregate and the device record is
// read from that key.
//
// A non-empty "error" or a false "connected" in the record is returned as an
// ErrDeviceReported error.
func NormalizeJSON(deviceID string, payload []byte, responseKey string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, &ParseError{DeviceID: deviceID, Err: err}
	}
	if doc == nil {
		return nil, &ParseError{DeviceID: deviceID, Err: errors.New("status is not a JSON object")}
	}

	if responseKey != "" {
		record, ok := doc[responseKey].(map[string]any)
		if !ok {
			return nil, &ParseError{DeviceID: deviceID, Err: fmt.Errorf("no %q object in status", responseKey)}
		}
		doc = record
	}

	if msg, ok := doc["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrDeviceReported, msg)
	}
	if connected, ok := doc["connected"].(bool); ok && !connected {
		return nil, fmt.Errorf("%w: disconnected", ErrDeviceReported)
	}

	fields := make(map[string]any, len(doc))
	for key, raw := range doc {
		if key == "error" || key == "connected" {
			continue
		}
		value, ok := scalar(raw)
		if !ok {
			continue
		}
		if name, known := jsonFieldNames[key]; known {
			key = name
		}
		fields[key] = value
	}

	return fields, nil
}

func scalar(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return nil, false
	}
}
