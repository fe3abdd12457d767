package core

import (
	"errors"
	"strings"
)

const (
	On  = "ON"
	Off = "OFF"
)

// NormalizeText extracts fields from a free-form status page. A field is ON
// when its marker text appears anywhere in the body, OFF otherwise.
func NormalizeText(deviceID string, body []byte, markers map[string]string) (map[string]any, error) {
	text := string(body)
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{DeviceID: deviceID, Err: errors.New("empty status page")}
	}

	if len(markers) == 0 {
		markers = defaultMarkers()
	}

	fields := make(map[string]any, len(markers))
	for field, marker := range markers {
		if strings.Contains(text, marker) {
			fields[field] = On
		} else {
			fields[field] = Off
		}
	}

	return fields, nil
}
