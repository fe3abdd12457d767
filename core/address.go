package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strings"
)

const paramPlaceholder = "{param}"

// resolveURL resolves endpoint against address. Absolute endpoints are used
// as they are.
func resolveURL(address, endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		if err := checkHTTP(ref); err != nil {
			return "", err
		}
		return ref.String(), nil
	}

	base, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if err := checkHTTP(base); err != nil {
		return "", err
	}

	return base.ResolveReference(ref).String(), nil
}

func checkHTTP(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// overrideHost replaces the host of address, keeping scheme, port and path.
func overrideHost(address, host string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if host == "" || strings.ContainsAny(host, "/?#") {
		return "", fmt.Errorf("invalid host %q", host)
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	if err := checkHTTP(u); err != nil {
		return "", err
	}
	return u.String(), nil
}

// commandTarget builds the URL and body of an HTTP command. Scalar
// parameters fill the {param} placeholder, anything else is sent as JSON.
func commandTarget(address, path string, param any) (string, []byte, error) {
	var body []byte

	switch {
	case param == nil:
	case isScalar(param):
		path = strings.ReplaceAll(path, paramPlaceholder, url.PathEscape(fmt.Sprint(param)))
	default:
		b, err := json.Marshal(param)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
		}
		body = b
	}

	if strings.Contains(path, paramPlaceholder) {
		return "", nil, fmt.Errorf("%w: command needs a scalar parameter", ErrInvalidParam)
	}

	target, err := resolveURL(address, path)
	if err != nil {
		return "", nil, err
	}

	return target, body, nil
}

func isScalar(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// addressFromParam reads the address carried by a configuration command.
func addressFromParam(param any) string {
	switch p := param.(type) {
	case string:
		return p
	case map[string]string:
		if p["ip"] != "" {
			return p["ip"]
		}
		return p["address"]
	case map[string]any:
		for _, key := range []string{"ip", "address"} {
			if s, ok := p[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func mqttTopics(d DeviceDescriptor) []string {
	if d.StatusEndpoint != "" {
		return []string{d.StatusEndpoint}
	}
	return []string{d.ID + "/sensor", d.ID + "/status"}
}

// ValidateDescriptors checks a descriptor set before it is started.
func ValidateDescriptors(descriptors []DeviceDescriptor) error {
	if len(descriptors) == 0 {
		return &ConfigError{Reason: "no devices configured"}
	}

	ids := make(map[string]struct{}, len(descriptors))
	topics := make(map[string]string)

	for _, d := range descriptors {
		if d.ID == "" {
			return &ConfigError{Reason: "device id is required"}
		}
		if _, dup := ids[d.ID]; dup {
			return &ConfigError{DeviceID: d.ID, Reason: "duplicate device id"}
		}
		ids[d.ID] = struct{}{}

		if d.Timeout < 0 {
			return &ConfigError{DeviceID: d.ID, Reason: "timeout must not be negative"}
		}

		switch d.Transport {
		case HTTPJSON, HTTPText:
			if d.PollInterval <= 0 {
				return &ConfigError{DeviceID: d.ID, Reason: "poll interval must be positive"}
			}
			if _, err := resolveURL(d.Address, d.StatusEndpoint); err != nil {
				return &ConfigError{DeviceID: d.ID, Reason: "malformed status endpoint", Err: err}
			}
			for action, spec := range d.Commands {
				probe := strings.ReplaceAll(spec.Path, paramPlaceholder, "0")
				if _, err := resolveURL(d.Address, probe); err != nil {
					return &ConfigError{DeviceID: d.ID, Reason: "malformed endpoint for command " + action, Err: err}
				}
			}
		case MQTT:
			if d.PollInterval < 0 {
				return &ConfigError{DeviceID: d.ID, Reason: "poll interval must not be negative"}
			}
			for _, topic := range mqttTopics(d) {
				if strings.ContainsAny(topic, "+#") {
					return &ConfigError{DeviceID: d.ID, Reason: "status topic must not contain wildcards"}
				}
				if owner, taken := topics[topic]; taken {
					return &ConfigError{DeviceID: d.ID, Reason: "status topic already used by " + owner}
				}
				topics[topic] = d.ID
			}
		default:
			return &ConfigError{DeviceID: d.ID, Reason: fmt.Sprintf("unknown transport %q", d.Transport)}
		}
	}

	return nil
}
