package mqtt

import (
	"bytes"
	"encoding/json"
	"slices"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
)

type PresenceOptions struct {
	Broker *Broker
	// DeviceIDs are the client ids boards connect with.
	DeviceIDs []string
	Logger    zerolog.Logger
}

// PresenceHook publishes a disconnected status for a board whose MQTT session
// ends, so views learn about it without waiting for a timeout.
type PresenceHook struct {
	mochi.HookBase
	broker  *Broker
	devices []string
	logger  zerolog.Logger
}

func (h *PresenceHook) ID() string {
	return "device-presence"
}

func (h *PresenceHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnSessionEstablished,
		mochi.OnDisconnect,
	}, []byte{b})
}

func (h *PresenceHook) Init(config any) error {
	if _, ok := config.(*PresenceOptions); !ok && config != nil {
		return mochi.ErrInvalidConfigType
	}

	if config == nil {
		config = new(PresenceOptions)
	}

	opt := config.(*PresenceOptions)
	h.broker = opt.Broker
	h.devices = opt.DeviceIDs
	h.logger = opt.Logger

	return nil
}

func (h *PresenceHook) isDevice(clientID string) bool {
	return slices.Contains(h.devices, clientID)
}

func (h *PresenceHook) OnSessionEstablished(cl *mochi.Client, pk packets.Packet) {
	if h.isDevice(cl.ID) {
		h.logger.Info().Str("device", cl.ID).Msg("device connected to broker")
	}
}

func (h *PresenceHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	if !h.isDevice(cl.ID) || h.broker == nil {
		return
	}

	h.logger.Info().Err(err).Str("device", cl.ID).Msg("device disconnected from broker")

	payload, _ := json.Marshal(map[string]any{
		"connected": false,
		"error":     "device disconnected",
	})
	if perr := h.broker.Publish(cl.ID+"/status", payload, false); perr != nil {
		h.logger.Error().Err(perr).Str("device", cl.ID).Msg("failed to publish device presence")
	}
}
