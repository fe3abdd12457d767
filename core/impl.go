package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Option func(*SyncClient)

func WithRequester(r Requester) Option {
	return func(c *SyncClient) { c.requester = r }
}

func WithMessageBus(b MessageBus) Option {
	return func(c *SyncClient) { c.bus = b }
}

func WithSettings(s SettingsStore) Option {
	return func(c *SyncClient) { c.settings = s }
}

func WithClock(clock Clock) Option {
	return func(c *SyncClient) { c.clock = clock }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *SyncClient) { c.logger = l }
}

// WithClearFieldsOnDisconnect selects what a failed poll does with the
// previous fields: clear them (the default) or keep them while the device is
// marked disconnected.
func WithClearFieldsOnDisconnect(clear bool) Option {
	return func(c *SyncClient) { c.clearFieldsOnDisconnect = clear }
}

// SyncClient keeps the current status of every configured device and issues
// commands against them.
type SyncClient struct {
	requester               Requester
	bus                     MessageBus
	settings                SettingsStore
	clock                   Clock
	logger                  zerolog.Logger
	clearFieldsOnDisconnect bool

	mu     sync.RWMutex
	handle *Handle
}

var _ DeviceSyncer = (*SyncClient)(nil)

func NewSyncClient(opts ...Option) *SyncClient {
	c := &SyncClient{
		clock:                   realClock{},
		logger:                  zerolog.Nop(),
		clearFieldsOnDisconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle owns the timers and subscriptions of one Start call.
type Handle struct {
	client   *SyncClient
	onUpdate UpdateFunc
	devices  map[string]*deviceState
	topics   map[string]*deviceState
	usesBus  bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// deliverMu serializes status replacement and the order updates are
	// queued in.
	deliverMu sync.Mutex
	stopped   bool
	unhook    func() bool

	queueMu sync.Mutex
	queue   []queuedUpdate
	wake    chan struct{}
	// statusMu guards status and lastSuccess of every device.
	statusMu sync.RWMutex
}

type queuedUpdate struct {
	deviceID string
	status   DeviceStatus
}

type deviceState struct {
	desc        DeviceDescriptor
	status      DeviceStatus
	lastSuccess time.Time
	outstanding atomic.Int32

	addrMu  sync.RWMutex
	address string
}

func (d *deviceState) currentAddress() string {
	d.addrMu.RLock()
	defer d.addrMu.RUnlock()
	return d.address
}

func (d *deviceState) setAddress(address string) {
	d.addrMu.Lock()
	d.address = address
	d.addrMu.Unlock()
}

// Start begins polling. Every HTTP device is polled once immediately and then
// on its interval; MQTT devices are fed by subscriptions on the message bus.
// Polling stops when Stop is called or ctx is done.
func (c *SyncClient) Start(ctx context.Context, descriptors []DeviceDescriptor, onUpdate UpdateFunc) (*Handle, error) {
	if err := ValidateDescriptors(descriptors); err != nil {
		return nil, err
	}

	var needHTTP, needBus bool
	for _, d := range descriptors {
		if d.Transport == MQTT {
			needBus = true
		} else {
			needHTTP = true
		}
	}
	if needHTTP && c.requester == nil {
		return nil, &ConfigError{Reason: "HTTP devices configured but no requester"}
	}
	if needBus && c.bus == nil {
		return nil, &ConfigError{Reason: "MQTT devices configured but no message bus"}
	}

	if onUpdate == nil {
		onUpdate = func(string, DeviceStatus) {}
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		client:   c,
		onUpdate: onUpdate,
		devices:  make(map[string]*deviceState, len(descriptors)),
		topics:   make(map[string]*deviceState),
		usesBus:  needBus,
		ctx:      hctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}

	for _, d := range descriptors {
		if d.Timeout == 0 {
			d.Timeout = DefaultTimeout
		}
		if d.Transport == HTTPText && len(d.Markers) == 0 {
			d.Markers = defaultMarkers()
		}

		dev := &deviceState{
			desc:    d,
			status:  DeviceStatus{Fields: map[string]any{}},
			address: c.addressOverride(d),
		}
		h.devices[d.ID] = dev

		if d.Transport == MQTT {
			for _, topic := range mqttTopics(d) {
				h.topics[topic] = dev
			}
		}
	}

	c.mu.Lock()
	if c.handle != nil {
		c.mu.Unlock()
		cancel()
		return nil, &ConfigError{Reason: "start", Err: ErrAlreadyStarted}
	}
	c.handle = h
	c.mu.Unlock()

	h.wg.Add(1)
	go h.deliverLoop()

	c.logger.Info().Int("devices", len(descriptors)).Msg("starting device sync")

	if needBus {
		h.connectBus()
	}

	for _, dev := range h.devices {
		if dev.desc.Transport == MQTT {
			continue
		}
		h.dispatch(dev)

		h.wg.Add(1)
		go h.schedule(dev)
	}

	h.deliverMu.Lock()
	h.unhook = context.AfterFunc(ctx, h.Stop)
	h.deliverMu.Unlock()

	return h, nil
}

func (c *SyncClient) addressOverride(d DeviceDescriptor) string {
	if d.AddressKey == "" || c.settings == nil {
		return d.Address
	}

	host, ok, err := c.settings.Get(d.AddressKey)
	if err != nil {
		c.logger.Warn().Err(err).Str("device", d.ID).Str("key", d.AddressKey).Msg("failed to read address override")
		return d.Address
	}
	if !ok {
		return d.Address
	}

	address, err := overrideHost(d.Address, host)
	if err != nil {
		c.logger.Warn().Err(err).Str("device", d.ID).Str("key", d.AddressKey).Msg("ignoring address override")
		return d.Address
	}

	c.logger.Info().Str("device", d.ID).Str("address", address).Msg("using persisted address")
	return address
}

// Stop is the same as h.Stop.
func (c *SyncClient) Stop(h *Handle) {
	if h != nil {
		h.Stop()
	}
}

// Stop cancels every timer and subscription of the handle. No update is
// delivered once Stop has returned and updates still queued are dropped. It
// must not be called from the update callback.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.deliverMu.Lock()
		h.stopped = true
		unhook := h.unhook
		h.deliverMu.Unlock()

		if unhook != nil {
			unhook()
		}

		close(h.done)
		h.cancel()
		h.wg.Wait()

		if h.usesBus {
			if err := h.client.bus.Disconnect(); err != nil {
				h.client.logger.Warn().Err(err).Msg("failed to disconnect message bus")
			}
		}

		h.client.mu.Lock()
		if h.client.handle == h {
			h.client.handle = nil
		}
		h.client.mu.Unlock()

		h.client.logger.Info().Msg("device sync stopped")
	})
}

func (h *Handle) schedule(dev *deviceState) {
	defer h.wg.Done()

	ticker := h.client.clock.Ticker(dev.desc.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.Chan():
			if dev.outstanding.Load() > 0 {
				h.client.logger.Debug().Str("device", dev.desc.ID).Msg("poll still outstanding, skipping tick")
				continue
			}
			h.dispatch(dev)
		}
	}
}

// dispatch runs one poll in the background. The device counts as outstanding
// before dispatch returns.
func (h *Handle) dispatch(dev *deviceState) {
	dev.outstanding.Add(1)
	go func() {
		defer dev.outstanding.Add(-1)
		h.poll(h.ctx, dev)
	}()
}

func (c *SyncClient) lookup(deviceID string) (*Handle, *deviceState, error) {
	c.mu.RLock()
	h := c.handle
	c.mu.RUnlock()

	if h == nil {
		return nil, nil, &UnknownDeviceError{DeviceID: deviceID}
	}
	dev, ok := h.devices[deviceID]
	if !ok {
		return nil, nil, &UnknownDeviceError{DeviceID: deviceID}
	}
	return h, dev, nil
}

// Poll fetches the status of one device outside its schedule. Transport and
// parse failures are reported in the returned status, not as an error.
func (c *SyncClient) Poll(ctx context.Context, deviceID string) (DeviceStatus, error) {
	h, dev, err := c.lookup(deviceID)
	if err != nil {
		return DeviceStatus{}, err
	}

	dev.outstanding.Add(1)
	defer dev.outstanding.Add(-1)

	return h.poll(ctx, dev), nil
}

func (h *Handle) poll(ctx context.Context, dev *deviceState) DeviceStatus {
	if dev.desc.Transport == MQTT {
		return h.redeliver(dev)
	}
	fields, err := h.fetch(ctx, dev)
	return h.complete(dev, fields, err)
}

func (h *Handle) fetch(ctx context.Context, dev *deviceState) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, dev.desc.Timeout)
	defer cancel()

	target, err := resolveURL(dev.currentAddress(), dev.desc.StatusEndpoint)
	if err != nil {
		return nil, &TransportError{DeviceID: dev.desc.ID, Err: err}
	}

	resp, err := h.client.requester.Do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{DeviceID: dev.desc.ID, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{
			DeviceID:   dev.desc.ID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	}

	if dev.desc.Transport == HTTPText {
		return NormalizeText(dev.desc.ID, resp.Body, dev.desc.Markers)
	}
	return NormalizeJSON(dev.desc.ID, resp.Body, dev.desc.ResponseKey)
}

// complete replaces the stored status of dev with the outcome of a poll and
// delivers it, unless the handle has been stopped.
func (h *Handle) complete(dev *deviceState, fields map[string]any, pollErr error) DeviceStatus {
	now := h.client.clock.Now()

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.statusMu.Lock()
	var status DeviceStatus
	if pollErr == nil {
		status = DeviceStatus{Connected: true, Fields: fields, LastUpdated: now}
	} else {
		status = DeviceStatus{Connected: false, Error: pollErr.Error(), LastUpdated: dev.lastSuccess}
		if status.LastUpdated.IsZero() {
			status.LastUpdated = now
		}
		if h.client.clearFieldsOnDisconnect {
			status.Fields = map[string]any{}
		} else {
			status.Fields = dev.status.Copy().Fields
		}
	}
	if status.Fields == nil {
		status.Fields = map[string]any{}
	}
	if !h.stopped {
		dev.status = status
		if pollErr == nil {
			dev.lastSuccess = now
		}
	}
	h.statusMu.Unlock()

	if h.stopped {
		return status.Copy()
	}

	if pollErr != nil {
		h.client.logger.Debug().Err(pollErr).Str("device", dev.desc.ID).Msg("device poll failed")
	}
	h.enqueue(dev.desc.ID, status.Copy())

	return status.Copy()
}

// redeliver hands the cached status of a push-fed device to the view again.
func (h *Handle) redeliver(dev *deviceState) DeviceStatus {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.statusMu.RLock()
	status := dev.status.Copy()
	h.statusMu.RUnlock()

	if !h.stopped {
		h.enqueue(dev.desc.ID, status.Copy())
	}
	return status
}

// enqueue hands an update to the delivery goroutine. Callers hold deliverMu,
// so updates reach the view in the order they were stored.
func (h *Handle) enqueue(deviceID string, status DeviceStatus) {
	h.queueMu.Lock()
	h.queue = append(h.queue, queuedUpdate{deviceID: deviceID, status: status})
	h.queueMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// deliverLoop calls onUpdate for queued updates one at a time, outside any
// lock of the handle, so the callback may use the client.
func (h *Handle) deliverLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}

		for {
			h.queueMu.Lock()
			batch := h.queue
			h.queue = nil
			h.queueMu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, u := range batch {
				select {
				case <-h.done:
					return
				default:
				}
				h.onUpdate(u.deviceID, u.status)
			}
		}
	}
}

func (h *Handle) connectBus() {
	bus := h.client.bus

	topics := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		topics = append(topics, topic)
	}
	slices.Sort(topics)

	err := bus.Connect(h.ctx, h.onMessage, h.onConnectionLost)
	if err == nil {
		err = bus.Subscribe(h.ctx, topics...)
	}
	if err != nil {
		h.client.logger.Error().Err(err).Msg("message bus unavailable")
		h.markBusDevicesDisconnected(err)
		return
	}

	h.client.logger.Info().Strs("topics", topics).Msg("subscribed to device topics")
}

func (h *Handle) onMessage(topic string, payload []byte) {
	dev, ok := h.topics[topic]
	if !ok {
		h.client.logger.Debug().Str("topic", topic).Msg("message on unknown topic")
		return
	}
	fields, err := NormalizeJSON(dev.desc.ID, payload, dev.desc.ResponseKey)
	h.complete(dev, fields, err)
}

func (h *Handle) onConnectionLost(err error) {
	h.client.logger.Warn().Err(err).Msg("message bus connection lost")
	h.markBusDevicesDisconnected(err)
}

func (h *Handle) markBusDevicesDisconnected(cause error) {
	ids := make([]string, 0, len(h.devices))
	for id, dev := range h.devices {
		if dev.desc.Transport == MQTT {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		h.complete(h.devices[id], nil, &TransportError{DeviceID: id, Err: cause})
	}
}

// SendCommand issues action against a device and then polls it once, whether
// or not the command succeeded. A failure reported by the device is returned
// as a result with OK false; a request that could not be completed also
// returns a *TransportError.
//
// A parameter the command cannot use is rejected with ErrInvalidParam before
// anything is sent. Such a command was never issued and is not followed by a
// poll.
func (c *SyncClient) SendCommand(ctx context.Context, deviceID, action string, param any) (CommandResult, error) {
	h, dev, err := c.lookup(deviceID)
	if err != nil {
		return CommandResult{}, err
	}

	spec, ok := dev.desc.Commands[action]
	if !ok {
		return CommandResult{}, &UnknownCommandError{DeviceID: deviceID, Action: action}
	}

	var result CommandResult
	if dev.desc.Transport == MQTT {
		result, err = h.publishCommand(ctx, dev, action, spec, param)
	} else {
		var target string
		var body []byte
		target, body, err = commandTarget(dev.currentAddress(), spec.Path, param)
		if errors.Is(err, ErrInvalidParam) {
			return CommandResult{}, fmt.Errorf("command %s for device %s: %w", action, deviceID, err)
		}
		if err != nil {
			return CommandResult{}, &ConfigError{DeviceID: deviceID, Reason: "command " + action + " has no valid target", Err: err}
		}
		result, err = h.requestCommand(ctx, dev, action, spec, target, body)
	}

	log := c.logger.With().Str("device", deviceID).Str("action", action).Logger()
	if err != nil {
		log.Warn().Err(err).Msg("command failed")
	} else if !result.OK {
		log.Warn().Str("message", result.Message).Msg("command rejected by device")
	} else {
		log.Info().Msg("command sent")
		if spec.PersistKey != "" {
			h.persist(dev, spec.PersistKey, param)
		}
	}

	dev.outstanding.Add(1)
	h.poll(context.WithoutCancel(ctx), dev)
	dev.outstanding.Add(-1)

	return result, err
}

func (h *Handle) requestCommand(ctx context.Context, dev *deviceState, action string, spec CommandSpec, target string, body []byte) (CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, dev.desc.Timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}

	resp, err := h.client.requester.Do(ctx, method, target, body)
	if err != nil {
		return CommandResult{Action: action, Message: err.Error()},
			&TransportError{DeviceID: dev.desc.ID, Err: err}
	}

	return interpretCommandResponse(action, resp), nil
}

func (h *Handle) publishCommand(ctx context.Context, dev *deviceState, action string, spec CommandSpec, param any) (CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, dev.desc.Timeout)
	defer cancel()

	topic := spec.Path
	if topic == "" {
		topic = dev.desc.ID + "/command"
	}
	payload := spec.Payload
	if payload == "" {
		payload = action
	}
	if param != nil && isScalar(param) {
		payload = strings.ReplaceAll(payload, paramPlaceholder, fmt.Sprint(param))
	}

	if err := h.client.bus.Publish(ctx, topic, []byte(payload)); err != nil {
		return CommandResult{Action: action, Message: err.Error()},
			&TransportError{DeviceID: dev.desc.ID, Err: err}
	}

	return CommandResult{OK: true, Action: action, Message: "published to " + topic}, nil
}

type commandReply struct {
	Status  string `json:"status"`
	Action  string `json:"action"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func interpretCommandResponse(action string, resp *Response) CommandResult {
	result := CommandResult{Action: action, StatusCode: resp.StatusCode}

	var reply commandReply
	parsed := json.Unmarshal(resp.Body, &reply) == nil
	raw := strings.TrimSpace(string(resp.Body))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Message = firstNonEmpty(reply.Message, reply.Error, raw, http.StatusText(resp.StatusCode))
		return result
	}

	if parsed && reply.Status != "" && reply.Status != "success" {
		result.Message = firstNonEmpty(reply.Message, reply.Error, raw)
		return result
	}

	result.OK = true
	result.Message = firstNonEmpty(reply.Action, reply.Message, raw)
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (h *Handle) persist(dev *deviceState, key string, param any) {
	log := h.client.logger.With().Str("device", dev.desc.ID).Str("key", key).Logger()

	value := addressFromParam(param)
	if value == "" {
		log.Warn().Msg("command parameter carries no address to persist")
		return
	}

	if h.client.settings != nil {
		if err := h.client.settings.Set(key, value); err != nil {
			log.Error().Err(err).Msg("failed to persist setting")
		}
	}

	if key != dev.desc.AddressKey {
		return
	}
	address, err := overrideHost(dev.desc.Address, value)
	if err != nil {
		log.Warn().Err(err).Msg("not applying address override")
		return
	}
	dev.setAddress(address)
	log.Info().Str("address", address).Msg("device address updated")
}

// Status returns the last stored status of a device.
func (c *SyncClient) Status(deviceID string) (DeviceStatus, error) {
	h, dev, err := c.lookup(deviceID)
	if err != nil {
		return DeviceStatus{}, err
	}

	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	return dev.status.Copy(), nil
}

// Statuses returns the last stored status of every device.
func (c *SyncClient) Statuses() map[string]DeviceStatus {
	c.mu.RLock()
	h := c.handle
	c.mu.RUnlock()

	statuses := make(map[string]DeviceStatus)
	if h == nil {
		return statuses
	}

	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	for id, dev := range h.devices {
		statuses[id] = dev.status.Copy()
	}
	return statuses
}

// Devices lists the registered device ids in order.
func (c *SyncClient) Devices() []string {
	c.mu.RLock()
	h := c.handle
	c.mu.RUnlock()

	if h == nil {
		return nil
	}
	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Setting reads a persisted setting.
func (c *SyncClient) Setting(key string) (string, bool, error) {
	if c.settings == nil {
		return "", false, nil
	}
	return c.settings.Get(key)
}
