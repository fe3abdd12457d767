package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Ticker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time), interval: d, stopped: make(chan struct{})}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

func (c *fakeClock) ticker(i int) *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[i]
}

type fakeTicker struct {
	c        chan time.Time
	interval time.Duration
	once     sync.Once
	stopped  chan struct{}
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

// Tick blocks until the schedule loop has received the tick.
func (t *fakeTicker) Tick(tb testing.TB) {
	tb.Helper()
	select {
	case t.c <- testEpoch:
	case <-time.After(2 * time.Second):
		tb.Fatal("tick was not consumed")
	}
}

type requestCall struct {
	Method string
	URL    string
	Body   []byte
}

type fakeRequester struct {
	mu      sync.Mutex
	calls   []requestCall
	handler func(ctx context.Context, call requestCall) (*Response, error)
}

func newFakeRequester(handler func(ctx context.Context, call requestCall) (*Response, error)) *fakeRequester {
	return &fakeRequester{handler: handler}
}

func (r *fakeRequester) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	call := requestCall{Method: method, URL: url, Body: body}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	return r.handler(ctx, call)
}

func (r *fakeRequester) Calls() []requestCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]requestCall(nil), r.calls...)
}

func (r *fakeRequester) CountURL(url string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.URL == url {
			n++
		}
	}
	return n
}

func reply(code int, body string) (*Response, error) {
	return &Response{StatusCode: code, Body: []byte(body)}, nil
}

type publishCall struct {
	Topic   string
	Payload string
}

type fakeBus struct {
	mu           sync.Mutex
	onMessage    MessageHandler
	onLost       func(error)
	subscribed   []string
	published    []publishCall
	connectErr   error
	publishErr   error
	disconnected bool
}

func (b *fakeBus) Connect(_ context.Context, onMessage MessageHandler, onLost func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.onMessage = onMessage
	b.onLost = onLost
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, topics...)
	return nil
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishCall{Topic: topic, Payload: string(payload)})
	return nil
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
	return nil
}

func (b *fakeBus) deliver(topic, payload string) {
	b.mu.Lock()
	h := b.onMessage
	b.mu.Unlock()
	h(topic, []byte(payload))
}

func (b *fakeBus) lose(err error) {
	b.mu.Lock()
	h := b.onLost
	b.mu.Unlock()
	h(err)
}

type memorySettings struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newMemorySettings(kv ...string) *memorySettings {
	s := &memorySettings{values: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		s.values[kv[i]] = kv[i+1]
	}
	return s
}

func (s *memorySettings) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memorySettings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values[key] = value
	return nil
}

type update struct {
	DeviceID string
	Status   DeviceStatus
}

type updateRecorder struct {
	ch chan update
}

func newUpdateRecorder() *updateRecorder {
	return &updateRecorder{ch: make(chan update, 256)}
}

func (r *updateRecorder) Func() UpdateFunc {
	return func(id string, s DeviceStatus) {
		r.ch <- update{DeviceID: id, Status: s}
	}
}

func (r *updateRecorder) Next(t *testing.T) update {
	t.Helper()
	select {
	case u := <-r.ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
		return update{}
	}
}

func (r *updateRecorder) None(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case u := <-r.ch:
		t.Fatalf("unexpected update for %s: %+v", u.DeviceID, u.Status)
	case <-time.After(wait):
	}
}

var errRefused = errors.New("connection refused")

func startClient(t *testing.T, c *SyncClient, descs []DeviceDescriptor, rec *updateRecorder) *Handle {
	t.Helper()
	h, err := c.Start(context.Background(), descs, rec.Func())
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	return h
}
