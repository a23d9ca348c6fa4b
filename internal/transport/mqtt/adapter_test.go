package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/transport"
)

type fakeSession struct {
	mu           sync.Mutex
	connectErr   error
	connects     int
	disconnected bool
	handlers     map[string]func(string, []byte)
	published    []string
	publishErr   error
	onLost       func(error)
}

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeSession) Publish(topic string, _ byte, _ bool, _ []byte) <-chan error {
	f.mu.Lock()
	f.published = append(f.published, topic)
	err := f.publishErr
	f.mu.Unlock()
	ch := make(chan error, 1)
	ch <- err
	return ch
}

func (f *fakeSession) Subscribe(_ context.Context, filter string, _ byte, h func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[filter] = h
	return nil
}

func (f *fakeSession) Unsubscribe(_ context.Context, filters ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, flt := range filters {
		delete(f.handlers, flt)
	}
	return nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeSession) deliver(filter, topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	h(topic, payload)
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (d *fakeDialer) dial(_ BrokerConfig, onLost func(error)) Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSession{handlers: make(map[string]func(string, []byte)), onLost: onLost, connectErr: d.err}
	d.sessions = append(d.sessions, s)
	return s
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func connectAdapter(t *testing.T, pool *Pool, token string) *Adapter {
	t.Helper()
	a := New(pool, zerolog.Nop())
	require.NoError(t, a.Connect(context.Background(), "tcp://broker:1883",
		transport.Options{DeviceToken: token}))
	require.Equal(t, transport.StateConnected, a.State())
	return a
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "devices/abc/telemetry/temperature", TelemetryTopic("abc", "temperature"))
	assert.Equal(t, "devices/abc/commands/reboot", CommandTopic("abc", "reboot"))
	assert.Equal(t, "devices/abc/status", StatusTopic("abc"))

	tp, ok := ParseTopic("devices/abc/telemetry/humidity")
	require.True(t, ok)
	assert.Equal(t, Topic{Token: "abc", Kind: TopicTelemetry, Name: "humidity"}, tp)

	tp, ok = ParseTopic("devices/abc/status")
	require.True(t, ok)
	assert.Equal(t, TopicStatus, tp.Kind)

	_, ok = ParseTopic("devices/abc/other/x")
	assert.False(t, ok)
	_, ok = ParseTopic("sensors/abc/status")
	assert.False(t, ok)
}

func TestCommandPayloadShape(t *testing.T) {
	c := &command.Command{Kind: command.KindDeviceControl,
		Parameters: command.NewParams().Set("command", command.String("open")).Set("zone", command.Number(2))}
	data, err := json.Marshal(NewCommandPayload(c, time.UnixMilli(1700000000000)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"open","parameters":{"command":"open","zone":2},"timestamp":1700000000000}`, string(data))
}

func TestPoolSharesSessionPerBroker(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, zerolog.Nop())

	a := connectAdapter(t, pool, "tok-a")
	b := connectAdapter(t, pool, "tok-b")
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 1, pool.Sessions())

	require.NoError(t, a.Disconnect(context.Background()))
	assert.False(t, d.sessions[0].disconnected, "b still holds the session")

	require.NoError(t, b.Disconnect(context.Background()))
	assert.True(t, d.sessions[0].disconnected)
	assert.Zero(t, pool.Sessions())
}

func TestSendIsFireAndForget(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, zerolog.Nop())
	a := connectAdapter(t, pool, "tok")
	results, cancel := a.PublishResults(4)
	defer cancel()

	d.sessions[0].publishErr = errors.New("not authorized")
	id, err := a.Publish(context.Background(), []byte(`{}`), transport.Route{Topic: CommandTopic("tok", "reboot")})
	require.NoError(t, err, "delivery failures are reported out of band")

	select {
	case r := <-results:
		assert.Equal(t, id, r.ID)
		assert.EqualError(t, r.Err, "not authorized")
	case <-time.After(time.Second):
		t.Fatal("no publish result")
	}

	err = a.Send(context.Background(), []byte(`{}`), transport.Route{})
	assert.ErrorIs(t, err, transport.ErrRejected)
}

func TestInboundFramesAndConnectionLoss(t *testing.T) {
	d := &fakeDialer{}
	pool := NewPool(d.dial, zerolog.Nop())
	a := connectAdapter(t, pool, "tok")
	b := connectAdapter(t, pool, "tok2")
	frames := a.Receive()

	s := d.sessions[0]
	s.deliver(TelemetryFilter("tok"), TelemetryTopic("tok", "temperature"), []byte(`{"value":21.5}`))
	f := <-frames
	assert.Equal(t, "devices/tok/telemetry/temperature", f.Source)

	s.onLost(errors.New("eof"))
	assert.Equal(t, transport.StateDisconnected, a.State())
	assert.Equal(t, transport.StateDisconnected, b.State())
	_, ok := <-frames
	assert.False(t, ok, "stream ends with the session")

	err := a.Send(context.Background(), []byte("x"), transport.Route{Topic: "t"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	// Reconnect dials a fresh session
	require.NoError(t, a.Connect(context.Background(), "tcp://broker:1883", transport.Options{DeviceToken: "tok"}))
	assert.Equal(t, 2, d.count())
}

func TestConnectFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	pool := NewPool(d.dial, zerolog.Nop())
	a := New(pool, zerolog.Nop())

	err := a.Connect(context.Background(), "tcp://broker:1883", transport.Options{DeviceToken: "tok"})
	require.Error(t, err)
	assert.Equal(t, transport.StateDisconnected, a.State())
	assert.Zero(t, pool.Sessions())

	err = a.Connect(context.Background(), "tcp://broker:1883", transport.Options{})
	assert.ErrorIs(t, err, transport.ErrRejected)
}
