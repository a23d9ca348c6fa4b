// Package mqtt implements the MQTT device adapter. Devices sharing a
// broker share one client connection through a Pool.
package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/observe"
	"github.com/agsys/edge-sync/internal/transport"
)

const (
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// PublishResult is the broker's answer to one Send
type PublishResult struct {
	ID    uint64
	Topic string
	Err   error
}

// Adapter is one device's MQTT connection
type Adapter struct {
	pool *Pool
	log  zerolog.Logger

	m       *transport.Machine
	inbox   transport.Inbox
	results *observe.Hub[PublishResult]
	seq     atomic.Uint64

	mu      sync.Mutex
	lease   *Lease
	filters []string
	qos     byte
}

// New creates an adapter drawing sessions from pool
func New(pool *Pool, log zerolog.Logger) *Adapter {
	return &Adapter{
		pool:    pool,
		log:     log.With().Str("protocol", "mqtt").Logger(),
		m:       transport.NewMachine(),
		results: observe.NewHub[PublishResult](),
	}
}

func (a *Adapter) Protocol() transport.Protocol { return transport.ProtocolMQTT }

func (a *Adapter) State() transport.State { return a.m.State() }

func (a *Adapter) Watch(buf int) (<-chan transport.State, func()) { return a.m.Watch(buf) }

func (a *Adapter) Receive() <-chan transport.Frame { return a.inbox.Receive() }

// PublishResults streams delivery results of every Send
func (a *Adapter) PublishResults(buf int) (<-chan PublishResult, func()) {
	return a.results.Subscribe(buf)
}

// Connect joins the broker at address and subscribes to the device's
// status and telemetry topics.
func (a *Adapter) Connect(ctx context.Context, address string, opts transport.Options) error {
	if err := a.m.Begin(); err != nil {
		return err
	}
	if opts.DeviceToken == "" {
		a.m.Fail()
		return transport.Errorf(transport.ErrRejected, "device token required for mqtt")
	}

	cfg := BrokerConfig{
		URL:            address,
		ClientID:       opts.ClientID,
		Username:       opts.Username,
		Password:       opts.Password,
		CleanSession:   true,
		KeepAlive:      opts.KeepAlive,
		ConnectTimeout: opts.ConnectTimeout,
	}
	if opts.CleanSession != nil {
		cfg.CleanSession = *opts.CleanSession
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	lease, err := a.pool.Acquire(ctx, cfg)
	if err != nil {
		a.m.Fail()
		return transport.Classify("connect "+address, err)
	}

	a.inbox.Open()
	filters := []string{StatusTopic(opts.DeviceToken), TelemetryFilter(opts.DeviceToken)}
	for _, f := range filters {
		if err := lease.Session().Subscribe(ctx, f, opts.QoS, a.inbox.Publish); err != nil {
			lease.Release()
			a.inbox.Close()
			a.m.Fail()
			return transport.Classify("subscribe "+f, err)
		}
	}

	a.mu.Lock()
	a.lease = lease
	a.filters = filters
	a.qos = opts.QoS
	a.mu.Unlock()
	lease.OnLost(a.onLost)

	if err := a.m.To(transport.StateConnected); err != nil {
		// Connection dropped while subscribing
		return transport.Errorf(transport.ErrNotConnected, "connection lost during connect")
	}
	a.log.Debug().Str("broker", address).Str("token", opts.DeviceToken).Msg("connected")
	return nil
}

func (a *Adapter) onLost(err error) {
	a.mu.Lock()
	a.lease = nil
	a.filters = nil
	a.mu.Unlock()

	a.inbox.Close()
	a.m.Fail()
	a.log.Warn().Err(err).Msg("connection lost")
}

// Send publishes payload to route.Topic and returns at once. The broker's
// answer arrives on PublishResults.
func (a *Adapter) Send(ctx context.Context, payload []byte, route transport.Route) error {
	_, err := a.Publish(ctx, payload, route)
	return err
}

// Publish is Send returning the id its PublishResult will carry
func (a *Adapter) Publish(ctx context.Context, payload []byte, route transport.Route) (uint64, error) {
	if route.Topic == "" {
		return 0, transport.Errorf(transport.ErrRejected, "mqtt send needs a topic")
	}
	a.mu.Lock()
	lease := a.lease
	qos := a.qos
	a.mu.Unlock()
	if lease == nil || !a.m.Ready() {
		return 0, transport.Errorf(transport.ErrNotConnected, "mqtt %s", a.m.State())
	}
	if route.QoS > qos {
		qos = route.QoS
	}
	if err := ctx.Err(); err != nil {
		return 0, transport.Classify("publish", err)
	}

	id := a.seq.Add(1)
	done := lease.Session().Publish(route.Topic, qos, route.Retain, payload)
	go func() {
		err := <-done
		if err != nil {
			a.log.Warn().Err(err).Str("topic", route.Topic).Msg("publish failed")
		}
		a.results.Publish(PublishResult{ID: id, Topic: route.Topic, Err: err})
	}()
	return id, nil
}

// Disconnect unsubscribes and returns the session to the pool
func (a *Adapter) Disconnect(ctx context.Context) error {
	if !a.m.Teardown() {
		return nil
	}
	a.mu.Lock()
	lease, filters := a.lease, a.filters
	a.lease, a.filters = nil, nil
	a.mu.Unlock()

	if lease != nil {
		if len(filters) > 0 {
			if err := lease.Session().Unsubscribe(ctx, filters...); err != nil {
				a.log.Debug().Err(err).Msg("unsubscribe failed")
			}
		}
		lease.Release()
	}
	a.inbox.Close()
	a.m.Finish()
	return nil
}
