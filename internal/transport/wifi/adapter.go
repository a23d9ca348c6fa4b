// Package wifi implements the WiFi/HTTP device adapter. There is no held
// socket: connect is a reachability probe and every send is one request.
package wifi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/transport"
)

const (
	DefaultProbePath     = "/ping"
	DefaultCommandPath   = "/command"
	DefaultProbeInterval = 30 * time.Second
	defaultTimeout       = 10 * time.Second
	maxResponseBody      = 1 << 20
)

// Adapter is one device's HTTP endpoint
type Adapter struct {
	client *http.Client
	log    zerolog.Logger

	m     *transport.Machine
	inbox transport.Inbox

	mu          sync.Mutex
	base        string
	probePath   string
	commandPath string
	stop        chan struct{}
	done        chan struct{}
}

// New creates a WiFi adapter. A nil client gets one with keep-alives
// disabled so no connection outlives a request.
func New(client *http.Client, log zerolog.Logger) *Adapter {
	if client == nil {
		client = &http.Client{
			Timeout:   defaultTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		}
	}
	return &Adapter{
		client: client,
		log:    log.With().Str("protocol", "wifi").Logger(),
		m:      transport.NewMachine(),
	}
}

func (a *Adapter) Protocol() transport.Protocol { return transport.ProtocolWiFi }

func (a *Adapter) State() transport.State { return a.m.State() }

func (a *Adapter) Watch(buf int) (<-chan transport.State, func()) { return a.m.Watch(buf) }

func (a *Adapter) Receive() <-chan transport.Frame { return a.inbox.Receive() }

// Connect probes the device at address (host:port or base URL) and starts
// periodic reachability probes.
func (a *Adapter) Connect(ctx context.Context, address string, opts transport.Options) error {
	if err := a.m.Begin(); err != nil {
		return err
	}
	a.stopProbes(ctx)

	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")

	probePath := opts.ProbePath
	if probePath == "" {
		probePath = DefaultProbePath
	}
	commandPath := opts.CommandPath
	if commandPath == "" {
		commandPath = DefaultCommandPath
	}
	interval := opts.ProbeInterval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	if err := a.probe(ctx, base+probePath); err != nil {
		a.m.Fail()
		return err
	}

	a.mu.Lock()
	a.base = base
	a.probePath = probePath
	a.commandPath = commandPath
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	stop, done := a.stop, a.done
	a.mu.Unlock()

	a.inbox.Open()
	if err := a.m.To(transport.StateConnected); err != nil {
		return err
	}
	go a.probeLoop(base+probePath, interval, stop, done)
	a.log.Debug().Str("address", base).Msg("reachable")
	return nil
}

// probeLoop keeps checking reachability while connected. A failed probe
// ends the session; only a new Connect starts another, so whoever owns the
// adapter sees the loss and reattaches to the new receive stream.
func (a *Adapter) probeLoop(url string, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if a.m.State() != transport.StateConnected {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		err := a.probe(ctx, url)
		cancel()
		if err == nil {
			continue
		}
		select {
		case <-stop:
			return
		default:
		}
		a.log.Warn().Err(err).Str("url", url).Msg("device unreachable")
		a.inbox.Close()
		a.m.Fail()
		return
	}
}

func (a *Adapter) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return transport.Wrap(transport.ErrRejected, "probe", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return transport.Classify("probe "+url, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return transport.Errorf(transport.ErrNotConnected, "probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// Send issues one request carrying payload
func (a *Adapter) Send(ctx context.Context, payload []byte, route transport.Route) error {
	_, err := a.Request(ctx, payload, route)
	return err
}

// Request issues one request and returns the response body. The body is
// also published on the receive stream.
func (a *Adapter) Request(ctx context.Context, payload []byte, route transport.Route) ([]byte, error) {
	a.mu.Lock()
	base, commandPath := a.base, a.commandPath
	a.mu.Unlock()
	if !a.m.Ready() {
		return nil, transport.Errorf(transport.ErrNotConnected, "wifi %s", a.m.State())
	}

	path := route.Path
	if path == "" {
		path = commandPath
	}
	method := route.Method
	if method == "" {
		method = http.MethodPost
	}
	if route.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, route.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, transport.Wrap(transport.ErrRejected, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transport.Classify(method+" "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, transport.Classify("read response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(body) > 0 {
			a.inbox.Publish(path, body)
		}
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return body, transport.Errorf(transport.ErrPermissionDenied, "%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return body, transport.Errorf(transport.ErrTimeout, "%s %s: status %d", method, path, resp.StatusCode)
	default:
		return body, transport.Errorf(transport.ErrRejected, "%s %s: %s", method, path, statusText(resp.StatusCode, body))
	}
}

func statusText(code int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Sprintf("status %d", code)
	}
	return fmt.Sprintf("status %d: %s", code, msg)
}

// Disconnect stops probing
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.stopProbes(ctx)
	if a.m.Teardown() {
		a.m.Finish()
	}
	a.inbox.Close()
	return nil
}

func (a *Adapter) stopProbes(ctx context.Context) {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
	}
}
