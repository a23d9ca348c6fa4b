// Package serial implements the USB-serial device adapter: a byte stream
// with a reader loop and a line-oriented request/response helper.
package serial

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	bugst "go.bug.st/serial"

	"github.com/agsys/edge-sync/internal/transport"
)

const (
	DefaultBaudRate       = 115200
	DefaultRequestTimeout = 5 * time.Second
	readTimeout           = 500 * time.Millisecond
)

// DefaultTerminators end an AT-style exchange
var DefaultTerminators = []string{"OK", "ERROR"}

// Port is an open serial port
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a port by name
type Opener func(name string, baud int) (Port, error)

// OpenPort opens a real serial device
func OpenPort(name string, baud int) (Port, error) {
	p, err := bugst.Open(name, &bugst.Mode{BaudRate: baud})
	if err != nil {
		var pe *bugst.PortError
		if errors.As(err, &pe) {
			switch pe.Code() {
			case bugst.PermissionDenied:
				return nil, transport.Wrap(transport.ErrPermissionDenied, "open "+name, err)
			case bugst.PortNotFound:
				return nil, transport.Wrap(transport.ErrNotConnected, "open "+name, err)
			case bugst.PortBusy:
				return nil, transport.Wrap(transport.ErrRejected, "open "+name, err)
			}
		}
		return nil, transport.Classify("open "+name, err)
	}
	return p, nil
}

// Config wires the platform pieces. Nil fields use the real device.
type Config struct {
	Open   Opener
	Access func(path string) error
}

// Adapter is one device's serial connection
type Adapter struct {
	open   Opener
	access func(string) error
	log    zerolog.Logger

	m     *transport.Machine
	inbox transport.Inbox

	mu   sync.Mutex
	sess *session
}

type session struct {
	port     Port
	name     string
	done     chan struct{}
	stopping atomic.Bool
}

// New creates a serial adapter
func New(cfg Config, log zerolog.Logger) *Adapter {
	if cfg.Open == nil {
		cfg.Open = OpenPort
	}
	if cfg.Access == nil {
		cfg.Access = CheckAccess
	}
	return &Adapter{
		open:   cfg.Open,
		access: cfg.Access,
		log:    log.With().Str("protocol", "serial").Logger(),
		m:      transport.NewMachine(),
	}
}

func (a *Adapter) Protocol() transport.Protocol { return transport.ProtocolSerial }

func (a *Adapter) State() transport.State { return a.m.State() }

func (a *Adapter) Watch(buf int) (<-chan transport.State, func()) { return a.m.Watch(buf) }

func (a *Adapter) Receive() <-chan transport.Frame { return a.inbox.Receive() }

// Connect opens the port at address (a device path) and starts reading
func (a *Adapter) Connect(ctx context.Context, address string, opts transport.Options) error {
	if err := a.m.Begin(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		a.m.Fail()
		return transport.Classify("connect", err)
	}
	if err := a.access(address); err != nil {
		a.m.Fail()
		return err
	}

	baud := opts.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := a.open(address, baud)
	if err != nil {
		a.m.Fail()
		return transport.Classify("open "+address, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		a.m.Fail()
		return transport.Classify("configure "+address, err)
	}

	s := &session{port: port, name: address, done: make(chan struct{})}
	a.mu.Lock()
	a.sess = s
	a.mu.Unlock()

	a.inbox.Open()
	go a.readLoop(s)

	if err := a.m.To(transport.StateConnected); err != nil {
		return transport.Errorf(transport.ErrNotConnected, "port closed during connect")
	}
	a.log.Debug().Str("port", address).Int("baud", baud).Msg("port open")
	return nil
}

func (a *Adapter) readLoop(s *session) {
	defer close(s.done)
	buf := make([]byte, 512)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			a.inbox.Publish(s.name, buf[:n])
		}
		if err != nil {
			if s.stopping.Load() {
				return
			}
			a.log.Warn().Err(err).Str("port", s.name).Msg("read failed, closing port")
			s.port.Close()
			a.mu.Lock()
			if a.sess == s {
				a.sess = nil
			}
			a.mu.Unlock()
			a.inbox.Close()
			a.m.Fail()
			return
		}
	}
}

// Send writes payload to the port as-is
func (a *Adapter) Send(ctx context.Context, payload []byte, _ transport.Route) error {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	if s == nil || !a.m.Ready() {
		return transport.Errorf(transport.ErrNotConnected, "serial %s", a.m.State())
	}
	if err := ctx.Err(); err != nil {
		return transport.Classify("write", err)
	}
	if _, err := s.port.Write(payload); err != nil {
		return transport.Classify("write "+s.name, err)
	}
	return nil
}

// Request writes payload and collects the response up to a terminator
// line. A line starting with "ERROR" yields ErrRejected along with the
// text received before it.
func (a *Adapter) Request(ctx context.Context, payload []byte, route transport.Route) ([]byte, error) {
	terms := route.Terminators
	if len(terms) == 0 {
		terms = DefaultTerminators
	}
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	frames, cancel := a.inbox.Subscribe(transport.InboxBuffer)
	defer cancel()

	if err := a.Send(ctx, payload, route); err != nil {
		return nil, err
	}

	ctx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	var acc strings.Builder
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return nil, transport.Errorf(transport.ErrNotConnected, "port closed awaiting response")
			}
			acc.Write(f.Payload)
			resp, term, done := scanTerminator(acc.String(), terms)
			if !done {
				continue
			}
			if strings.HasPrefix(term, "ERROR") {
				return []byte(resp), transport.Errorf(transport.ErrRejected, "device answered %s", term)
			}
			return []byte(resp), nil
		case <-ctx.Done():
			return []byte(acc.String()), transport.Wrap(transport.ErrTimeout, "awaiting response", ctx.Err())
		}
	}
}

// Exchange sends an AT-style command line and returns the response text
func (a *Adapter) Exchange(ctx context.Context, line string, timeout time.Duration) (string, error) {
	resp, err := a.Request(ctx, []byte(line+"\r\n"), transport.Route{Timeout: timeout})
	return string(resp), err
}

// scanTerminator looks for a complete line equal to one of terms and
// returns the lines before it.
func scanTerminator(text string, terms []string) (resp, term string, ok bool) {
	lines := strings.Split(text, "\n")
	// the last element is an unterminated line unless text ends in \n
	complete := lines[:len(lines)-1]
	var body []string
	for _, raw := range complete {
		line := strings.TrimSpace(raw)
		for _, t := range terms {
			if line == t || (t == "ERROR" && strings.HasPrefix(line, "ERROR")) {
				return strings.Join(body, "\n"), line, true
			}
		}
		if line != "" {
			body = append(body, line)
		}
	}
	return "", "", false
}

// Disconnect stops the reader and closes the port
func (a *Adapter) Disconnect(ctx context.Context) error {
	if !a.m.Teardown() {
		return nil
	}
	a.mu.Lock()
	s := a.sess
	a.sess = nil
	a.mu.Unlock()

	var err error
	if s != nil {
		s.stopping.Store(true)
		err = s.port.Close()
		select {
		case <-s.done:
		case <-ctx.Done():
			a.log.Warn().Str("port", s.name).Msg("reader did not stop before deadline")
		}
	}
	a.inbox.Close()
	a.m.Finish()
	return err
}
