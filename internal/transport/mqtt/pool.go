package mqtt

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Pool shares one broker session between every device adapter that
// talks to the same broker identity.
type Pool struct {
	dial Dialer
	log  zerolog.Logger

	mu    sync.Mutex
	conns map[string]*pooled
}

type pooled struct {
	session   Session
	ready     chan struct{}
	err       error
	refs      int
	dead      bool
	listeners map[int]func(error)
	nextID    int
}

// NewPool creates a pool using dial for new sessions
func NewPool(dial Dialer, log zerolog.Logger) *Pool {
	if dial == nil {
		dial = DialPaho
	}
	return &Pool{
		dial:  dial,
		log:   log.With().Str("component", "mqtt-pool").Logger(),
		conns: make(map[string]*pooled),
	}
}

// Lease is one adapter's reference to a pooled session
type Lease struct {
	pool     *Pool
	key      string
	pc       *pooled
	id       int
	released bool
}

// Acquire returns a lease on the session for cfg, connecting it first if
// nobody holds one.
func (p *Pool) Acquire(ctx context.Context, cfg BrokerConfig) (*Lease, error) {
	key := cfg.Key()
	for {
		p.mu.Lock()
		pc, ok := p.conns[key]
		if !ok {
			pc = &pooled{ready: make(chan struct{}), listeners: make(map[int]func(error))}
			owner := pc
			pc.session = p.dial(cfg, func(err error) { p.lost(key, owner, err) })
			p.conns[key] = pc
			p.mu.Unlock()

			err := pc.session.Connect(ctx)

			p.mu.Lock()
			pc.err = err
			if err != nil && p.conns[key] == pc {
				delete(p.conns, key)
			}
			close(pc.ready)
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.log.Info().Str("broker", cfg.URL).Msg("broker session established")
		} else {
			p.mu.Unlock()
			select {
			case <-pc.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			p.mu.Lock()
			if pc.err != nil {
				p.mu.Unlock()
				return nil, pc.err
			}
			if pc.dead {
				p.mu.Unlock()
				continue
			}
		}

		pc.refs++
		id := pc.nextID
		pc.nextID++
		p.mu.Unlock()
		return &Lease{pool: p, key: key, pc: pc, id: id}, nil
	}
}

// Sessions returns the number of live pooled sessions
func (p *Pool) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) lost(key string, pc *pooled, err error) {
	p.mu.Lock()
	pc.dead = true
	if p.conns[key] == pc {
		delete(p.conns, key)
	}
	listeners := make([]func(error), 0, len(pc.listeners))
	for _, fn := range pc.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	p.log.Warn().Err(err).Int("adapters", len(listeners)).Msg("broker connection lost")
	for _, fn := range listeners {
		fn(err)
	}
}

// Session returns the shared session
func (l *Lease) Session() Session { return l.pc.session }

// OnLost registers fn to run when the shared connection drops
func (l *Lease) OnLost(fn func(error)) {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.pc.listeners[l.id] = fn
}

// Release drops the lease. The last lease disconnects the session.
func (l *Lease) Release() {
	p := l.pool
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return
	}
	l.released = true
	delete(l.pc.listeners, l.id)
	l.pc.refs--
	last := l.pc.refs == 0
	if last && p.conns[l.key] == l.pc {
		delete(p.conns, l.key)
	}
	dead := l.pc.dead
	p.mu.Unlock()

	if last && !dead {
		l.pc.session.Disconnect()
	}
}
