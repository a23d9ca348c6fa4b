package transport

import (
	"sync"
	"time"

	"github.com/agsys/edge-sync/internal/observe"
)

// InboxBuffer is the per-subscriber frame buffer
const InboxBuffer = 64

// Inbox is the inbound frame stream of one session. Each Receive call
// gets its own subscription; ending the session closes them all.
type Inbox struct {
	mu  sync.Mutex
	hub *observe.Hub[Frame]
}

// Open starts a fresh stream for a new session
func (i *Inbox) Open() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.hub != nil {
		i.hub.Close()
	}
	i.hub = observe.NewHub[Frame]()
}

// Close ends the current stream
func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.hub != nil {
		i.hub.Close()
	}
}

// Receive subscribes to the current stream. Without an open session the
// returned channel is already closed.
func (i *Inbox) Receive() <-chan Frame {
	ch, _ := i.Subscribe(InboxBuffer)
	return ch
}

// Subscribe is Receive with an explicit buffer and a cancel func for
// short-lived consumers.
func (i *Inbox) Subscribe(buf int) (<-chan Frame, func()) {
	i.mu.Lock()
	hub := i.hub
	i.mu.Unlock()
	if hub == nil {
		ch := make(chan Frame)
		close(ch)
		return ch, func() {}
	}
	return hub.Subscribe(buf)
}

// Publish delivers a frame to the current stream's subscribers
func (i *Inbox) Publish(source string, payload []byte) {
	i.mu.Lock()
	hub := i.hub
	i.mu.Unlock()
	if hub == nil {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	hub.Publish(Frame{Source: source, Payload: buf, ReceivedAt: time.Now()})
}
