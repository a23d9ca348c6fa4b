package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/command"
)

// Message types (Backend → Controller)
const (
	MsgTypeCommand = "command"
	MsgTypeCancel  = "cancel_command"
	MsgTypePing    = "ping"
)

// Message types (Controller → Backend)
const (
	MsgTypeAck  = "ack"
	MsgTypePong = "pong"
)

// Message is the WebSocket envelope
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandPayload is a pushed command
type CommandPayload struct {
	ID          string          `json:"id,omitempty"`
	DeviceID    string          `json:"deviceId"`
	Kind        string          `json:"kind"`
	Parameters  *command.Params `json:"parameters,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxRetries  *int            `json:"maxRetries,omitempty"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
}

// Command converts the payload into a new queue command
func (p *CommandPayload) Command() *command.Command {
	c := &command.Command{
		ID:          p.ID,
		DeviceID:    p.DeviceID,
		Kind:        p.Kind,
		Parameters:  p.Parameters,
		Priority:    p.Priority,
		MaxRetries:  command.DefaultMaxRetries,
		ScheduledAt: p.ScheduledAt,
		ExpiresAt:   p.ExpiresAt,
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	return c
}

type cancelPayload struct {
	CommandID string `json:"commandId"`
}

// Handlers receive pushed work. A returned error is reported in the ack.
type Handlers struct {
	OnCommand func(ctx context.Context, c *command.Command) error
	OnCancel  func(ctx context.Context, id string) error
}

// Push keeps a WebSocket open to the backend and hands pushed commands to
// its handlers.
type Push struct {
	config   Config
	handlers Handlers
	log      zerolog.Logger

	sendChan  chan *Message
	connected atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn

	currentRetryDelay time.Duration
}

// NewPush creates the push channel. Zero timing fields take the defaults.
func NewPush(config Config, handlers Handlers, log zerolog.Logger) *Push {
	def := DefaultConfig()
	if config.PingInterval == 0 {
		config.PingInterval = def.PingInterval
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.InitialRetryDelay == 0 {
		config.InitialRetryDelay = def.InitialRetryDelay
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = def.MaxRetryDelay
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Push{
		config:            config,
		handlers:          handlers,
		log:               log.With().Str("component", "push").Logger(),
		sendChan:          make(chan *Message, 100),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// Connected reports whether the WebSocket is up
func (p *Push) Connected() bool { return p.connected.Load() }

// Run manages the WebSocket connection with exponential backoff until ctx
// is done.
func (p *Push) Run(ctx context.Context) {
	defer p.disconnect()

	for ctx.Err() == nil {
		if err := p.connect(ctx); err != nil {
			p.log.Warn().Err(err).Msg("failed to connect push channel")
			if !p.waitWithBackoff(ctx) {
				return
			}
			continue
		}

		p.currentRetryDelay = p.config.InitialRetryDelay
		p.runMessageLoops(ctx)
		p.disconnect()

		if ctx.Err() != nil {
			return
		}
		p.log.Info().Msg("push channel lost, reconnecting")
		if !p.waitWithBackoff(ctx) {
			return
		}
	}
}

// waitWithBackoff waits for the current retry delay with jitter. It
// returns false when ctx ended first.
func (p *Push) waitWithBackoff(ctx context.Context) bool {
	jitter := p.currentRetryDelay.Seconds() * p.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := p.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	p.currentRetryDelay = time.Duration(float64(p.currentRetryDelay) * p.config.BackoffMultiplier)
	if p.currentRetryDelay > p.config.MaxRetryDelay {
		p.currentRetryDelay = p.config.MaxRetryDelay
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Push) connect(ctx context.Context) error {
	u, err := url.Parse(p.config.WebSocketURL)
	if err != nil {
		return fmt.Errorf("websocket url: %w", err)
	}
	if p.config.ControllerID != "" {
		q := u.Query()
		q.Set("controller_id", p.config.ControllerID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if p.config.Token != "" {
		header.Set("Authorization", "Bearer "+p.config.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))
	})

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.connected.Store(true)

	p.log.Info().Str("url", p.config.WebSocketURL).Msg("push channel connected")
	return nil
}

func (p *Push) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.connected.Store(false)
}

func (p *Push) currentConn() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// runMessageLoops runs the read and write loops until either stops
func (p *Push) runMessageLoops(ctx context.Context) {
	conn := p.currentConn()
	if conn == nil {
		return
	}
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, conn, done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.writeLoop(ctx, conn, done)
		// unblock the reader
		conn.Close()
	}()

	wg.Wait()
}

func (p *Push) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Warn().Err(err).Msg("failed to parse message")
			continue
		}
		p.handleMessage(ctx, &msg)
	}
}

func (p *Push) writeLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(p.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-p.sendChan:
			data, err := json.Marshal(msg)
			if err != nil {
				p.log.Error().Err(err).Msg("failed to marshal message")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.log.Warn().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (p *Push) handleMessage(ctx context.Context, msg *Message) {
	switch msg.Type {
	case MsgTypeCommand:
		p.sendAck(msg.ID, p.handleCommand(ctx, msg.Payload))

	case MsgTypeCancel:
		p.sendAck(msg.ID, p.handleCancel(ctx, msg.Payload))

	case MsgTypePing:
		p.sendPong(msg.ID)

	default:
		p.log.Debug().Str("type", msg.Type).Msg("unknown message type")
	}
}

var errNoHandler = errors.New("no handler")

func (p *Push) handleCommand(ctx context.Context, raw json.RawMessage) error {
	if p.handlers.OnCommand == nil {
		return errNoHandler
	}
	var cp CommandPayload
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	c := cp.Command()
	if err := p.handlers.OnCommand(ctx, c); err != nil {
		p.log.Warn().Err(err).Str("device_id", c.DeviceID).Msg("pushed command refused")
		return err
	}
	p.log.Info().Str("device_id", c.DeviceID).Str("kind", c.Kind).Msg("pushed command accepted")
	return nil
}

func (p *Push) handleCancel(ctx context.Context, raw json.RawMessage) error {
	if p.handlers.OnCancel == nil {
		return errNoHandler
	}
	var cp cancelPayload
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("decode cancel: %w", err)
	}
	if cp.CommandID == "" {
		return errors.New("missing commandId")
	}
	return p.handlers.OnCancel(ctx, cp.CommandID)
}

func (p *Push) sendAck(messageID string, err error) {
	payload := map[string]any{
		"message_id": messageID,
		"success":    err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	p.queue(MsgTypeAck, payload)
}

func (p *Push) sendPong(pingID string) {
	p.queue(MsgTypePong, map[string]any{"ping_id": pingID})
}

func (p *Push) queue(typ string, payload any) {
	payloadBytes, _ := json.Marshal(payload)
	msg := &Message{
		Type:      typ,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payloadBytes,
	}
	select {
	case p.sendChan <- msg:
	default:
		p.log.Warn().Str("type", typ).Msg("send queue full, dropping message")
	}
}
