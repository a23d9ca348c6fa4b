package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// BrokerConfig identifies and configures one broker connection
type BrokerConfig struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Key is the broker identity used for pooling
func (c BrokerConfig) Key() string {
	return c.URL + "|" + c.ClientID + "|" + c.Username
}

// Session is the slice of an MQTT client the adapter needs
type Session interface {
	Connect(ctx context.Context) error
	// Publish starts a publish and returns a channel that receives its
	// delivery result once.
	Publish(topic string, qos byte, retain bool, payload []byte) <-chan error
	Subscribe(ctx context.Context, filter string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(ctx context.Context, filters ...string) error
	Disconnect()
}

// Dialer creates a session for cfg. onLost must be called when an
// established connection drops.
type Dialer func(cfg BrokerConfig, onLost func(error)) Session

type pahoSession struct {
	client paho.Client
}

// DialPaho is the production Dialer backed by the Eclipse Paho client
func DialPaho(cfg BrokerConfig, onLost func(error)) Session {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "agsys-edge-" + uuid.NewString()[:8]
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetCleanSession(cfg.CleanSession).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			if onLost != nil {
				onLost(err)
			}
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return &pahoSession{client: paho.NewClient(opts)}
}

func (s *pahoSession) Connect(ctx context.Context) error {
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *pahoSession) Publish(topic string, qos byte, retain bool, payload []byte) <-chan error {
	tok := s.client.Publish(topic, qos, retain, payload)
	out := make(chan error, 1)
	go func() {
		<-tok.Done()
		out <- tok.Error()
	}()
	return out
}

func (s *pahoSession) Subscribe(ctx context.Context, filter string, qos byte,
	handler func(topic string, payload []byte)) error {
	tok := s.client.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	return waitToken(ctx, tok)
}

func (s *pahoSession) Unsubscribe(ctx context.Context, filters ...string) error {
	return waitToken(ctx, s.client.Unsubscribe(filters...))
}

func (s *pahoSession) Disconnect() {
	s.client.Disconnect(250)
}

func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
