package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type BridgeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Subject        string        `mapstructure:"subject"`
	Token          string        `mapstructure:"token"`
	ConnectionName string        `mapstructure:"connection_name"`
	MaxReconnect   int           `mapstructure:"max_reconnect"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

const defaultSubject = "silofleet.events"

// Bridge relays hub events through a NATS subject so that every server
// instance delivers the same stream to its own subscribers.
type Bridge struct {
	hub        *Hub
	subject    string
	instanceID string

	conn *nats.Conn
	sub  *nats.Subscription
}

func NewBridge(hub *Hub, subject string) *Bridge {
	if subject == "" {
		subject = defaultSubject
	}
	return &Bridge{
		hub:        hub,
		subject:    subject,
		instanceID: uuid.NewString(),
	}
}

func (b *Bridge) InstanceID() string {
	return b.instanceID
}

// Connect dials NATS, subscribes to the subject and starts forwarding
// local events.
func (b *Bridge) Connect(cfg BridgeConfig) error {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Warn("NATS connection closed")
		}),
	}
	if cfg.MaxReconnect != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnect))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := conn.Subscribe(b.subject, b.handleMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}

	b.conn = conn
	b.sub = sub
	b.hub.Forward(b.forward)

	slog.Info("Event bridge connected", "url", conn.ConnectedUrl(), "subject", b.subject, "instance_id", b.instanceID)
	return nil
}

func (b *Bridge) forward(e Event) {
	if b.conn == nil || e.Origin != "" {
		return
	}
	e.Origin = b.instanceID
	data, err := b.encode(e)
	if err != nil {
		slog.Error("Failed to encode event for bridge", "type", e.Type, "error", err)
		return
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		slog.Warn("Failed to publish event to NATS", "type", e.Type, "error", err)
	}
}

func (b *Bridge) encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func (b *Bridge) handleMsg(msg *nats.Msg) {
	var e Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		slog.Warn("Dropping malformed bridged event", "subject", msg.Subject, "error", err)
		return
	}
	if e.Origin == b.instanceID {
		return
	}
	b.hub.PublishRemote(e)
}

func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
