// Package messaging bridges the sync client to NATS. Store change notices are
// published as JSON so UIs in other processes can render them, and UI
// commands arrive on a command subject.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject suffixes under the bridge prefix.
const (
	SubjectCommands = "cmd" // + prefix: <prefix>.cmd
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	Prefix        string        // subject prefix, one per client instance
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "whisper-sync",
		Prefix:        "whisper",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Command is a UI action delivered over NATS, e.g. {"name":"open","args":["friend","c1"]}.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// CommandReply answers a command sent with a reply subject.
type CommandReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Bridge publishes change notices to NATS and receives commands from it. It
// implements observe.Publisher.
type Bridge struct {
	conn   *nats.Conn
	prefix string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NewBridge connects to NATS with the given config and returns a ready
// bridge. It returns an error if the initial connection fails.
func NewBridge(config NATSConfig) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultNATSConfig().Prefix
	}
	return &Bridge{
		conn:   nc,
		prefix: prefix,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Subject returns the full NATS subject for a notice subject.
func (b *Bridge) Subject(subject string) string {
	return b.prefix + "." + subject
}

// Publish implements observe.Publisher. Payloads are JSON-encoded; encode and
// publish failures are logged and dropped.
func (b *Bridge) Publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[nats] encode %s notice: %v", subject, err)
		return
	}
	if err := b.conn.Publish(b.Subject(subject), data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// SubscribeCommands delivers every command published on <prefix>.cmd to
// handler. When the sender set a reply subject, the handler's error is sent
// back as a CommandReply.
func (b *Bridge) SubscribeCommands(handler func(Command) error) error {
	subject := b.Subject(SubjectCommands)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var cmd Command
		var herr error
		if err := json.Unmarshal(msg.Data, &cmd); err != nil || cmd.Name == "" {
			herr = fmt.Errorf("messaging: malformed command")
			log.Printf("[nats] %v: %q", herr, msg.Data)
		} else {
			herr = handler(cmd)
		}

		if msg.Reply == "" {
			return
		}
		reply := CommandReply{OK: herr == nil}
		if herr != nil {
			reply.Error = herr.Error()
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			log.Printf("[nats] reply to %s: %v", cmd.Name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("messaging: nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	if old, ok := b.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	b.subs[subject] = sub
	b.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] bridge closed")
}
