// Package connection owns the single live connection to the chat server: it
// opens it with the stored credential, authenticates, and recovers from
// drops with one fixed-delay retry timer. It is the only retry mechanism;
// the transport never reconnects on its own.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/credential"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/observe"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/ws"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateReconnecting),
}

// ErrUnauthorized is reported to OnUnauthorized when the server rejects the
// credential.
var ErrUnauthorized = errors.New("connection: unauthorized")

// Transport is an open connection as seen by the Manager.
type Transport interface {
	Send(msgType string, payload interface{}) error
	Close() error
}

// DialFunc opens a transport presenting token. The handlers must not be
// invoked after Close returns.
type DialFunc func(ctx context.Context, token string, h ws.Handlers) (Transport, error)

// WSDialer returns a DialFunc backed by the WebSocket transport.
func WSDialer(cfg ws.Config) DialFunc {
	return func(ctx context.Context, token string, h ws.Handlers) (Transport, error) {
		conn, err := ws.Dial(ctx, cfg, token, h)
		if err != nil {
			if ws.IsUnauthorized(err) {
				return nil, errors.Join(ErrUnauthorized, err)
			}
			return nil, err
		}
		return conn, nil
	}
}

// Identity is the local user the connection acts for.
type Identity interface {
	ID() string
	Username() string
}

// Config holds reconnection tuning parameters.
type Config struct {
	ReconnectDelay time.Duration // fixed delay before each retry (default: 5s)
	MaxAttempts    int           // attempt counter cap (default: 5)
	DialTimeout    time.Duration // per-dial deadline (default: 20s)
}

// DefaultConfig returns the standard reconnection policy.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 5 * time.Second,
		MaxAttempts:    5,
		DialTimeout:    20 * time.Second,
	}
}

// Hooks are called by the Manager. OnEvent runs on the transport's read
// goroutine; the others run on whichever goroutine observed the change.
type Hooks struct {
	OnEvent        func(msgType string, data json.RawMessage)
	OnConnect      func()
	OnUnauthorized func()
}

// Status is published on observe.SubjectConnection after every change.
type Status struct {
	State    State `json:"state"`
	Attempts int   `json:"attempts"`
}

// Options configures a Manager.
type Options struct {
	Config       Config
	Dial         DialFunc
	Credentials  credential.Store   // purged on authorization errors; may be nil
	Fingerprints *chat.Fingerprints // sent-message registry; may be nil
	Publisher    observe.Publisher
}

// Manager owns the connection. Construct one per process and inject it
// where outbound events are needed.
type Manager struct {
	cfg   Config
	dial  DialFunc
	creds credential.Store
	fps   *chat.Fingerprints
	pub   observe.Publisher
	now   func() time.Time

	mu         sync.Mutex
	hooks      Hooks
	state      State
	attempts   int
	token      string
	identity   Identity
	transport  Transport
	gen        uint64 // bumped whenever the current connection is abandoned
	dropped    bool   // a close was already reported for gen
	timer      *time.Timer
	authFailed bool
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	fps := opts.Fingerprints
	if fps == nil {
		fps = chat.NewFingerprints(0)
	}

	m := &Manager{
		cfg:   cfg,
		dial:  opts.Dial,
		creds: opts.Credentials,
		fps:   fps,
		pub:   observe.OrNop(opts.Publisher),
		now:   time.Now,
		state: StateDisconnected,
	}
	metrics.SetConnectionState(string(StateDisconnected), allStates)
	return m
}

// SetHooks replaces the hooks. Call it before Initialize.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// Fingerprints returns the sent-message registry.
func (m *Manager) Fingerprints() *chat.Fingerprints { return m.fps }

// Initialize opens a connection for token acting as id. It does nothing when
// either is missing. Any existing connection is torn down first.
func (m *Manager) Initialize(token string, id Identity) {
	if token == "" || id == nil || id.Username() == "" {
		log.Printf("[conn] initialize skipped: credential or identity missing")
		return
	}

	m.mu.Lock()
	m.abandonLocked()
	m.token = token
	m.identity = id
	m.authFailed = false
	gen := m.gen
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.connect(gen, token)
}

// connect dials for generation gen and installs the transport if gen is
// still current.
func (m *Manager) connect(gen uint64, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()

	t, err := m.dial(ctx, token, ws.Handlers{
		OnEvent: func(msgType string, data json.RawMessage) { m.onEvent(gen, msgType, data) },
		OnClose: func(err error) { m.onClose(gen, err) },
	})

	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.onUnauthorized(gen, err)
			return
		}
		log.Printf("[conn] dial failed: %v", err)
		m.onClose(gen, err)
		return
	}

	// The handshake goes out before any outbound operation can see the
	// transport. A socket that cannot take it is treated as dropped.
	if err := t.Send(protocol.TypeAuthenticate, token); err != nil {
		log.Printf("[conn] authenticate send failed: %v", err)
		t.Close()
		m.onClose(gen, err)
		return
	}

	// The read loop may have reported the close before Dial returned.
	m.mu.Lock()
	if gen != m.gen || m.dropped {
		m.mu.Unlock()
		t.Close()
		return
	}
	m.transport = t
	m.attempts = 0
	m.setStateLocked(StateConnected)
	onConnect := m.hooks.OnConnect
	m.mu.Unlock()

	log.Printf("[conn] connected")
	if onConnect != nil {
		onConnect()
	}
}

func (m *Manager) onEvent(gen uint64, msgType string, data json.RawMessage) {
	m.mu.Lock()
	current := gen == m.gen
	handler := m.hooks.OnEvent
	m.mu.Unlock()
	if !current {
		return
	}

	if msgType == protocol.TypeError {
		if msg, err := protocol.DecodeServerPayload(msgType, data); err == nil {
			if e, ok := msg.(protocol.ErrorMsg); ok && e.Code == protocol.ErrorCodeUnauthorized {
				m.onUnauthorized(gen, ErrUnauthorized)
			}
		}
	}

	if handler != nil {
		handler(msgType, data)
	}
}

// onClose handles a drop or failed dial: the state goes to Disconnected and
// the single retry timer is armed. Only the first report per generation
// counts.
func (m *Manager) onClose(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.authFailed || m.dropped {
		return
	}
	m.dropped = true
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	log.Printf("[conn] disconnected: %v", err)
	m.setStateLocked(StateDisconnected)

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() { m.retry(gen) })
}

// retry runs when the retry timer fires for generation gen.
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateDisconnected || m.authFailed {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.attempts < m.cfg.MaxAttempts {
		m.attempts++
	}
	m.gen++
	m.dropped = false
	next := m.gen
	token := m.token
	log.Printf("[conn] reconnecting (attempt %d/%d)", m.attempts, m.cfg.MaxAttempts)
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	go m.connect(next, token)
}

// onUnauthorized purges the credential and stops all reconnection.
func (m *Manager) onUnauthorized(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.authFailed {
		m.mu.Unlock()
		return
	}
	m.authFailed = true
	m.abandonLocked()
	m.token = ""
	m.setStateLocked(StateDisconnected)
	hook := m.hooks.OnUnauthorized
	creds := m.creds
	m.mu.Unlock()

	log.Printf("[conn] credential rejected: %v", err)
	if creds != nil {
		if err := creds.Clear(context.Background()); err != nil {
			log.Printf("[conn] failed to purge credential: %v", err)
		}
	}
	if hook != nil {
		hook()
	}
}

// Teardown detaches and closes the connection and stops the retry timer. It
// is idempotent. Initialize may be called again afterwards.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.abandonLocked()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// Close tears down and stops the fingerprint timers.
func (m *Manager) Close() {
	m.Teardown()
	m.fps.Close()
}

// abandonLocked invalidates every callback of the current connection.
func (m *Manager) abandonLocked() {
	m.gen++
	m.dropped = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	changed := m.state != s
	m.state = s
	metrics.SetConnectionState(string(s), allStates)
	metrics.ReconnectAttempts.Set(float64(m.attempts))
	if changed {
		m.pub.Publish(observe.SubjectConnection, Status{State: s, Attempts: m.attempts})
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is up.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// ReconnectionAttempts returns the attempt counter. It resets on a
// successful connect and saturates at the configured cap.
func (m *Manager) ReconnectionAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Unauthorized reports whether the last credential was rejected.
func (m *Manager) Unauthorized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authFailed
}
