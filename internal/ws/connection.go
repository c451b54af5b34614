// Package ws is the client side of the WebSocket transport. A Conn carries
// JSON event envelopes in text frames, answers server control frames, and
// pings the server on an interval. It never reconnects on its own; a drop is
// reported once through Handlers.OnClose.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("ws: connection closed")

// Config holds transport tuning parameters.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Heartbeat    HeartbeatConfig
}

// DefaultConfig returns sensible defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		Heartbeat:    DefaultHeartbeatConfig(),
	}
}

// Handlers receive inbound traffic. Both are called from the read goroutine,
// so events are delivered one at a time in arrival order.
type Handlers struct {
	OnEvent func(msgType string, data json.RawMessage)
	OnClose func(err error)
}

// Conn is one open WebSocket connection to the chat server.
type Conn struct {
	conn    net.Conn
	src     io.Reader // buffered handshake leftovers, then conn
	cfg     Config
	writeMu sync.Mutex // serializes frames written to conn

	mu       sync.Mutex
	handlers Handlers

	done      chan struct{}
	closeOnce sync.Once
}

// AuthHeader returns the handshake header carrying token, or nil when token
// is empty.
func AuthHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

// IsUnauthorized reports whether err is a handshake rejected with 401.
func IsUnauthorized(err error) bool {
	var se ws.StatusError
	return errors.As(err, &se) && int(se) == http.StatusUnauthorized
}

// Dial opens a connection to cfg.URL, presenting token in the handshake, and
// starts the read and heartbeat goroutines.
func Dial(ctx context.Context, cfg Config, token string, h Handlers) (*Conn, error) {
	d := ws.Dialer{Timeout: cfg.DialTimeout}
	if hdr := AuthHeader(token); hdr != nil {
		d.Header = ws.HandshakeHeaderHTTP(hdr)
	}

	start := time.Now()
	conn, br, _, err := d.Dial(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", cfg.URL, err)
	}
	metrics.DialLatency.Observe(time.Since(start).Seconds())

	c := &Conn{
		conn:     conn,
		src:      conn,
		cfg:      cfg,
		handlers: h,
		done:     make(chan struct{}),
	}
	if br != nil && br.Buffered() > 0 {
		c.src = io.MultiReader(br, conn)
	} else if br != nil {
		ws.PutReader(br)
	}

	go c.readLoop()
	if cfg.Heartbeat.Interval > 0 {
		go c.heartbeat(cfg.Heartbeat)
	}
	return c, nil
}

// Send encodes an event envelope and writes it as one text frame. It is
// goroutine-safe.
func (c *Conn) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.write(ws.OpText, data)
}

func (c *Conn) write(op ws.OpCode, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := wsutil.WriteClientMessage(c.conn, op, data); err != nil {
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

// Detach drops the handlers. Frames already being handled finish, and no
// further callbacks run.
func (c *Conn) Detach() {
	c.mu.Lock()
	c.handlers = Handlers{}
	c.mu.Unlock()
}

// Close detaches the handlers and closes the connection. It is safe to call
// multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Detach()
		close(c.done)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// Done is closed when Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) currentHandlers() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// readLoop reads frames until the connection fails, dispatching each text
// frame's envelope to OnEvent.
func (c *Conn) readLoop() {
	control := wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)
	lockedControl := func(hdr ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return control(hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: lockedControl,
	}

	for {
		data, err := c.nextText(rd, lockedControl)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not report.
				return
			default:
			}
			c.fail(err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[ws] dropping malformed frame: %v", err)
			continue
		}
		if h := c.currentHandlers(); h.OnEvent != nil {
			h.OnEvent(env.Type, env.Data)
		}
	}
}

func (c *Conn) nextText(rd *wsutil.Reader, control wsutil.FrameHandlerFunc) ([]byte, error) {
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// fail closes the connection after a read or write error and reports it once.
func (c *Conn) fail(err error) {
	var h Handlers
	c.closeOnce.Do(func() {
		h = c.currentHandlers()
		c.Detach()
		close(c.done)
		c.conn.Close()
	})
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// Dialer adapts Dial to callers that hold a fixed Config.
type Dialer struct {
	Config Config
}

// Dial opens a connection with d.Config.
func (d Dialer) Dial(ctx context.Context, token string, h Handlers) (*Conn, error) {
	return Dial(ctx, d.Config, token, h)
}
