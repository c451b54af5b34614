package connection

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/credential"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/ws"
)

type identity struct{ id, username string }

func (i identity) ID() string       { return i.id }
func (i identity) Username() string { return i.username }

var alice = identity{id: "u1", username: "alice"}

type sentEvent struct {
	Type    string
	Payload interface{}
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers ws.Handlers
	sent     []sentEvent
	closed   bool
}

func (f *fakeTransport) Send(msgType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ws.ErrClosed
	}
	f.sent = append(f.sent, sentEvent{msgType, payload})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer records dials and either fails them with err or hands out a
// new fakeTransport. The first closeEarly transports report their close
// through the handlers before Dial returns, like a server that hangs up
// right after the upgrade.
type fakeDialer struct {
	mu         sync.Mutex
	err        error
	closeEarly int
	dials      int
	transports []*fakeTransport
	tokens     []string
}

func (d *fakeDialer) Dial(_ context.Context, token string, h ws.Handlers) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	t := &fakeTransport{handlers: h}
	d.transports = append(d.transports, t)
	early := d.closeEarly > 0
	if early {
		d.closeEarly--
	}
	d.mu.Unlock()

	if early {
		t.Close()
		h.OnClose(errors.New("EOF"))
	}
	return t, nil
}

func (d *fakeDialer) Transports() []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTransport(nil), d.transports...)
}

func (d *fakeDialer) SetErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func newTestManager(t *testing.T, d *fakeDialer, creds credential.Store) *Manager {
	t.Helper()
	m := NewManager(Options{
		Config:      Config{ReconnectDelay: 5 * time.Millisecond, MaxAttempts: 5, DialTimeout: time.Second},
		Dial:        d.Dial,
		Credentials: creds,
	})
	t.Cleanup(m.Close)
	return m
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, m.IsConnected, 2*time.Second, time.Millisecond)
}

func TestNoCredentialStaysDisconnected(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	m.Initialize("", alice)
	m.Initialize("tok", identity{id: "u1"})
	m.Initialize("tok", nil)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, d.Dials())
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())
}

func TestConnectAuthenticates(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	connected := make(chan struct{}, 1)
	m.SetHooks(Hooks{OnConnect: func() { connected <- struct{}{} }})
	m.Initialize("tok", alice)
	waitConnected(t, m)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect not called")
	}

	sent := d.Last().Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, sentEvent{protocol.TypeAuthenticate, "tok"}, sent[0])
	assert.Equal(t, 0, m.ReconnectionAttempts())
}

func TestFiveFailedCyclesSaturate(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m := newTestManager(t, d, nil)

	m.Initialize("tok", alice)
	require.Eventually(t, func() bool { return d.Dials() >= 8 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, 5, m.ReconnectionAttempts())
	assert.False(t, m.IsConnected())

	d.SetErr(nil)
	waitConnected(t, m)
	assert.Equal(t, 0, m.ReconnectionAttempts())
}

func TestAttemptCounterAfterFiveCycles(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m := NewManager(Options{
		Config: Config{ReconnectDelay: time.Hour, MaxAttempts: 5, DialTimeout: time.Second},
		Dial:   d.Dial,
	})
	defer m.Close()

	m.Initialize("tok", alice)
	require.Eventually(t, func() bool { return m.State() == StateDisconnected && d.Dials() == 1 }, time.Second, time.Millisecond)

	// Fire the retry timer by hand five times.
	for i := 1; i <= 5; i++ {
		m.mu.Lock()
		gen := m.gen
		m.mu.Unlock()
		m.retry(gen)
		require.Eventually(t, func() bool { return d.Dials() == i+1 && m.State() == StateDisconnected }, time.Second, time.Millisecond)
		assert.Equal(t, i, m.ReconnectionAttempts())
	}
	assert.Equal(t, 5, m.ReconnectionAttempts())
}

func TestDropSchedulesSingleRetry(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(Options{
		Config: Config{ReconnectDelay: 30 * time.Millisecond, MaxAttempts: 5, DialTimeout: time.Second},
		Dial:   d.Dial,
	})
	defer m.Close()

	m.Initialize("tok", alice)
	waitConnected(t, m)

	first := d.Last()
	first.handlers.OnClose(errors.New("reset"))
	first.handlers.OnClose(errors.New("reset again"))
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, first.Closed())

	waitConnected(t, m)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, d.Dials(), "two drops within one delay must produce one retry")
	assert.Equal(t, 0, m.ReconnectionAttempts())
}

func TestOutboundNoopWhenDisconnected(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, nil)

	ops := map[string]func() bool{
		"SendMessage":         func() bool { return m.SendMessage("c1", "hi") },
		"SendTypingEvent":     func() bool { return m.SendTypingEvent("c1") },
		"SendFriendRequest":   func() bool { return m.SendFriendRequest("u2") },
		"AcceptFriendRequest": func() bool { return m.AcceptFriendRequest("u2") },
		"JoinQueue":           m.JoinQueue,
		"LeaveQueue":          m.LeaveQueue,
		"SendUserDisconnect":  func() bool { return m.SendUserDisconnect("c1") },
		"LoadChatHistory":     func() bool { return m.LoadChatHistory("c1") },
		"LoadFriendsList":     m.LoadFriendsList,
		"JoinRoom":            func() bool { return m.JoinRoom("friend-1", chat.KindFriend) },
		"MarkMessagesAsRead":  func() bool { return m.MarkMessagesAsRead("friend-1") },
	}
	for name, op := range ops {
		assert.False(t, op(), name)
	}
}

func TestOutboundPayloads(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)
	m.now = func() time.Time { return time.UnixMilli(1700000000123) }

	m.Initialize("tok", alice)
	waitConnected(t, m)

	require.True(t, m.JoinQueue())
	require.True(t, m.SendTypingEvent("friend-abc"))
	require.True(t, m.SendMessage("c1", "  hello  "))
	require.False(t, m.SendMessage("c1", "   "))
	require.True(t, m.JoinRoom("group-g", chat.KindGroup))

	sent := d.Last().Sent()
	require.Len(t, sent, 5) // authenticate + 4

	assert.Equal(t, sentEvent{protocol.TypeJoinQueue, "u1"}, sent[1])
	assert.Equal(t, protocol.TypingMsg{
		ChatCode: "friend-abc", Username: "alice", ChatType: "friend", Timestamp: 1700000000123,
	}, sent[2].Payload)

	msg := sent[3].Payload.(protocol.ChatMsg)
	assert.Equal(t, "hello", msg.Message)
	assert.Equal(t, "2023-11-14T22:13:20.123Z", msg.Timestamp)
	assert.Equal(t, "u1-c1-hello-1700000000123", msg.Fingerprint)
	assert.True(t, m.Fingerprints().Claim(msg.Fingerprint), "sent fingerprint should be pending")

	assert.Equal(t, protocol.JoinRoomMsg{ChatCode: "group-g", Username: "alice", ChatType: "group"}, sent[4].Payload)
}

func TestQueueRequiresUserID(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	m.Initialize("tok", identity{username: "anon"})
	waitConnected(t, m)

	assert.False(t, m.JoinQueue())
	assert.False(t, m.SendUserDisconnect("c1"))
	assert.True(t, m.SendTypingEvent("c1"))
}

func newCreds(t *testing.T) credential.Store {
	t.Helper()
	s := credential.NewFileStore(filepath.Join(t.TempDir(), "token"))
	require.NoError(t, s.Save(context.Background(), "tok"))
	return s
}

func TestUnauthorizedDialStopsReconnecting(t *testing.T) {
	d := &fakeDialer{err: errors.Join(ErrUnauthorized, errors.New("401"))}
	creds := newCreds(t)
	m := newTestManager(t, d, creds)

	hooked := make(chan struct{}, 1)
	m.SetHooks(Hooks{OnUnauthorized: func() { hooked <- struct{}{} }})
	m.Initialize("tok", alice)

	select {
	case <-hooked:
	case <-time.After(time.Second):
		t.Fatal("OnUnauthorized not called")
	}
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, d.Dials(), "no reconnection after an authorization error")
	assert.True(t, m.Unauthorized())
	_, err := creds.Load(context.Background())
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestUnauthorizedErrorEvent(t *testing.T) {
	d := &fakeDialer{}
	creds := newCreds(t)
	m := newTestManager(t, d, creds)

	var events []string
	hooked := 0
	m.SetHooks(Hooks{
		OnEvent:        func(msgType string, _ json.RawMessage) { events = append(events, msgType) },
		OnUnauthorized: func() { hooked++ },
	})
	m.Initialize("tok", alice)
	waitConnected(t, m)

	tr := d.Last()
	tr.handlers.OnEvent(protocol.TypeError, json.RawMessage(`{"code":"unauthorized","message":"bad token"}`))

	assert.Equal(t, 1, hooked)
	assert.Equal(t, []string{protocol.TypeError}, events)
	assert.True(t, tr.Closed())
	assert.Equal(t, StateDisconnected, m.State())

	tr.handlers.OnClose(errors.New("closed"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestTeardownIgnoresStaleCallbacks(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	var events int
	m.SetHooks(Hooks{OnEvent: func(string, json.RawMessage) { events++ }})
	m.Initialize("tok", alice)
	waitConnected(t, m)

	tr := d.Last()
	m.Teardown()
	m.Teardown()
	assert.True(t, tr.Closed())

	tr.handlers.OnEvent(protocol.TypeQueueJoined, nil)
	tr.handlers.OnClose(errors.New("late"))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, events)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestInitializeReplacesConnection(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	m.Initialize("tok1", alice)
	waitConnected(t, m)
	first := d.Last()

	m.Initialize("tok2", alice)
	assert.True(t, first.Closed(), "previous transport closed before the new one opens")
	require.Eventually(t, func() bool { return d.Dials() == 2 && m.IsConnected() }, time.Second, time.Millisecond)
	assert.Equal(t, sentEvent{protocol.TypeAuthenticate, "tok2"}, d.Last().Sent()[0])
}

func TestCloseDuringDialSchedulesRetry(t *testing.T) {
	d := &fakeDialer{closeEarly: 1}
	m := newTestManager(t, d, nil)

	m.Initialize("tok", alice)
	require.Eventually(t, func() bool { return d.Dials() == 2 && m.IsConnected() }, 2*time.Second, time.Millisecond)

	all := d.Transports()
	assert.True(t, all[0].Closed())
	assert.Empty(t, all[0].Sent(), "handshake never reached the dead socket")
	assert.False(t, all[1].Closed())
	assert.Equal(t, sentEvent{protocol.TypeAuthenticate, "tok"}, all[1].Sent()[0])
}

func TestFailedHandshakeCountsAsDrop(t *testing.T) {
	d := &fakeDialer{}
	var dropNext sync.Once
	m := NewManager(Options{
		Config: Config{ReconnectDelay: 5 * time.Millisecond, MaxAttempts: 5, DialTimeout: time.Second},
		Dial: func(ctx context.Context, token string, h ws.Handlers) (Transport, error) {
			tr, err := d.Dial(ctx, token, h)
			if err == nil {
				// The socket dies without the read loop noticing yet.
				dropNext.Do(func() { tr.Close() })
			}
			return tr, err
		},
	})
	t.Cleanup(m.Close)

	m.Initialize("tok", alice)
	require.Eventually(t, func() bool { return d.Dials() == 2 && m.IsConnected() }, 2*time.Second, time.Millisecond)
	assert.True(t, d.Transports()[0].Closed())
}

func TestConversationOpsNeedChatCode(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)
	m.Initialize("tok", alice)
	waitConnected(t, m)

	tests := []struct {
		name string
		op   func() bool
	}{
		{"SendMessage", func() bool { return m.SendMessage("", "hi") }},
		{"SendTypingEvent", func() bool { return m.SendTypingEvent("") }},
		{"JoinRoom", func() bool { return m.JoinRoom("", chat.KindFriend) }},
		{"SendUserDisconnect", func() bool { return m.SendUserDisconnect("") }},
		{"LoadChatHistory", func() bool { return m.LoadChatHistory("") }},
		{"MarkMessagesAsRead", func() bool { return m.MarkMessagesAsRead("") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, tt.op())
		})
	}

	sent := d.Last().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeAuthenticate, sent[0].Type)
}

// echoTransport calls onSend after every successful write, the way a fast
// server echo can be handled before Send returns to the caller.
type echoTransport struct {
	*fakeTransport
	onSend func(msgType string, payload interface{})
}

func (e echoTransport) Send(msgType string, payload interface{}) error {
	if err := e.fakeTransport.Send(msgType, payload); err != nil {
		return err
	}
	e.onSend(msgType, payload)
	return nil
}

func TestFingerprintPendingBeforeEcho(t *testing.T) {
	var (
		m       *Manager
		tr      *fakeTransport
		claimed bool
	)
	m = NewManager(Options{
		Config: Config{ReconnectDelay: time.Hour, MaxAttempts: 5, DialTimeout: time.Second},
		Dial: func(_ context.Context, _ string, h ws.Handlers) (Transport, error) {
			tr = &fakeTransport{handlers: h}
			return echoTransport{fakeTransport: tr, onSend: func(_ string, p interface{}) {
				if msg, ok := p.(protocol.ChatMsg); ok {
					claimed = m.Fingerprints().Claim(msg.Fingerprint)
				}
			}}, nil
		},
	})
	t.Cleanup(m.Close)

	m.Initialize("tok", alice)
	waitConnected(t, m)

	require.True(t, m.SendMessage("c1", "hello"))
	assert.True(t, claimed, "echo handled during Send finds the fingerprint")
	assert.Equal(t, 0, m.Fingerprints().Len())

	// A write that fails releases the fingerprint again.
	tr.Close()
	assert.False(t, m.SendMessage("c1", "again"))
	assert.Equal(t, 0, m.Fingerprints().Len())
}
