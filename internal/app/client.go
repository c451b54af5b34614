// Package app assembles the sync client: one connection manager, the event
// router and the stores it feeds, plus the UI-facing actions that read and
// change them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/chat-sync/internal/api"
	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/connection"
	"github.com/whisper/chat-sync/internal/credential"
	"github.com/whisper/chat-sync/internal/friends"
	"github.com/whisper/chat-sync/internal/matching"
	"github.com/whisper/chat-sync/internal/observe"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/ratelimit"
	"github.com/whisper/chat-sync/internal/router"
	"github.com/whisper/chat-sync/internal/session"
	"github.com/whisper/chat-sync/internal/tabs"
	"github.com/whisper/chat-sync/internal/typing"
)

var (
	// ErrSignedOut is returned by Start when no usable credential exists.
	ErrSignedOut = errors.New("app: signed out")
	// ErrNoActiveTab is returned by Send when no tab is active.
	ErrNoActiveTab = errors.New("app: no active tab")
	// ErrUnknownTab is returned by CloseTab for an id that is not open.
	ErrUnknownTab = errors.New("app: unknown tab")
	// ErrConfirmationRequired is returned by CloseTab for a live stranger
	// conversation closed without confirmation.
	ErrConfirmationRequired = errors.New("app: closing ends the conversation")
	// ErrRateLimited is returned by Send when too many messages went to one
	// conversation.
	ErrRateLimited = errors.New("app: sending too fast")
	// ErrNotConnected is returned by Send when the message could not be
	// emitted.
	ErrNotConnected = errors.New("app: not connected")
)

// API is the REST surface the client consumes.
type API interface {
	Me(ctx context.Context) (session.Profile, error)
	FetchNotifications(ctx context.Context) (api.Snapshot, error)
}

// Options configures a Client.
type Options struct {
	Connection  connection.Config
	Dial        connection.DialFunc
	Credentials credential.Store
	API         API
	Publisher   observe.Publisher

	// OnSignIn is called when the server rejects the credential. The
	// session has already been cleared.
	OnSignIn func()

	// RequestTimeout bounds each REST call (default: 10s).
	RequestTimeout time.Duration
}

// Client is the assembled sync client. The exported stores are safe for
// concurrent reads.
type Client struct {
	Conn    *connection.Manager
	Router  *router.Router
	Log     *chat.Log
	Typing  *typing.Tracker
	Tabs    *tabs.Manager
	Queue   *matching.Coordinator
	Friends *friends.Tracker
	Profile *session.Store

	api      API
	creds    credential.Store
	pub      observe.Publisher
	limiter  *ratelimit.Limiter
	onSignIn func()
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	notif   api.Snapshot
	epoch   uint64 // bumped by resetSession; stale fetches are dropped
	closed  bool
	pending sync.WaitGroup
}

// New wires a Client. Nothing connects until Start or SignIn.
func New(opts Options) *Client {
	pub := observe.OrNop(opts.Publisher)
	fps := chat.NewFingerprints(0)

	c := &Client{
		Conn: connection.NewManager(connection.Options{
			Config:       opts.Connection,
			Dial:         opts.Dial,
			Credentials:  opts.Credentials,
			Fingerprints: fps,
			Publisher:    pub,
		}),
		Log:      chat.NewLog(pub),
		Typing:   typing.NewTracker(typing.DefaultTTL, pub),
		Tabs:     tabs.NewManager(pub),
		Friends:  friends.NewTracker(pub),
		Profile:  session.NewStore(pub),
		api:      opts.API,
		creds:    opts.Credentials,
		pub:      pub,
		limiter:  ratelimit.NewLimiter(),
		onSignIn: opts.OnSignIn,
		timeout:  opts.RequestTimeout,
		now:      time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	c.Queue = matching.NewCoordinator(c.Conn, pub)
	c.Router = router.New(router.Deps{
		Log:           c.Log,
		Fingerprints:  fps,
		Typing:        c.Typing,
		Tabs:          c.Tabs,
		Queue:         c.Queue,
		Friends:       c.Friends,
		Profile:       c.Profile,
		Outbound:      c.Conn,
		Notifications: c,
	})
	c.Conn.SetHooks(connection.Hooks{
		OnEvent:        c.Router.Dispatch,
		OnConnect:      c.onConnect,
		OnUnauthorized: c.onUnauthorized,
	})
	return c
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// Start loads the stored credential, resolves the identity it belongs to and
// opens the connection. It returns ErrSignedOut when there is no credential
// or the server rejects it; the client then stays disconnected.
func (c *Client) Start(ctx context.Context) error {
	if c.creds == nil {
		return ErrSignedOut
	}
	token, err := credential.LoadValid(ctx, c.creds, c.now())
	if errors.Is(err, credential.ErrNotFound) {
		log.Printf("[app] no usable credential, staying disconnected")
		return ErrSignedOut
	}
	if err != nil {
		return fmt.Errorf("app: load credential: %w", err)
	}

	if c.api == nil {
		return fmt.Errorf("app: no identity service configured")
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	profile, err := c.api.Me(reqCtx)
	if errors.Is(err, api.ErrUnauthorized) {
		c.resetSession()
		return ErrSignedOut
	}
	if err != nil {
		return fmt.Errorf("app: resolve identity: %w", err)
	}

	c.Profile.Set(profile)
	ids := make([]string, 0, len(profile.Friends))
	for _, f := range profile.Friends {
		ids = append(ids, f.ID)
	}
	c.Friends.ApplyFriends(ids)

	c.Conn.Initialize(token, c.Profile)
	return nil
}

// SignIn stores token and starts the client with it.
func (c *Client) SignIn(ctx context.Context, token string) error {
	if c.creds == nil {
		return fmt.Errorf("app: no credential store configured")
	}
	if err := c.creds.Save(ctx, token); err != nil {
		return fmt.Errorf("app: save credential: %w", err)
	}
	return c.Start(ctx)
}

// SignOut closes the connection, purges the credential and clears every
// per-user store.
func (c *Client) SignOut(ctx context.Context) error {
	c.Conn.Teardown()
	c.resetSession()
	if c.creds == nil {
		return nil
	}
	if err := c.creds.Clear(ctx); err != nil {
		return fmt.Errorf("app: clear credential: %w", err)
	}
	return nil
}

// Close stops the connection and every timer and waits for outstanding
// notification refreshes.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Conn.Close()
	c.Typing.Close()
	c.pending.Wait()
}

// onConnect re-subscribes to the rooms of open friend and group tabs, which
// the server forgets on every new connection, and requests fresh friends and
// notification snapshots.
func (c *Client) onConnect() {
	for _, t := range c.Tabs.Tabs() {
		if t.Kind == chat.KindStranger {
			continue
		}
		c.Conn.JoinRoom(t.Code, t.Kind)
		c.Conn.LoadChatHistory(t.Code)
	}
	c.Conn.LoadFriendsList()
	c.RefreshNotifications()
}

func (c *Client) onUnauthorized() {
	c.resetSession()
	if c.onSignIn != nil {
		c.onSignIn()
	}
}

func (c *Client) resetSession() {
	c.mu.Lock()
	c.epoch++
	c.notif = api.Snapshot{}
	c.mu.Unlock()

	c.Queue.Clear()
	c.Tabs.Reset()
	c.Log.Reset()
	c.Typing.Reset()
	c.Friends.Reset()
	c.Profile.Clear()
}

// State returns the connection state.
func (c *Client) State() connection.State { return c.Conn.State() }

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

// RefreshNotifications refetches the notification snapshot in the
// background. Pending friend requests in it mark their senders as received.
func (c *Client) RefreshNotifications() {
	c.mu.Lock()
	if c.closed || c.api == nil {
		c.mu.Unlock()
		return
	}
	c.pending.Add(1)
	epoch := c.epoch
	c.mu.Unlock()

	go func() {
		defer c.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		snap, err := c.api.FetchNotifications(ctx)
		if err != nil {
			log.Printf("[app] notification refresh failed: %v", err)
			return
		}

		// Held across the status updates so a concurrent resetSession
		// either runs after them or makes this result stale.
		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			log.Printf("[app] dropping notification snapshot from a previous session")
			return
		}
		c.notif = snap
		for _, id := range snap.RequesterIDs() {
			c.Friends.Set(id, friends.StatusReceived)
		}
		c.mu.Unlock()

		c.pub.Publish(observe.SubjectNotifications, snap)
	}()
}

// Notifications returns the last fetched snapshot.
func (c *Client) Notifications() api.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notif
}

// ---------------------------------------------------------------------------
// Tabs
// ---------------------------------------------------------------------------

// OpenTab opens (or activates) a conversation tab. Friend and group tabs
// join their room and load history; a friend chat with unread messages is
// marked read.
func (c *Client) OpenTab(kind chat.Kind, code string, partner protocol.UserRef) bool {
	if code == "" || !kind.Valid() {
		return false
	}
	c.Tabs.AddTab(tabs.NewTab(kind, code, partner))
	if kind == chat.KindStranger {
		return true
	}

	c.Conn.JoinRoom(code, kind)
	c.Conn.LoadChatHistory(code)
	if kind == chat.KindFriend {
		if f, ok := c.Profile.FriendByChatRoom(code); ok && f.UnreadMessages > 0 {
			c.Conn.MarkMessagesAsRead(code)
		}
	}
	return true
}

// CloseTab closes tab id. Closing a stranger conversation whose partner is
// still there needs confirmed set; the partner is then told the
// conversation ended.
func (c *Client) CloseTab(id string, confirmed bool) error {
	t, ok := c.Tabs.Get(id)
	if !ok {
		return ErrUnknownTab
	}
	if c.Tabs.RequiresConfirmation(id) {
		if !confirmed {
			return ErrConfirmationRequired
		}
		c.Conn.SendUserDisconnect(t.Code)
	}
	c.Tabs.CloseTab(id)
	c.limiter.Prune()
	return nil
}

// SwitchTab activates an open tab.
func (c *Client) SwitchTab(id string) bool {
	return c.Tabs.SwitchTab(id)
}

// ---------------------------------------------------------------------------
// Outbound actions
// ---------------------------------------------------------------------------

// Send sends text to the active tab.
func (c *Client) Send(text string) error {
	t, ok := c.Tabs.Active()
	if !ok {
		return ErrNoActiveTab
	}
	return c.SendTo(t.Code, text)
}

// SendTo validates text and sends it to chatCode.
func (c *Client) SendTo(chatCode, text string) error {
	if err := chat.ValidateMessage(text); err != nil {
		return err
	}
	if !c.limiter.Allow(chatCode, ratelimit.RuleMessage) {
		return ErrRateLimited
	}
	if !c.Conn.SendMessage(chatCode, text) {
		return ErrNotConnected
	}
	return nil
}

// NotifyTyping reports local typing in chatCode. Repeated calls inside the
// typing window send one notice.
func (c *Client) NotifyTyping(chatCode string) bool {
	if !c.Conn.IsConnected() {
		return false
	}
	if !c.limiter.Allow(chatCode, ratelimit.RuleTyping) {
		return false
	}
	return c.Conn.SendTypingEvent(chatCode)
}

// JoinQueue asks to be matched with a stranger.
func (c *Client) JoinQueue() bool { return c.Queue.Join() }

// LeaveQueue cancels the match request.
func (c *Client) LeaveQueue() bool { return c.Queue.Leave() }

// SendFriendRequest asks partnerID to become a friend and records the
// request as sent.
func (c *Client) SendFriendRequest(partnerID string) bool {
	if c.Friends.Status(partnerID) != friends.StatusNone {
		return false
	}
	if !c.Conn.SendFriendRequest(partnerID) {
		return false
	}
	c.Friends.Set(partnerID, friends.StatusSent)
	return true
}

// AcceptFriendRequest accepts the request from partnerID and records the
// pair as friends.
func (c *Client) AcceptFriendRequest(partnerID string) bool {
	if c.Friends.Status(partnerID) == friends.StatusAccepted {
		return false
	}
	if !c.Conn.AcceptFriendRequest(partnerID) {
		return false
	}
	c.Friends.Set(partnerID, friends.StatusAccepted)
	return true
}
