package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/whisper/chat-sync/internal/app"
	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/connection"
	"github.com/whisper/chat-sync/internal/friends"
	"github.com/whisper/chat-sync/internal/observe"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/tabs"
	"github.com/whisper/chat-sync/internal/typing"
)

// errQuit is returned by run for /quit.
var errQuit = errors.New("quit")

// command is one parsed input line. Plain text becomes a "send" command.
type command struct {
	name string
	args []string
}

func parseLine(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", args: []string{line}}, true
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

// ---------------------------------------------------------------------------
// Shell
// ---------------------------------------------------------------------------

// shell executes commands against the client and renders store notices.
// Commands may arrive from stdin and from the NATS bridge at once.
type shell struct {
	c *app.Client

	mu  sync.Mutex
	out io.Writer
}

func newShell(c *app.Client, out io.Writer) *shell {
	return &shell{c: c, out: out}
}

func (s *shell) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

// run executes cmd. Errors are meant to be shown to the user.
func (s *shell) run(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "send":
		return s.c.Send(strings.Join(cmd.args, " "))

	case "queue":
		if !s.c.JoinQueue() {
			return app.ErrNotConnected
		}
		s.printf("* searching for a stranger")

	case "leave":
		if !s.c.LeaveQueue() {
			return app.ErrNotConnected
		}
		s.printf("* left the queue")

	case "open":
		if len(cmd.args) < 2 {
			return fmt.Errorf("usage: /open <friend|group|stranger> <chat code> [partner id]")
		}
		kind := chat.Kind(cmd.args[0])
		var partner protocol.UserRef
		if len(cmd.args) > 2 {
			partner.ID = cmd.args[2]
		}
		if kind == chat.KindFriend {
			if f, ok := s.c.Profile.FriendByChatRoom(cmd.args[1]); ok {
				partner = protocol.UserRef{ID: f.ID, Username: f.Username}
			}
		}
		if !s.c.OpenTab(kind, cmd.args[1], partner) {
			return fmt.Errorf("cannot open %q tab %q", cmd.args[0], cmd.args[1])
		}

	case "close":
		id, confirmed := s.closeArgs(cmd.args)
		if id == "" {
			return app.ErrNoActiveTab
		}
		err := s.c.CloseTab(id, confirmed)
		if errors.Is(err, app.ErrConfirmationRequired) {
			return fmt.Errorf("%w; use /close %s confirm", err, id)
		}
		return err

	case "switch":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: /switch <tab id>")
		}
		if !s.c.SwitchTab(cmd.args[0]) {
			return fmt.Errorf("no tab %q", cmd.args[0])
		}

	case "typing":
		t, ok := s.c.Tabs.Active()
		if !ok {
			return app.ErrNoActiveTab
		}
		s.c.NotifyTyping(t.Code)

	case "friend":
		id, err := s.partnerArg(cmd.args)
		if err != nil {
			return err
		}
		if !s.c.SendFriendRequest(id) {
			return fmt.Errorf("friend request to %s not sent (status %s)", id, s.c.Friends.Status(id))
		}

	case "accept":
		id, err := s.partnerArg(cmd.args)
		if err != nil {
			return err
		}
		if !s.c.AcceptFriendRequest(id) {
			return fmt.Errorf("cannot accept %s (status %s)", id, s.c.Friends.Status(id))
		}

	case "tabs":
		s.printTabs()

	case "status":
		s.printStatus()

	case "signout":
		return s.c.SignOut(ctx)

	case "help":
		s.printf("%s", helpText)

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd.name)
	}
	return nil
}

// closeArgs resolves "/close [id] [confirm]"; the id defaults to the active
// tab.
func (s *shell) closeArgs(args []string) (id string, confirmed bool) {
	if n := len(args); n > 0 && args[n-1] == "confirm" {
		confirmed = true
		args = args[:n-1]
	}
	if len(args) > 0 {
		return args[0], confirmed
	}
	if t, ok := s.c.Tabs.Active(); ok {
		return t.ID, confirmed
	}
	return "", confirmed
}

// partnerArg returns the user id argument, or the partner of the active tab.
func (s *shell) partnerArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if t, ok := s.c.Tabs.Active(); ok && t.Partner.ID != "" {
		return t.Partner.ID, nil
	}
	return "", fmt.Errorf("no user id given and the active tab has no partner")
}

func (s *shell) printTabs() {
	all := s.c.Tabs.Tabs()
	if len(all) == 0 {
		s.printf("* no open tabs")
		return
	}
	active, _ := s.c.Tabs.Active()
	for _, t := range all {
		marker := " "
		if t.ID == active.ID {
			marker = "*"
		}
		state := ""
		if s.c.Tabs.IsDisconnected(t.ID) {
			state = " (partner gone)"
		}
		name := t.Partner.Username
		if name == "" {
			name = t.Partner.ID
		}
		s.printf("%s %s %s%s", marker, t.ID, name, state)
	}
}

func (s *shell) printStatus() {
	s.printf("* connection: %s (attempts %d)", s.c.State(), s.c.Conn.ReconnectionAttempts())
	s.printf("* searching: %v", s.c.Queue.Searching())

	statuses := s.c.Friends.Snapshot()
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.printf("* friend %s: %s", id, statuses[id])
	}
	if n := s.c.Notifications().UnreadCount; n > 0 {
		s.printf("* %d unread notifications", n)
	}
}

// render prints the notices a terminal user cares about until events is
// closed.
func (s *shell) render(events <-chan observe.Event) {
	for ev := range events {
		switch p := ev.Payload.(type) {
		case chat.LogChange:
			if p.Last == nil && p.Count == 0 {
				s.printf("* %s: cleared", p.Conversation)
				continue
			}
			if p.Last == nil {
				s.printf("* %s: history loaded (%d messages)", p.Conversation, p.Count)
				continue
			}
			if p.Last.Kind == chat.KindSystem {
				s.printf("[%s] * %s", p.Conversation, p.Last.Text)
				continue
			}
			s.printf("[%s] %s: %s", p.Conversation, p.Last.Sender, p.Last.Text)
		case typing.Change:
			if p.Typing {
				s.printf("[%s] %s is typing...", p.Conversation, p.Username)
			}
		case connection.Status:
			s.printf("* %s", p.State)
		case friends.Change:
			s.printf("* friend %s: %s", p.PartnerID, p.Status)
		case bool:
			if ev.Subject == observe.SubjectQueue && !p {
				s.printf("* no longer searching")
			}
		case tabs.Snapshot:
			if p.Active != "" {
				s.printf("* active tab: %s", p.Active)
			}
		}
	}
}

const helpText = `commands:
  /queue                          look for a stranger
  /leave                          stop looking
  /open <kind> <code> [partner]   open a friend, group or stranger tab
  /close [tab] [confirm]          close a tab (default: active)
  /switch <tab>                   activate a tab
  /typing                         send a typing notice to the active tab
  /friend [user]                  send a friend request (default: tab partner)
  /accept [user]                  accept a friend request
  /tabs                           list open tabs
  /status                         connection, queue and friend state
  /signout                        forget the credential
  /quit                           exit
anything else is sent to the active tab`
