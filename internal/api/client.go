// Package api is the REST side of the sync client: the identity lookup used
// before connecting and the notification snapshot refreshed on friend
// events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/whisper/chat-sync/internal/credential"
	"github.com/whisper/chat-sync/internal/session"
)

// ErrUnauthorized is returned when the server rejects the credential. The
// credential has already been purged when it is returned.
var ErrUnauthorized = errors.New("api: unauthorized")

// Endpoint paths.
const (
	PathMe            = "/auth/me"
	PathNotifications = "/friends/notifications"
)

// Client calls the REST API with the stored credential.
type Client struct {
	baseURL        string
	http           *http.Client
	creds          credential.Store
	onUnauthorized func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithUnauthorizedHook sets the function called after a 401 purged the
// credential.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string, creds credential.Store, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		creds:   creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Me returns the profile of the credential's owner.
func (c *Client) Me(ctx context.Context) (session.Profile, error) {
	var p session.Profile
	if err := c.get(ctx, PathMe, &p); err != nil {
		return session.Profile{}, err
	}
	return p, nil
}

// FetchNotifications returns the current notification snapshot.
func (c *Client) FetchNotifications(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := c.get(ctx, PathNotifications, &snap); err != nil {
		return Snapshot{}, err
	}
	snap.countUnread()
	return snap, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.creds != nil {
		token, err := c.creds.Load(ctx)
		switch {
		case err == nil:
			req.Header.Set("Authorization", "Bearer "+token)
		case !errors.Is(err, credential.ErrNotFound):
			return fmt.Errorf("api: load credential: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.unauthorized(ctx, path)
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("api: GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) unauthorized(ctx context.Context, path string) {
	log.Printf("[api] %s returned 401, purging credential", path)
	if c.creds != nil {
		if err := c.creds.Clear(ctx); err != nil {
			log.Printf("[api] failed to purge credential: %v", err)
		}
	}
	if c.onUnauthorized != nil {
		c.onUnauthorized()
	}
}
