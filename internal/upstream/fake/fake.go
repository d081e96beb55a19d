// Package fake provides a deterministic upstream.Client used by tests and,
// until a real MTProto client is wired in, by the gateway's own Dialer.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/prilive-com/botapigateway/internal/upstream"
)

// Client is an in-memory upstream.Client. Responses for specific methods
// can be preprogrammed with Respond; updates can be injected with Push.
// Safe for concurrent use.
type Client struct {
	mu        sync.Mutex
	responses map[string]upstream.Response
	updates   chan upstream.Update
	closed    bool
}

// New creates a fake Client with a reasonably sized update buffer.
func New() *Client {
	return &Client{
		responses: make(map[string]upstream.Response),
		updates:   make(chan upstream.Update, 256),
	}
}

// Respond registers the Response the fake returns for the given method.
func (c *Client) Respond(method string, resp upstream.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[method] = resp
}

// Push injects an Update as though it arrived from the real transport.
func (c *Client) Push(u upstream.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.updates <- u
}

// Send returns the preprogrammed Response for req.Method, or a generic OK
// response if none was registered.
func (c *Client) Send(ctx context.Context, req upstream.Request) (upstream.Response, error) {
	c.mu.Lock()
	resp, ok := c.responses[req.Method]
	c.mu.Unlock()
	if !ok {
		return upstream.Response{OK: true, Result: []byte("true")}, nil
	}
	if !resp.OK && resp.ErrorCode == 0 {
		return resp, fmt.Errorf("fake upstream: method %q failed: %s", req.Method, resp.Description)
	}
	return resp, nil
}

// Updates returns the channel Push writes to.
func (c *Client) Updates() <-chan upstream.Update {
	return c.updates
}

// Close marks the fake closed and closes the update channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.updates)
	return nil
}

// Dialer hands out fresh fake Clients, one per bot token, reusing the same
// instance on repeated dials so tests can push updates for a bot already
// "connected".
type Dialer struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewDialer creates an empty Dialer.
func NewDialer() *Dialer {
	return &Dialer{clients: make(map[string]*Client)}
}

// Dial returns the fake Client for botToken, creating one on first use.
func (d *Dialer) Dial(ctx context.Context, botToken string) (upstream.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[botToken]
	if !ok {
		c = New()
		d.clients[botToken] = c
	}
	return c, nil
}

// ClientFor returns the fake Client created for botToken, if any, letting
// tests reach in and Push updates or Respond to methods after dialing.
func (d *Dialer) ClientFor(botToken string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[botToken]
}
