package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/chabapp/internal/model"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

var (
	// ErrClientBusy is returned when a command cannot be queued for a client.
	ErrClientBusy = errors.New("client send buffer full")
	// ErrClientGone is returned for a client that has disconnected.
	ErrClientGone = errors.New("client disconnected")
)

// Client represents a single WebSocket connection from an open page.
type Client struct {
	hub  *Hub
	conn *ws.Conn
	send chan []byte
	seq  uint64

	mu  sync.RWMutex
	url string
}

// NewClient creates a Client tied to the given hub and connection. pageURL
// is the address of the page that opened the socket.
func NewClient(hub *Hub, conn *ws.Conn, pageURL string) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		url:  pageURL,
	}
}

// URL returns the page's current address.
func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// Focus asks the page to bring itself to the front.
func (c *Client) Focus(context.Context) error {
	return c.deliver(Message{Type: TypeFocus})
}

// Navigate sends the page to target.
func (c *Client) Navigate(_ context.Context, target string) error {
	if err := c.deliver(Message{Type: TypeNavigate, URL: target}); err != nil {
		return err
	}
	c.mu.Lock()
	c.url = target
	c.mu.Unlock()
	return nil
}

func (c *Client) deliver(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	// Holding the hub lock keeps Unregister from closing send under us.
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return ErrClientGone
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrClientBusy
	}
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump hands page messages to the hub. It returns on error (connection
// close), which triggers cleanup.
func (c *Client) readPump(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		c.handle(ctx, data)
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	var msg model.WorkerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.logger.Warn("malformed page message", "error", err)
		return
	}
	c.hub.dispatch(ctx, msg)
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub closed the channel, connection is done
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
