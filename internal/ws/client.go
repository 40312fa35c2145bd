package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/protocol"
)

var ErrNotConnected = errors.New("not connected")

const writeWait = 10 * time.Second

type MessageHandler func(msg protocol.Message)

// Client is the machine side of the relay link. It reconnects on its own
// after a dropped connection and calls the OnConnect hook each time, so the
// caller can re-register.
type Client struct {
	url       string
	token     string
	machineID string
	backoff   []int

	mu           sync.Mutex
	conn         *websocket.Conn
	reconnecting bool

	onMessage MessageHandler
	onConnect func()

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(url, token, machineID string, backoff []int) *Client {
	if len(backoff) == 0 {
		backoff = []int{250, 500, 1000, 2000, 5000}
	}
	return &Client{
		url:       url,
		token:     token,
		machineID: machineID,
		backoff:   backoff,
		done:      make(chan struct{}),
	}
}

func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Client) SetOnConnect(handler func()) {
	c.onConnect = handler
}

func (c *Client) Connect() error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	headers := http.Header{}
	headers.Set("X-Machine-Token", c.token)
	headers.Set("X-Machine-Id", c.machineID)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, headers)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reconnecting = false
	c.mu.Unlock()

	go c.reader(conn)

	if c.onConnect != nil {
		go c.onConnect()
	}
	return nil
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) reader(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		c.reconnect()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("Relay read error: %v", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("Failed to parse relay frame: %v", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Client) wait(delay int) bool {
	timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

// reconnect walks the backoff schedule once, then keeps retrying at the
// largest delay until Close.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	for i, delay := range c.backoff {
		if !c.wait(delay) {
			return
		}
		log.Printf("Reconnection attempt %d/%d", i+1, len(c.backoff))
		if err := c.Connect(); err == nil {
			log.Printf("Reconnected to relay")
			return
		}
	}

	maxDelay := c.backoff[len(c.backoff)-1]
	for {
		if !c.wait(maxDelay) {
			return
		}
		if err := c.Connect(); err == nil {
			log.Printf("Reconnected to relay")
			return
		}
	}
}

// Run connects (retrying in the background if the first dial fails) and
// blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	if err := c.Connect(); err != nil {
		log.Printf("Relay unavailable, retrying: %v", err)
		go c.reconnect()
	}
	<-ctx.Done()
	c.Close()
}

func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame, drops the connection and stops reconnecting.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
}
