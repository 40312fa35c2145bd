package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxFrameBytes  = 4 << 20
	outboundBuffer = 256
)

// wsPeer owns one websocket. Frames go through a buffered channel drained by
// a single writer goroutine, so Send never blocks the router and per-peer
// order is kept.
type wsPeer struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	p := &wsPeer{
		conn: conn,
		out:  make(chan []byte, outboundBuffer),
		done: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *wsPeer) Send(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

// Close sends a close frame with code and tears the connection down. Only
// the first call has an effect.
func (p *wsPeer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = p.conn.Close()
	})
}

func (p *wsPeer) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

// readLoop feeds every text frame to handle until the connection fails.
func (p *wsPeer) readLoop(handle func([]byte)) {
	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}
