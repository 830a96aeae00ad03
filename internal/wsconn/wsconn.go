// Package wsconn implements transport.Channel over gorilla/websocket —
// the only concrete channel implementation the session core ships with.
// Both the glasses/phone upstream and every downstream app connection are
// wsconn.Conn in production; only tests use transporttest.Fake.
//
// Grounded on the connection-handling idioms in
// runtime/cmd/ctrl/forward_ws.go (a background read pump feeding a
// channel, sync.Once-guarded close, retrying dial) adapted from a
// TCP-port-forwarding tunnel to a framed JSON+binary duplex channel.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glasses-os/session-core/internal/transport"
)

// Upgrader wraps gorilla's websocket.Upgrader with the defaults this
// service uses for both the glasses and app endpoints.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to transport.Channel.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	state   transport.ReadyState
	onPong  func()
	onClose func()

	inbox     chan transport.Frame
	closeOnce sync.Once
	closed    chan struct{}
}

// Accept upgrades an inbound HTTP request to a websocket connection and
// starts its read pump.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}
	return wrap(ws), nil
}

func wrap(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:     ws,
		state:  transport.Open,
		inbox:  make(chan transport.Frame, 64),
		closed: make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		cb := c.onPong
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
		return nil
	})
	go c.readPump()
	return c
}

func (c *Conn) readPump() {
	defer c.teardown()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		ft := transport.TextFrame
		if msgType == websocket.BinaryMessage {
			ft = transport.BinaryFrame
		}
		select {
		case c.inbox <- transport.Frame{Type: ft, Payload: data}:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) teardown() {
	c.mu.Lock()
	c.state = transport.Closed
	cb := c.onClose
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.closed)
		if cb != nil {
			cb()
		}
	})
}

func (c *Conn) ReadyState() transport.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Send(ctx context.Context, f transport.Frame) error {
	c.mu.Lock()
	open := c.state == transport.Open
	c.mu.Unlock()
	if !open {
		return transport.ErrNotOpen
	}

	msgType := websocket.TextMessage
	if f.Type == transport.BinaryFrame {
		msgType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return c.ws.WriteMessage(msgType, f.Payload)
}

func (c *Conn) Recv(ctx context.Context) (transport.Frame, error) {
	select {
	case fr := <-c.inbox:
		return fr, nil
	case <-c.closed:
		return transport.Frame{}, transport.ErrNotOpen
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	open := c.state == transport.Open
	c.mu.Unlock()
	if !open {
		return transport.ErrNotOpen
	}
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *Conn) OnPong(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPong = cb
}

func (c *Conn) OnClose(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = cb
}

func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.teardown()
	return err
}
