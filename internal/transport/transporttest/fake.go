// Package transporttest provides an in-memory transport.Channel for unit
// tests that never want a real socket.
package transporttest

import (
	"context"
	"sync"

	"github.com/glasses-os/session-core/internal/transport"
)

// Fake is an in-memory transport.Channel. Sent frames are captured in Sent;
// frames pushed via Push are delivered from Recv.
type Fake struct {
	mu    sync.Mutex
	state transport.ReadyState

	Sent []transport.Frame

	inbox     chan transport.Frame
	closeOnce sync.Once
	closed    chan struct{}

	onPong  func()
	onClose func()

	// SendErr, when set, is returned by Send instead of succeeding.
	SendErr error
	// Pings counts calls to Ping.
	Pings int
}

// New returns a Fake channel already in the Open state.
func New() *Fake {
	return &Fake{
		state:  transport.Open,
		inbox:  make(chan transport.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (f *Fake) ReadyState() transport.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Send(ctx context.Context, fr transport.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.Open {
		return transport.ErrNotOpen
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, fr)
	return nil
}

// Push enqueues a frame as if received from the remote peer.
func (f *Fake) Push(fr transport.Frame) {
	select {
	case f.inbox <- fr:
	default:
	}
}

func (f *Fake) Recv(ctx context.Context) (transport.Frame, error) {
	select {
	case fr := <-f.inbox:
		return fr, nil
	case <-f.closed:
		return transport.Frame{}, transport.ErrNotOpen
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.Pings++
	open := f.state == transport.Open
	f.mu.Unlock()
	if !open {
		return transport.ErrNotOpen
	}
	return nil
}

// Pong simulates the remote peer responding to a ping.
func (f *Fake) Pong() {
	f.mu.Lock()
	cb := f.onPong
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *Fake) OnPong(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPong = cb
}

func (f *Fake) OnClose(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = cb
}

func (f *Fake) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.state = transport.Closed
		cb := f.onClose
		f.mu.Unlock()
		close(f.closed)
		if cb != nil {
			cb()
		}
	})
	return nil
}

// SimulateRemoteClose closes the channel as if the peer hung up.
func (f *Fake) SimulateRemoteClose() {
	f.Close(1000, "remote closed")
}
