// Package transport abstracts the duplex, framed, text+binary channel that
// both the glasses (upstream) and third-party apps (downstream) use to talk
// to a Session. The only concrete implementation shipped in this repo is
// internal/wsconn, built on gorilla/websocket, but the core never imports
// gorilla/websocket directly — it depends on this interface so tests can
// swap in a fake.
package transport

import (
	"context"
	"errors"
)

// FrameType distinguishes a text (JSON) frame from a binary (audio) frame,
// mirroring gorilla/websocket's message type constants without requiring
// callers to import that package.
type FrameType int

const (
	TextFrame FrameType = iota + 1
	BinaryFrame
)

// ReadyState mirrors the browser WebSocket readyState enum the source
// platform's glasses/app SDKs expose.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

// ErrNotOpen is returned by Send when the channel is not in the Open state.
var ErrNotOpen = errors.New("transport: channel not open")

// Frame is a single inbound or outbound message.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Channel is a single duplex connection. Implementations must be safe for
// one concurrent writer and one concurrent reader (the Session/AppSession
// that owns a Channel is itself single-writer by convention — see §5 of
// the design notes).
type Channel interface {
	// ReadyState reports the current connection state.
	ReadyState() ReadyState

	// Send writes a frame. Returns ErrNotOpen if the channel is not Open.
	// Safe to call concurrently with Recv, not safe to call concurrently
	// with itself.
	Send(ctx context.Context, f Frame) error

	// Recv blocks until the next inbound frame, the channel closes, or ctx
	// is cancelled. Returns io.EOF-compatible behavior via a closed channel
	// error once the connection is gone.
	Recv(ctx context.Context) (Frame, error)

	// Ping sends a protocol-level ping (used by the 10s heartbeat).
	Ping(ctx context.Context) error

	// OnPong registers a callback invoked when a pong is received. Only one
	// callback is retained; registering again replaces it.
	OnPong(func())

	// OnClose registers a callback invoked exactly once when the channel
	// transitions to Closed, regardless of which side initiated the close.
	OnClose(func())

	// Close closes the channel with the given code/reason. Idempotent.
	Close(code int, reason string) error
}
