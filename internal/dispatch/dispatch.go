// Package dispatch runs the read loops that pull frames off a Session's
// upstream and app transport.Channels and hand them to Session's decode-
// and-route methods. It owns exactly the "read, decode envelope, route,
// handle the resulting error" cycle described in §4.5/§4.6 — all routing
// decisions themselves live in internal/session, which has every manager
// reference this needs and nothing here would gain by duplicating.
//
// Grounded on the read-pump goroutine pattern in internal/wsconn and
// runtime/cmd/ctrl/forward_ws.go: one goroutine per channel, blocking Recv,
// exits cleanly when the channel closes.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/glasses-os/session-core/internal/session"
	"github.com/glasses-os/session-core/internal/transport"
	"github.com/glasses-os/session-core/internal/wire"
)

// RunUpstream reads frames from ch until it closes or ctx is cancelled,
// handing each text frame to sess.HandleUpstreamFrame and each binary frame
// to sess.HandleUpstreamAudio. It returns once the channel is no longer
// readable.
func RunUpstream(ctx context.Context, sess *session.Session, ch transport.Channel, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch", "direction", "upstream")

	for {
		fr, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		switch fr.Type {
		case transport.BinaryFrame:
			sess.HandleUpstreamAudio()
		case transport.TextFrame:
			if err := sess.HandleUpstreamFrame(ctx, fr.Payload); err != nil {
				logger.Warn("upstream frame dispatch failed", "error", err)
			}
		}
	}
}

// RunApp reads frames from ch until it closes or ctx is cancelled, handing
// each text frame to sess.HandleAppFrame for pkg. A *wire.WireError with
// Close set sends CONNECTION_ERROR and closes the channel with
// CloseCodePolicyViolation, matching §4.6's "on any error send a
// CONNECTION_ERROR frame ... and close the channel with code 1008"; a soft
// WireError is sent without closing. Binary frames from an app channel are
// not part of the protocol and are dropped.
func RunApp(ctx context.Context, sess *session.Session, pkg string, ch transport.Channel, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch", "direction", "app", "package", pkg)

	for {
		fr, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		if fr.Type != transport.TextFrame {
			continue
		}
		err = sess.HandleAppFrame(ctx, pkg, fr.Payload)
		if err == nil {
			continue
		}
		we, ok := err.(*wire.WireError)
		if !ok {
			logger.Warn("app frame dispatch failed", "error", err)
			continue
		}
		sendConnectionError(ctx, ch, we, logger)
		if we.Close {
			_ = ch.Close(wire.CloseCodePolicyViolation, we.Message)
			return
		}
	}
}

func sendConnectionError(ctx context.Context, ch transport.Channel, we *wire.WireError, logger *slog.Logger) {
	b, err := wire.Marshal(wire.ConnectionError{
		Type:    wire.TypeConnectionError,
		Code:    we.Code,
		Message: we.Message,
	})
	if err != nil {
		logger.Error("marshal connection error", "error", err)
		return
	}
	if err := ch.Send(ctx, transport.Frame{Type: transport.TextFrame, Payload: b}); err != nil {
		logger.Warn("failed to send connection error frame", "error", err)
	}
}
