package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glasses-os/session-core/internal/appcatalog"
	"github.com/glasses-os/session-core/internal/subscription"
	"github.com/glasses-os/session-core/internal/wire"
)

// HandleUpstreamFrame decodes raw as a wire.Envelope to discover its type,
// then dispatches it per §4.5. Unmarshalling errors are returned to the
// caller as a soft MALFORMED_MESSAGE. A frame of an unrecognized type is
// logged at debug level and dropped: it is not relayed to any app and no
// error is returned. The upstream channel is never closed by a dispatch
// error (only app channels are, per §4.6).
func (s *Session) HandleUpstreamFrame(ctx context.Context, raw []byte) error {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wire.NewSoftError(wire.ErrMalformedMessage, err.Error())
	}

	switch env.Type {
	case wire.TypeGlassesConnectionState:
		var msg wire.GlassesConnectionState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		s.fanOutUpstream("glasses_connection_state", msg)

	case wire.TypeVAD:
		var msg wire.VAD
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		// Transcription/translation stream lifecycle on VAD edges belongs to
		// the transcription manager, which sits outside the core (§1's "the
		// core is a router with policy, not a semantic processor"); the
		// session's own responsibility is limited to the fan-out.
		s.fanOutUpstream(string(subscription.VAD), msg)

	case wire.TypeLocalTranscription:
		var msg wire.LocalTranscription
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		s.fanOutUpstream(string(subscription.Transcription), msg)

	case wire.TypeLocationUpdate:
		var msg wire.LocationUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		// No automatic fan-out: location delivery rate is governed by each
		// app's own LOCATION_POLL_REQUEST, handled by the location manager
		// external collaborator.

	case wire.TypeCalendarEvent:
		var msg wire.CalendarEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		// Handed to the calendar manager external collaborator; no fan-out.

	case wire.TypeRTMPStreamStatus:
		var msg wire.RTMPStreamStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		if msg.ManagedByPackage != "" {
			// A managed stream's status goes only to the app that owns it.
			s.relayDataStream(msg.ManagedByPackage, subscription.New(subscription.RTMPStatus), msg)
		} else {
			s.fanOutUpstream(string(subscription.RTMPStatus), msg)
		}

	case wire.TypeKeepAliveAck:
		// Consumed by the (external) managed/unmanaged stream extensions;
		// the core itself has nothing to do with it.

	case wire.TypePhotoResponse:
		var msg wire.PhotoResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		s.HandlePhotoResponse(msg, nil)

	case wire.TypeAudioPlayResponse:
		var msg wire.AudioPlayResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		s.deliverAudioResponse(msg)

	case wire.TypeRGBLEDControlResponse:
		var msg wire.RGBLEDControlResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		s.fanOutUpstream("rgb_led_control_response", msg)

	case wire.TypeHeadPosition:
		var msg wire.HeadPosition
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		// Dashboard content cycling on "head up" is owned by the dashboard
		// manager external collaborator; the session only relays the fact.
		s.fanOutUpstream("head_position", msg)

	case wire.TypeTouchEvent:
		var msg wire.TouchEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return malformed(err)
		}
		s.HandleTouchEvent(msg.Gesture)

	default:
		s.logger.Debug("unrecognized upstream frame type", "type", env.Type)
	}
	return nil
}

// fanOutUpstream relays payload as a DATA_STREAM to every app subscribed to
// base — exact subscribers, base-type subscribers, and both wildcards.
// Event types not in the documented subscription vocabulary (§3) only ever
// reach wildcard subscribers, since no app can validly subscribe to them.
func (s *Session) fanOutUpstream(base string, payload any) {
	key := subscription.Key{Base: subscription.BaseType(base)}
	for _, pkg := range s.subs.GetSubscribedApps(key) {
		s.relayDataStream(pkg, key, payload)
	}
}

func (s *Session) deliverAudioResponse(msg wire.AudioPlayResponse) {
	s.audioMu.Lock()
	pkg, ok := s.audioRequests[msg.RequestID]
	if ok {
		delete(s.audioRequests, msg.RequestID)
	}
	s.audioMu.Unlock()
	if !ok {
		s.logger.Debug("audio play response for unknown requestId", "requestId", msg.RequestID)
		return
	}
	s.relayDataStream(pkg, subscription.Key{Base: "audio_play_response"}, msg)
}

// HandleAppFrame decodes raw as a wire.AppEnvelope and dispatches it per
// §4.6. A returned *wire.WireError with Close set tells the caller (the
// websocket read loop) to send CONNECTION_ERROR and close the app's channel
// with CloseCodePolicyViolation; a soft WireError is sent without closing.
func (s *Session) HandleAppFrame(ctx context.Context, pkg string, raw []byte) error {
	var env wire.AppEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
	}

	a, ok := s.appSession(pkg)
	if !ok {
		return wire.NewCloseError(wire.ErrSessionNotFound, "no app session for "+pkg)
	}

	switch env.Type {
	case wire.TypeSubscriptionUpdate:
		var msg wire.SubscriptionUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
		}
		keys, err := parseKeys(msg.Subscriptions)
		if err != nil {
			return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
		}
		if err := s.HandleAppSubscriptionUpdate(pkg, keys, msg.LocationRateSeconds); err != nil {
			return wire.NewSoftError(wire.ErrInternal, err.Error())
		}

	case wire.TypeDisplayRequest, wire.TypeDashboardContentUpdate:
		// Forwarded to the (external) display/dashboard managers; the core
		// itself has no rendering state to update.

	case wire.TypeAppRGBLEDControl:
		var msg wire.AppRGBLEDControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
		}
		if err := s.forwardRGBLEDControl(ctx, pkg, msg); err != nil {
			return err
		}

	case wire.TypeRTMPStreamRequest, wire.TypeStop, wire.TypeManagedStreamStart,
		wire.TypeManagedStreamStop, wire.TypeStreamStatusCheck:
		if err := s.checkCameraPermission(ctx, pkg); err != nil {
			return err
		}
		// The managed/unmanaged stream extensions that actually own RTMP
		// session state are external collaborators (§1's "media
		// transcoding and RTMP/LiveKit bridge internals" is explicitly out
		// of the core's scope); having passed the permission gate, the
		// frame is the extensions' concern from here.

	case wire.TypeAppPhotoRequest:
		var msg wire.AppPhotoRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
		}
		if err := s.RequestPhoto(ctx, pkg, msg.RequestID, msg.SaveToGallery); err != nil {
			return toWireError(err)
		}

	case wire.TypeAppAudioPlayRequest:
		var msg wire.AppAudioPlayRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
		}
		s.audioMu.Lock()
		s.audioRequests[msg.RequestID] = pkg
		s.audioMu.Unlock()
		if err := s.sendUpstream(ctx, wire.AudioPlayRequest{
			Type: wire.TypeAudioPlayRequest, RequestID: msg.RequestID, URL: msg.URL, Volume: msg.Volume,
		}); err != nil {
			s.audioMu.Lock()
			delete(s.audioRequests, msg.RequestID)
			s.audioMu.Unlock()
			return wire.NewSoftError(wire.ErrInternal, err.Error())
		}

	case wire.TypeAppAudioStopRequest:
		var msg wire.AppAudioStopRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
		}
		if err := s.sendUpstream(ctx, wire.AudioStopRequest{Type: wire.TypeAudioStopRequest, RequestID: msg.RequestID}); err != nil {
			return wire.NewSoftError(wire.ErrInternal, err.Error())
		}

	case wire.TypeLocationPollRequest:
		// Handed to the (external) location manager, which owns the
		// fastest-requested-rate aggregation across apps; the session only
		// remembers pkg's own requested rate on its AppSession.
		var msg wire.LocationPollRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
		}
		rate := msg.IntervalSeconds
		a.SetLocationRate(&rate)

	case wire.TypeRequestWifiSetup:
		if err := s.sendUpstream(ctx, wire.ShowWifiSetup{Type: wire.TypeShowWifiSetup}); err != nil {
			return wire.NewSoftError(wire.ErrInternal, err.Error())
		}

	case wire.TypeOwnershipRelease:
		var msg wire.OwnershipRelease
		if err := json.Unmarshal(raw, &msg); err != nil {
			return wire.NewCloseError(wire.ErrMalformedMessage, err.Error())
		}
		s.HandleOwnershipRelease(ctx, pkg, msg.ResourceID, msg.ToPackage)

	default:
		return wire.NewCloseError(wire.ErrMalformedMessage, fmt.Sprintf("unrecognized frame type %q", env.Type))
	}
	return nil
}

func (s *Session) checkCameraPermission(ctx context.Context, pkg string) error {
	allowed, err := s.catalog.HasPermission(ctx, pkg, appcatalog.PermissionCamera)
	if err != nil {
		return wire.NewSoftError(wire.ErrInternal, err.Error())
	}
	if !allowed {
		return wire.NewCloseError(wire.ErrPermissionDenied, "app lacks CAMERA permission")
	}
	return nil
}

// forwardRGBLEDControl re-emits an app's RGB_LED_CONTROL upstream. The app
// frame carries no requestId, so the upstream requestId is built from the
// app's package name and the frame type. No permission check applies (§4.6 names
// none for this frame, unlike PHOTO_REQUEST and the RTMP family). A
// not-open upstream is a precondition error, not a protocol violation:
// §7 says it fails with INTERNAL_ERROR and does not close the channel.
func (s *Session) forwardRGBLEDControl(ctx context.Context, pkg string, msg wire.AppRGBLEDControl) error {
	requestID := pkg + ":" + string(wire.TypeAppRGBLEDControl)
	if err := s.sendUpstream(ctx, wire.RGBLEDControl{
		Type: wire.TypeRGBLEDControl, RequestID: requestID,
		R: msg.R, G: msg.G, B: msg.B, Pattern: msg.Pattern,
	}); err != nil {
		return wire.NewSoftError(wire.ErrInternal, err.Error())
	}
	return nil
}

func parseKeys(raw []string) ([]subscription.Key, error) {
	out := make([]subscription.Key, 0, len(raw))
	for _, s := range raw {
		k, err := subscription.ParseKey(s)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func malformed(err error) error {
	return wire.NewSoftError(wire.ErrMalformedMessage, err.Error())
}

// toWireError passes an existing *wire.WireError through unchanged, or
// wraps a plain error as a soft INTERNAL_ERROR.
func toWireError(err error) error {
	if we, ok := err.(*wire.WireError); ok {
		return we
	}
	return wire.NewSoftError(wire.ErrInternal, err.Error())
}
