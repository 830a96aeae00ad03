package wire

// AppFrameType enumerates every message type accepted from, or emitted to,
// a downstream app channel (§4.6).
type AppFrameType string

const (
	// Inbound from apps.
	TypeSubscriptionUpdate     AppFrameType = "SUBSCRIPTION_UPDATE"
	TypeDisplayRequest         AppFrameType = "DISPLAY_REQUEST"
	TypeDashboardContentUpdate AppFrameType = "DASHBOARD_CONTENT_UPDATE"
	TypeAppRGBLEDControl       AppFrameType = "RGB_LED_CONTROL"
	TypeRTMPStreamRequest      AppFrameType = "RTMP_STREAM_REQUEST"
	TypeStop                   AppFrameType = "STOP"
	TypeManagedStreamStart     AppFrameType = "MANAGED_STREAM_START"
	TypeManagedStreamStop      AppFrameType = "MANAGED_STREAM_STOP"
	TypeStreamStatusCheck      AppFrameType = "STREAM_STATUS_CHECK"
	TypeAppPhotoRequest        AppFrameType = "PHOTO_REQUEST"
	TypeAppAudioPlayRequest    AppFrameType = "AUDIO_PLAY_REQUEST"
	TypeAppAudioStopRequest    AppFrameType = "AUDIO_STOP_REQUEST"
	TypeLocationPollRequest    AppFrameType = "LOCATION_POLL_REQUEST"
	TypeRequestWifiSetup       AppFrameType = "REQUEST_WIFI_SETUP"
	TypeOwnershipRelease       AppFrameType = "OWNERSHIP_RELEASE"

	// Outbound to apps.
	TypeDataStream                AppFrameType = "DATA_STREAM"
	TypeCustomMessage             AppFrameType = "CUSTOM_MESSAGE"
	TypeStreamStatusCheckResponse AppFrameType = "STREAM_STATUS_CHECK_RESPONSE"
	TypeConnectionError           AppFrameType = "CONNECTION_ERROR"
)

// AppEnvelope is decoded first to discover Type.
type AppEnvelope struct {
	Type AppFrameType `json:"type"`
}

// SubscriptionUpdate replaces an app's entire subscription set. Keys are
// the source's colon-packed textual form; the dispatcher parses them via
// subscription.ParseKey, failing the whole call on any unknown key.
type SubscriptionUpdate struct {
	Type         AppFrameType `json:"type"`
	Subscriptions []string    `json:"subscriptions"`
	LocationRateSeconds *float64 `json:"locationRateSeconds,omitempty"`
}

// DisplayRequest asks the glasses HUD to render content on this app's
// behalf.
type DisplayRequest struct {
	Type      AppFrameType `json:"type"`
	Layout    string       `json:"layout"`
	Content   any          `json:"content"`
	DurationMs int64       `json:"durationMs,omitempty"`
}

// DashboardContentUpdate pushes a new dashboard card for this app.
type DashboardContentUpdate struct {
	Type    AppFrameType `json:"type"`
	CardID  string       `json:"cardId"`
	Content any          `json:"content"`
}

// AppRGBLEDControl forwards an LED control request from an app. Unlike
// PHOTO_REQUEST and the RTMP stream requests, it is not gated on any
// permission.
type AppRGBLEDControl struct {
	Type    AppFrameType `json:"type"`
	R       uint8        `json:"r"`
	G       uint8        `json:"g"`
	B       uint8        `json:"b"`
	Pattern string       `json:"pattern,omitempty"`
}

// RTMPStreamRequest asks the Session to start an unmanaged RTMP relay.
type RTMPStreamRequest struct {
	Type AppFrameType `json:"type"`
	URL  string       `json:"url"`
}

// Stop tells the Session this app is shutting down voluntarily (distinct
// from a transport-level disconnect: Stop is a clean, immediate shutdown
// with no grace period).
type Stop struct {
	Type AppFrameType `json:"type"`
}

// ManagedStreamStart asks the Session to start an RTMP stream this app
// owns exclusively; status updates for it are routed only to this app.
type ManagedStreamStart struct {
	Type     AppFrameType `json:"type"`
	StreamID string       `json:"streamId"`
	URL      string       `json:"url"`
}

// ManagedStreamStop stops a previously started managed stream.
type ManagedStreamStop struct {
	Type     AppFrameType `json:"type"`
	StreamID string       `json:"streamId"`
}

// StreamStatusCheck asks for the current status of a managed stream
// without waiting for the next status push.
type StreamStatusCheck struct {
	Type     AppFrameType `json:"type"`
	StreamID string       `json:"streamId"`
}

// AppPhotoRequest asks the Session to coordinate a photo capture,
// correlated by RequestID across the PhotoManager's fan-out.
type AppPhotoRequest struct {
	Type          AppFrameType `json:"type"`
	RequestID     string       `json:"requestId"`
	SaveToGallery bool         `json:"saveToGallery,omitempty"`
}

// AppAudioPlayRequest asks the Session to play audio on the glasses.
type AppAudioPlayRequest struct {
	Type      AppFrameType `json:"type"`
	RequestID string       `json:"requestId"`
	URL       string       `json:"url"`
	Volume    float64      `json:"volume,omitempty"`
}

// AppAudioStopRequest stops an in-progress audio playback.
type AppAudioStopRequest struct {
	Type      AppFrameType `json:"type"`
	RequestID string       `json:"requestId"`
}

// LocationPollRequest asks the Session to (re)configure the location
// update rate this app wants; the Session takes the fastest rate
// requested across all apps.
type LocationPollRequest struct {
	Type           AppFrameType `json:"type"`
	IntervalSeconds float64     `json:"intervalSeconds"`
}

// RequestWifiSetup asks the Session to relay a SHOW_WIFI_SETUP frame
// upstream to the glasses.
type RequestWifiSetup struct {
	Type AppFrameType `json:"type"`
}

// OwnershipRelease tells the Session this app is voluntarily handing off
// an exclusive resource (e.g. a managed stream) to another app, so its
// next disconnect should bypass the grace period.
type OwnershipRelease struct {
	Type        AppFrameType `json:"type"`
	ResourceID  string       `json:"resourceId"`
	ToPackage   string       `json:"toPackage,omitempty"`
}

// DataStream carries a routed upstream event out to a subscribed app.
type DataStream struct {
	Type      AppFrameType `json:"type"`
	StreamKey string       `json:"streamKey"`
	Payload   any          `json:"payload"`
}

// CustomMessage relays an app-to-app or glasses-to-app free-form payload.
type CustomMessage struct {
	Type    AppFrameType `json:"type"`
	From    string       `json:"from,omitempty"`
	Payload any          `json:"payload"`
}

// StreamStatusCheckResponse answers a StreamStatusCheck.
type StreamStatusCheckResponse struct {
	Type     AppFrameType `json:"type"`
	StreamID string       `json:"streamId"`
	Status   string       `json:"status"`
}

// ConnectionError is sent to an app immediately before the dispatcher
// closes its channel with CloseCodePolicyViolation, or standalone for a
// soft (non-closing) error.
type ConnectionError struct {
	Type    AppFrameType `json:"type"`
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
}
