// Package wire defines the discriminated-union message types exchanged on
// the two duplex channels a Session multiplexes: the upstream glasses/phone
// channel (this file) and the downstream per-app channel (appframe.go).
// Each Go type corresponds to one wire "type" discriminator value; callers
// decode into an Envelope first to read Type, then unmarshal the full
// payload into the matching concrete type — replacing the source's
// duck-typed "{type, ...}" objects per the design notes.
package wire

import "encoding/json"

// UpstreamType enumerates every message type accepted from, or emitted to,
// the glasses/phone channel (§4.5).
type UpstreamType string

const (
	// Inbound from glasses.
	TypeGlassesConnectionState UpstreamType = "GLASSES_CONNECTION_STATE"
	TypeVAD                    UpstreamType = "VAD"
	TypeLocalTranscription     UpstreamType = "LOCAL_TRANSCRIPTION"
	TypeLocationUpdate         UpstreamType = "LOCATION_UPDATE"
	TypeCalendarEvent          UpstreamType = "CALENDAR_EVENT"
	TypeRTMPStreamStatus       UpstreamType = "RTMP_STREAM_STATUS"
	TypeKeepAliveAck           UpstreamType = "KEEP_ALIVE_ACK"
	TypePhotoResponse          UpstreamType = "PHOTO_RESPONSE"
	TypeAudioPlayResponse      UpstreamType = "AUDIO_PLAY_RESPONSE"
	TypeRGBLEDControlResponse  UpstreamType = "RGB_LED_CONTROL_RESPONSE"
	TypeHeadPosition           UpstreamType = "HEAD_POSITION"
	TypeTouchEvent             UpstreamType = "TOUCH_EVENT"

	// Outbound to glasses.
	TypeMicrophoneStateChange UpstreamType = "MICROPHONE_STATE_CHANGE"
	TypePhotoRequest          UpstreamType = "PHOTO_REQUEST"
	TypeRGBLEDControl         UpstreamType = "RGB_LED_CONTROL"
	TypeAudioPlayRequest      UpstreamType = "AUDIO_PLAY_REQUEST"
	TypeAudioStopRequest      UpstreamType = "AUDIO_STOP_REQUEST"
	TypeShowWifiSetup         UpstreamType = "SHOW_WIFI_SETUP"
	TypeAppStateChange        UpstreamType = "APP_STATE_CHANGE"
)

// Envelope is decoded first to discover Type before unmarshalling the full
// payload into the concrete type it names.
type Envelope struct {
	Type UpstreamType `json:"type"`
}

// GlassesConnectionState reports whether the physical glasses are attached
// to the phone relay that owns this upstream channel.
type GlassesConnectionState struct {
	Type      UpstreamType `json:"type"`
	Connected bool         `json:"connected"`
	ModelName string       `json:"modelName,omitempty"`
}

// VAD is a voice-activity-detection frame, true while the wearer is
// speaking.
type VAD struct {
	Type   UpstreamType `json:"type"`
	Active bool         `json:"active"`
}

// LocalTranscription carries an on-device speech-to-text result.
type LocalTranscription struct {
	Type           UpstreamType `json:"type"`
	Text           string       `json:"text"`
	Language       string       `json:"language,omitempty"`
	IsFinal        bool         `json:"isFinal"`
	TranscribeTime int64        `json:"transcribeTime,omitempty"`
}

// LocationUpdate carries a GPS fix from the phone.
type LocationUpdate struct {
	Type      UpstreamType `json:"type"`
	Latitude  float64      `json:"lat"`
	Longitude float64      `json:"lng"`
	AccuracyM float64      `json:"accuracyM,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// CalendarEvent relays a phone-calendar event to subscribed apps.
type CalendarEvent struct {
	Type      UpstreamType `json:"type"`
	EventID   string       `json:"eventId"`
	Title     string       `json:"title"`
	StartTime int64        `json:"startTime"`
	EndTime   int64        `json:"endTime"`
}

// RTMPStreamStatus reports the state of an in-progress RTMP stream,
// distinguishing a managed stream (started by a specific app, routed only
// to that app) from an unmanaged one (routed to every RTMP_STATUS
// subscriber). ManagedByPackage is empty for unmanaged streams.
type RTMPStreamStatus struct {
	Type              UpstreamType `json:"type"`
	StreamID          string       `json:"streamId"`
	Status            string       `json:"status"`
	ManagedByPackage  string       `json:"managedByPackage,omitempty"`
	Error             string       `json:"error,omitempty"`
}

// KeepAliveAck acknowledges an upstream keep-alive ping sent as part of
// the microphone policy engine's keep-alive cycle.
type KeepAliveAck struct {
	Type UpstreamType `json:"type"`
}

// PhotoResponse carries the result of a PhotoRequest, correlated by
// RequestID.
type PhotoResponse struct {
	Type      UpstreamType `json:"type"`
	RequestID string       `json:"requestId"`
	Success   bool         `json:"success"`
	MimeType  string       `json:"mimeType,omitempty"`
	ErrorCode ErrorCode    `json:"errorCode,omitempty"`
	// Data is the binary payload delivered out-of-band on the same frame's
	// companion binary message; it is never carried inline in JSON.
}

// AudioPlayResponse reports the outcome of an AudioPlayRequest.
type AudioPlayResponse struct {
	Type      UpstreamType `json:"type"`
	RequestID string       `json:"requestId"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
}

// RGBLEDControlResponse acknowledges an RGBLEDControl request.
type RGBLEDControlResponse struct {
	Type      UpstreamType `json:"type"`
	RequestID string       `json:"requestId"`
	Success   bool         `json:"success"`
}

// HeadPosition reports IMU-derived head orientation.
type HeadPosition struct {
	Type  UpstreamType `json:"type"`
	Pitch float64      `json:"pitch"`
	Yaw   float64      `json:"yaw"`
	Roll  float64      `json:"roll"`
}

// TouchEvent reports a physical gesture on the glasses' touch surface.
type TouchEvent struct {
	Type    UpstreamType `json:"type"`
	Gesture string       `json:"gesture"`
}

// MicrophoneStateChange is emitted by the microphone policy engine to tell
// the glasses whether to open the mic, which audio shapes it needs
// (requiredData, a subset of pcm/transcription/pcm_or_transcription,
// forced empty when disabling), and whether VAD gating is bypassed.
type MicrophoneStateChange struct {
	Type                UpstreamType `json:"type"`
	IsMicrophoneEnabled bool         `json:"isMicrophoneEnabled"`
	RequiredData        []string     `json:"requiredData"`
	BypassVAD           bool         `json:"bypassVad"`
	RequiredLangs       []string     `json:"requiredLanguages,omitempty"`
}

// PhotoRequest asks the glasses to capture a photo.
type PhotoRequest struct {
	Type        UpstreamType `json:"type"`
	RequestID   string       `json:"requestId"`
	RequestedBy string       `json:"requestedBy"`
	SaveToGallery bool       `json:"saveToGallery,omitempty"`
}

// RGBLEDControl drives the glasses' status LED.
type RGBLEDControl struct {
	Type      UpstreamType `json:"type"`
	RequestID string       `json:"requestId"`
	R         uint8        `json:"r"`
	G         uint8        `json:"g"`
	B         uint8        `json:"b"`
	Pattern   string       `json:"pattern,omitempty"`
}

// AudioPlayRequest asks the glasses to play an audio clip.
type AudioPlayRequest struct {
	Type      UpstreamType `json:"type"`
	RequestID string       `json:"requestId"`
	URL       string       `json:"url"`
	Volume    float64      `json:"volume,omitempty"`
}

// AudioStopRequest stops an in-progress AudioPlayRequest.
type AudioStopRequest struct {
	Type      UpstreamType `json:"type"`
	RequestID string       `json:"requestId"`
}

// ShowWifiSetup asks the glasses to render its wifi-setup flow, emitted
// when an app's request fails with WIFI_NOT_CONNECTED.
type ShowWifiSetup struct {
	Type UpstreamType `json:"type"`
}

// AppStateChange tells the glasses which app just started, stopped, or
// changed foreground state, so on-device UI (e.g. a HUD indicator) can
// update.
type AppStateChange struct {
	Type        UpstreamType `json:"type"`
	PackageName string       `json:"packageName"`
	State       string       `json:"state"`
}

// Marshal is a thin wrapper so callers don't reach for encoding/json
// directly at every call site, matching the teacher's preference for one
// narrow serialization seam per package.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }
