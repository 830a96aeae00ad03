// Package session implements the per-user Session (§4 overview): the
// object that multiplexes one upstream glasses/phone channel and zero or
// more downstream app channels, owning the subscription index, microphone
// policy engine and photo coordinator, and routing messages between the
// two dispatch surfaces (§4.5 upstream→apps, §4.6 app→upstream/apps).
//
// Grounded on the teacher's SessionStore in
// service/router_go/server/session_store.go: a process-wide registry keyed
// by id, createOrReplace-with-dispose semantics, and one mutex-guarded
// struct per live session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glasses-os/session-core/internal/appcatalog"
	"github.com/glasses-os/session-core/internal/appsession"
	"github.com/glasses-os/session-core/internal/eventbus"
	"github.com/glasses-os/session-core/internal/metrics"
	"github.com/glasses-os/session-core/internal/microphone"
	"github.com/glasses-os/session-core/internal/photo"
	"github.com/glasses-os/session-core/internal/restracker"
	"github.com/glasses-os/session-core/internal/subscription"
	"github.com/glasses-os/session-core/internal/transport"
	"github.com/glasses-os/session-core/internal/webhook"
	"github.com/glasses-os/session-core/internal/wire"
)

// LanguageChangeDebounce is the second, session-scoped debounce layer for a
// pure required-language-set change, distinct from and layered on top of
// microphone.Manager's own 100ms subscription-change debounce: a burst of
// language-qualified subscribe/unsubscribe calls settles here before the
// transcription side-effect is forwarded to the microphone policy engine.
const LanguageChangeDebounce = 500 * time.Millisecond

// Session owns one user's upstream channel and the app channels multiplexed
// beneath it.
type Session struct {
	userID  string
	logger  *slog.Logger
	tracker *restracker.Tracker

	catalog appcatalog.Store
	events  eventbus.Publisher
	hooks   *webhook.Dispatcher

	mu       sync.RWMutex
	upstream transport.Channel
	apps     map[string]*appsession.AppSession

	subs  *subscription.Manager
	mic   *microphone.Manager
	photo *photo.Manager

	audioMu       sync.Mutex
	audioRequests map[string]string // requestId -> owning app package, for AUDIO_PLAY_RESPONSE correlation

	dataMu       sync.Mutex
	lastDatetime *time.Time // last known user wall-clock time, pushed to an app on custom_message subscribe

	micNotifyMu               sync.Mutex
	lastNotifiedPCM           bool
	lastNotifiedTranscription bool
	lastNotifiedLangsKey      string
	langsDebounceTimer        *time.Timer
}

// New constructs a Session with its managers wired together: subscription
// changes recompute the microphone policy and are recorded into the
// originating app's history.
func New(userID string, logger *slog.Logger, catalog appcatalog.Store, events eventbus.Publisher, hooks *webhook.Dispatcher) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "userId", userID)

	if hooks == nil {
		hooks = webhook.New(webhook.DefaultTimeout, logger)
	}

	s := &Session{
		userID:  userID,
		logger:  logger,
		tracker: restracker.New(),
		catalog: catalog,
		events:  events,
		hooks:         hooks,
		apps:          make(map[string]*appsession.AppSession),
		audioRequests: make(map[string]string),
	}
	s.subs = subscription.NewManager(s.onSubscriptionChange)
	s.mic = microphone.New(micSender{s}, logger)
	s.photo = photo.New(photoRequester{s}, s.deliverPhotoResult, logger)
	s.tracker.Track(s.mic.Dispose)
	s.tracker.Track(s.photo.CancelAll)

	metrics.GetMetricCreator().RecordUpDownCounter(context.Background(), "session.active", 1, "1", "live Sessions", nil)
	return s
}

// micSender and photoRequester adapt Session's upstream send to the narrow
// interfaces microphone.Manager and photo.Manager depend on, keeping those
// packages ignorant of transport.Channel and wire.Envelope framing.
type micSender struct{ s *Session }

func (m micSender) SendMicrophoneState(ctx context.Context, msg wire.MicrophoneStateChange) error {
	return m.s.sendUpstream(ctx, msg)
}

type photoRequester struct{ s *Session }

func (p photoRequester) SendPhotoRequest(ctx context.Context, req wire.PhotoRequest) error {
	return p.s.sendUpstream(ctx, req)
}

func (s *Session) sendUpstream(ctx context.Context, v any) error {
	b, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.RLock()
	ch := s.upstream
	s.mu.RUnlock()
	if ch == nil {
		return transport.ErrNotOpen
	}
	return ch.Send(ctx, transport.Frame{Type: transport.TextFrame, Payload: b})
}

// AttachUpstream installs (or replaces) the glasses/phone channel and
// forces a microphone policy resync, since the previous firmware-side mic
// state can't be assumed to survive a reconnect.
func (s *Session) AttachUpstream(ch transport.Channel) {
	s.mu.Lock()
	s.upstream = ch
	s.mu.Unlock()
	s.mic.ForceResync()
}

// GetOrCreateAppSession returns the existing AppSession for pkg, or
// creates a new one in CONNECTING state.
func (s *Session) GetOrCreateAppSession(pkg string) *appsession.AppSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.apps[pkg]; ok && a.State() != appsession.StateStopped {
		return a
	}
	a := appsession.New(pkg, s.logger, appsession.Hooks{
		OnGraceExpired: s.onGraceExpired,
		OnStateChange: func(pkg string, old, new appsession.State) {
			s.notifyAppStateChange(pkg, new.String())
		},
	})
	s.apps[pkg] = a
	return a
}

// onGraceExpired is AppSession's OnGraceExpired hook (§4.1a): it asks the
// app catalog whether pkg declared itself resurrectable, and if so fires
// the resurrection webhook asynchronously — a failed or slow POST must
// never delay the state machine's transition to DORMANT.
func (s *Session) onGraceExpired(pkg string) bool {
	resurrectable := s.catalog.SupportsResurrection(pkg)
	if !resurrectable {
		return false
	}
	if url, ok := s.catalog.WebhookURL(pkg); ok {
		s.hooks.DispatchAsync(url, webhook.ResurrectionEvent{
			UserID:      s.userID,
			PackageName: pkg,
			Reason:      webhook.ReasonGraceExpired,
		})
	} else {
		s.logger.Warn("app declared resurrectable but has no webhook URL", "package", pkg)
	}
	return true
}

// HandleUpstreamAudio notifies the microphone policy engine that a binary
// audio frame arrived on the upstream channel (§4.5: "binary frames ...
// trigger MicrophoneManager.onAudioReceived()"). The audio bytes
// themselves are the audio manager's concern, which sits outside the core.
func (s *Session) HandleUpstreamAudio() {
	s.mic.OnAudioReceived()
}

func (s *Session) appSession(pkg string) (*appsession.AppSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apps[pkg]
	return a, ok
}

// onSubscriptionChange is the subscription.Manager change-notifier for a
// SUBSCRIPTION_UPDATE frame: it recomputes the microphone policy (through
// the session-level language-change debounce layer, scheduleMicUpdate),
// records the transition into the originating app's bounded history,
// pushes any cached user-datetime to an app that just subscribed to
// custom_message, and finally notifies the glasses of the app's state.
func (s *Session) onSubscriptionChange(pkg string, old, new []subscription.Key) {
	hasPCM, hasTranscription, _ := s.subs.HasPCMTranscriptionSubscriptions()
	langs := langTagsFromKeys(s.subs.GetMinimalLanguageSubscriptions())
	s.scheduleMicUpdate(hasPCM, hasTranscription, langs)

	a, ok := s.appSession(pkg)
	if ok {
		a.RecordSubscriptionChange(old, new)
	}

	if !containsBase(old, subscription.CustomMessage) && containsBase(new, subscription.CustomMessage) {
		s.pushCachedDatetime(pkg)
	}

	if ok {
		s.notifyAppStateChange(pkg, a.State().String())
	}
}

// scheduleMicUpdate forwards a subscription-derived recomputation to the
// microphone policy engine. A change to hasPCM/hasTranscription itself (the
// on/off decision) is forwarded immediately — microphone.Manager has its
// own 100ms recompute debounce for that. A change to the required-language
// set alone goes through a second, 500ms per-session debounce
// (LanguageChangeDebounce) first, so a burst of language-qualified
// subscribe/unsubscribe calls settles before the transcription side-effect
// reaches the glasses.
func (s *Session) scheduleMicUpdate(hasPCM, hasTranscription bool, langs []string) {
	langsKey := strings.Join(langs, ",")

	s.micNotifyMu.Lock()
	mediaChanged := hasPCM != s.lastNotifiedPCM || hasTranscription != s.lastNotifiedTranscription
	langsChanged := langsKey != s.lastNotifiedLangsKey
	s.lastNotifiedPCM = hasPCM
	s.lastNotifiedTranscription = hasTranscription
	s.lastNotifiedLangsKey = langsKey

	if s.langsDebounceTimer != nil {
		s.langsDebounceTimer.Stop()
		s.langsDebounceTimer = nil
	}

	if mediaChanged {
		s.micNotifyMu.Unlock()
		s.mic.HandleSubscriptionChange(hasPCM, hasTranscription, langs)
		return
	}

	if !langsChanged {
		s.micNotifyMu.Unlock()
		return
	}

	timer := time.AfterFunc(LanguageChangeDebounce, func() {
		s.mic.HandleSubscriptionChange(hasPCM, hasTranscription, langs)
	})
	s.langsDebounceTimer = timer
	s.micNotifyMu.Unlock()
	s.tracker.TrackTimer(timer.Stop)
}

// containsBase reports whether keys includes a subscription of base.
func containsBase(keys []subscription.Key, base subscription.BaseType) bool {
	for _, k := range keys {
		if k.Base == base {
			return true
		}
	}
	return false
}

// SetCachedDatetime updates the last-known user wall-clock time, pushed via
// a CustomMessage to any app that subsequently subscribes to
// custom_message. Nothing in this core's inbound frame set currently sets
// this cache; it is exposed for whichever upstream collaborator owns
// wall-clock sync (open design decision, recorded in DESIGN.md).
func (s *Session) SetCachedDatetime(t time.Time) {
	s.dataMu.Lock()
	s.lastDatetime = &t
	s.dataMu.Unlock()
}

// pushCachedDatetime delivers the cached user-datetime to pkg's channel, if
// both a cached value and an open channel exist.
func (s *Session) pushCachedDatetime(pkg string) {
	s.dataMu.Lock()
	dt := s.lastDatetime
	s.dataMu.Unlock()
	if dt == nil {
		return
	}

	a, ok := s.appSession(pkg)
	if !ok || !a.IsOpen() {
		return
	}
	b, err := wire.Marshal(wire.CustomMessage{
		Type:    wire.TypeCustomMessage,
		Payload: map[string]any{"datetime": dt.Format(time.RFC3339)},
	})
	if err != nil {
		s.logger.Error("marshal cached datetime custom message", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Send(ctx, transport.Frame{Type: transport.TextFrame, Payload: b}); err != nil {
		s.logger.Warn("failed to push cached datetime", "package", pkg, "error", err)
	}
}

// notifyAppStateChange emits APP_STATE_CHANGE upstream so on-device UI can
// reflect an app's lifecycle transition or subscription update. Best-effort:
// an upstream that isn't open is not an error worth surfacing to the caller.
func (s *Session) notifyAppStateChange(pkg, state string) {
	if err := s.sendUpstream(context.Background(), wire.AppStateChange{
		Type:        wire.TypeAppStateChange,
		PackageName: pkg,
		State:       state,
	}); err != nil {
		s.logger.Debug("failed to notify glasses of app state change", "package", pkg, "error", err)
	}
}

func langTagsFromKeys(keys []subscription.Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.TranscribeLanguage != "" {
			out = append(out, k.TranscribeLanguage)
		}
	}
	return out
}

// HandleAppSubscriptionUpdate applies a SUBSCRIPTION_UPDATE frame from
// pkg's channel, rejecting an empty list sent immediately after a
// reconnect (§4.1's reconnect guard window) and otherwise delegating
// through the app's own enqueue chain via subscription.Manager.
func (s *Session) HandleAppSubscriptionUpdate(pkg string, keys []subscription.Key, locationRate *float64) error {
	a, ok := s.appSession(pkg)
	if !ok {
		return fmt.Errorf("session: no app session for %q", pkg)
	}
	if len(keys) == 0 && a.InReconnectGuardWindow() {
		return fmt.Errorf("session: rejecting empty subscription list within reconnect guard window")
	}
	if err := s.subs.UpdateSubscriptions(a, keys); err != nil {
		return err
	}
	a.SetLocationRate(locationRate)
	return nil
}

// HandleOwnershipRelease marks pkg's AppSession so its next disconnect
// bypasses the grace period, and best-effort publishes the handoff so
// other nodes backing the same user (if any) observe it. Publishing is
// fire-and-forget: the core's own behavior never depends on the publish
// succeeding.
func (s *Session) HandleOwnershipRelease(ctx context.Context, pkg string, resourceID string, toPackage string) {
	if a, ok := s.appSession(pkg); ok {
		a.MarkOwnershipReleased()
	}
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, eventbus.SessionEvent{
		UserID:      s.userID,
		Type:        eventbus.EventOwnershipReleased,
		PackageName: pkg,
		ResourceID:  resourceID,
		ToPackage:   toPackage,
		At:          time.Now(),
	}); err != nil {
		s.logger.Warn("failed to publish ownership-release event", "error", err)
	}
}

// RequestPhoto starts a photo request on behalf of pkg, first checking the
// CAMERA permission through the app catalog.
func (s *Session) RequestPhoto(ctx context.Context, pkg, requestID string, saveToGallery bool) error {
	if err := s.checkCameraPermission(ctx, pkg); err != nil {
		return err
	}
	metrics.GetMetricCreator().RecordCounter(ctx, "photo.requests", 1, "1", "photo requests accepted", map[string]string{"package": pkg})
	return s.photo.RequestPhoto(ctx, pkg, requestID, saveToGallery)
}

func (s *Session) deliverPhotoResult(pkg string, result photo.Result) {
	a, ok := s.appSession(pkg)
	if !ok || !a.IsOpen() {
		return
	}
	frame := wire.DataStream{
		Type:      wire.TypeDataStream,
		StreamKey: subscription.New(subscription.PhotoResponse).String(),
		Payload:   result,
	}
	b, err := wire.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal photo result", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Send(ctx, transport.Frame{Type: transport.TextFrame, Payload: b}); err != nil {
		s.logger.Warn("failed to deliver photo result", "package", pkg, "error", err)
	}
}

// HandlePhotoResponse completes an in-flight photo request from a
// PHOTO_RESPONSE upstream frame.
func (s *Session) HandlePhotoResponse(resp wire.PhotoResponse, data []byte) {
	s.photo.HandleResponse(resp, data)
}

// HandleTouchEvent fans a gesture out to every app whose subscription
// (exact, gesture-qualified, or wildcard) matches it.
func (s *Session) HandleTouchEvent(gesture string) []string {
	recipients := s.subs.GetSubscribedAppsForEvent(subscription.TouchEvent, "", "", gesture)
	for _, pkg := range recipients {
		s.relayDataStream(pkg, subscription.New(subscription.TouchEvent, subscription.WithGesture(gesture)), wire.TouchEvent{Type: wire.TypeTouchEvent, Gesture: gesture})
	}
	return recipients
}

func (s *Session) relayDataStream(pkg string, key subscription.Key, payload any) {
	a, ok := s.appSession(pkg)
	if !ok || !a.IsOpen() {
		return
	}
	b, err := wire.Marshal(wire.DataStream{Type: wire.TypeDataStream, StreamKey: key.String(), Payload: payload})
	if err != nil {
		s.logger.Error("marshal data stream", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Send(ctx, transport.Frame{Type: transport.TextFrame, Payload: b}); err != nil {
		s.logger.Warn("failed to relay data stream", "package", pkg, "error", err)
	}
}

// Dispose tears the Session down: stops every app session, clears the
// subscription index, and releases every tracked timer.
func (s *Session) Dispose() {
	s.mu.Lock()
	apps := make([]*appsession.AppSession, 0, len(s.apps))
	for _, a := range s.apps {
		apps = append(apps, a)
	}
	upstream := s.upstream
	s.upstream = nil
	s.mu.Unlock()

	for _, a := range apps {
		s.subs.Clear(a.PackageName())
		a.Stop()
	}
	if upstream != nil {
		_ = upstream.Close(1000, "session disposed")
	}
	s.tracker.Dispose()
	metrics.GetMetricCreator().RecordUpDownCounter(context.Background(), "session.active", -1, "1", "live Sessions", nil)
}

// Registry is the process-wide userId→Session map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the existing Session for userID, if any.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// CreateOrReplace disposes any existing Session for userID and installs
// the replacement, matching the teacher's dispose-then-replace semantics
// so a resumed connection never races a half-torn-down prior session.
func (r *Registry) CreateOrReplace(userID string, build func() *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[userID]; ok {
		existing.Dispose()
	}
	s := build()
	r.sessions[userID] = s
	return s
}

// Remove disposes and removes userID's Session, if present.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		s.Dispose()
		delete(r.sessions, userID)
	}
}

// Len reports the number of live sessions, used by graceful shutdown to
// poll for drain.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UserIDs returns the userId of every live session, used by the operator
// API to list what's currently connected.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// AppPackages returns the package names of every app session this Session
// currently knows about, used by the operator API's session-detail view.
func (s *Session) AppPackages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.apps))
	for pkg := range s.apps {
		out = append(out, pkg)
	}
	return out
}
