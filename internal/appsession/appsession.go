// Package appsession implements the per-app connection lifecycle (§4.1):
// the CONNECTING → RUNNING → GRACE_PERIOD → {DORMANT, STOPPING} → STOPPED
// state machine (RESURRECTING is accepted by HandleConnect, but nothing in
// this package enters it), the per-app enqueue ordering chain
// that fixes the overlapping-subscription-update race (source calls this
// "Issue 008"), and the bounded subscription history an app's connection
// carries across a reconnect.
//
// Grounded on the teacher's Session type in
// service/router_go/server/session_store.go: a mutex-guarded struct with
// an atomic "deleted" guard and explicit cancel funcs for every background
// goroutine, composed here with internal/restracker instead of a bespoke
// sync.Once so every timer this type arms is released through one path.
package appsession

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glasses-os/session-core/internal/restracker"
	"github.com/glasses-os/session-core/internal/subscription"
	"github.com/glasses-os/session-core/internal/transport"
)

// State is a position in the AppSession lifecycle state machine.
type State int

const (
	StateConnecting State = iota
	StateRunning
	StateGracePeriod
	StateResurrecting
	StateDormant
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateRunning:
		return "RUNNING"
	case StateGracePeriod:
		return "GRACE_PERIOD"
	case StateResurrecting:
		return "RESURRECTING"
	case StateDormant:
		return "DORMANT"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

const (
	// GracePeriod is how long a disconnected app's RUNNING state is held
	// open for a reconnect before falling to DORMANT or STOPPING.
	GracePeriod = 5 * time.Second

	// ReconnectGuardWindow rejects an empty subscription list arriving this
	// soon after a reconnect, guarding against an app's client SDK
	// overwriting its persisted subscriptions with an empty initial update
	// before it has finished loading them.
	ReconnectGuardWindow = 8 * time.Second

	// HeartbeatInterval governs the app-facing websocket ping sent while
	// RUNNING, distinct from the microphone keep-alive in
	// internal/microphone. Pong receipt is observational only (logged);
	// it never by itself disconnects the app.
	HeartbeatInterval = 10 * time.Second

	// MaxSubscriptionHistory bounds the ring of recorded subscription
	// transitions kept across reconnects for diagnostics.
	MaxSubscriptionHistory = 50
)

// SubscriptionEvent records one accepted subscription replacement.
type SubscriptionEvent struct {
	At  time.Time
	Old []subscription.Key
	New []subscription.Key
}

// Hooks are the Session-level callbacks an AppSession invokes on lifecycle
// transitions. All are optional; nil hooks are simply skipped. They run
// synchronously on whatever goroutine triggers the transition, so a Session
// implementation must not block long inside one.
type Hooks struct {
	// OnStateChange fires after state has already been updated.
	OnStateChange func(pkg string, old, new State)

	// OnGraceExpired decides what happens when the grace timer fires with
	// no reconnect: return true to move to DORMANT (app declared itself
	// resurrectable), false to move straight to STOPPING.
	OnGraceExpired func(pkg string) (resurrectable bool)
}

// AppSession is one third-party app's connection to a user's Session.
type AppSession struct {
	pkg     string
	logger  *slog.Logger
	tracker *restracker.Tracker
	hooks   Hooks

	enqueueMu sync.Mutex

	mu                sync.RWMutex
	state             State
	channel           transport.Channel
	connectedAt       time.Time
	ownershipReleased bool

	locationRate *float64
	history      []SubscriptionEvent

	lastPongAt time.Time
}

// New returns a new AppSession in CONNECTING state, not yet attached to a
// channel.
func New(pkg string, logger *slog.Logger, hooks Hooks) *AppSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppSession{
		pkg:     pkg,
		logger:  logger.With("component", "appsession", "package", pkg),
		tracker: restracker.New(),
		hooks:   hooks,
		state:   StateConnecting,
	}
}

// PackageName satisfies subscription.AppUpdater.
func (a *AppSession) PackageName() string { return a.pkg }

// State returns the current lifecycle state.
func (a *AppSession) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// IsOpen reports whether the AppSession currently holds a live, writable
// channel — true only in RUNNING, matching the "state implies channel
// ready-state" invariant.
func (a *AppSession) IsOpen() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state == StateRunning && a.channel != nil && a.channel.ReadyState() == transport.Open
}

// HandleConnect attaches ch as this app's live channel and transitions to
// RUNNING, cancelling any pending grace timer. Valid from CONNECTING,
// GRACE_PERIOD, DORMANT and RESURRECTING; any other state is a programmer
// error in the dispatcher and returns false.
func (a *AppSession) HandleConnect(ch transport.Channel) bool {
	a.mu.Lock()
	switch a.state {
	case StateConnecting, StateGracePeriod, StateDormant, StateResurrecting:
	default:
		a.mu.Unlock()
		return false
	}
	old := a.state
	a.state = StateRunning
	a.channel = ch
	a.connectedAt = time.Now()
	a.lastPongAt = a.connectedAt
	a.mu.Unlock()

	ch.OnPong(func() {
		a.mu.Lock()
		a.lastPongAt = time.Now()
		a.mu.Unlock()
		a.logger.Debug("pong received")
	})

	a.startHeartbeat(ch)
	a.notifyState(old, StateRunning)
	return true
}

// HandleDisconnect is called when the channel closes or errors. If
// ownership has been released, the app skips the grace period entirely and
// goes straight to STOPPING (the handoff path, §4.1's ownership-release
// bypass). Otherwise it enters GRACE_PERIOD and arms the grace timer.
func (a *AppSession) HandleDisconnect() {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return
	}
	a.channel = nil
	released := a.ownershipReleased
	old := a.state
	if released {
		a.state = StateStopping
	} else {
		a.state = StateGracePeriod
	}
	a.mu.Unlock()

	a.notifyState(old, a.State())

	if released {
		a.Stop()
		return
	}

	timer := time.AfterFunc(GracePeriod, a.onGraceExpired)
	a.tracker.TrackTimer(timer.Stop)
}

func (a *AppSession) onGraceExpired() {
	a.mu.Lock()
	if a.state != StateGracePeriod {
		a.mu.Unlock()
		return
	}
	resurrectable := false
	if a.hooks.OnGraceExpired != nil {
		a.mu.Unlock()
		resurrectable = a.hooks.OnGraceExpired(a.pkg)
		a.mu.Lock()
	}
	if a.state != StateGracePeriod {
		a.mu.Unlock()
		return
	}
	old := a.state
	if resurrectable {
		a.state = StateDormant
	} else {
		a.state = StateStopping
	}
	next := a.state
	a.mu.Unlock()

	a.notifyState(old, next)
	if next == StateStopping {
		a.Stop()
	}
}

// MarkOwnershipReleased flags this app as having handed off ownership of a
// resource (e.g. an exclusive stream) to another app. A subsequent
// HandleDisconnect skips the grace period.
func (a *AppSession) MarkOwnershipReleased() {
	a.mu.Lock()
	a.ownershipReleased = true
	a.mu.Unlock()
}

// InReconnectGuardWindow reports whether the app reconnected recently
// enough that an empty subscription list should be treated with suspicion
// rather than applied as "unsubscribe from everything".
func (a *AppSession) InReconnectGuardWindow() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state == StateRunning && time.Since(a.connectedAt) < ReconnectGuardWindow
}

// Enqueue serializes fn against every other call to Enqueue for this app,
// fixing the overlapping-subscription-update race: two updates arriving
// back to back apply in arrival order instead of racing on the shared
// subscription index.
func (a *AppSession) Enqueue(fn func() error) error {
	a.enqueueMu.Lock()
	defer a.enqueueMu.Unlock()
	return fn()
}

// RecordSubscriptionChange appends a bounded history entry. Called by the
// Session's subscription change-notifier, which runs inside the same
// Enqueue section that applied the change, so history entries are recorded
// in the same order they took effect.
func (a *AppSession) RecordSubscriptionChange(old, new []subscription.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, SubscriptionEvent{At: time.Now(), Old: old, New: new})
	if len(a.history) > MaxSubscriptionHistory {
		a.history = a.history[len(a.history)-MaxSubscriptionHistory:]
	}
}

// SetLocationRate records the app's requested location-poll interval in
// seconds, carried alongside (but not derived from) its subscription set
// since LOCATION_STREAM subscriptions don't encode a rate in the key
// itself.
func (a *AppSession) SetLocationRate(rate *float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locationRate = rate
}

// History returns a copy of the recorded subscription transitions, oldest
// first.
func (a *AppSession) History() []SubscriptionEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]SubscriptionEvent, len(a.history))
	copy(out, a.history)
	return out
}

// LocationRate returns the app's currently requested location-poll
// interval in seconds, or nil if it has none.
func (a *AppSession) LocationRate() *float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.locationRate
}

// Send writes a frame to the app's channel. Returns transport.ErrNotOpen
// if the app is not currently RUNNING with a live channel.
func (a *AppSession) Send(ctx context.Context, f transport.Frame) error {
	a.mu.RLock()
	ch := a.channel
	open := a.state == StateRunning
	a.mu.RUnlock()
	if !open || ch == nil {
		return transport.ErrNotOpen
	}
	return ch.Send(ctx, f)
}

// startHeartbeat sends a ping over ch every HeartbeatInterval while it
// remains this app's open channel. Pong receipt is purely observational
// (logged via the OnPong handler installed in HandleConnect); a missed
// pong never disconnects the app. If the channel is no longer open at tick
// time, the interval is cleared.
func (a *AppSession) startHeartbeat(ch transport.Channel) {
	ticker := time.NewTicker(HeartbeatInterval)
	done := make(chan struct{})
	a.tracker.Track(func() {
		ticker.Stop()
		close(done)
	})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				a.mu.RLock()
				current := a.channel
				open := current == ch && current != nil && current.ReadyState() == transport.Open
				a.mu.RUnlock()
				if !open {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := ch.Ping(ctx); err != nil {
					a.logger.Warn("ping failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Stop tears the AppSession down for good: closes its channel, releases
// every tracked resource, and marks STOPPED. It does not clear the app's
// entries from any subscription index (the caller is expected to call
// subscription.Manager.Clear separately — AppSession does not hold a
// Manager reference, to avoid a dependency cycle with whatever owns the
// Manager). Idempotent.
func (a *AppSession) Stop() {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return
	}
	old := a.state
	a.state = StateStopping
	ch := a.channel
	a.channel = nil
	a.mu.Unlock()

	if ch != nil {
		_ = ch.Close(1000, "app session stopped")
	}
	a.tracker.Dispose()

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()

	a.notifyState(old, StateStopped)
}

func (a *AppSession) notifyState(old, new State) {
	if old == new {
		return
	}
	a.logger.Debug("state transition", "from", old, "to", new)
	if a.hooks.OnStateChange != nil {
		a.hooks.OnStateChange(a.pkg, old, new)
	}
}
