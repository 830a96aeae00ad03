// Package microphone implements the microphone policy engine (§4.3): a
// debounced translator from subscription facts (does any app need PCM or
// transcription right now?) to the MICROPHONE_STATE_CHANGE frames sent
// upstream to the glasses, plus the keep-alive cycle and the guards against
// rapid on/off flapping and unauthorized audio.
//
// Grounded on the teacher's debounce/backoff idiom in utils/backoff.go and
// the timer-via-restracker pattern used throughout this repo; the policy
// itself has no analog in the teacher and is built directly from the
// design notes' literal timing constants.
package microphone

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glasses-os/session-core/internal/restracker"
	"github.com/glasses-os/session-core/internal/wire"
)

const (
	// SubscriptionDebounce coalesces a burst of subscription changes
	// (several apps updating in quick succession) into one policy
	// evaluation.
	SubscriptionDebounce = 100 * time.Millisecond

	// SendDebounce is the minimum gap between two MICROPHONE_STATE_CHANGE
	// frames actually written to the glasses channel.
	SendDebounce = 1 * time.Second

	// MicOffHoldDown delays turning the mic off for this long after the
	// last media subscriber goes away; the mic turns off only if no media
	// subscriber has returned by then, to damp flapping when subscriptions
	// toggle rapidly.
	MicOffHoldDown = 3 * time.Second

	// KeepAliveInterval re-sends the current mic state on this cadence
	// while the mic is enabled, so the glasses firmware's own idle-timeout
	// never fires under an app that is still actively subscribed.
	KeepAliveInterval = 10 * time.Second

	// UnauthorizedAudioGuard is how long binary audio frames may arrive
	// while the policy believes the mic should be off before it's treated
	// as a firmware-state mismatch worth logging.
	UnauthorizedAudioGuard = 5 * time.Second
)

// Sender is the narrow upstream-channel surface the policy engine needs.
// Session supplies the concrete implementation backed by a transport.Channel.
type Sender interface {
	SendMicrophoneState(ctx context.Context, msg wire.MicrophoneStateChange) error
}

// Manager tracks the desired microphone state and drives it onto the
// upstream channel through the debounce, hold-down and keep-alive rules.
type Manager struct {
	sender  Sender
	logger  *slog.Logger
	tracker *restracker.Tracker

	mu sync.Mutex

	hasPCM           bool
	hasTranscription bool
	requiredLangs    []string

	lastSent        *bool
	lastSendAt      time.Time
	debounceTimer   *time.Timer
	sendDeferTimer  *time.Timer
	micOffHoldUntil time.Time

	unauthorizedSince time.Time
	keepAliveTimer    *time.Timer
}

// New returns a Manager with the mic assumed off and no keep-alive armed
// until the first subscription change or ForceResync.
func New(sender Sender, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	off := false
	return &Manager{
		sender:  sender,
		logger:  logger.With("component", "microphone"),
		tracker: restracker.New(),
		lastSent: &off,
	}
}

// HandleSubscriptionChange is called whenever the subscription index's
// derived hasPCM/hasTranscription booleans (or the set of required
// transcription languages) change. Debounced by SubscriptionDebounce so a
// burst of per-app updates settles before a policy decision is made.
func (m *Manager) HandleSubscriptionChange(hasPCM, hasTranscription bool, requiredLangs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hasPCM = hasPCM
	m.hasTranscription = hasTranscription
	m.requiredLangs = requiredLangs

	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(SubscriptionDebounce, m.evaluate)
	m.tracker.TrackTimer(m.debounceTimer.Stop)
}

// ForceResync sends the current policy immediately, bypassing the
// off hold-down and the send debounce, used when the glasses channel
// reconnects and its firmware-side mic state cannot be assumed to match
// ours.
func (m *Manager) ForceResync() {
	m.mu.Lock()
	m.micOffHoldUntil = time.Time{}
	m.lastSendAt = time.Time{}
	if m.sendDeferTimer != nil {
		m.sendDeferTimer.Stop()
	}
	hasPCM, hasTranscription, langs := m.hasPCM, m.hasTranscription, m.requiredLangs
	m.mu.Unlock()
	m.send(hasPCM || hasTranscription, hasPCM, hasPCM, hasTranscription, langs)
}

// OnAudioReceived is called for every binary audio frame received from the
// glasses. If the mic is believed off and frames keep arriving for longer
// than UnauthorizedAudioGuard, it logs a mismatch; callers may use this as
// a trigger to force a resync.
func (m *Manager) OnAudioReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()

	desiredOn := m.hasPCM || m.hasTranscription
	if desiredOn {
		m.unauthorizedSince = time.Time{}
		return
	}
	if m.unauthorizedSince.IsZero() {
		m.unauthorizedSince = time.Now()
		return
	}
	if time.Since(m.unauthorizedSince) > UnauthorizedAudioGuard {
		m.logger.Warn("receiving audio while mic policy says off", "since", m.unauthorizedSince)
		m.unauthorizedSince = time.Now()
	}
}

// evaluate computes the desired mic state and, subject to the hold-down
// and send-debounce rules, drives it onto the channel. hasMedia becoming
// true turns the mic on right away; hasMedia becoming (and staying) false
// arms a MicOffHoldDown timer and only turns the mic off once that timer
// fires and the state is still off, absorbing transient reconnect churn.
func (m *Manager) evaluate() {
	m.mu.Lock()
	desiredOn := m.hasPCM || m.hasTranscription
	bypassVAD := m.hasPCM
	hasPCM := m.hasPCM
	hasTranscription := m.hasTranscription
	langs := m.requiredLangs
	now := time.Now()

	if desiredOn {
		m.micOffHoldUntil = time.Time{}
	} else {
		switch {
		case m.micOffHoldUntil.IsZero():
			// Just transitioned away from needing media: arm the hold-down
			// and defer the off decision until it fires, instead of
			// sending off immediately.
			m.micOffHoldUntil = now.Add(MicOffHoldDown)
			holdDown := time.AfterFunc(MicOffHoldDown, m.evaluate)
			m.tracker.TrackTimer(holdDown.Stop)
			m.mu.Unlock()
			return
		case now.Before(m.micOffHoldUntil):
			// Hold-down already armed; the timer above will re-invoke
			// evaluate when it fires.
			m.mu.Unlock()
			return
		default:
			// Hold-down elapsed and hasMedia is still false: turn off.
			m.micOffHoldUntil = time.Time{}
		}
	}

	unchanged := m.lastSent != nil && *m.lastSent == desiredOn
	m.mu.Unlock()

	if unchanged {
		m.armKeepAlive(desiredOn, bypassVAD, hasPCM, hasTranscription, langs)
		return
	}

	m.send(desiredOn, bypassVAD, hasPCM, hasTranscription, langs)
}

// requiredDataFor computes the requiredData set the glasses need to
// satisfy either a raw-PCM consumer or a transcription consumer: this
// core always transcribes server-side, so either one asks the glasses
// for raw "pcm" audio. "transcription" and "pcm_or_transcription" are
// valid wire values reserved for on-device transcription capture, which
// this implementation never drives.
func requiredDataFor(hasPCM, hasTranscription bool) []string {
	if !hasPCM && !hasTranscription {
		return []string{}
	}
	return []string{"pcm"}
}

// send enforces SendDebounce before writing, coalescing the latest desired
// state if multiple evaluations land within the same debounce window.
func (m *Manager) send(on, bypassVAD, hasPCM, hasTranscription bool, langs []string) {
	m.mu.Lock()
	sinceLast := time.Since(m.lastSendAt)
	if sinceLast < SendDebounce {
		if m.sendDeferTimer != nil {
			m.sendDeferTimer.Stop()
		}
		remaining := SendDebounce - sinceLast
		m.sendDeferTimer = time.AfterFunc(remaining, func() { m.send(on, bypassVAD, hasPCM, hasTranscription, langs) })
		m.tracker.TrackTimer(m.sendDeferTimer.Stop)
		m.mu.Unlock()
		return
	}
	m.lastSendAt = time.Now()
	onCopy := on
	m.lastSent = &onCopy
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sender.SendMicrophoneState(ctx, wire.MicrophoneStateChange{
		Type:                wire.TypeMicrophoneStateChange,
		IsMicrophoneEnabled: on,
		RequiredData:        requiredDataFor(hasPCM, hasTranscription),
		BypassVAD:           bypassVAD,
		RequiredLangs:       langs,
	}); err != nil {
		m.logger.Warn("failed to send microphone state", "error", err)
	}

	m.armKeepAlive(on, bypassVAD, hasPCM, hasTranscription, langs)
}

func (m *Manager) armKeepAlive(on, bypassVAD, hasPCM, hasTranscription bool, langs []string) {
	m.mu.Lock()
	if m.keepAliveTimer != nil {
		m.keepAliveTimer.Stop()
	}
	if !on {
		m.mu.Unlock()
		return
	}
	m.keepAliveTimer = time.AfterFunc(KeepAliveInterval, func() {
		m.send(on, bypassVAD, hasPCM, hasTranscription, langs)
	})
	m.tracker.TrackTimer(m.keepAliveTimer.Stop)
	m.mu.Unlock()
}

// Dispose releases every armed timer. Idempotent.
func (m *Manager) Dispose() {
	m.tracker.Dispose()
}
