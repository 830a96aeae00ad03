package subscription

import (
	"fmt"
	"sort"
	"sync"
)

// AppUpdater is the narrow surface SubscriptionManager needs from an
// AppSession to serialize updates through its enqueue chain (§4.1
// "enqueue", §4.2 "delegates into the target AppSession's enqueue"). It is
// satisfied by *appsession.AppSession; the interface lives here, not there,
// so this package has no import-cycle dependency on appsession.
type AppUpdater interface {
	// PackageName returns the owning app's package name.
	PackageName() string
	// Enqueue serializes fn against any other pending operation for this
	// app, returning fn's error to the caller once it runs.
	Enqueue(fn func() error) error
}

// ChangeNotifier is invoked after a successful subscription replacement
// with the old and new sets, letting the Session notify the microphone
// policy engine and any other interested manager.
type ChangeNotifier func(pkg string, old, new []Key)

// Manager maintains the stream→apps and app→streams indexes for one
// session, plus the derived hasPCM/hasTranscription/hasMedia booleans.
// All mutation goes through UpdateSubscriptions (or Clear); readers see a
// stable snapshot via the accessor methods.
type Manager struct {
	mu sync.RWMutex

	byStream map[Key]map[string]bool // exact/base key -> set(packageName)
	byApp    map[string]map[Key]bool // packageName -> set(key)

	hasPCM           bool
	hasTranscription bool

	onChange ChangeNotifier
}

// NewManager returns an empty Manager. onChange may be nil.
func NewManager(onChange ChangeNotifier) *Manager {
	return &Manager{
		byStream: make(map[Key]map[string]bool),
		byApp:    make(map[string]map[Key]bool),
		onChange: onChange,
	}
}

// UpdateSubscriptions replaces app's subscription set with keys, delegating
// through app's enqueue chain so two overlapping calls for the same app
// apply in arrival order (the race the source calls out as Issue 008).
// Duplicate keys in the input are deduplicated. An invalid key fails the
// whole call.
func (m *Manager) UpdateSubscriptions(app AppUpdater, keys []Key) error {
	pkg := app.PackageName()
	return app.Enqueue(func() error {
		deduped, err := dedupeAndValidate(keys)
		if err != nil {
			return err
		}
		old, new := m.replace(pkg, deduped)
		if m.onChange != nil {
			m.onChange(pkg, old, new)
		}
		return nil
	})
}

// Clear removes every subscription for pkg (used on AppSession dispose).
// Unlike UpdateSubscriptions, this bypasses the enqueue chain because
// dispose is terminal and must not be reordered behind a pending update.
func (m *Manager) Clear(pkg string) {
	old, new := m.replace(pkg, nil)
	if m.onChange != nil && len(old) > 0 {
		m.onChange(pkg, old, new)
	}
}

func dedupeAndValidate(keys []Key) ([]Key, error) {
	seen := make(map[Key]bool, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if !knownBaseTypes[k.Base] {
			return nil, fmt.Errorf("subscription: invalid stream key %q", k.String())
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, nil
}

// replace atomically swaps pkg's subscription set and updates both indexes
// and the derived booleans. Returns the old and new sets for notification.
func (m *Manager) replace(pkg string, newKeys []Key) (old, new []Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldSet := m.byApp[pkg]
	old = setToSlice(oldSet)

	for k := range oldSet {
		m.unindexLocked(pkg, k)
	}

	if len(newKeys) == 0 {
		delete(m.byApp, pkg)
	} else {
		fresh := make(map[Key]bool, len(newKeys))
		for _, k := range newKeys {
			fresh[k] = true
			m.indexLocked(pkg, k)
		}
		m.byApp[pkg] = fresh
	}
	new = append([]Key(nil), newKeys...)

	m.recomputeDerivedLocked()
	return old, new
}

func (m *Manager) indexLocked(pkg string, k Key) {
	if m.byStream[k] == nil {
		m.byStream[k] = make(map[string]bool)
	}
	m.byStream[k][pkg] = true
}

func (m *Manager) unindexLocked(pkg string, k Key) {
	if set, ok := m.byStream[k]; ok {
		delete(set, pkg)
		if len(set) == 0 {
			delete(m.byStream, k)
		}
	}
}

func (m *Manager) recomputeDerivedLocked() {
	hasPCM := false
	hasTranscription := false
	for k, apps := range m.byStream {
		if len(apps) == 0 {
			continue
		}
		switch k.Base {
		case PCM:
			hasPCM = true
		case Transcription:
			hasTranscription = true
		}
	}
	m.hasPCM = hasPCM
	m.hasTranscription = hasTranscription
}

// HasPCMTranscriptionSubscriptions returns the cached (hasPCM,
// hasTranscription, hasMedia) booleans in O(1).
func (m *Manager) HasPCMTranscriptionSubscriptions() (hasPCM, hasTranscription, hasMedia bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasPCM, m.hasTranscription, m.hasPCM || m.hasTranscription
}

// GetSubscribedApps returns the deduplicated union of apps subscribed to
// the exact key, to the key's language-stripped/gesture-stripped base
// form, and to the two wildcards.
func (m *Manager) GetSubscribedApps(k Key) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	add := func(key Key) {
		for pkg := range m.byStream[key] {
			seen[pkg] = true
		}
	}
	add(k)
	add(k.BaseKey())
	add(Key{Base: All})
	add(Key{Base: Wildcard})

	out := make([]string, 0, len(seen))
	for pkg := range seen {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// GetSubscribedAppsForEvent resolves subscribers for an incoming upstream
// event described by its base type and optional language/gesture facts,
// matching both exact and base-type subscriptions plus both wildcards.
func (m *Manager) GetSubscribedAppsForEvent(base BaseType, transcribeLang, translateLang, gesture string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for key, apps := range m.byStream {
		if key.Base == All || key.Base == Wildcard {
			for pkg := range apps {
				seen[pkg] = true
			}
			continue
		}
		if key.Matches(base, transcribeLang, translateLang, gesture) {
			for pkg := range apps {
				seen[pkg] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for pkg := range seen {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns a snapshot of pkg's current subscription set.
func (m *Manager) Subscriptions(pkg string) []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return setToSlice(m.byApp[pkg])
}

// GetMinimalLanguageSubscriptions returns the deterministic, deduplicated
// set of transcription/translation language tuples needed to cover every
// current subscriber, used to decide when to (re)configure transcription
// upstream.
func (m *Manager) GetMinimalLanguageSubscriptions() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[Key]bool)
	for key, apps := range m.byStream {
		if len(apps) == 0 {
			continue
		}
		if key.Base == Transcription && key.IsLanguageQualified() {
			seen[key] = true
		}
	}
	out := make([]Key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return SortKeys(out)
}

func setToSlice(s map[Key]bool) []Key {
	if len(s) == 0 {
		return nil
	}
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return SortKeys(out)
}
