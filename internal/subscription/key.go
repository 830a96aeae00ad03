// Package subscription implements the per-session subscription index
// (§4.2): stream→set(app) and app→set(stream), the derived hasPCM /
// hasTranscription / hasMedia booleans, and the structured stream-key type
// that replaces the source's string-packed "transcription:en-US" keys
// (design notes, "Language-qualified stream keys").
package subscription

import (
	"fmt"
	"sort"
	"strings"
)

// BaseType is one of the fixed stream categories a subscription can name.
type BaseType string

const (
	Transcription  BaseType = "transcription"
	LocationStream BaseType = "location_stream"
	VAD            BaseType = "vad"
	TouchEvent     BaseType = "touch_event"
	PCM            BaseType = "pcm"
	PhotoResponse  BaseType = "photo_response"
	CustomMessage  BaseType = "custom_message"
	RTMPStatus     BaseType = "rtmp_status"

	// Wildcard subscriptions match every event, but are kept distinct so a
	// dispatcher can tell which wildcard an app used (for logging/metrics).
	All      BaseType = "ALL"
	Wildcard BaseType = "WILDCARD"
)

// knownBaseTypes is used for validation of inbound subscription lists.
var knownBaseTypes = map[BaseType]bool{
	Transcription: true, LocationStream: true, VAD: true, TouchEvent: true,
	PCM: true, PhotoResponse: true, CustomMessage: true, RTMPStatus: true,
	All: true, Wildcard: true,
}

// Key is a canonical, structured subscription key. Two Keys constructed
// from different field orders or casing compare equal via ==  once run
// through New, because all variable fields are normalized at
// construction time.
type Key struct {
	Base BaseType

	// Language qualification (transcription/translation streams only).
	TranscribeLanguage string
	TranslateLanguage  string

	// Gesture qualification (touch_event only), e.g. "triple_tap".
	Gesture string
}

// New builds a canonical Key, normalizing language-tag casing (see
// canonicalLangTag) and lower-casing gesture names
// so two textual representations of the same subscription compare equal.
func New(base BaseType, opts ...KeyOption) Key {
	k := Key{Base: base}
	for _, opt := range opts {
		opt(&k)
	}
	k.TranscribeLanguage = canonicalLangTag(k.TranscribeLanguage)
	k.TranslateLanguage = canonicalLangTag(k.TranslateLanguage)
	k.Gesture = strings.ToLower(strings.TrimSpace(k.Gesture))
	return k
}

// KeyOption configures an optional qualifier on New.
type KeyOption func(*Key)

func WithTranscribeLanguage(tag string) KeyOption {
	return func(k *Key) { k.TranscribeLanguage = tag }
}

func WithTranslateLanguage(tag string) KeyOption {
	return func(k *Key) { k.TranslateLanguage = tag }
}

func WithGesture(gesture string) KeyOption {
	return func(k *Key) { k.Gesture = gesture }
}

// canonicalLangTag normalizes a BCP-47-ish tag to "ll-CC" casing (language
// lowercase, region uppercase), matching the convention the upstream glasses
// firmware and apps both emit ("en-US", "es-mx" → "es-MX").
func canonicalLangTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ""
	}
	parts := strings.Split(tag, "-")
	for i, p := range parts {
		if i == 0 {
			parts[i] = strings.ToLower(p)
		} else {
			parts[i] = strings.ToUpper(p)
		}
	}
	return strings.Join(parts, "-")
}

// IsLanguageQualified reports whether k carries a transcribe/translate tag.
func (k Key) IsLanguageQualified() bool {
	return k.TranscribeLanguage != "" || k.TranslateLanguage != ""
}

// IsGestureQualified reports whether k carries a gesture qualifier.
func (k Key) IsGestureQualified() bool {
	return k.Gesture != ""
}

// BaseKey returns the unqualified key for k's base type, used for the
// base-type wildcard-matching index described in §4.2.
func (k Key) BaseKey() Key {
	return Key{Base: k.Base}
}

// String renders the canonical textual form, matching the source's
// "transcription:en-US" wire format for compatibility with logs and any
// legacy callers that still string-match subscriptions.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.Base))
	if k.TranscribeLanguage != "" {
		fmt.Fprintf(&b, ":%s", k.TranscribeLanguage)
	}
	if k.TranslateLanguage != "" {
		fmt.Fprintf(&b, ":to-%s", k.TranslateLanguage)
	}
	if k.Gesture != "" {
		fmt.Fprintf(&b, ":%s", k.Gesture)
	}
	return b.String()
}

// ParseKey parses the source's colon-packed textual form back into a Key.
// Unknown base types are rejected so callers can surface MALFORMED_MESSAGE.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	base := BaseType(parts[0])
	if !knownBaseTypes[base] {
		return Key{}, fmt.Errorf("subscription: unknown stream type %q", parts[0])
	}

	var opts []KeyOption
	for _, p := range parts[1:] {
		switch {
		case base == TouchEvent:
			opts = append(opts, WithGesture(p))
		case strings.HasPrefix(p, "to-"):
			opts = append(opts, WithTranslateLanguage(strings.TrimPrefix(p, "to-")))
		default:
			opts = append(opts, WithTranscribeLanguage(p))
		}
	}
	return New(base, opts...), nil
}

// Matches reports whether an incoming base-stream event (with the given
// optional language/gesture facts) satisfies subscription key k. Language-
// qualified keys only match events carrying the same language tuple;
// gesture-qualified keys only match events carrying the same gesture;
// unqualified keys match any event of the same base type.
func (k Key) Matches(eventBase BaseType, eventTranscribe, eventTranslate, eventGesture string) bool {
	if k.Base != eventBase {
		return false
	}
	if k.IsLanguageQualified() {
		if k.TranscribeLanguage != canonicalLangTag(eventTranscribe) {
			return false
		}
		if k.TranslateLanguage != canonicalLangTag(eventTranslate) {
			return false
		}
	}
	if k.IsGestureQualified() {
		if k.Gesture != strings.ToLower(eventGesture) {
			return false
		}
	}
	return true
}

// SortKeys returns a deterministically ordered copy of keys, used wherever
// the spec calls for a deterministic ordering (e.g.
// GetMinimalLanguageSubscriptions).
func SortKeys(keys []Key) []Key {
	out := make([]Key, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
