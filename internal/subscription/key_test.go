package subscription

import "testing"

func TestKey_CanonicalizationEquality(t *testing.T) {
	t.Parallel()
	a := New(Transcription, WithTranscribeLanguage("en-US"))
	b := New(Transcription, WithTranscribeLanguage("EN-us"))
	if a != b {
		t.Fatalf("expected canonicalized keys to be equal: %+v vs %+v", a, b)
	}
}

func TestKey_ParseRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []string{
		"transcription:en-US",
		"touch_event:triple_tap",
		"location_stream",
		"vad",
	}
	for _, s := range cases {
		k, err := ParseKey(s)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", s, err)
		}
		if k.String() != s {
			t.Errorf("ParseKey(%q).String() = %q", s, k.String())
		}
	}
}

func TestParseKey_UnknownBaseType(t *testing.T) {
	t.Parallel()
	if _, err := ParseKey("not_a_real_stream"); err == nil {
		t.Fatal("expected error for unknown base type")
	}
}

func TestKey_MatchesLanguageQualified(t *testing.T) {
	t.Parallel()
	k := New(Transcription, WithTranscribeLanguage("en-US"))

	if !k.Matches(Transcription, "en-US", "", "") {
		t.Error("expected exact language match")
	}
	if k.Matches(Transcription, "es-MX", "", "") {
		t.Error("expected mismatch for different language")
	}
	if k.Matches(VAD, "en-US", "", "") {
		t.Error("expected mismatch for different base type")
	}
}

func TestKey_MatchesUnqualifiedMatchesAnyLanguage(t *testing.T) {
	t.Parallel()
	k := New(Transcription)
	if !k.Matches(Transcription, "en-US", "", "") {
		t.Error("unqualified base key should match any language of same base type")
	}
	if !k.Matches(Transcription, "fr-FR", "", "") {
		t.Error("unqualified base key should match any language of same base type")
	}
}

func TestKey_GestureQualified(t *testing.T) {
	t.Parallel()
	triple := New(TouchEvent, WithGesture("triple_tap"))
	base := New(TouchEvent)

	if !triple.Matches(TouchEvent, "", "", "triple_tap") {
		t.Error("expected gesture match")
	}
	if triple.Matches(TouchEvent, "", "", "single_tap") {
		t.Error("expected gesture mismatch")
	}
	if !base.Matches(TouchEvent, "", "", "anything") {
		t.Error("unqualified touch_event key should match any gesture")
	}
}

func TestKey_BaseKeyStripsQualifiers(t *testing.T) {
	t.Parallel()
	k := New(Transcription, WithTranscribeLanguage("en-US"))
	b := k.BaseKey()
	if b.IsLanguageQualified() {
		t.Fatal("BaseKey should strip language qualification")
	}
	if b.Base != Transcription {
		t.Fatalf("BaseKey should preserve base type, got %v", b.Base)
	}
}
