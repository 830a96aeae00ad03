package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glasses-os/session-core/internal/appcatalog"
	"github.com/glasses-os/session-core/internal/appsession"
	"github.com/glasses-os/session-core/internal/subscription"
	"github.com/glasses-os/session-core/internal/transport/transporttest"
	"github.com/glasses-os/session-core/internal/webhook"
	"github.com/glasses-os/session-core/internal/wire"
)

func newTestSession(catalog appcatalog.Store) *Session {
	return New("u-1", nil, catalog, nil, webhook.New(time.Second, nil))
}

func TestSubscriptionChange_EnablesMicrophoneForPCM(t *testing.T) {
	t.Parallel()
	s := newTestSession(appcatalog.NewMemStore())
	upstream := transporttest.New()
	s.AttachUpstream(upstream)

	app := s.GetOrCreateAppSession("com.x")
	app.HandleConnect(transporttest.New())

	if err := s.HandleAppSubscriptionUpdate("com.x", []subscription.Key{subscription.New(subscription.PCM)}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForSentCount(t, upstream, 4) // ForceResync's initial off + two APP_STATE_CHANGE frames (connect, subscription update) + the PCM-triggered on
	found := false
	for _, fr := range upstream.Sent {
		if containsMicEnabled(fr.Payload, true) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a MICROPHONE_STATE_CHANGE with enabled=true, got frames: %v", upstream.Sent)
	}
}

func TestRequestPhoto_DeniedWithoutCameraPermission(t *testing.T) {
	t.Parallel()
	catalog := appcatalog.NewMemStore(appcatalog.AppRecord{PackageName: "com.x"})
	s := newTestSession(catalog)

	err := s.RequestPhoto(context.Background(), "com.x", "req-1", false)
	if err == nil {
		t.Fatal("expected permission-denied error")
	}
}

func TestRequestPhoto_HappyPathDeliversResult(t *testing.T) {
	t.Parallel()
	catalog := appcatalog.NewMemStore(appcatalog.AppRecord{
		PackageName: "com.x",
		Permissions: []appcatalog.Permission{appcatalog.PermissionCamera},
	})
	s := newTestSession(catalog)
	upstream := transporttest.New()
	s.AttachUpstream(upstream)

	app := s.GetOrCreateAppSession("com.x")
	appCh := transporttest.New()
	app.HandleConnect(appCh)

	if err := s.RequestPhoto(context.Background(), "com.x", "req-1", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.HandlePhotoResponse(wire.PhotoResponse{
		Type:      wire.TypePhotoResponse,
		RequestID: "req-1",
		Success:   true,
		MimeType:  "image/jpeg",
	}, []byte("fake-jpeg"))

	waitForSentCount(t, appCh, 1)
}

func TestTouchEvent_FansOutToGestureSubscriber(t *testing.T) {
	t.Parallel()
	s := newTestSession(appcatalog.NewMemStore())

	app := s.GetOrCreateAppSession("com.x")
	appCh := transporttest.New()
	app.HandleConnect(appCh)
	time.Sleep(appsession.ReconnectGuardWindow + 10*time.Millisecond)

	key := subscription.New(subscription.TouchEvent, subscription.WithGesture("triple_tap"))
	if err := s.HandleAppSubscriptionUpdate("com.x", []subscription.Key{key}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recipients := s.HandleTouchEvent("triple_tap")
	if len(recipients) != 1 || recipients[0] != "com.x" {
		t.Fatalf("expected [com.x], got %v", recipients)
	}
	waitForSentCount(t, appCh, 1)
}

func TestGraceExpiry_DispatchesResurrectionWebhook(t *testing.T) {
	t.Parallel()
	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	catalog := appcatalog.NewMemStore(appcatalog.AppRecord{
		PackageName:   "com.x",
		Resurrectable: true,
		WebhookURL:    srv.URL,
	})
	s := newTestSession(catalog)

	app := s.GetOrCreateAppSession("com.x")
	app.HandleConnect(transporttest.New())
	app.HandleDisconnect()

	select {
	case <-hit:
	case <-time.After(appsession.GracePeriod + time.Second):
		t.Fatal("resurrection webhook was never dispatched")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if app.State() == appsession.StateDormant {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected DORMANT after grace expiry, got %v", app.State())
}

func TestGraceExpiry_StopsWhenNotResurrectable(t *testing.T) {
	t.Parallel()
	catalog := appcatalog.NewMemStore(appcatalog.AppRecord{PackageName: "com.x", Resurrectable: false})
	s := newTestSession(catalog)

	app := s.GetOrCreateAppSession("com.x")
	app.HandleConnect(transporttest.New())
	app.HandleDisconnect()

	deadline := time.Now().Add(appsession.GracePeriod + time.Second)
	for time.Now().Before(deadline) {
		if app.State() == appsession.StateStopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected STOPPED after grace expiry, got %v", app.State())
}

func TestOwnershipRelease_BypassesGracePeriod(t *testing.T) {
	t.Parallel()
	s := newTestSession(appcatalog.NewMemStore())

	app := s.GetOrCreateAppSession("com.x")
	app.HandleConnect(transporttest.New())

	s.HandleOwnershipRelease(context.Background(), "com.x", "res-1", "com.y")
	app.HandleDisconnect()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if app.State() == appsession.StateStopped {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected immediate STOPPED bypassing grace period, got %v", app.State())
}

func waitForSentCount(t *testing.T, f *transporttest.Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.Sent) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d sent frames, got %d", n, len(f.Sent))
}

func containsMicEnabled(payload []byte, enabled bool) bool {
	return len(payload) > 0 && (bytesContains(payload, []byte(`"isMicrophoneEnabled":true`)) == enabled)
}

func bytesContains(haystack, needle []byte) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}
