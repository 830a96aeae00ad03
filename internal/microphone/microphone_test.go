package microphone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glasses-os/session-core/internal/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []wire.MicrophoneStateChange
}

func (r *recordingSender) SendMicrophoneState(ctx context.Context, msg wire.MicrophoneStateChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingSender) last() wire.MicrophoneStateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManager_DebouncesSubscriptionBursts(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	m := New(sender, nil)
	defer m.Dispose()

	for i := 0; i < 5; i++ {
		m.HandleSubscriptionChange(false, true, []string{"en-US"})
	}

	waitFor(t, time.Second, func() bool { return sender.count() == 1 })
	if !sender.last().IsMicrophoneEnabled {
		t.Fatal("expected mic enabled after burst of transcription subscriptions")
	}
	if len(sender.last().RequiredData) != 1 || sender.last().RequiredData[0] != "pcm" {
		t.Fatalf("expected requiredData [pcm], got %v", sender.last().RequiredData)
	}
}

func TestManager_TurnsMicOffWhenNoSubscribers(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	m := New(sender, nil)
	defer m.Dispose()

	m.HandleSubscriptionChange(true, false, nil)
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })

	m.HandleSubscriptionChange(false, false, nil)
	// The mic-off hold-down (3s) must elapse, with hasMedia staying false
	// throughout, before the off frame is sent.
	waitFor(t, 4*time.Second, func() bool { return sender.count() == 2 })
	if sender.last().IsMicrophoneEnabled {
		t.Fatal("expected mic disabled once no subscribers remain")
	}
	if len(sender.last().RequiredData) != 0 {
		t.Fatalf("expected requiredData forced empty when disabling, got %v", sender.last().RequiredData)
	}
}

func TestManager_HoldDownCancelledIfMediaResumes(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	m := New(sender, nil)
	defer m.Dispose()

	m.HandleSubscriptionChange(true, false, nil)
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })

	m.HandleSubscriptionChange(false, false, nil)
	time.Sleep(500 * time.Millisecond)
	m.HandleSubscriptionChange(true, false, nil)

	// Media resumed well within the 3s hold-down; the mic must never be
	// reported off in between.
	time.Sleep(4 * time.Second)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	for _, msg := range sender.sent {
		if !msg.IsMicrophoneEnabled {
			t.Fatalf("mic was turned off during hold-down window: %+v", msg)
		}
	}
}

func TestManager_BypassVADSetWhenPCMSubscribed(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	m := New(sender, nil)
	defer m.Dispose()

	m.HandleSubscriptionChange(true, false, nil)
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })
	if !sender.last().BypassVAD {
		t.Fatal("expected BypassVAD for raw PCM subscribers")
	}
}

func TestManager_ForceResyncResendsEvenIfUnchanged(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	m := New(sender, nil)
	defer m.Dispose()

	m.HandleSubscriptionChange(true, false, nil)
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })

	time.Sleep(SendDebounce + 100*time.Millisecond)
	m.ForceResync()
	waitFor(t, time.Second, func() bool { return sender.count() == 2 })
}

func TestManager_DedupesUnchangedState(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	m := New(sender, nil)
	defer m.Dispose()

	m.HandleSubscriptionChange(true, false, nil)
	waitFor(t, time.Second, func() bool { return sender.count() == 1 })

	time.Sleep(SubscriptionDebounce + 50*time.Millisecond)
	m.HandleSubscriptionChange(true, false, nil)
	time.Sleep(SubscriptionDebounce + 200*time.Millisecond)
	if sender.count() != 1 {
		t.Fatalf("expected no additional send for unchanged desired state, got %d sends", sender.count())
	}
}
