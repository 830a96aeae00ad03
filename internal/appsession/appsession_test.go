package appsession

import (
	"sync"
	"testing"
	"time"

	"github.com/glasses-os/session-core/internal/subscription"
	"github.com/glasses-os/session-core/internal/transport"
	"github.com/glasses-os/session-core/internal/transport/transporttest"
)

func TestAppSession_ConnectTransitionsToRunning(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})
	ch := transporttest.New()

	if !a.HandleConnect(ch) {
		t.Fatal("expected HandleConnect to succeed from CONNECTING")
	}
	if a.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %v", a.State())
	}
	if !a.IsOpen() {
		t.Fatal("expected IsOpen true once RUNNING with a live channel")
	}
}

func TestAppSession_DisconnectEntersGracePeriodThenStops(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})
	a.HandleConnect(transporttest.New())

	a.HandleDisconnect()
	if a.State() != StateGracePeriod {
		t.Fatalf("expected GRACE_PERIOD immediately after disconnect, got %v", a.State())
	}

	deadline := time.Now().Add(GracePeriod + 2*time.Second)
	for time.Now().Before(deadline) {
		if a.State() == StateStopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected STOPPED after grace period elapses, got %v", a.State())
}

func TestAppSession_ReconnectDuringGraceCancelsStop(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})
	a.HandleConnect(transporttest.New())
	a.HandleDisconnect()

	if !a.HandleConnect(transporttest.New()) {
		t.Fatal("expected reconnect to succeed from GRACE_PERIOD")
	}
	if a.State() != StateRunning {
		t.Fatalf("expected RUNNING after reconnect, got %v", a.State())
	}

	time.Sleep(GracePeriod + 200*time.Millisecond)
	if a.State() != StateRunning {
		t.Fatalf("expected reconnect to cancel the stale grace timer, got %v", a.State())
	}
}

func TestAppSession_OwnershipReleaseBypassesGrace(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})
	a.HandleConnect(transporttest.New())
	a.MarkOwnershipReleased()

	a.HandleDisconnect()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if a.State() == StateStopped {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected immediate STOPPING/STOPPED on ownership-released disconnect, got %v", a.State())
}

func TestAppSession_GraceExpiredGoesDormantWhenResurrectable(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{
		OnGraceExpired: func(pkg string) bool { return true },
	})
	a.HandleConnect(transporttest.New())
	a.HandleDisconnect()

	deadline := time.Now().Add(GracePeriod + 2*time.Second)
	for time.Now().Before(deadline) {
		if a.State() == StateDormant {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected DORMANT for a resurrectable app, got %v", a.State())
}

func TestAppSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})
	a.HandleConnect(transporttest.New())

	var calls int
	var mu sync.Mutex
	a.hooks.OnStateChange = func(pkg string, old, new State) {
		if new == StateStopped {
			mu.Lock()
			calls++
			mu.Unlock()
		}
	}

	a.Stop()
	a.Stop()
	a.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected STOPPED notification exactly once, got %d", calls)
	}
}

func TestAppSession_SendFailsWhenNotOpen(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})
	if err := a.Send(nil, transport.Frame{}); err != transport.ErrNotOpen {
		t.Fatalf("expected ErrNotOpen before any connect, got %v", err)
	}
}

func TestAppSession_EnqueueSerializesOverlappingCalls(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})

	var order []int
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Enqueue(func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if len(order) != 20 {
		t.Fatalf("expected all 20 enqueued calls to run, got %d", len(order))
	}
}

func TestAppSession_SubscriptionHistoryIsBounded(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})

	for i := 0; i < MaxSubscriptionHistory+10; i++ {
		a.RecordSubscriptionChange(nil, []subscription.Key{subscription.New(subscription.VAD)})
	}

	if got := len(a.History()); got != MaxSubscriptionHistory {
		t.Fatalf("expected history bounded to %d, got %d", MaxSubscriptionHistory, got)
	}
}

func TestAppSession_ReconnectGuardWindow(t *testing.T) {
	t.Parallel()
	a := New("com.x", nil, Hooks{})
	a.HandleConnect(transporttest.New())

	if !a.InReconnectGuardWindow() {
		t.Fatal("expected to be within the reconnect guard window immediately after connecting")
	}

	time.Sleep(ReconnectGuardWindow + 50*time.Millisecond)
	if a.InReconnectGuardWindow() {
		t.Fatal("expected guard window to have elapsed")
	}
}
