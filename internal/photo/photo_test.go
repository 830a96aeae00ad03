package photo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glasses-os/session-core/internal/wire"
)

type fakeRequester struct {
	mu   sync.Mutex
	sent []wire.PhotoRequest
	err  error
}

func (f *fakeRequester) SendPhotoRequest(ctx context.Context, req wire.PhotoRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, req)
	return nil
}

type capturedDelivery struct {
	pkg    string
	result Result
}

func newCapturingDeliverer() (Deliverer, func() []capturedDelivery) {
	var mu sync.Mutex
	var got []capturedDelivery
	return func(pkg string, result Result) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, capturedDelivery{pkg, result})
		}, func() []capturedDelivery {
			mu.Lock()
			defer mu.Unlock()
			out := make([]capturedDelivery, len(got))
			copy(out, got)
			return out
		}
}

func TestManager_HappyPathDeliversResult(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{}
	deliver, snapshot := newCapturingDeliverer()
	m := New(req, deliver, nil)

	if err := m.RequestPhoto(context.Background(), "com.x", "r1", false); err != nil {
		t.Fatalf("RequestPhoto: %v", err)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending request, got %d", m.PendingCount())
	}

	m.HandleResponse(wire.PhotoResponse{Type: wire.TypePhotoResponse, RequestID: "r1", Success: true, MimeType: "image/jpeg"}, []byte("jpeg-bytes"))

	deliveries := snapshot()
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].pkg != "com.x" || !deliveries[0].result.Success {
		t.Fatalf("unexpected delivery: %+v", deliveries[0])
	}
	if m.PendingCount() != 0 {
		t.Fatalf("expected request removed from pending after delivery, got %d", m.PendingCount())
	}
}

func TestManager_DuplicateRequestIDRejected(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{}
	deliver, _ := newCapturingDeliverer()
	m := New(req, deliver, nil)

	if err := m.RequestPhoto(context.Background(), "com.x", "r1", false); err != nil {
		t.Fatalf("RequestPhoto: %v", err)
	}
	if err := m.RequestPhoto(context.Background(), "com.y", "r1", false); err == nil {
		t.Fatal("expected error for duplicate in-flight requestId")
	}
}

func TestManager_DuplicateResponseIgnored(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{}
	deliver, snapshot := newCapturingDeliverer()
	m := New(req, deliver, nil)

	m.RequestPhoto(context.Background(), "com.x", "r1", false)
	resp := wire.PhotoResponse{Type: wire.TypePhotoResponse, RequestID: "r1", Success: true}
	m.HandleResponse(resp, nil)
	m.HandleResponse(resp, nil)

	if len(snapshot()) != 1 {
		t.Fatalf("expected exactly one delivery despite duplicate response, got %d", len(snapshot()))
	}
}

func TestManager_UnknownResponseIgnored(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{}
	deliver, snapshot := newCapturingDeliverer()
	m := New(req, deliver, nil)

	m.HandleResponse(wire.PhotoResponse{Type: wire.TypePhotoResponse, RequestID: "ghost", Success: true}, nil)
	if len(snapshot()) != 0 {
		t.Fatal("expected no delivery for unknown requestId")
	}
}

func TestManager_CancelAllStopsPendingTimers(t *testing.T) {
	t.Parallel()
	req := &fakeRequester{}
	deliver, snapshot := newCapturingDeliverer()
	m := New(req, deliver, nil)

	m.RequestPhoto(context.Background(), "com.x", "r1", false)
	m.CancelAll()

	if m.PendingCount() != 0 {
		t.Fatal("expected pending cleared after CancelAll")
	}
	time.Sleep(50 * time.Millisecond)
	if len(snapshot()) != 0 {
		t.Fatal("expected no delivery after CancelAll")
	}
}
