// Package photo implements the photo request coordinator (§4.4):
// at-most-one in-flight request per requestId, a 30s timeout, and
// exactly-once delivery of the result to the app that asked for it.
//
// Grounded on the teacher's request/response correlation idiom in
// service/router_go/server/server.go (matching a response to its request
// by a generated id) and the timer-via-restracker pattern used throughout
// this repo.
package photo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glasses-os/session-core/internal/wire"
)

// RequestTimeout is how long the coordinator waits for a PHOTO_RESPONSE
// before delivering a synthetic timeout failure to the requesting app.
const RequestTimeout = 30 * time.Second

// Requester sends a PhotoRequest upstream to the glasses.
type Requester interface {
	SendPhotoRequest(ctx context.Context, req wire.PhotoRequest) error
}

// Result is delivered to the app that issued the request, exactly once,
// whether it came from the glasses or from a synthetic timeout.
type Result struct {
	RequestID string
	Success   bool
	MimeType  string
	ErrorCode wire.ErrorCode
	Data      []byte
}

// Deliverer hands a Result to the app that owns its RequestID, e.g. by
// writing a DATA_STREAM or dedicated response frame on that app's channel.
type Deliverer func(pkg string, result Result)

type inFlight struct {
	pkg     string
	timer   *time.Timer
	delivered bool
}

// Manager coordinates photo requests across a session's single upstream
// channel, guaranteeing at most one in-flight request per requestId and
// exactly-once delivery of its result.
type Manager struct {
	requester Requester
	deliver   Deliverer
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*inFlight
}

// New returns an empty Manager.
func New(requester Requester, deliver Deliverer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		requester: requester,
		deliver:   deliver,
		logger:    logger.With("component", "photo"),
		pending:   make(map[string]*inFlight),
	}
}

// RequestPhoto starts a new photo request on behalf of pkg. Returns an
// error without sending anything upstream if requestID already has an
// in-flight request.
func (m *Manager) RequestPhoto(ctx context.Context, pkg, requestID string, saveToGallery bool) error {
	m.mu.Lock()
	if _, exists := m.pending[requestID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("photo: request %q already in flight", requestID)
	}
	entry := &inFlight{pkg: pkg}
	m.pending[requestID] = entry
	m.mu.Unlock()

	entry.timer = time.AfterFunc(RequestTimeout, func() { m.timeout(requestID) })

	if err := m.requester.SendPhotoRequest(ctx, wire.PhotoRequest{
		Type:          wire.TypePhotoRequest,
		RequestID:     requestID,
		RequestedBy:   pkg,
		SaveToGallery: saveToGallery,
	}); err != nil {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
		entry.timer.Stop()
		return fmt.Errorf("photo: send request: %w", err)
	}
	return nil
}

// HandleResponse completes an in-flight request with the glasses' answer.
// A response for an unknown or already-delivered requestId is ignored
// (the request already timed out, or a duplicate PHOTO_RESPONSE arrived).
func (m *Manager) HandleResponse(resp wire.PhotoResponse, data []byte) {
	m.mu.Lock()
	entry, ok := m.pending[resp.RequestID]
	if !ok || entry.delivered {
		m.mu.Unlock()
		if ok {
			m.logger.Debug("ignoring duplicate photo response", "requestId", resp.RequestID)
		}
		return
	}
	entry.delivered = true
	delete(m.pending, resp.RequestID)
	m.mu.Unlock()

	entry.timer.Stop()
	m.deliver(entry.pkg, Result{
		RequestID: resp.RequestID,
		Success:   resp.Success,
		MimeType:  resp.MimeType,
		ErrorCode: resp.ErrorCode,
		Data:      data,
	})
}

func (m *Manager) timeout(requestID string) {
	m.mu.Lock()
	entry, ok := m.pending[requestID]
	if !ok || entry.delivered {
		m.mu.Unlock()
		return
	}
	entry.delivered = true
	delete(m.pending, requestID)
	m.mu.Unlock()

	m.logger.Warn("photo request timed out", "requestId", requestID)
	m.deliver(entry.pkg, Result{
		RequestID: requestID,
		Success:   false,
		ErrorCode: wire.ErrInternal,
	})
}

// CancelAll fails every in-flight request without delivering a result,
// used when the owning Session is torn down.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*inFlight)
	m.mu.Unlock()

	for _, entry := range pending {
		entry.timer.Stop()
	}
}

// PendingCount reports the number of in-flight requests, used in tests and
// diagnostics.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
