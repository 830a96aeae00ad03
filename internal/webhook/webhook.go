// Package webhook dispatches the resurrection-webhook POST (§4.1a): when an
// app's GRACE_PERIOD expires and the app catalog reports it resurrectable,
// the Session asks a Dispatcher to wake it via its registered webhook URL.
// The call is fire-and-forget from the state machine's point of view — a
// failed POST is logged and does not block the AppSession's transition to
// DORMANT.
//
// Grounded on alxayo-rtmp-go's internal/rtmp/server/hooks/webhook_hook.go
// (WebhookHook.Execute's JSON-POST-with-timeout shape), adapted from a
// generic event hook into a resurrection-specific dispatcher.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds how long a resurrection POST is allowed to run.
const DefaultTimeout = 5 * time.Second

// ResurrectionEvent is the JSON body posted to an app's webhook URL.
type ResurrectionEvent struct {
	UserID      string `json:"userId"`
	PackageName string `json:"packageName"`
	Reason      string `json:"reason"`
}

// ReasonGraceExpired is the only reason the session core currently emits;
// named rather than inlined so a future caller has somewhere to add a
// second one without touching Dispatcher.
const ReasonGraceExpired = "grace_expired"

// Dispatcher sends resurrection events to app-registered webhook URLs.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Dispatcher with the given timeout applied to both the
// client's overall deadline and each individual request's context.
func New(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.With("component", "webhook"),
	}
}

// Dispatch POSTs a resurrection event to url. Errors are returned to the
// caller but never panic; Session treats this call as best-effort and logs
// failures rather than propagating them into the state machine.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, event ResurrectionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: server returned status %d", resp.StatusCode)
	}
	return nil
}

// DispatchAsync runs Dispatch on its own goroutine with a background
// context, logging the outcome. Session calls this from inside
// AppSession's OnGraceExpired hook, which must not block on network I/O.
func (d *Dispatcher) DispatchAsync(url string, event ResurrectionEvent) {
	go func() {
		ctx := context.Background()
		if err := d.Dispatch(ctx, url, event); err != nil {
			d.logger.Warn("resurrection webhook failed",
				"package", event.PackageName, "userId", event.UserID, "error", err)
			return
		}
		d.logger.Debug("resurrection webhook dispatched",
			"package", event.PackageName, "userId", event.UserID)
	}()
}
