// Package realtime keeps the client's push connection in step with the authenticated identity.
//
// The Coordinator decides when to connect or disconnect (see Plan); the Transport
// decides how. Only the handshake of protocol v1 is spoken here.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tether/cmd/internal/metrics"
)

// ErrReconnectThrottled is returned when too many connects happened within the throttle window.
var ErrReconnectThrottled = errors.New("realtime reconnect throttled")

// Action is the connection change required to move from one identity to another.
type Action uint8

const (
	ActionNone Action = iota
	ActionConnect
	ActionDisconnect
	ActionReconnect
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionDisconnect:
		return "disconnect"
	case ActionReconnect:
		return "reconnect"
	default:
		return "none"
	}
}

// Plan returns the action needed to move the connection from the identity it was
// opened for (current) to the identity now authenticated (next). An empty next means
// signed out. A token rotation for the same subject needs no action.
func Plan(connected bool, current, next string) Action {
	switch {
	case next == "":
		if connected {
			return ActionDisconnect
		}
		return ActionNone
	case !connected:
		return ActionConnect
	case current == next:
		return ActionNone
	default:
		return ActionReconnect
	}
}

// Status is the coordinator's view of the connection.
type Status struct {
	Connected bool   `json:"connected"`
	SubjectID string `json:"subject_id,omitempty"`
}

// Coordinator is the only writer of the connection. It is safe for concurrent use.
type Coordinator struct {
	transport Transport
	limiter   *RateLimiter
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	subject string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithThrottle limits connect attempts to limit per window.
func WithThrottle(limit int, window time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.limiter = NewRateLimiter(limit, window) }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCoordinator(t Transport, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		transport: t,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = NewRateLimiter(reconnectLimit, reconnectWindow)
	}
	return c
}

// Status reports the current connection state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	connected := c.transport.Connected()
	st := Status{Connected: connected}
	if connected {
		st.SubjectID = c.subject
	}
	return st
}

// Sync makes the connection match subjectID: connect if not connected, reconnect if
// connected for another subject, nothing otherwise.
func (c *Coordinator) Sync(ctx context.Context, subjectID, accessToken string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	action := Plan(c.transport.Connected(), c.subject, subjectID)
	switch action {
	case ActionNone:
		return nil
	case ActionDisconnect:
		return c.disconnectLocked(ctx)
	case ActionReconnect:
		if err := c.disconnectLocked(ctx); err != nil {
			c.log.Warn("realtime.reconnect.disconnect.fail", "err", err)
		}
	}
	return c.connectLocked(ctx, subjectID, accessToken, action)
}

// Disconnect closes the connection. It is a no-op when not connected.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.transport.Connected() && c.subject == "" {
		return nil
	}
	return c.disconnectLocked(ctx)
}

func (c *Coordinator) connectLocked(ctx context.Context, subjectID, accessToken string, action Action) error {
	now := c.now()
	if !c.limiter.Allow(now) {
		c.metrics.RecordRealtime(action.String(), "throttled")
		return fmt.Errorf("%w: retry after %s", ErrReconnectThrottled, c.limiter.RetryAfter(now))
	}

	if err := c.transport.Connect(ctx, accessToken); err != nil {
		c.metrics.RecordRealtime(action.String(), "error")
		c.log.Warn("realtime.connect.fail", "subject", subjectID, "action", action.String(), "err", err)
		return err
	}

	c.subject = subjectID
	c.metrics.RecordRealtime(action.String(), "ok")
	c.metrics.SetRealtimeUp(true)
	return nil
}

func (c *Coordinator) disconnectLocked(ctx context.Context) error {
	err := c.transport.Disconnect(ctx)
	c.subject = ""
	c.metrics.SetRealtimeUp(false)
	if err != nil {
		c.metrics.RecordRealtime(ActionDisconnect.String(), "error")
		return err
	}
	c.metrics.RecordRealtime(ActionDisconnect.String(), "ok")
	return nil
}
