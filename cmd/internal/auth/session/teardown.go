package session

import (
	"context"
)

// teardown destroys the session epoch belongs to: tokens cleared, caches flushed,
// scheduler stopped, realtime disconnected, then Unauthenticated published.
//
// Unless force is set, a teardown for a stale epoch is refused with ErrSuperseded so a
// late failure cannot destroy a newer session.
func (m *Manager) teardown(ctx context.Context, epoch uint64, force bool, reason string) (Snapshot, error) {
	// Teardown must complete even when the caller gave up.
	ctx = context.WithoutCancel(ctx)

	m.opMu.Lock()
	m.mu.Lock()
	if !force && (m.closed || m.epoch != epoch) {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.opMu.Unlock()
		return snap, ErrSuperseded
	}
	m.mu.Unlock()

	clearErr := m.tokens.Clear(ctx)
	if clearErr != nil {
		m.log.Error("session.teardown.tokens.fail", "reason", reason, "err", clearErr)
	}

	m.mu.Lock()
	m.epoch++
	mine := m.epoch
	sched := m.sched
	m.sched = nil
	m.profiles.Clear()
	m.roleMemo.Clear()
	m.mu.Unlock()
	m.opMu.Unlock()

	sched.Stop()

	m.linkMu.Lock()
	if err := m.link.Disconnect(ctx); err != nil {
		m.log.Warn("realtime.disconnect.fail", "reason", reason, "err", err)
	}
	m.linkMu.Unlock()

	m.metrics.RecordTeardown(reason)

	m.mu.Lock()
	if m.closed || m.epoch != mine {
		// A sign-in or close took over while we were disconnecting.
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, clearErr
	}
	snap, fns := m.publishLocked(StateUnauthenticated, nil)
	m.mu.Unlock()

	m.notify(snap, fns)
	m.log.Info("session.teardown", "reason", reason)
	return snap, clearErr
}
