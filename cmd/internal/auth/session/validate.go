package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tether/cmd/internal/auth/claims"
	"tether/cmd/internal/auth/tokenstore"
)

// LightValidate re-checks the stored token without any network round trip and refreshes
// the token-derived fields of the current user. When there is no authenticated user for
// the token's subject yet, it escalates to FullValidate.
func (m *Manager) LightValidate(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	snap, escalated, err := m.lightValidate(ctx)
	if !escalated {
		m.metrics.RecordValidation("light", resultLabel(snap, err), time.Since(start))
	}
	return snap, err
}

// FullValidate re-checks the stored token, optionally asks the server, resolves the
// profile through the cache and synchronizes the realtime connection.
func (m *Manager) FullValidate(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	m.owners++
	m.mu.Unlock()
	defer m.release()

	return m.timedFullValidate(ctx)
}

func (m *Manager) timedFullValidate(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	snap, err := m.fullValidate(ctx)
	m.metrics.RecordValidation("full", resultLabel(snap, err), time.Since(start))
	return snap, err
}

// release ends one full validation's claim on StateValidating.
func (m *Manager) release() {
	m.mu.Lock()
	m.owners--
	m.mu.Unlock()
}

// checked is a stored pair together with its decoded claims.
type checked struct {
	sess   tokenstore.Session
	claims claims.Claims
}

func (m *Manager) lightValidate(ctx context.Context) (Snapshot, bool, error) {
	epoch, err := m.begin()
	if err != nil {
		return Snapshot{}, false, err
	}

	tok, done, snap, err := m.checkToken(ctx, epoch, 0)
	if done {
		return snap, false, err
	}
	c := tok.claims

	m.mu.Lock()
	if m.epoch != epoch {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, false, ErrSuperseded
	}
	if m.state != StateAuthenticated || m.user == nil || m.user.SubjectID != c.SubjectID {
		m.mu.Unlock()
		m.log.Debug("session.validate.light.escalate", "subject", c.SubjectID)
		snap, err := m.FullValidate(ctx)
		return snap, true, err
	}

	u := *m.user
	applyClaims(&u, c, tok.sess.AccessToken)
	snap, fns := m.publishLocked(StateAuthenticated, &u)
	m.mu.Unlock()

	m.notify(snap, fns)
	m.log.Debug("session.validate.light", "subject", c.SubjectID)
	return snap, false, nil
}

func (m *Manager) fullValidate(ctx context.Context) (Snapshot, error) {
	epoch, err := m.begin()
	if err != nil {
		return Snapshot{}, err
	}

	tok, done, snap, err := m.checkToken(ctx, epoch, 1)
	if done {
		return snap, err
	}

	m.markValidating(epoch, tok.claims.SubjectID)

	var remoteErr error
	if m.validator != nil {
		tok, done, snap, remoteErr = m.validateRemote(ctx, epoch, tok)
		if done {
			return snap, remoteErr
		}
	}
	c := tok.claims

	profile, loaded, perr := m.resolveProfile(ctx, epoch, c.SubjectID, tok.sess.AccessToken)
	switch {
	case perr == nil:
	case errors.Is(perr, ErrUnauthorized):
		snap, terr := m.teardown(ctx, epoch, false, "profile_rejected")
		return snap, errors.Join(perr, terr)
	case errors.Is(perr, ErrSuperseded):
		return m.Snapshot(), ErrSuperseded
	default:
		m.log.Warn("session.profile.fail", "subject", c.SubjectID, "err", perr)
	}

	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, ErrSuperseded
	}
	u := &AuthenticatedUser{Profile: profile, ProfileLoaded: loaded}
	applyClaims(u, c, tok.sess.AccessToken)
	snap, fns := m.publishLocked(StateAuthenticated, u)
	m.ensureSchedulerLocked()
	m.mu.Unlock()

	m.notify(snap, fns)
	m.log.Info("session.validate.full", "subject", c.SubjectID, "profile_loaded", loaded)

	m.syncRealtime(ctx, epoch, c.SubjectID, tok.sess.AccessToken)

	// Collaborator failures are reported for a non-blocking notice; the session stands.
	return snap, errors.Join(remoteErr, perr)
}

// checkToken reads and decodes the stored token. When done is set the session has been
// torn down (or the store failed) and snap/err are the final result. own is the number of
// StateValidating claims held by the caller.
func (m *Manager) checkToken(ctx context.Context, epoch uint64, own int) (checked, bool, Snapshot, error) {
	sess, found, err := m.tokens.Read(ctx)
	if err != nil {
		snap := m.settle(ctx, epoch, own)
		return checked{}, true, snap, fmt.Errorf("read tokens: %w", err)
	}
	if !found {
		snap, terr := m.teardown(ctx, epoch, false, "no_token")
		return checked{}, true, snap, terr
	}

	c, err := m.decoder.Decode(sess.AccessToken)
	if err != nil {
		snap, terr := m.teardown(ctx, epoch, false, "malformed")
		return checked{}, true, snap, errors.Join(err, terr)
	}
	if c.Expired(m.now().Add(m.cfg.ClockSkew)) {
		snap, terr := m.teardown(ctx, epoch, false, "expired")
		return checked{}, true, snap, errors.Join(ErrExpiredToken, terr)
	}
	return checked{sess: sess, claims: c}, false, Snapshot{}, nil
}

// validateRemote asks the server about the pair. A rotated pair is stored in place and
// replaces tok. Network failures keep the locally validated claims and are returned with
// done unset.
func (m *Manager) validateRemote(ctx context.Context, epoch uint64, tok checked) (checked, bool, Snapshot, error) {
	res, err := m.validator.ValidateToken(ctx, tok.sess)
	switch {
	case errors.Is(err, ErrUnauthorized):
		snap, terr := m.teardown(ctx, epoch, false, "rejected")
		return tok, true, snap, errors.Join(err, terr)
	case err != nil:
		m.log.Warn("session.validate.remote.fail", "subject", tok.claims.SubjectID, "err", err)
		return tok, false, Snapshot{}, err
	case !res.Valid:
		snap, terr := m.teardown(ctx, epoch, false, "rejected")
		return tok, true, snap, errors.Join(&FetchAuthorizationError{Op: "validate"}, terr)
	}

	if res.Rotated == nil || res.Rotated.AccessToken == "" || res.Rotated.AccessToken == tok.sess.AccessToken {
		return tok, false, Snapshot{}, nil
	}

	next := *res.Rotated
	if next.RefreshToken == "" {
		next.RefreshToken = tok.sess.RefreshToken
	}
	nc, err := m.decoder.Decode(next.AccessToken)
	if err != nil {
		snap, terr := m.teardown(ctx, epoch, false, "malformed")
		return tok, true, snap, errors.Join(err, terr)
	}
	if err := m.rotate(ctx, epoch, next); err != nil {
		if errors.Is(err, ErrSuperseded) {
			return tok, true, m.Snapshot(), err
		}
		// The new pair is valid server-side; keep using it for this process.
		m.log.Error("session.rotate.store.fail", "subject", nc.SubjectID, "err", err)
	}
	m.log.Info("session.rotate", "subject", nc.SubjectID)
	return checked{sess: next, claims: nc}, false, Snapshot{}, nil
}

// rotate writes a rotated pair when epoch is still current.
func (m *Manager) rotate(ctx context.Context, epoch uint64, next tokenstore.Session) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.currentEpoch() != epoch {
		return ErrSuperseded
	}
	return m.tokens.Write(ctx, next.AccessToken, next.RefreshToken)
}

// markValidating publishes StateValidating when this validation may change identity.
func (m *Manager) markValidating(epoch uint64, subjectID string) {
	m.mu.Lock()
	if m.epoch != epoch || m.state == StateValidating {
		m.mu.Unlock()
		return
	}
	if m.user != nil && m.user.SubjectID == subjectID {
		m.mu.Unlock()
		return
	}
	snap, fns := m.publishLocked(StateValidating, nil)
	m.mu.Unlock()
	m.notify(snap, fns)
}

// settle resolves a Validating state that cannot complete (token store failure). It leaves
// the state alone while another full validation owns it; otherwise whatever is still live
// is stopped before Unauthenticated is published.
func (m *Manager) settle(ctx context.Context, epoch uint64, own int) Snapshot {
	m.mu.Lock()
	if !m.settleableLocked(epoch, own) {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap
	}
	sched := m.sched
	m.sched = nil
	m.mu.Unlock()

	sched.Stop()
	m.linkMu.Lock()
	if err := m.link.Disconnect(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn("realtime.disconnect.fail", "reason", "store_unavailable", "err", err)
	}
	m.linkMu.Unlock()

	m.mu.Lock()
	if !m.settleableLocked(epoch, own) {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap
	}
	snap, fns := m.publishLocked(StateUnauthenticated, nil)
	m.mu.Unlock()
	m.notify(snap, fns)
	return snap
}

func (m *Manager) settleableLocked(epoch uint64, own int) bool {
	return !m.closed && m.epoch == epoch && m.state == StateValidating && m.owners <= own
}

// resolveProfile returns the cached profile or fetches it once per subject.
//
// A missing profile (404) keeps whatever the current user already had; a network error
// does the same and is returned. A rejected token is returned for teardown.
func (m *Manager) resolveProfile(ctx context.Context, epoch uint64, subjectID, accessToken string) (Profile, bool, error) {
	if e, ok := m.profiles.Get(subjectID); ok {
		return e.Value, true, nil
	}

	v, err, shared := m.flights.Do("profile:"+subjectID, func() (any, error) {
		if e, ok := m.profiles.Get(subjectID); ok {
			return e.Value, nil
		}

		// The flight is shared; one caller giving up must not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RunTimeout)
		defer cancel()

		p, err := m.profileFn.FetchProfile(fctx, subjectID, accessToken)
		if err != nil {
			m.metrics.RecordProfileFetch(fetchResultLabel(err))
			return nil, err
		}
		m.metrics.RecordProfileFetch("ok")

		// A fetch that outlived its session must not populate the cache.
		m.commitIf(epoch, func() { m.profiles.Put(subjectID, p) })
		return p, nil
	})
	if err == nil {
		if shared {
			m.log.Debug("session.profile.shared", "subject", subjectID)
		}
		return v.(Profile), true, nil
	}

	if errors.Is(err, ErrUnauthorized) {
		return Profile{}, false, err
	}

	prev, prevLoaded := m.previousProfile(subjectID)
	if errors.Is(err, ErrProfileNotFound) {
		m.log.Info("session.profile.missing", "subject", subjectID)
		return prev, prevLoaded, nil
	}
	if m.currentEpoch() != epoch {
		return prev, prevLoaded, ErrSuperseded
	}
	return prev, prevLoaded, err
}

func (m *Manager) previousProfile(subjectID string) (Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil || m.user.SubjectID != subjectID {
		return Profile{}, false
	}
	return m.user.Profile, m.user.ProfileLoaded
}

// syncRealtime connects realtime for the validated identity unless a teardown took over.
func (m *Manager) syncRealtime(ctx context.Context, epoch uint64, subjectID, accessToken string) {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()

	if m.currentEpoch() != epoch {
		return
	}
	if err := m.link.Sync(ctx, subjectID, accessToken); err != nil {
		m.log.Warn("realtime.sync.fail", "subject", subjectID, "err", err)
	}
}

func applyClaims(u *AuthenticatedUser, c claims.Claims, accessToken string) {
	u.SubjectID = c.SubjectID
	u.OrganizationID = c.OrganizationID
	u.AccountType = c.AccountType
	u.ExpiresAt = c.ExpiresAt
	u.AccessToken = accessToken
}

func resultLabel(snap Snapshot, err error) string {
	switch {
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrClosed):
		return "closed"
	case err != nil && snap.State == StateAuthenticated:
		return "degraded"
	case snap.State == "":
		return "error"
	default:
		return string(snap.State)
	}
}

func fetchResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrProfileNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "error"
	}
}
