package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tether/cmd/internal/auth/cache"
	"tether/cmd/internal/auth/claims"
	"tether/cmd/internal/auth/tokenstore"
	"tether/cmd/internal/metrics"
)

// Deps are the collaborators of a Manager. Tokens, Decoder and Profiles are required.
type Deps struct {
	Tokens      tokenstore.Store
	Decoder     claims.Decoder
	Profiles    ProfileFetcher
	Memberships MembershipFetcher

	// Validator is optional. Without it FullValidate trusts the decoded claims.
	Validator TokenValidator
	// Realtime is optional.
	Realtime Coordinator

	// ProfileCache and RoleCache are built from Config when nil.
	ProfileCache *cache.Cache[Profile]
	RoleCache    *cache.Cache[bool]

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager owns the session lifecycle. It is safe for concurrent use.
type Manager struct {
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	tokens    tokenstore.Store
	decoder   claims.Decoder
	profileFn ProfileFetcher
	validator TokenValidator
	link      Coordinator

	profiles *cache.Cache[Profile]
	roleMemo *cache.Cache[bool]
	roles    *RoleResolver

	flights singleflight.Group

	root       context.Context
	rootCancel context.CancelFunc

	// opMu serializes token writes/clears with epoch bumps.
	opMu sync.Mutex
	// linkMu serializes realtime calls so a teardown cannot interleave with a connect.
	linkMu sync.Mutex

	mu        sync.Mutex
	state     State
	user      *AuthenticatedUser
	epoch     uint64
	owners    int // full validations (and sign-ins) that may hold StateValidating
	sched     *Scheduler
	closed    bool
	listeners map[uint64]func(Snapshot)
	nextID    uint64

	decided     chan struct{}
	decidedOnce sync.Once
}

// NewManager builds a Manager in StateValidating. Call FullValidate to make the first decision.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Tokens == nil || deps.Decoder == nil || deps.Profiles == nil {
		return nil, errors.New("session: tokens, decoder and profile fetcher are required")
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	link := deps.Realtime
	if link == nil {
		link = noopCoordinator{}
	}

	profiles := deps.ProfileCache
	if profiles == nil {
		profiles = cache.New[Profile](cfg.ProfileTTL,
			cache.WithClock(now),
			cache.WithObserver(deps.Metrics.CacheObserver("profile")),
		)
	}
	roleMemo := deps.RoleCache
	if roleMemo == nil {
		roleMemo = cache.New[bool](cfg.RoleTTL,
			cache.WithClock(now),
			cache.WithObserver(deps.Metrics.CacheObserver("role")),
		)
	}

	root, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:        cfg,
		log:        log,
		metrics:    deps.Metrics,
		now:        now,
		tokens:     deps.Tokens,
		decoder:    deps.Decoder,
		profileFn:  deps.Profiles,
		validator:  deps.Validator,
		link:       link,
		profiles:   profiles,
		roleMemo:   roleMemo,
		root:       root,
		rootCancel: cancel,
		state:      StateValidating,
		listeners:  make(map[uint64]func(Snapshot)),
		decided:    make(chan struct{}),
	}
	m.roles = newRoleResolver(roleMemo, deps.Memberships, log, deps.Metrics, m)

	return m, nil
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Decided is closed once the first Authenticated or Unauthenticated state is published.
func (m *Manager) Decided() <-chan struct{} { return m.decided }

// Subscribe registers fn for every published state. fn runs outside the manager's
// locks, in publish order per publisher goroutine. The returned func unregisters it.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Roles returns the admin role resolver bound to this manager.
func (m *Manager) Roles() *RoleResolver { return m.roles }

// IsAdmin resolves the admin flag for the current subject. It is false when signed out.
func (m *Manager) IsAdmin(ctx context.Context) bool {
	return m.roles.Resolve(ctx, m.Snapshot().SubjectID())
}

// InvalidateProfile drops the cached profile of subjectID so the next full validation
// refetches it.
func (m *Manager) InvalidateProfile(subjectID string) {
	m.profiles.Invalidate(subjectID)
}

// SignIn stores a freshly issued pair and runs a full validation against it.
func (m *Manager) SignIn(ctx context.Context, accessToken, refreshToken string) (Snapshot, error) {
	m.opMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.opMu.Unlock()
		return Snapshot{}, ErrClosed
	}
	m.mu.Unlock()

	if err := m.tokens.Write(ctx, accessToken, refreshToken); err != nil {
		m.opMu.Unlock()
		return m.Snapshot(), err
	}

	// Anything in flight belonged to the previous pair. The claim on StateValidating is
	// taken with the epoch bump so no gap exists before the validation starts.
	m.mu.Lock()
	m.epoch++
	m.owners++
	m.mu.Unlock()
	m.opMu.Unlock()
	defer m.release()

	m.log.Info("session.signin")
	return m.timedFullValidate(ctx)
}

// SignOut ends the session. It is idempotent.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	_, err := m.teardown(ctx, 0, true, "signout")
	return err
}

// Close stops the scheduler and waits for it, disconnects realtime and drops all
// listeners. Stored tokens are kept. Further operations return ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.opMu.Unlock()
		return nil
	}
	m.closed = true
	m.epoch++
	sched := m.sched
	m.sched = nil
	clear(m.listeners)
	m.mu.Unlock()
	m.opMu.Unlock()

	m.rootCancel()
	if sched != nil {
		sched.Stop()
		select {
		case <-sched.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.linkMu.Lock()
	err := m.link.Disconnect(ctx)
	m.linkMu.Unlock()

	m.log.Info("session.close")
	return err
}

// begin captures the epoch a validation runs under.
func (m *Manager) begin() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.epoch, nil
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// commitIf runs fn under the state lock when epoch is still current.
func (m *Manager) commitIf(epoch uint64, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.epoch != epoch {
		return false
	}
	fn()
	return true
}

// tokenFor returns the access token of the current user when it is subjectID.
func (m *Manager) tokenFor(subjectID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil || m.user.SubjectID != subjectID {
		return ""
	}
	return m.user.AccessToken
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state}
	if m.user != nil {
		u := *m.user
		snap.User = &u
	}
	return snap
}

// publishLocked sets the state and returns what must be delivered after unlocking.
func (m *Manager) publishLocked(state State, user *AuthenticatedUser) (Snapshot, []func(Snapshot)) {
	m.state = state
	m.user = user

	snap := m.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}

	if state != StateValidating {
		m.decidedOnce.Do(func() { close(m.decided) })
	}
	return snap, fns
}

func (m *Manager) notify(snap Snapshot, fns []func(Snapshot)) {
	for _, fn := range fns {
		fn(snap)
	}
	m.log.Debug("session.state", "state", string(snap.State), "subject", snap.SubjectID())
}

// ensureSchedulerLocked starts the background light validation if it is not running.
func (m *Manager) ensureSchedulerLocked() {
	if m.sched != nil || m.closed {
		return
	}
	m.sched = StartScheduler(m.root, m.cfg.RevalidateInterval, m.cfg.RunTimeout, m.scheduledRun, m.log)
}

func (m *Manager) scheduledRun(ctx context.Context) {
	snap, err := m.LightValidate(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSuperseded), errors.Is(err, ErrClosed):
	default:
		m.log.Warn("session.scheduler.run.fail", "state", string(snap.State), "err", err)
	}
}
