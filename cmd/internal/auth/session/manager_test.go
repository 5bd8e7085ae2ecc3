package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tether/cmd/internal/auth/cache"
	"tether/cmd/internal/auth/tokenstore"
)

func TestManager_InitialStateIsLoading(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	snap := h.mgr.Snapshot()
	if !snap.Loading() || snap.User != nil {
		t.Fatalf("expected initial validating snapshot, got %+v", snap)
	}
	select {
	case <-h.mgr.Decided():
		t.Fatalf("Decided closed before any validation")
	default:
	}
}

func TestLightValidate_NoTokenIsUnauthenticated(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{res: ValidationResult{Valid: true}}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Validator = v })

	snap, err := h.mgr.LightValidate(context.Background())
	if err != nil {
		t.Fatalf("LightValidate: %v", err)
	}
	if snap.State != StateUnauthenticated || snap.User != nil {
		t.Fatalf("expected unauthenticated, got %+v", snap)
	}
	if h.prof.calls.Load() != 0 || h.members.calls.Load() != 0 || v.calls.Load() != 0 {
		t.Fatalf("expected no network calls")
	}
	select {
	case <-h.mgr.Decided():
	default:
		t.Fatalf("expected Decided to be closed")
	}
}

func TestFullValidate_ColdCacheFetchesOnceAndConnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tok := h.store("u1", time.Hour)

	snap, err := h.mgr.FullValidate(context.Background())
	if err != nil {
		t.Fatalf("FullValidate: %v", err)
	}
	if snap.State != StateAuthenticated || snap.User == nil {
		t.Fatalf("expected authenticated, got %+v", snap)
	}
	u := snap.User
	if u.SubjectID != "u1" || u.OrganizationID != "org-1" || u.AccountType != "member" {
		t.Fatalf("unexpected claims on user: %+v", u)
	}
	if !u.ProfileLoaded || u.Profile.DisplayName != "User u1" {
		t.Fatalf("unexpected profile: %+v", u.Profile)
	}
	if u.AccessToken != tok {
		t.Fatalf("user does not carry the current token")
	}
	if got := h.prof.calls.Load(); got != 1 {
		t.Fatalf("profile fetches=%d want 1", got)
	}
	if _, ok := h.mgr.profiles.Get("u1"); !ok {
		t.Fatalf("expected profile cached")
	}
	if h.link.connectedSubject() != "u1" || h.link.connects != 1 {
		t.Fatalf("expected realtime connected for u1, got subject=%q connects=%d", h.link.connectedSubject(), h.link.connects)
	}
}

func TestFullValidate_WarmCacheSkipsFetch(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	injected := cache.New[Profile](5*time.Minute, cache.WithClock(clock.Now))
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Now = clock.Now
		d.ProfileCache = injected
	})
	h.clock = clock

	injected.Put("u1", Profile{ID: "u1", DisplayName: "Cached"})
	clock.Advance(2 * time.Minute)
	h.store("u1", time.Hour)

	snap, err := h.mgr.FullValidate(context.Background())
	if err != nil {
		t.Fatalf("FullValidate: %v", err)
	}
	if got := h.prof.calls.Load(); got != 0 {
		t.Fatalf("profile fetches=%d want 0", got)
	}
	if snap.User == nil || snap.User.Profile.DisplayName != "Cached" || !snap.User.ProfileLoaded {
		t.Fatalf("expected cached profile, got %+v", snap.User)
	}
}

func TestFullValidate_ExpiredCacheEntryRefetches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)

	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}
	h.clock.Advance(5 * time.Minute)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate (after ttl): %v", err)
	}
	if got := h.prof.calls.Load(); got != 2 {
		t.Fatalf("profile fetches=%d want 2", got)
	}
}

func TestFullValidate_ConcurrentCallsShareOneFetch(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.prof.gate = gate
	h.prof.started = make(chan struct{}, 16)
	h.store("u1", time.Hour)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := h.mgr.FullValidate(context.Background())
			if err == nil && snap.State != StateAuthenticated {
				err = errors.New("not authenticated: " + string(snap.State))
			}
			errs <- err
		}()
	}

	<-h.prof.started
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("FullValidate: %v", err)
		}
	}
	if got := h.prof.calls.Load(); got != 1 {
		t.Fatalf("profile fetches=%d want 1", got)
	}
	if h.link.connects != 1 {
		t.Fatalf("realtime connects=%d want 1", h.link.connects)
	}
}

func TestFullValidate_RepeatedDoesNotReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := h.mgr.FullValidate(context.Background()); err != nil {
			t.Fatalf("FullValidate #%d: %v", i, err)
		}
	}
	if h.link.connects != 1 {
		t.Fatalf("realtime connects=%d want 1", h.link.connects)
	}
}

func TestLightValidate_ExpiredTokenTearsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)

	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}
	// Warms the role cache; no admin membership is configured.
	_ = h.mgr.IsAdmin(context.Background())
	if h.mgr.profiles.Len() == 0 || h.mgr.roleMemo.Len() == 0 {
		t.Fatalf("expected warm caches before expiry")
	}

	h.clock.Advance(2 * time.Hour)
	snap, err := h.mgr.LightValidate(context.Background())
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
	if snap.State != StateUnauthenticated || snap.User != nil {
		t.Fatalf("expected unauthenticated, got %+v", snap)
	}
	if h.mgr.profiles.Len() != 0 || h.mgr.roleMemo.Len() != 0 {
		t.Fatalf("expected caches cleared")
	}
	if h.link.connectedSubject() != "" || h.link.disconnects != 1 {
		t.Fatalf("expected realtime disconnected")
	}
	if _, ok, _ := h.tokens.Read(context.Background()); ok {
		t.Fatalf("expected token store cleared")
	}
}

func TestLightValidate_ExpiryAtNowIsExpired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", 0)

	snap, err := h.mgr.LightValidate(context.Background())
	if !errors.Is(err, ErrExpiredToken) || snap.State != StateUnauthenticated {
		t.Fatalf("expected expired/unauthenticated, got state=%s err=%v", snap.State, err)
	}
}

func TestLightValidate_UpdatesTokenFieldsWithoutFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}

	// Refreshed token for the same subject with a rotated account type.
	rotated := mintToken(t, "u1", "owner", h.clock.Now().Add(2*time.Hour))
	if err := h.tokens.Write(context.Background(), rotated, "r2"); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := h.mgr.LightValidate(context.Background())
	if err != nil {
		t.Fatalf("LightValidate: %v", err)
	}
	if snap.User == nil || snap.User.AccountType != "owner" || snap.User.AccessToken != rotated {
		t.Fatalf("token-derived fields not refreshed: %+v", snap.User)
	}
	if !snap.User.ProfileLoaded || snap.User.Profile.DisplayName != "User u1" {
		t.Fatalf("profile must be preserved: %+v", snap.User.Profile)
	}
	if got := h.prof.calls.Load(); got != 1 {
		t.Fatalf("profile fetches=%d want 1", got)
	}
	if h.link.syncs != 1 {
		t.Fatalf("light validation must not touch realtime, syncs=%d", h.link.syncs)
	}
}

func TestLightValidate_EscalatesWithoutUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)

	snap, err := h.mgr.LightValidate(context.Background())
	if err != nil {
		t.Fatalf("LightValidate: %v", err)
	}
	if snap.State != StateAuthenticated || !snap.User.ProfileLoaded {
		t.Fatalf("expected full authentication, got %+v", snap)
	}
	if got := h.prof.calls.Load(); got != 1 {
		t.Fatalf("profile fetches=%d want 1", got)
	}
}

func TestFullValidate_MalformedTokenTearsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.tokens.Write(context.Background(), "not-a-token", ""); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := h.mgr.FullValidate(context.Background())
	if !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
	if snap.State != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", snap.State)
	}
	if _, ok, _ := h.tokens.Read(context.Background()); ok {
		t.Fatalf("expected token store cleared")
	}
	if h.prof.calls.Load() != 0 {
		t.Fatalf("no profile fetch expected for malformed token")
	}
}

func TestFullValidate_ProfileNotFoundContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.prof.setErr(ErrProfileNotFound)
	h.store("u1", time.Hour)

	snap, err := h.mgr.FullValidate(context.Background())
	if err != nil {
		t.Fatalf("FullValidate: %v", err)
	}
	if snap.State != StateAuthenticated || snap.User.ProfileLoaded {
		t.Fatalf("expected authenticated without profile, got %+v", snap)
	}
	if h.mgr.profiles.Len() != 0 {
		t.Fatalf("missing profile must not be cached")
	}
}

func TestFullValidate_ProfileNetworkErrorKeepsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}

	h.clock.Advance(6 * time.Minute)
	h.prof.setErr(&NetworkError{Op: "profile", Status: 503})

	snap, err := h.mgr.FullValidate(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if snap.State != StateAuthenticated {
		t.Fatalf("network error must not sign out, got %s", snap.State)
	}
	if !snap.User.ProfileLoaded || snap.User.Profile.DisplayName != "User u1" {
		t.Fatalf("expected last known-good profile, got %+v", snap.User)
	}
	if _, ok, _ := h.tokens.Read(context.Background()); !ok {
		t.Fatalf("tokens must be kept")
	}
}

func TestFullValidate_ProfileUnauthorizedSignsOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.prof.setErr(&FetchAuthorizationError{Op: "profile", Status: 401})
	h.store("u1", time.Hour)

	snap, err := h.mgr.FullValidate(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if snap.State != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", snap.State)
	}
	if _, ok, _ := h.tokens.Read(context.Background()); ok {
		t.Fatalf("expected token store cleared")
	}
}

func TestFullValidate_ValidatorRejectsSignsOut(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{res: ValidationResult{Valid: false}}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Validator = v })
	h.store("u1", time.Hour)

	snap, err := h.mgr.FullValidate(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if snap.State != StateUnauthenticated || h.prof.calls.Load() != 0 {
		t.Fatalf("expected unauthenticated without profile fetch, got %+v", snap)
	}
}

func TestFullValidate_ValidatorNetworkErrorTrustsLocalClaims(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{err: &NetworkError{Op: "validate", Status: 502}}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Validator = v })
	h.store("u1", time.Hour)

	snap, err := h.mgr.FullValidate(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected the network error as a notice, got %v", err)
	}
	if snap.State != StateAuthenticated || !snap.User.ProfileLoaded {
		t.Fatalf("expected authenticated with profile, got %+v", snap)
	}
	if _, ok, _ := h.tokens.Read(context.Background()); !ok {
		t.Fatalf("tokens must be kept")
	}
}

func TestFullValidate_RotatedPairIsStored(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	next := mintToken(t, "u1", "admin", clock.Now().Add(3*time.Hour))
	v := &fakeValidator{res: ValidationResult{
		Valid:   true,
		Rotated: &tokenstore.Session{AccessToken: next, RefreshToken: "r-next"},
	}}
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Validator = v
		d.Now = clock.Now
	})
	h.clock = clock
	h.store("u1", time.Hour)

	snap, err := h.mgr.FullValidate(context.Background())
	if err != nil {
		t.Fatalf("FullValidate: %v", err)
	}
	if snap.User.AccessToken != next || snap.User.AccountType != "admin" {
		t.Fatalf("rotated claims not applied: %+v", snap.User)
	}
	got, ok, err := h.tokens.Read(context.Background())
	if err != nil || !ok || got.AccessToken != next || got.RefreshToken != "r-next" {
		t.Fatalf("rotated pair not stored: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestSignOut_IsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.mgr.SignOut(context.Background()); err != nil {
			t.Fatalf("SignOut #%d: %v", i, err)
		}
		snap := h.mgr.Snapshot()
		if snap.State != StateUnauthenticated || snap.User != nil {
			t.Fatalf("SignOut #%d: unexpected %+v", i, snap)
		}
		if h.mgr.profiles.Len() != 0 || h.mgr.roleMemo.Len() != 0 {
			t.Fatalf("SignOut #%d: caches not empty", i)
		}
		if h.link.connectedSubject() != "" {
			t.Fatalf("SignOut #%d: realtime still connected", i)
		}
	}
	if h.link.disconnects != 1 {
		t.Fatalf("disconnects=%d want 1", h.link.disconnects)
	}
}

func TestSignOut_TearsDownBeforePublishing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}

	var (
		mu       sync.Mutex
		observed []string
	)
	unsubscribe := h.mgr.Subscribe(func(s Snapshot) {
		if s.State != StateUnauthenticated {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if h.mgr.profiles.Len() != 0 {
			observed = append(observed, "profile cache not cleared")
		}
		if h.link.connectedSubject() != "" {
			observed = append(observed, "realtime still connected")
		}
		if _, ok, _ := h.tokens.Read(context.Background()); ok {
			observed = append(observed, "tokens still stored")
		}
		observed = append(observed, "published")
	})
	defer unsubscribe()

	if err := h.mgr.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0] != "published" {
		t.Fatalf("unexpected observations: %v", observed)
	}
}

func TestSignOut_DiscardsInFlightValidation(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.prof.gate = gate
	h.prof.started = make(chan struct{}, 1)
	h.store("u1", time.Hour)

	type result struct {
		snap Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := h.mgr.FullValidate(context.Background())
		done <- result{snap, err}
	}()

	<-h.prof.started
	if err := h.mgr.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	close(gate)

	res := <-done
	if !errors.Is(res.err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", res.err)
	}
	if snap := h.mgr.Snapshot(); snap.State != StateUnauthenticated {
		t.Fatalf("late validation resurrected the session: %+v", snap)
	}
	if h.mgr.profiles.Len() != 0 {
		t.Fatalf("late fetch populated the cache")
	}
	if h.link.connectedSubject() != "" {
		t.Fatalf("late validation connected realtime")
	}
}

func TestSignIn_StoresAndAuthenticates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tok := mintToken(t, "u9", "member", h.clock.Now().Add(time.Hour))

	snap, err := h.mgr.SignIn(context.Background(), tok, "r9")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if snap.SubjectID() != "u9" || !snap.Authenticated() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	got, ok, _ := h.tokens.Read(context.Background())
	if !ok || got.AccessToken != tok || got.RefreshToken != "r9" {
		t.Fatalf("pair not stored: %+v", got)
	}
}

func TestSignIn_SwitchingSubjectPublishesValidating(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}

	var (
		mu     sync.Mutex
		states []State
	)
	defer h.mgr.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})()

	tok := mintToken(t, "u2", "member", h.clock.Now().Add(time.Hour))
	if _, err := h.mgr.SignIn(context.Background(), tok, ""); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateValidating || states[1] != StateAuthenticated {
		t.Fatalf("unexpected transitions: %v", states)
	}
	if h.link.connectedSubject() != "u2" {
		t.Fatalf("realtime not moved to u2")
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var (
		mu    sync.Mutex
		calls int
	)
	unsubscribe := h.mgr.Subscribe(func(Snapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	_, _ = h.mgr.LightValidate(context.Background())
	unsubscribe()
	_, _ = h.mgr.LightValidate(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestClose_StopsEverythingKeepsTokens(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}

	if err := h.mgr.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.mgr.Close(context.Background()); err != nil {
		t.Fatalf("Close (again): %v", err)
	}
	if h.link.connectedSubject() != "" {
		t.Fatalf("expected realtime disconnected on close")
	}
	if _, ok, _ := h.tokens.Read(context.Background()); !ok {
		t.Fatalf("tokens must survive Close")
	}
	if _, err := h.mgr.FullValidate(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := h.mgr.SignOut(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from SignOut, got %v", err)
	}
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(DefaultConfig(), Deps{}); err == nil {
		t.Fatalf("expected error without collaborators")
	}
	bad := DefaultConfig()
	bad.ProfileTTL = 0
	if _, err := NewManager(bad, Deps{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestInvalidateProfile_ForcesRefetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}
	h.mgr.InvalidateProfile("u1")
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}
	if got := h.prof.calls.Load(); got != 2 {
		t.Fatalf("profile fetches=%d want 2", got)
	}
}

func TestFullValidate_ValidatorVerdictTearsDownSession(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{res: ValidationResult{Valid: true}}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Validator = v })
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}

	v.err = &FetchAuthorizationError{Op: "validate", Status: 410}
	snap, err := h.mgr.FullValidate(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if snap.State != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", snap.State)
	}
	if _, ok, _ := h.tokens.Read(context.Background()); ok {
		t.Fatalf("expected token store cleared")
	}
	if h.link.connectedSubject() != "" || h.mgr.profiles.Len() != 0 {
		t.Fatalf("expected link and caches torn down")
	}
}

func withFlakyStore(store **flakyStore) func(*Config, *Deps) {
	return func(_ *Config, d *Deps) {
		*store = &flakyStore{MemoryStore: d.Tokens.(*tokenstore.MemoryStore)}
		d.Tokens = *store
	}
}

func TestFullValidate_StoreFailureDecidesUnauthenticated(t *testing.T) {
	t.Parallel()

	var store *flakyStore
	h := newHarness(t, withFlakyStore(&store))
	store.failing.Store(true)

	snap, err := h.mgr.FullValidate(context.Background())
	if err == nil {
		t.Fatalf("expected read error")
	}
	if snap.State != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", snap.State)
	}
	select {
	case <-h.mgr.Decided():
	default:
		t.Fatalf("store failure must still decide")
	}
}

func TestLightValidate_StoreFailureDuringSwitchKeepsValidating(t *testing.T) {
	t.Parallel()

	var store *flakyStore
	h := newHarness(t, withFlakyStore(&store))
	h.store("u1", time.Hour)
	if _, err := h.mgr.FullValidate(context.Background()); err != nil {
		t.Fatalf("FullValidate: %v", err)
	}

	gate := make(chan struct{})
	h.prof.mu.Lock()
	h.prof.gate = gate
	h.prof.started = make(chan struct{}, 1)
	h.prof.mu.Unlock()

	var (
		mu     sync.Mutex
		states []State
	)
	defer h.mgr.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})()

	tok := mintToken(t, "u2", "member", h.clock.Now().Add(time.Hour))
	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.SignIn(context.Background(), tok, "")
		done <- err
	}()
	<-h.prof.started

	store.failing.Store(true)
	snap, err := h.mgr.LightValidate(context.Background())
	if err == nil {
		t.Fatalf("expected read error")
	}
	if snap.State != StateValidating {
		t.Fatalf("a running sign-in owns the state, got %s", snap.State)
	}
	if h.link.connectedSubject() != "u1" {
		t.Fatalf("link changed before the switch resolved: %q", h.link.connectedSubject())
	}
	store.failing.Store(false)
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateValidating || states[1] != StateAuthenticated {
		t.Fatalf("unexpected transitions: %v", states)
	}
	if h.link.connectedSubject() != "u2" {
		t.Fatalf("realtime not moved to u2")
	}
}

func TestFullValidate_CallerCancelDoesNotFailSharedFetch(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.prof.gate = gate
	h.prof.started = make(chan struct{}, 4)
	h.store("u1", time.Hour)

	type result struct {
		snap Snapshot
		err  error
	}
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan result, 1)
	go func() {
		snap, err := h.mgr.FullValidate(ctx)
		first <- result{snap, err}
	}()
	<-h.prof.started

	second := make(chan result, 1)
	go func() {
		snap, err := h.mgr.FullValidate(context.Background())
		second <- result{snap, err}
	}()

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for name, ch := range map[string]chan result{"first": first, "second": second} {
		res := <-ch
		if res.err != nil {
			t.Fatalf("%s: %v", name, res.err)
		}
		if !res.snap.Authenticated() || !res.snap.User.ProfileLoaded {
			t.Fatalf("%s: expected loaded profile, got %+v", name, res.snap)
		}
	}
	if got := h.prof.calls.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}
