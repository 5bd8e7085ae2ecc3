package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tether/cmd/internal/auth/claims"
	"tether/cmd/internal/auth/tokenstore"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mintToken returns an unsigned-verified JWT the decoder accepts.
func mintToken(t *testing.T, sub, accountType string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":          sub,
		"org_id":       "org-1",
		"account_type": accountType,
		"exp":          exp.Unix(),
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

type fakeProfiles struct {
	calls atomic.Int32

	mu      sync.Mutex
	err     error
	gate    chan struct{} // when set, fetches block until closed
	started chan struct{} // receives once per fetch
}

func (f *fakeProfiles) FetchProfile(ctx context.Context, subjectID, accessToken string) (Profile, error) {
	f.calls.Add(1)

	f.mu.Lock()
	gate, started, err := f.gate, f.started, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Profile{}, &NetworkError{Op: "profile", Err: ctx.Err()}
		}
	}
	if err != nil {
		return Profile{}, err
	}
	return Profile{ID: subjectID, DisplayName: "User " + subjectID}, nil
}

func (f *fakeProfiles) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeMemberships struct {
	calls atomic.Int32

	mu  sync.Mutex
	ms  []Membership
	err error
}

func (f *fakeMemberships) FetchMemberships(ctx context.Context, subjectID, accessToken string) ([]Membership, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ms, f.err
}

type fakeValidator struct {
	calls atomic.Int32
	res   ValidationResult
	err   error
}

func (f *fakeValidator) ValidateToken(ctx context.Context, sess tokenstore.Session) (ValidationResult, error) {
	f.calls.Add(1)
	return f.res, f.err
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	tokens  *tokenstore.MemoryStore
	prof    *fakeProfiles
	members *fakeMemberships
	link    *recordingLink
	mgr     *Manager
}

// recordingLink is a Coordinator that tracks the connection like the real one would.
type recordingLink struct {
	mu          sync.Mutex
	subject     string
	syncs       int
	connects    int
	disconnects int
}

func (l *recordingLink) Sync(ctx context.Context, subjectID, accessToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncs++
	if l.subject != subjectID {
		l.subject = subjectID
		l.connects++
	}
	return nil
}

func (l *recordingLink) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subject != "" {
		l.disconnects++
	}
	l.subject = ""
	return nil
}

func (l *recordingLink) connectedSubject() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subject
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		clock:   newFakeClock(),
		tokens:  tokenstore.NewMemoryStore(),
		prof:    &fakeProfiles{},
		members: &fakeMemberships{},
		link:    &recordingLink{},
	}

	cfg := DefaultConfig()
	deps := Deps{
		Tokens:      h.tokens,
		Decoder:     claims.NewJWTDecoder(),
		Profiles:    h.prof,
		Memberships: h.members,
		Realtime:    h.link,
		Now:         h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	mgr, err := NewManager(cfg, deps)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	h.mgr = mgr
	return h
}

// store writes a token for sub that expires in ttl.
func (h *harness) store(sub string, ttl time.Duration) string {
	h.t.Helper()
	tok := mintToken(h.t, sub, "member", h.clock.Now().Add(ttl))
	if err := h.tokens.Write(context.Background(), tok, "refresh-"+sub); err != nil {
		h.t.Fatalf("write tokens: %v", err)
	}
	return tok
}

// flakyStore fails reads while failing is set.
type flakyStore struct {
	*tokenstore.MemoryStore
	failing atomic.Bool
}

func (s *flakyStore) Read(ctx context.Context) (tokenstore.Session, bool, error) {
	if s.failing.Load() {
		return tokenstore.Session{}, false, errors.New("disk unavailable")
	}
	return s.MemoryStore.Read(ctx)
}
