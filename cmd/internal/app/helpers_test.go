package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tether/cmd/internal/auth/tokenstore"
)

// fakeAPI serves the three endpoints the runtime consumes.
type fakeAPI struct {
	profileHits atomic.Int32
	groupHits   atomic.Int32
	validations atomic.Int32
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/validate", func(w http.ResponseWriter, _ *http.Request) {
		f.validations.Add(1)
		writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
	})
	mux.HandleFunc("GET /users/{id}/profile", func(w http.ResponseWriter, r *http.Request) {
		f.profileHits.Add(1)
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id"), "display_name": "Ada"})
	})
	mux.HandleFunc("GET /users/{id}/groups", func(w http.ResponseWriter, _ *http.Request) {
		f.groupHits.Add(1)
		writeJSON(w, http.StatusOK, []map[string]string{{"group_id": "g1", "name": "Ops", "type": "admin"}})
	})
	return mux
}

func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":          sub,
		"org_id":       "org-1",
		"account_type": "member",
		"exp":          exp.Unix(),
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

func newTestApp(t *testing.T) (*App, *fakeAPI) {
	t.Helper()

	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.API.BaseURL = srv.URL
	cfg.API.RetryMax = 0
	cfg.Tokens = tokenstore.Config{Backend: tokenstore.BackendMemory}

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, api
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decodeView(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v (%q)", err, rr.Body.String())
	}
	return out
}
