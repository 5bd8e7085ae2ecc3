package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"tether/cmd/internal/auth/session"
	"tether/cmd/internal/auth/tokenstore"
	"tether/cmd/internal/metrics"
	"tether/cmd/internal/realtime"
)

// control is what the local control surface needs from the runtime.
type control struct {
	log      *slog.Logger
	mgr      *session.Manager
	store    tokenstore.Store
	realtime *realtime.Coordinator
	gatherer prometheus.Gatherer
}

// sessionView is the JSON shape of GET /session. Tokens are never included.
type sessionView struct {
	session.Snapshot
	Admin    *bool            `json:"admin,omitempty"`
	Realtime *realtime.Status `json:"realtime,omitempty"`
	Notice   string           `json:"notice,omitempty"`
}

func registerHTTP(mux *http.ServeMux, c control) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-c.mgr.Decided():
		default:
			http.Error(w, "session not decided", http.StatusServiceUnavailable)
			return
		}

		if p, ok := c.store.(tokenstore.Pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, "token store not ready", http.StatusServiceUnavailable)
				c.log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		snap := c.mgr.Snapshot()
		view := c.view(r, snap, nil)
		writeJSON(w, http.StatusOK, view)
	})

	mux.HandleFunc("POST /session/validate", func(w http.ResponseWriter, r *http.Request) {
		var (
			snap session.Snapshot
			err  error
		)
		switch mode := strings.ToLower(r.URL.Query().Get("mode")); mode {
		case "", "full":
			snap, err = c.mgr.FullValidate(r.Context())
		case "light":
			snap, err = c.mgr.LightValidate(r.Context())
		default:
			http.Error(w, "mode must be light or full", http.StatusBadRequest)
			return
		}
		writeJSON(w, validateStatus(snap, err), c.view(r, snap, err))
	})

	mux.HandleFunc("POST /session/signout", func(w http.ResponseWriter, r *http.Request) {
		err := c.mgr.SignOut(r.Context())
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, session.ErrClosed):
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		default:
			c.log.Error("session.signout.fail", "err", err)
			http.Error(w, "sign-out incomplete", http.StatusInternalServerError)
		}
	})

	if c.gatherer != nil {
		mux.Handle("GET /metrics", metrics.HandlerFor(c.gatherer))
	}
}

func (c control) view(r *http.Request, snap session.Snapshot, err error) sessionView {
	v := sessionView{Snapshot: snap}
	if snap.Authenticated() {
		admin := c.mgr.IsAdmin(r.Context())
		v.Admin = &admin
	}
	if c.realtime != nil {
		st := c.realtime.Status()
		v.Realtime = &st
	}
	if err != nil {
		v.Notice = err.Error()
	}
	return v
}

// validateStatus maps a validation outcome to an HTTP status. A degraded but
// authenticated session (profile unavailable) is still 200.
func validateStatus(snap session.Snapshot, err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case snap.State == session.StateAuthenticated:
		return http.StatusOK
	case snap.State == session.StateUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
