// Package main provides a CI-friendly smoke test for a running tether agent.
//
// It validates:
//   - liveness and readiness (waits for the first session decision)
//   - the session view never leaks the bearer token
//   - light validation agrees with the session view
//   - optional full validation and metrics exposition
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const maxReadBytes = 1 << 20 // 1MiB

type sessionView struct {
	State string `json:"state"`
	User  *struct {
		SubjectID     string `json:"subject_id"`
		ProfileLoaded bool   `json:"profile_loaded"`
	} `json:"user"`
	Admin  *bool  `json:"admin"`
	Notice string `json:"notice"`
}

func main() {
	var (
		baseURL     = flag.String("url", "http://127.0.0.1:7710", "Agent control surface URL")
		timeout     = flag.Duration("timeout", 5*time.Second, "Per-step timeout")
		readyWait   = flag.Duration("ready-wait", 20*time.Second, "How long to wait for /readyz")
		full        = flag.Bool("full", false, "Also run a full validation (hits the API)")
		wantState   = flag.String("want", "", "Expected session state (authenticated|unauthenticated), empty accepts either")
		withMetrics = flag.Bool("metrics", true, "Check /metrics")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	base := strings.TrimRight(*baseURL, "/")
	hc := &http.Client{Timeout: *timeout}
	root := context.Background()

	mustStatus(root, hc, http.MethodGet, base+"/healthz", http.StatusOK)
	mustBecomeReady(root, hc, base+"/readyz", *readyWait)

	view := mustSession(root, hc, http.MethodGet, base+"/session")
	if *verbose {
		fmt.Printf("session: state=%s subject=%s\n", view.State, subject(view))
	}
	if *wantState != "" && view.State != *wantState {
		fatalf("session: state=%s want %s", view.State, *wantState)
	}

	light := mustSession(root, hc, http.MethodPost, base+"/session/validate?mode=light")
	if light.State != view.State || subject(light) != subject(view) {
		fatalf("light validate: got %s/%s, session view was %s/%s", light.State, subject(light), view.State, subject(view))
	}
	if light.State == "authenticated" && light.Admin == nil {
		fatalf("light validate: authenticated view without admin flag")
	}

	if *full {
		res := mustSession(root, hc, http.MethodPost, base+"/session/validate?mode=full")
		if *verbose {
			fmt.Printf("full validate: state=%s notice=%q\n", res.State, res.Notice)
		}
	}

	mustStatus(root, hc, http.MethodPost, base+"/session/validate?mode=bogus", http.StatusBadRequest)

	if *withMetrics {
		body := mustStatus(root, hc, http.MethodGet, base+"/metrics", http.StatusOK)
		if !bytes.Contains(body, []byte("tether_session_validations_total")) {
			fatalf("metrics: tether_session_validations_total not exported")
		}
	}

	fmt.Printf("OK: state=%s subject=%s\n", view.State, subject(view))
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func subject(v sessionView) string {
	if v.User == nil {
		return "-"
	}
	return v.User.SubjectID
}

func do(ctx context.Context, hc *http.Client, method, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	return resp.StatusCode, body, err
}

func mustStatus(parent context.Context, hc *http.Client, method, target string, want int) []byte {
	status, body, err := do(parent, hc, method, target)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	if status != want {
		fatalf("%s %s: status=%d want %d body=%q", method, target, status, want, body)
	}
	return body
}

func mustBecomeReady(parent context.Context, hc *http.Client, target string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		status, body, err := do(ctx, hc, http.MethodGet, target)
		if err == nil && status == http.StatusOK {
			return
		}
		select {
		case <-ctx.Done():
			fatalf("readyz: not ready after %s (status=%d err=%v body=%q)", wait, status, err, body)
		case <-t.C:
		}
	}
}

func mustSession(parent context.Context, hc *http.Client, method, target string) sessionView {
	status, body, err := do(parent, hc, method, target)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	// A validation that ends signed out answers 401 with the view.
	if status != http.StatusOK && status != http.StatusUnauthorized {
		fatalf("%s %s: status=%d body=%q", method, target, status, body)
	}
	if bytes.Contains(body, []byte("access_token")) {
		fatalf("%s %s: response exposes a token field", method, target)
	}

	var v sessionView
	if err := json.Unmarshal(body, &v); err != nil {
		fatalf("%s %s: decode: %v", method, target, err)
	}
	switch v.State {
	case "authenticated":
		if v.User == nil {
			fatalf("%s %s: authenticated without user", method, target)
		}
	case "unauthenticated":
		if v.User != nil {
			fatalf("%s %s: unauthenticated with user %s", method, target, v.User.SubjectID)
		}
	default:
		fatalf("%s %s: unexpected state %q", method, target, v.State)
	}
	return v
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
