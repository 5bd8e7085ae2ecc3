// Package remote implements the session collaborators over the API's HTTP surface:
// token validation, profile lookup and group membership.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"tether/cmd/internal/auth/session"
)

// ErrConfig is returned for an invalid client configuration.
var ErrConfig = errors.New("invalid remote config")

// maxBodyBytes caps every response body the client decodes.
const maxBodyBytes = 1 << 20

// Config configures the API client.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryMax     int           `yaml:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
	UserAgent    string        `yaml:"user_agent"`
}

// DefaultConfig returns client defaults. BaseURL is left empty.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		UserAgent:    "tether",
	}
}

// Client talks to the API. It implements session.TokenValidator,
// session.ProfileFetcher and session.MembershipFetcher.
type Client struct {
	base *url.URL
	hc   *retryablehttp.Client
	ua   string
	log  *slog.Logger
}

// New builds a Client. Idempotent requests are retried on transport errors, 429 and 5xx.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("%w: base url %q", ErrConfig, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 || cfg.RetryMax < 0 {
		return nil, ErrConfig
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	hc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		hc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		hc.RetryWaitMax = cfg.RetryWaitMax
	}
	hc.Logger = log.With("component", "remote")
	// Hand the last response back instead of a generic "giving up" error so
	// statuses can be mapped.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	ua := cfg.UserAgent
	if ua == "" {
		ua = "tether"
	}
	return &Client{base: base, hc: hc, ua: ua, log: log}, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

// do runs one request and returns the status and the (bounded) body.
func (c *Client) do(ctx context.Context, op, method, target, bearer string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		payload = b
	}

	var reqBody any
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	// The retry policy reports an exhausted 5xx as an error next to the last response;
	// the status is what matters then.
	resp, err := c.hc.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		c.log.Warn("remote.request.fail", "op", op, "duration_ms", time.Since(start).Milliseconds(), "err", err)
		return 0, nil, &session.NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, &session.NetworkError{Op: op, Status: resp.StatusCode, Err: err}
	}

	c.log.Debug("remote.request",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp.StatusCode, data, nil
}

// statusError maps a non-2xx status to the session error taxonomy.
func statusError(op string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &session.FetchAuthorizationError{Op: op, Status: status}
	default:
		return &session.NetworkError{Op: op, Status: status}
	}
}

func decode(op string, status int, data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return &session.NetworkError{Op: op, Status: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
