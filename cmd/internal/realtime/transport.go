package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "tether/contracts/realtime/v1"
)

// ErrHandshakeRejected is returned when the server answers hello with an error envelope
// or refuses the upgrade.
var ErrHandshakeRejected = errors.New("realtime handshake rejected")

// Transport is the connection primitive the Coordinator drives. Connect and
// Disconnect are idempotent.
type Transport interface {
	Connect(ctx context.Context, accessToken string) error
	Disconnect(ctx context.Context) error
	Connected() bool
}

// WSTransport is a Transport over coder/websocket speaking protocol v1.
type WSTransport struct {
	cfg        Config
	log        *slog.Logger
	httpClient *http.Client

	// OnDrop is called (in its own goroutine) when the server side ends a live link.
	OnDrop func(err error)

	inbox chan v1.EventPayload

	mu  sync.Mutex
	cur *link
}

// NewWSTransport builds a transport. httpClient may be nil.
func NewWSTransport(cfg Config, log *slog.Logger, httpClient *http.Client) *WSTransport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = handshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = writeTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	return &WSTransport{
		cfg:        cfg,
		log:        log,
		httpClient: httpClient,
		inbox:      make(chan v1.EventPayload, cfg.InboxSize),
	}
}

// Events delivers server pushes. Events are dropped when the consumer falls behind.
func (t *WSTransport) Events() <-chan v1.EventPayload { return t.inbox }

// Connected reports whether a live link exists.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur != nil && !t.cur.Closed()
}

// SessionID returns the server-assigned id of the live link, or "".
func (t *WSTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil || t.cur.Closed() {
		return ""
	}
	return t.cur.SessionID
}

// Connect dials, authenticates with hello and waits for hello_ack.
// It is a no-op while a live link exists.
func (t *WSTransport) Connect(ctx context.Context, accessToken string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur != nil && !t.cur.Closed() {
		return nil
	}
	t.cur = nil

	hsCtx, hsCancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer hsCancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	if strings.TrimSpace(t.cfg.Origin) != "" {
		h.Set("Origin", t.cfg.Origin)
	}

	conn, resp, err := websocket.Dial(hsCtx, t.cfg.URL, &websocket.DialOptions{
		HTTPClient:   t.httpClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: status %d", ErrHandshakeRejected, resp.StatusCode)
		}
		return fmt.Errorf("realtime dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return fmt.Errorf("realtime dial: server selected subprotocol %q", sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	ack, err := t.handshake(hsCtx, conn, accessToken)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return err
	}

	lctx, lcancel := context.WithCancel(context.Background())
	l := newLink(conn, lcancel, ack.SessionID, ack.Subject)
	t.cur = l

	go t.readLoop(lctx, l)
	go t.heartbeat(lctx, l)

	t.log.Info("realtime.connect", "session_id", l.SessionID, "subject", l.Subject)
	return nil
}

// Disconnect closes the live link and waits for its goroutines. No-op when not connected.
func (t *WSTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	l := t.cur
	t.cur = nil
	t.mu.Unlock()

	if l == nil {
		return nil
	}
	l.Close(websocket.StatusNormalClosure, "bye")

	for _, ch := range []chan struct{}{l.readerDone, l.heartbeatDone} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(closeGrace):
		}
	}

	t.log.Info("realtime.disconnect", "session_id", l.SessionID)
	return nil
}

func (t *WSTransport) handshake(ctx context.Context, conn *websocket.Conn, accessToken string) (v1.HelloAckPayload, error) {
	p, err := json.Marshal(v1.HelloPayload{Token: accessToken})
	if err != nil {
		return v1.HelloAckPayload{}, err
	}
	if err := writeEnvelope(ctx, conn, newEnvelope(v1.TypeHello, p, time.Now().UTC()), t.cfg.WriteTimeout); err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("realtime hello: %w", err)
	}

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("realtime hello_ack: %w", err)
	}
	if err := env.Validate(); err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("realtime hello_ack: %w", err)
	}

	switch env.Type {
	case v1.TypeHelloAck:
		var ack v1.HelloAckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return v1.HelloAckPayload{}, fmt.Errorf("realtime hello_ack: %w", err)
		}
		return ack, nil
	case v1.TypeError:
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		return v1.HelloAckPayload{}, fmt.Errorf("%w: %s %s", ErrHandshakeRejected, ep.Code, ep.Message)
	default:
		return v1.HelloAckPayload{}, fmt.Errorf("realtime hello_ack: unexpected type %q", env.Type)
	}
}

func (t *WSTransport) readLoop(ctx context.Context, l *link) {
	defer close(l.readerDone)

	for {
		env, err := readEnvelope(ctx, l.conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				t.log.Info("realtime.read.bad_json", "session_id", l.SessionID)
				continue
			case readErrCtxDone:
				// Link cancelled locally.
				l.Close(websocket.StatusNormalClosure, "context done")
				return
			}

			// Our own Close also lands here; only report drops we did not initiate.
			if l.Close(websocket.StatusAbnormalClosure, "read failed") {
				t.log.Info("realtime.drop", "session_id", l.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				if t.OnDrop != nil {
					go t.OnDrop(err)
				}
			}
			return
		}

		if err := env.Validate(); err != nil {
			t.log.Info("realtime.read.bad_envelope", "session_id", l.SessionID, "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeEvent:
			var ev v1.EventPayload
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				t.log.Info("realtime.read.bad_event", "session_id", l.SessionID, "err", err)
				continue
			}
			select {
			case t.inbox <- ev:
			default:
				t.log.Warn("realtime.inbox.full", "session_id", l.SessionID, "topic", ev.Topic)
			}
		case v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			t.log.Warn("realtime.server.error", "session_id", l.SessionID, "code", ep.Code, "message", ep.Message)
		}
	}
}

func (t *WSTransport) heartbeat(ctx context.Context, l *link) {
	defer close(l.heartbeatDone)

	every := t.cfg.HeartbeatInterval
	if every <= 0 {
		every = heartbeatInterval
	}
	tk := time.NewTicker(every)
	defer tk.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.Done():
			return
		case <-tk.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, t.cfg.HeartbeatTimeout)
			err := l.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				t.log.Info("realtime.ping.fail", "session_id", l.SessionID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					if l.Close(websocket.StatusGoingAway, "heartbeat failed") && t.OnDrop != nil {
						go t.OnDrop(err)
					}
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return readErrBadJSON
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return readErrBadJSON
	}
	return readErrUnknown
}
