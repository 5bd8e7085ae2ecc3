package realtime

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// link is one live websocket connection.
//
// done is closed once the connection is shutting down; Close is idempotent.
type link struct {
	SessionID string
	Subject   string

	conn   *websocket.Conn
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once

	// readerDone/heartbeatDone let Disconnect wait for goroutines.
	readerDone    chan struct{}
	heartbeatDone chan struct{}
}

func newLink(conn *websocket.Conn, cancel context.CancelFunc, sessionID, subject string) *link {
	return &link{
		SessionID:     sessionID,
		Subject:       subject,
		conn:          conn,
		cancel:        cancel,
		done:          make(chan struct{}),
		readerDone:    make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the link is shutting down.
func (l *link) Done() <-chan struct{} {
	if l == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

// Closed reports whether the link is shutting down.
func (l *link) Closed() bool {
	select {
	case <-l.Done():
		return true
	default:
		return false
	}
}

// Close signals goroutines to stop and closes the socket with code/reason.
// It reports whether this call performed the close.
func (l *link) Close(code websocket.StatusCode, reason string) bool {
	if l == nil {
		return false
	}
	closed := false
	l.closeOnce.Do(func() {
		closed = true
		close(l.done)
		_ = l.conn.Close(code, reason)
		l.cancel()
	})
	return closed
}
