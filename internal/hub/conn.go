package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/micrelay/micrelay/internal/protocol"
)

// Role is the declared purpose of a connection within a room.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Connection actor states. Transitions only move forward; a connection that
// failed authentication goes straight to closing and never joins.
const (
	stateConnecting int32 = iota
	stateAuthenticating
	stateJoined
	stateClosing
	stateClosed
)

type wsConn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (int, []byte, error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

type conn struct {
	id        string
	role      Role
	sessionID string
	expiresAt time.Time

	ws wsConn
	q  *outQueue

	state atomic.Int32

	closeMu     sync.Mutex
	closeCode   int
	closeBegun  bool
	writeFailed bool

	writerDone chan struct{}

	writeTimeout time.Duration
	closeGrace   time.Duration
}

func newConn(ws wsConn, role Role, sessionID string, queueSize int, writeTimeout, closeGrace time.Duration) *conn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if closeGrace <= 0 {
		closeGrace = 3 * time.Second
	}
	c := &conn{
		id:           uuid.NewString(),
		role:         role,
		sessionID:    sessionID,
		ws:           ws,
		q:            newOutQueue(queueSize),
		writerDone:   make(chan struct{}),
		writeTimeout: writeTimeout,
		closeGrace:   closeGrace,
	}
	c.state.Store(stateConnecting)
	return c
}

// close begins teardown with the given close code. Only the first caller's
// code is kept; the read path orders its checks auth > protocol > capacity >
// rate-limit, so concurrent fatal conditions resolve deterministically.
func (c *conn) close(code int) {
	c.closeMu.Lock()
	if c.closeBegun {
		c.closeMu.Unlock()
		return
	}
	c.closeBegun = true
	c.closeCode = code
	c.closeMu.Unlock()

	c.state.Store(stateClosing)
	c.q.shutdown()
}

func (c *conn) closeInfo() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	code := c.closeCode
	if code == 0 {
		code = protocol.CloseNormal
	}
	return code, protocol.CloseReason(code)
}

func (c *conn) closing() bool {
	return c.state.Load() >= stateClosing
}

// sendControl queues a ready or error frame. Best-effort: a saturated peer
// loses control frames rather than transcripts.
func (c *conn) sendControl(payload any) bool {
	if c.closing() {
		return false
	}
	_, err := c.q.push(outEntry{class: classControl, payload: payload})
	return err == nil
}

// sendTranscript queues a broadcast transcript, applying the interim drop
// policy. ErrQueueFull means a final could not be queued.
func (c *conn) sendTranscript(msg protocol.ServerTranscript) (evicted int, err error) {
	if c.closing() {
		return 0, nil
	}
	class := classFinal
	if msg.Interim {
		class = classInterim
	}
	evicted, err = c.q.push(outEntry{class: class, payload: msg})
	if errors.Is(err, errQueueClosed) {
		return evicted, nil
	}
	return evicted, err
}

// writeLoop is the single writer for this connection. It drains the
// outbound queue, and after shutdown flushes what is left, sends the close
// frame, and tears the socket down. The reader unblocks when the socket
// closes.
func (c *conn) writeLoop() {
	defer close(c.writerDone)

	for {
		e, ok, alive := c.q.pop()
		if ok {
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteJSON(e.payload); err != nil {
				c.closeMu.Lock()
				c.writeFailed = true
				c.closeMu.Unlock()
				c.close(protocol.CloseNormal)
				_ = c.ws.Close()
				c.state.Store(stateClosed)
				return
			}
			continue
		}
		if !alive {
			break
		}
		<-c.q.notify
	}

	code, reason := c.closeInfo()
	deadline := time.Now().Add(c.closeGrace)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
	c.state.Store(stateClosed)
}
