package hub

import (
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micrelay/micrelay/internal/observability"
	"github.com/micrelay/micrelay/internal/protocol"
	"github.com/micrelay/micrelay/internal/ratelimit"
	"github.com/micrelay/micrelay/internal/session"
	"github.com/micrelay/micrelay/internal/token"
)

var (
	errProducerSlotOccupied = errors.New("producer slot occupied")
	errShuttingDown         = errors.New("hub shutting down")
)

// Config bounds one hub's connections and rooms.
type Config struct {
	OutboundQueueSize int
	MaxMessageBytes   int64
	MaxTranscriptLen  int
	ProducerGrace     time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	CloseGrace        time.Duration
}

// room is the live multiplexing unit for one session: at most one producer
// and any number of consumers. Membership is guarded by the hub mutex so
// "check slot then assign" is a single atomic step.
type room struct {
	sessionID string
	producer  *conn
	consumers map[*conn]struct{}
	removed   bool
}

func (r *room) empty() bool {
	return r.producer == nil && len(r.consumers) == 0
}

// Hub maps session ids to rooms and runs the connection actors.
type Hub struct {
	cfg     Config
	tokens  *token.Service
	store   *session.Store
	limiter *ratelimit.Limiter
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
	down  bool
}

func New(cfg Config, tokens *token.Service, store *session.Store, limiter *ratelimit.Limiter, metrics *observability.Metrics) *Hub {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 120 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 3 * time.Second
	}
	return &Hub{
		cfg:     cfg,
		tokens:  tokens,
		store:   store,
		limiter: limiter,
		metrics: metrics,
		now:     time.Now,
		rooms:   make(map[string]*room),
	}
}

// RoomCount reports rooms with at least one live connection or inside their
// reconnect grace window.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// ServeConn runs the full connection lifecycle: authenticate, join, pump
// messages, tear down. It blocks until the connection is fully closed and
// its membership slot released.
func (h *Hub) ServeConn(ws wsConn, sessionID, credential string, role Role) {
	c := newConn(ws, role, sessionID, h.cfg.OutboundQueueSize, h.cfg.WriteTimeout, h.cfg.CloseGrace)
	c.state.Store(stateAuthenticating)

	verified, err := h.tokens.Verify(credential)
	if err != nil {
		code := protocol.CloseInvalidCredential
		if errors.Is(err, token.ErrExpired) {
			code = protocol.CloseSessionExpired
		}
		h.reject(c, code)
		return
	}
	// Exact string equality against the room path; no normalization.
	if verified.SessionID != sessionID {
		h.reject(c, protocol.CloseSessionMismatch)
		return
	}
	sess, err := h.store.Get(sessionID)
	if err != nil {
		h.reject(c, protocol.CloseSessionExpired)
		return
	}
	// Expiry is re-checked against the wall clock at verification time, not
	// trusted from the handshake.
	if !h.now().Before(sess.ExpiresAt) {
		h.reject(c, protocol.CloseSessionExpired)
		return
	}
	c.expiresAt = sess.ExpiresAt

	rm, err := h.join(c)
	if err != nil {
		code := protocol.CloseNormal
		if errors.Is(err, errProducerSlotOccupied) {
			code = protocol.CloseProducerSlotOccupied
		}
		h.reject(c, code)
		return
	}

	c.state.Store(stateJoined)
	go c.writeLoop()
	_ = h.store.Touch(sessionID)
	h.metrics.SessionEvents.WithLabelValues("ws_joined").Inc()

	h.readLoop(c, rm)

	<-c.writerDone
	h.leave(rm, c)
	code, reason := c.closeInfo()
	h.metrics.CloseCodes.WithLabelValues(reason).Inc()
	if code != protocol.CloseNormal {
		log.Printf("connection %s closed: session=%s role=%s reason=%s", c.id, sessionID, c.role, reason)
	}
}

// reject closes a connection that never reached the joined state.
func (h *Hub) reject(c *conn, code int) {
	c.close(code)
	deadline := time.Now().Add(c.closeGrace)
	msg := protocol.CloseReason(code)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), deadline)
	_ = c.ws.Close()
	c.state.Store(stateClosed)
	h.metrics.CloseCodes.WithLabelValues(msg).Inc()
}

// join registers the connection into its session's room. The producer slot
// check and assignment happen under one lock acquisition, and the ready
// acknowledgment is queued before the connection becomes broadcast-visible
// so ready always precedes forwarded traffic.
func (h *Hub) join(c *conn) (*room, error) {
	for {
		h.mu.Lock()
		if h.down {
			h.mu.Unlock()
			return nil, errShuttingDown
		}
		rm, ok := h.rooms[c.sessionID]
		if !ok {
			rm = &room{sessionID: c.sessionID, consumers: make(map[*conn]struct{})}
			h.rooms[c.sessionID] = rm
			h.metrics.ActiveRooms.Set(float64(len(h.rooms)))
		}
		if rm.removed {
			h.mu.Unlock()
			continue
		}
		if c.role == RoleProducer {
			if rm.producer != nil {
				h.mu.Unlock()
				return nil, errProducerSlotOccupied
			}
			rm.producer = c
		} else {
			rm.consumers[c] = struct{}{}
		}
		c.sendControl(protocol.NewReady())
		h.mu.Unlock()
		return rm, nil
	}
}

// leave releases the membership slot. The producer slot frees only here,
// after teardown has fully completed, so a second producer can never appear
// to queue behind a live one.
func (h *Hub) leave(rm *room, c *conn) {
	h.mu.Lock()
	if rm.producer == c {
		rm.producer = nil
	} else {
		delete(rm.consumers, c)
	}
	empty := rm.empty() && !rm.removed
	h.mu.Unlock()

	if !empty {
		return
	}

	// The session may already be gone (sweeper or explicit end); no point
	// holding the room open for reconnection then.
	if _, err := h.store.Get(rm.sessionID); err != nil {
		h.removeRoomIfEmpty(rm)
		return
	}

	grace := h.cfg.ProducerGrace
	if grace <= 0 {
		h.removeRoomIfEmpty(rm)
		return
	}
	time.AfterFunc(grace, func() { h.removeRoomIfEmpty(rm) })
}

func (h *Hub) removeRoomIfEmpty(rm *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm.removed || !rm.empty() {
		return
	}
	rm.removed = true
	delete(h.rooms, rm.sessionID)
	h.metrics.ActiveRooms.Set(float64(len(h.rooms)))
}

// CloseSession force-closes every connection in the session's room with the
// given close code. Closing an unknown session is a no-op.
func (h *Hub) CloseSession(sessionID string, code int) {
	h.mu.Lock()
	rm, ok := h.rooms[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	conns := make([]*conn, 0, len(rm.consumers)+1)
	if rm.producer != nil {
		conns = append(conns, rm.producer)
	}
	for c := range rm.consumers {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(code)
	}
}

// Shutdown drains the hub: every connection in every room is closed with a
// normal closure and room state is dropped.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessionIDs := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		sessionIDs = append(sessionIDs, id)
	}
	h.down = true
	h.mu.Unlock()

	for _, id := range sessionIDs {
		h.CloseSession(id, protocol.CloseNormal)
	}
}

func (h *Hub) readLoop(c *conn, rm *room) {
	c.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.close(protocol.CloseOversizedMessage)
			} else {
				c.close(protocol.CloseNormal)
			}
			return
		}
		if c.closing() {
			return
		}
		// Only text frames carry protocol messages in a room; binary frames
		// belong to the bridge endpoint.
		if msgType != websocket.TextMessage {
			c.close(protocol.CloseMalformedMessage)
			return
		}

		// Session expiry detected mid-connection is fatal even before the
		// sweeper gets to this room.
		if !h.now().Before(c.expiresAt) {
			c.close(protocol.CloseSessionExpired)
			return
		}

		parsed, err := protocol.ParseClientMessage(data, h.cfg.MaxTranscriptLen)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrOversized):
				c.close(protocol.CloseOversizedMessage)
			default:
				c.close(protocol.CloseMalformedMessage)
			}
			return
		}

		switch msg := parsed.(type) {
		case protocol.Hello:
			h.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeHello)).Inc()
		case protocol.ClientTranscript:
			h.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeTranscript)).Inc()
			if c.role != RoleProducer {
				// Consumers are receive-only; reject the message, keep the
				// connection.
				c.sendControl(protocol.NewServerError(protocol.ErrCodeNotProducer, "consumers cannot publish transcripts"))
				h.metrics.DroppedMessages.WithLabelValues("not_producer").Inc()
				continue
			}
			if !h.handleProducerTranscript(c, rm, msg) {
				return
			}
		}
	}
}

// handleProducerTranscript rate-limits, stamps, and broadcasts one
// transcript event. It reports false when the connection must close.
func (h *Hub) handleProducerTranscript(c *conn, rm *room, msg protocol.ClientTranscript) bool {
	now := h.now()
	decision := h.limiter.Allow("msg:"+c.sessionID, now)
	if !decision.Allowed {
		if decision.Escalate {
			h.metrics.RateLimitEvents.WithLabelValues("escalated").Inc()
			c.close(protocol.CloseRateLimited)
			return false
		}
		h.metrics.RateLimitEvents.WithLabelValues("dropped").Inc()
		h.metrics.DroppedMessages.WithLabelValues("rate_limited").Inc()
		c.sendControl(protocol.NewServerError(protocol.ErrCodeRateLimited, "transcript dropped: rate limit exceeded"))
		return true
	}

	// The relay stamps receipt time only when the producer sent no
	// timestamp of its own.
	ts := now.UnixMilli()
	if msg.TS != nil {
		ts = *msg.TS
	}
	out := protocol.ServerTranscript{
		Type:        protocol.TypeTranscript,
		Interim:     msg.Interim,
		Text:        msg.Text,
		TimestampMs: ts,
	}

	h.broadcast(rm, out)
	_ = h.store.Touch(c.sessionID)
	return true
}

// broadcast fans one transcript out to every currently joined consumer.
// Delivery order per consumer matches producer send order because the
// producer's read loop is the only goroutine pushing into these queues. A
// slow consumer only ever costs itself: interims are shed oldest-first, and
// a consumer that cannot even take a final is closed without stalling the
// rest of the room.
func (h *Hub) broadcast(rm *room, msg protocol.ServerTranscript) {
	h.mu.Lock()
	targets := make([]*conn, 0, len(rm.consumers))
	for c := range rm.consumers {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		evicted, err := c.sendTranscript(msg)
		if evicted > 0 {
			h.metrics.DroppedMessages.WithLabelValues("backpressure_interim").Inc()
		}
		if err != nil {
			h.metrics.DroppedMessages.WithLabelValues("backpressure_final").Inc()
			log.Printf("consumer %s overwhelmed: session=%s queued=%s", c.id, rm.sessionID, strconv.Itoa(h.cfg.OutboundQueueSize))
			c.close(protocol.CloseBackpressureOverflow)
			continue
		}
		h.metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeTranscript)).Inc()
	}
}
