package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micrelay/micrelay/internal/protocol"
)

// BridgeConn is the subset of a websocket connection the bridge pumps.
type BridgeConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Bridge connects a producer's audio socket to the external speech API:
// audio frames flow up unchanged, transcript frames flow back down adapted
// to the relay protocol. It blocks until either side closes or ctx is
// cancelled.
func (b *Broker) Bridge(ctx context.Context, client BridgeConn, sessionID, languageHint, modelHint string) error {
	if b.cfg.Mode != ModeBridge {
		return ErrDisabled
	}

	u, err := url.Parse(b.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("upstream url: %w", err)
	}
	q := u.Query()
	if languageHint != "" {
		q.Set("language", languageHint)
	}
	if modelHint != "" {
		q.Set("model", modelHint)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+b.cfg.APIKey)

	upstream, _, err := b.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		b.metrics.BrokerEvents.WithLabelValues("upstream_dial_error").Inc()
		return fmt.Errorf("dial speech upstream: %w", err)
	}

	b.metrics.BrokerEvents.WithLabelValues("bridge_opened").Inc()

	s := &bridgeSession{
		broker:    b,
		sessionID: sessionID,
		client:    client,
		upstream:  upstream,
		queue:     newBridgeQueue(b.cfg.TranscriptBuffer),
	}
	return s.run(ctx)
}

type bridgeSession struct {
	broker    *Broker
	sessionID string
	client    BridgeConn
	upstream  *websocket.Conn

	queue *bridgeQueue

	upWriteMu sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (s *bridgeSession) run(ctx context.Context) error {
	done := make(chan struct{})
	var wg sync.WaitGroup

	go func() {
		select {
		case <-ctx.Done():
			s.teardown(ctx.Err())
		case <-done:
		}
	}()

	wg.Add(3)
	go func() { defer wg.Done(); s.uplink() }()
	go func() { defer wg.Done(); s.downlinkRead() }()
	go func() { defer wg.Done(); s.downlinkWrite() }()
	wg.Wait()
	close(done)

	s.broker.metrics.BrokerEvents.WithLabelValues("bridge_closed").Inc()
	if errors.Is(s.closeErr, context.Canceled) {
		return nil
	}
	return s.closeErr
}

func (s *bridgeSession) teardown(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		_ = s.client.Close()
		_ = s.upstream.Close()
		s.queue.shutdown()
	})
}

// uplink pipes audio frames from the producer to the speech API unchanged.
func (s *bridgeSession) uplink() {
	for {
		msgType, data, err := s.client.ReadMessage()
		if err != nil {
			s.teardown(nil)
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		s.upWriteMu.Lock()
		_ = s.upstream.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err = s.upstream.WriteMessage(msgType, data)
		s.upWriteMu.Unlock()
		if err != nil {
			s.broker.metrics.BrokerEvents.WithLabelValues("upstream_write_error").Inc()
			s.teardown(fmt.Errorf("forward audio: %w", err))
			return
		}
	}
}

// downlinkRead adapts upstream transcript frames into relay protocol
// messages and queues them toward the producer with bounded buffering.
func (s *bridgeSession) downlinkRead() {
	for {
		_, data, err := s.upstream.ReadMessage()
		if err != nil {
			s.teardown(nil)
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			s.enqueue(protocol.ServerTranscript{
				Type:        protocol.TypeTranscript,
				Interim:     true,
				Text:        asString(raw["text"]),
				TimestampMs: time.Now().UnixMilli(),
			}, true)
		case "committed_transcript", "final_transcript":
			s.enqueue(protocol.ServerTranscript{
				Type:        protocol.TypeTranscript,
				Interim:     false,
				Text:        asString(raw["text"]),
				TimestampMs: time.Now().UnixMilli(),
			}, false)
		case "session_started", "", "input_audio_chunk":
			// upstream control chatter, not forwarded
		default:
			detail := "upstream error: " + messageType
			if !IsRetryableUpstream(messageType) {
				detail = "upstream failure: " + messageType
			}
			s.broker.metrics.BrokerEvents.WithLabelValues("upstream_error").Inc()
			s.enqueue(protocol.NewServerError(protocol.ErrCodeUpstream, detail), true)
		}
	}
}

func (s *bridgeSession) enqueue(payload any, droppable bool) {
	dropped, err := s.queue.push(payload, droppable)
	if dropped > 0 {
		// Metadata only; transcript text never reaches logs.
		log.Printf("bridge backpressure: session=%s dropped_interims=%d", s.sessionID, dropped)
		s.broker.metrics.BrokerEvents.WithLabelValues("backpressure_drop").Inc()
	}
	if err != nil {
		s.teardown(ErrTranscriptOverflow)
	}
}

// downlinkWrite is the single writer toward the producer socket.
func (s *bridgeSession) downlinkWrite() {
	for {
		payload, ok, alive := s.queue.pop()
		if ok {
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			_ = s.client.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.client.WriteMessage(websocket.TextMessage, data); err != nil {
				s.teardown(nil)
				return
			}
			continue
		}
		if !alive {
			return
		}
		<-s.queue.notify
	}
}

func asString(v any) string {
	if t, ok := v.(string); ok {
		return t
	}
	return ""
}

// bridgeQueue is the bounded upstream→producer transcript buffer. On
// sustained overflow the oldest droppable (interim) entry is shed first;
// finals are never dropped.
type bridgeQueue struct {
	mu      sync.Mutex
	entries []bridgeEntry
	max     int
	closed  bool
	notify  chan struct{}
}

type bridgeEntry struct {
	payload   any
	droppable bool
}

func newBridgeQueue(max int) *bridgeQueue {
	if max <= 0 {
		max = 64
	}
	return &bridgeQueue{max: max, notify: make(chan struct{}, 1)}
}

func (q *bridgeQueue) push(payload any, droppable bool) (dropped int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, nil
	}

	if len(q.entries) >= q.max {
		evicted := false
		for i, e := range q.entries {
			if e.droppable {
				q.entries = append(q.entries[:i], q.entries[i+1:]...)
				evicted = true
				dropped = 1
				break
			}
		}
		if !evicted {
			if droppable {
				return 1, nil
			}
			return 0, ErrTranscriptOverflow
		}
	}

	q.entries = append(q.entries, bridgeEntry{payload: payload, droppable: droppable})
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

func (q *bridgeQueue) pop() (any, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false, !q.closed
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e.payload, true, true
}

func (q *bridgeQueue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
