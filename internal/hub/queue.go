package hub

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned when a final transcript cannot be queued even
// after evicting interim entries. Losing a final silently would be a
// correctness-visible failure, so the caller must close the connection.
var ErrQueueFull = errors.New("outbound queue full")

var errQueueClosed = errors.New("outbound queue closed")

type msgClass int

const (
	classControl msgClass = iota
	classInterim
	classFinal
)

type outEntry struct {
	class   msgClass
	payload any
}

// outQueue is the bounded per-connection outbound buffer. A full queue
// sheds the oldest interim transcript first: interims are superseded by
// later ones, finals and control frames are not.
type outQueue struct {
	mu      sync.Mutex
	entries []outEntry
	max     int
	closed  bool
	notify  chan struct{}
}

func newOutQueue(max int) *outQueue {
	if max <= 0 {
		max = 64
	}
	return &outQueue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push appends an entry, applying the class drop policy when full. It
// reports how many queued interim entries were evicted to make room.
func (q *outQueue) push(e outEntry) (evicted int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, errQueueClosed
	}

	if len(q.entries) >= q.max {
		switch e.class {
		case classControl:
			// Control frames are best-effort once the peer is this far
			// behind; drop the new one.
			return 1, nil
		case classInterim, classFinal:
			if !q.evictOldestInterimLocked() {
				if e.class == classInterim {
					return 1, nil
				}
				return 0, ErrQueueFull
			}
			evicted = 1
		}
	}

	q.entries = append(q.entries, e)
	q.wakeLocked()
	return evicted, nil
}

func (q *outQueue) evictOldestInterimLocked() bool {
	for i, e := range q.entries {
		if e.class == classInterim {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// pop removes the head entry. The second result is false when the queue is
// currently empty; the third is false once the queue is closed and drained.
func (q *outQueue) pop() (outEntry, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return outEntry{}, false, !q.closed
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true, true
}

// shutdown rejects all future pushes. Entries already queued remain
// poppable so the writer can flush them before closing the socket.
func (q *outQueue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wakeLocked()
}

func (q *outQueue) wakeLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
