package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// errQueueOverflow means the outbound queue was full of frames that may
// not be coalesced; the session is unhealthy.
var errQueueOverflow = errors.New("outbound queue overflow")

// outFrame is a queued outbound frame. Email is set for sync_status frames
// so overflow coalescing can keep only the latest per mailbox.
type outFrame struct {
	frame Frame
	email string
}

// session is one live WebSocket for one user. A single writer goroutine
// drains the outbound queue, so frames reach the client in enqueue order.
type session struct {
	id       uuid.UUID
	userID   string
	conn     *websocket.Conn
	openedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []outFrame
	limit    int
	closed   bool
	writing  bool
	topics   map[string]struct{}
	lastPong time.Time

	notify    chan struct{}
	closeOnce sync.Once
}

func newSession(userID string, conn *websocket.Conn, queueLimit int) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       uuid.New(),
		userID:   userID,
		conn:     conn,
		openedAt: time.Now().UTC(),
		ctx:      ctx,
		cancel:   cancel,
		limit:    queueLimit,
		topics:   make(map[string]struct{}),
		lastPong: time.Now(),
		notify:   make(chan struct{}, 1),
	}
}

// enqueue appends a frame to the outbound queue. On overflow, sync_status
// frames are coalesced down to the latest per mailbox; new_email frames
// are never dropped that way — if no room remains the session reports
// errQueueOverflow and must be closed.
func (s *session) enqueue(f Frame) error {
	var email string
	if f.Type == frameSyncStatus {
		if data, ok := f.Data.(syncStatusData); ok {
			email = data.Email
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if len(s.queue) >= s.limit {
		s.coalesceLocked()
	}

	if len(s.queue) >= s.limit {
		if email == "" {
			return errQueueOverflow
		}
		// Replace the queued status for the same mailbox, if any. The
		// head is left alone while the writer holds it.
		for i := range s.queue {
			if i == 0 && s.writing {
				continue
			}
			if s.queue[i].frame.Type == frameSyncStatus && s.queue[i].email == email {
				s.queue[i].frame = f
				s.signalLocked()
				return nil
			}
		}
		// Nothing coalescible left and nothing to replace: drop the
		// status rather than kill the session.
		return nil
	}

	s.queue = append(s.queue, outFrame{frame: f, email: email})
	s.signalLocked()
	return nil
}

// coalesceLocked keeps only the newest sync_status frame per mailbox,
// preserving relative order of everything else. The head frame survives
// while the writer holds it.
func (s *session) coalesceLocked() {
	latest := make(map[string]int)
	for i, qf := range s.queue {
		if qf.frame.Type == frameSyncStatus {
			latest[qf.email] = i
		}
	}

	kept := s.queue[:0]
	for i, qf := range s.queue {
		if qf.frame.Type == frameSyncStatus && latest[qf.email] != i && !(i == 0 && s.writing) {
			continue
		}
		kept = append(kept, qf)
	}
	s.queue = kept
}

func (s *session) signalLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// writeLoop is the session's single writer: it drains the queue in order,
// bounding each write. A frame is popped only after its write completes,
// so an empty queue means everything enqueued has reached the transport.
// Any write failure kills the session via onDead.
func (s *session) writeLoop(writeTimeout time.Duration, onDead func(err error)) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0].frame
			s.writing = true
			s.mu.Unlock()

			payload, err := json.Marshal(next)
			if err == nil {
				writeCtx, cancel := context.WithTimeout(s.ctx, writeTimeout)
				err = s.conn.Write(writeCtx, websocket.MessageText, payload)
				cancel()
			}

			s.mu.Lock()
			s.queue = s.queue[1:]
			s.writing = false
			s.mu.Unlock()

			if err != nil {
				onDead(err)
				return
			}
		}
	}
}

// awaitDrained blocks until the writer has flushed every queued frame, or
// the deadline passes.
func (s *session) awaitDrained(deadline time.Time) {
	for time.Now().Before(deadline) {
		s.mu.Lock()
		pending := len(s.queue) > 0 || s.writing
		s.mu.Unlock()
		if !pending {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *session) setTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
}

// close tears the session down exactly once. Duplicate calls are harmless.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		_ = s.conn.Close(code, reason)
		slog.Info("session closed", "userId", s.userID, "sessionId", s.id, "reason", reason)
	})
}
