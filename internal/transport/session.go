package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pvdmeer/babbel/internal/util"
)

const (
	// inboxCap is the maximum number of events buffered before the first
	// subscriber attaches and drains the buffer.
	inboxCap = 200

	// replyTimeout is how long Request waits for the server's reply frame
	// before returning an error to the caller.
	replyTimeout = 10 * time.Second

	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Emit/Request before Connect or after Close.
var ErrNotConnected = fmt.Errorf("transport: not connected")

// Session owns the websocket connection to the realtime channel.
// It is the single publish path: all outbound frames are serialized through
// one write lock, so no two emissions can interleave mid-frame.
type Session struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex // serializes all outbound frames
	seq     int64      // atomic monotonic counter for outbound frames

	// Pending reply channels: request ID → channel receiving the reply payload.
	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	// Event subscribers; events arriving before the first subscriber are
	// buffered in the inbox and replayed on Subscribe.
	listenerMu sync.RWMutex
	listeners  map[chan *Event]struct{}

	inboxMu sync.Mutex
	inbox   *util.RingBuffer[*Event]

	done chan struct{}
}

// New creates a Session for the given websocket URL. Connect must be called
// before any traffic flows.
func New(url string) *Session {
	return &Session{
		url:       url,
		pending:   make(map[string]chan json.RawMessage),
		listeners: make(map[chan *Event]struct{}),
		inbox:     util.NewRingBuffer[*Event](inboxCap),
		done:      make(chan struct{}),
	}
}

// Connect dials the channel and starts the read loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("transport: already connected")
	}
	if s.closed {
		return ErrNotConnected
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", s.url, err)
	}
	s.conn = conn
	go s.readLoop(conn)

	log.Printf("TRANSPORT: connected to %s", s.url)
	return nil
}

// Close tears down the connection and fails all pending requests.
// Idempotent; safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	s.listenerMu.Lock()
	for ch := range s.listeners {
		close(ch)
	}
	s.listeners = make(map[chan *Event]struct{})
	s.listenerMu.Unlock()

	log.Printf("TRANSPORT: closed")
	return nil
}

// Emit publishes a fire-and-forget event frame.
func (s *Session) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", event, err)
	}
	return s.writeFrame(Frame{
		Type:    FrameTypeEvent,
		Seq:     atomic.AddInt64(&s.seq, 1),
		Event:   event,
		Payload: raw,
	})
}

// Request performs one round-trip exchange: it publishes a request frame and
// blocks until the matching reply arrives, ctx is done, or the reply timeout
// elapses.
func (s *Session) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", event, err)
	}

	id := uuid.NewString()
	replyCh := make(chan json.RawMessage, 1)

	// Register the reply channel before writing so we can't miss the reply.
	s.pendingMu.Lock()
	s.pending[id] = replyCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	frame := Frame{
		Type:    FrameTypeRequest,
		ID:      id,
		Seq:     atomic.AddInt64(&s.seq, 1),
		Event:   event,
		Payload: raw,
	}
	if err := s.writeFrame(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("transport: %s: no reply within %s", event, replyTimeout)
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	}
}

// Subscribe returns a channel of inbound events and a cancel function.
// Events buffered before the first subscriber attached are replayed
// immediately so nothing is lost during startup.
func (s *Session) Subscribe() (<-chan *Event, func()) {
	ch := make(chan *Event, 128)

	s.listenerMu.Lock()
	first := len(s.listeners) == 0
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	if first {
		s.inboxMu.Lock()
		buffered := s.inbox.Drain()
		s.inboxMu.Unlock()
		for _, evt := range buffered {
			select {
			case ch <- evt:
			default:
			}
		}
	}

	cancel := func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) writeFrame(f Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("transport: write %s: %w", f.Event, err)
	}
	return nil
}

// readLoop reads frames until the connection dies, routing replies to their
// pending request and events to subscribers.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("TRANSPORT: read error: %v", err)
			}
			_ = s.Close()
			return
		}

		switch f.Type {
		case FrameTypeReply:
			s.pendingMu.Lock()
			ch, ok := s.pending[f.ID]
			if ok {
				delete(s.pending, f.ID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- f.Payload
			}

		case FrameTypeEvent:
			s.deliver(&Event{Name: f.Event, Payload: f.Payload})

		default:
			// Unknown frame types are dropped, preserving channel liveness.
			log.Printf("TRANSPORT: dropping frame type %q", f.Type)
		}
	}
}

func (s *Session) deliver(evt *Event) {
	s.listenerMu.RLock()
	n := len(s.listeners)
	for ch := range s.listeners {
		select {
		case ch <- evt:
		default:
			log.Printf("TRANSPORT: subscriber full, dropping %s", evt.Name)
		}
	}
	s.listenerMu.RUnlock()

	if n == 0 {
		s.inboxMu.Lock()
		s.inbox.Push(evt)
		s.inboxMu.Unlock()
	}
}
