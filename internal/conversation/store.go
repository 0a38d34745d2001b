// Package conversation holds the ordered message log for the one open
// conversation and merges fetched history with live-arriving messages.
package conversation

import (
	"context"
	"log"
	"sync"

	"github.com/pvdmeer/babbel/internal/wire"
)

// HistoryFetcher retrieves the stored message log for one conversation from
// the external persistence service.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, key wire.ConversationKey) ([]wire.Message, error)
}

// Store is the visible message log. Exactly one conversation key is active
// at a time; inbound messages for any other key never touch the log.
//
// Every Open bumps a monotonic epoch. The history fetch it issues is tagged
// with that epoch, and the result is applied only if the epoch is still
// current when it resolves; a stale fetch is discarded silently.
type Store struct {
	fetcher HistoryFetcher

	mu     sync.Mutex
	self   string
	active wire.ConversationKey
	epoch  uint64

	// hist is the fetched history (nil until the fetch for the current epoch
	// resolves). live holds everything appended since Open: optimistic local
	// sends and accepted inbound messages. The visible log is hist + live;
	// resolving the fetch replaces hist but never drops a live entry.
	hist []wire.Message
	live []wire.Message

	// pendingEcho queues, per conversation, the texts of optimistic local
	// appends so the server's echo of our own send is recognized and not
	// appended twice. Keyed by conversation because the echo can arrive
	// after the user has switched away and back; an Open must not forget
	// which echoes are still in flight.
	pendingEcho map[wire.ConversationKey][]string

	listenerMu sync.Mutex
	listeners  map[chan struct{}]struct{}
}

// New creates an empty store backed by the given history fetcher.
func New(fetcher HistoryFetcher) *Store {
	return &Store{
		fetcher:     fetcher,
		pendingEcho: make(map[wire.ConversationKey][]string),
		listeners:   make(map[chan struct{}]struct{}),
	}
}

// SetSelf records the authenticated username, used to recognize echoes of
// our own sends.
func (s *Store) SetSelf(username string) {
	s.mu.Lock()
	s.self = username
	s.mu.Unlock()
}

// Active returns the currently open conversation key.
func (s *Store) Active() wire.ConversationKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Open switches the active conversation: the visible log is cleared and a
// history fetch for the new key is issued. If the active key changes again
// before the fetch resolves, the stale result is discarded.
func (s *Store) Open(ctx context.Context, key wire.ConversationKey) {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.active = key
	s.hist = nil
	s.live = nil
	s.mu.Unlock()
	s.notify()

	go func() {
		msgs, err := s.fetcher.FetchHistory(ctx, key)
		if err != nil {
			log.Printf("CHAT: history fetch for %s/%s failed: %v", key.Kind, key.ID, err)
			return
		}
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			log.Printf("CHAT: discarding stale history for %s/%s", key.Kind, key.ID)
			return
		}
		s.hist = msgs
		s.mu.Unlock()
		s.notify()
	}()
}

// AppendLocal appends a message the user just sent, optimistically, before
// transport confirmation.
func (s *Store) AppendLocal(msg wire.Message) {
	s.mu.Lock()
	s.live = append(s.live, msg)
	s.pendingEcho[s.active] = append(s.pendingEcho[s.active], msg.Text)
	s.mu.Unlock()
	s.notify()
}

// AppendInbound appends the event's message iff its target matches the
// active key. The server echoes our own sends back; the echo of an
// optimistic append is absorbed instead of appended twice. Returns whether
// the event touched the visible log.
func (s *Store) AppendInbound(evt wire.ReceiveMessage) bool {
	s.mu.Lock()
	key := evt.Key()
	if evt.From == s.self {
		if queue := s.pendingEcho[key]; len(queue) > 0 && queue[0] == evt.Text {
			if len(queue) == 1 {
				delete(s.pendingEcho, key)
			} else {
				s.pendingEcho[key] = queue[1:]
			}
			s.mu.Unlock()
			return false
		}
	}
	if key != s.active {
		s.mu.Unlock()
		return false
	}
	s.live = append(s.live, evt.Message())
	s.mu.Unlock()
	s.notify()
	return true
}

// Log returns a copy of the visible log in delivery order.
func (s *Store) Log() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, 0, len(s.hist)+len(s.live))
	out = append(out, s.hist...)
	out = append(out, s.live...)
	return out
}

// Subscribe returns a channel that is signalled whenever the visible log
// changes, and a cancel function.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

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

func (s *Store) notify() {
	s.listenerMu.Lock()
	for ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.listenerMu.Unlock()
}
