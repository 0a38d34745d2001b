// Package typing throttles outbound typing signals and tracks inbound typing
// state per peer with automatic expiry.
package typing

import (
	"sync"
	"time"

	"github.com/pvdmeer/babbel/internal/wire"
)

// Default windows. Outbound "isTyping=true" is emitted at most once per
// throttle window; "isTyping=false" fires after the idle window with no
// keystroke. Inbound state auto-clears after the expiry window even if the
// peer never sends a false.
const (
	DefaultThrottle = 800 * time.Millisecond
	DefaultIdle     = 1500 * time.Millisecond
	DefaultExpiry   = 3 * time.Second
)

// Emitter publishes an outbound typing signal to a peer.
type Emitter interface {
	EmitTyping(to string, isTyping bool) error
}

// Coordinator runs the per-peer idle → typing → idle state machine.
type Coordinator struct {
	emit     Emitter
	throttle time.Duration
	idle     time.Duration
	expiry   time.Duration

	mu   sync.Mutex
	self string

	// Outbound: only keystrokes for the active private peer produce signals.
	activePeer string
	typing     bool
	lastSent   time.Time
	idleTimer  *time.Timer

	// Inbound: peers currently marked typing, each with its expiry timer.
	inbound map[string]*time.Timer

	// onChange, if set, is called after an inbound state change.
	onChange func(peer string, isTyping bool)
}

// New creates a coordinator with the default windows.
func New(emit Emitter) *Coordinator {
	return NewWithWindows(emit, DefaultThrottle, DefaultIdle, DefaultExpiry)
}

// NewWithWindows creates a coordinator with explicit windows.
func NewWithWindows(emit Emitter, throttle, idle, expiry time.Duration) *Coordinator {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Coordinator{
		emit:     emit,
		throttle: throttle,
		idle:     idle,
		expiry:   expiry,
		inbound:  make(map[string]*time.Timer),
	}
}

// SetSelf records the authenticated username so our own echoed typing events
// are ignored.
func (c *Coordinator) SetSelf(username string) {
	c.mu.Lock()
	c.self = username
	c.mu.Unlock()
}

// OnChange registers a callback fired after each inbound state change.
func (c *Coordinator) OnChange(fn func(peer string, isTyping bool)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// SetActivePeer switches the outbound target. Call with the peer username
// when a private conversation opens, or "" for a group conversation or none.
// All inbound typing state is cleared on every switch.
func (c *Coordinator) SetActivePeer(peer string) {
	c.mu.Lock()
	prev := c.activePeer
	wasTyping := c.typing
	c.activePeer = peer
	c.typing = false
	c.lastSent = time.Time{}
	c.stopIdleLocked()
	for p, t := range c.inbound {
		t.Stop()
		delete(c.inbound, p)
	}
	c.mu.Unlock()

	// Do not leave the previous peer with a stuck indicator.
	if wasTyping && prev != "" {
		_ = c.emit.EmitTyping(prev, false)
	}
}

// Keystroke reports a local keystroke in the active private conversation.
// At most one "isTyping=true" goes out per throttle window; the deferred
// "isTyping=false" is rescheduled on every keystroke.
func (c *Coordinator) Keystroke() {
	c.mu.Lock()
	peer := c.activePeer
	if peer == "" {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	sendTrue := !c.typing || now.Sub(c.lastSent) >= c.throttle
	if sendTrue {
		c.lastSent = now
	}
	c.typing = true
	c.stopIdleLocked()
	c.idleTimer = time.AfterFunc(c.idle, func() { c.idleExpired(peer) })
	c.mu.Unlock()

	if sendTrue {
		_ = c.emit.EmitTyping(peer, true)
	}
}

// MessageSent reports that a message was just sent: the idle timer is
// cancelled and "isTyping=false" goes out immediately.
func (c *Coordinator) MessageSent() {
	c.mu.Lock()
	peer := c.activePeer
	wasTyping := c.typing
	c.typing = false
	c.stopIdleLocked()
	c.mu.Unlock()

	if wasTyping && peer != "" {
		_ = c.emit.EmitTyping(peer, false)
	}
}

// HandleInbound applies an inbound typing event. It is accepted only when it
// concerns the active private conversation and the sender is not self.
func (c *Coordinator) HandleInbound(t wire.Typing) {
	c.mu.Lock()
	if t.From == "" || t.From == c.self || t.From != c.activePeer {
		c.mu.Unlock()
		return
	}
	peer := t.From
	if prev, ok := c.inbound[peer]; ok {
		prev.Stop()
		delete(c.inbound, peer)
	}
	if t.IsTyping {
		c.inbound[peer] = time.AfterFunc(c.expiry, func() { c.inboundExpired(peer) })
	}
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(peer, t.IsTyping)
	}
}

// IsTyping reports whether the peer is currently marked typing.
func (c *Coordinator) IsTyping(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inbound[peer]
	return ok
}

// Close stops all timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopIdleLocked()
	for p, t := range c.inbound {
		t.Stop()
		delete(c.inbound, p)
	}
	c.mu.Unlock()
}

func (c *Coordinator) stopIdleLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// idleExpired fires when the idle window elapses with no keystroke.
func (c *Coordinator) idleExpired(peer string) {
	c.mu.Lock()
	if !c.typing || c.activePeer != peer {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.idleTimer = nil
	c.mu.Unlock()

	_ = c.emit.EmitTyping(peer, false)
}

// inboundExpired clears a peer's typing state after the bounded idle window.
func (c *Coordinator) inboundExpired(peer string) {
	c.mu.Lock()
	if _, ok := c.inbound[peer]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.inbound, peer)
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(peer, false)
	}
}
