package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pvdmeer/babbel/internal/wire"
)

// Machine is the signaling state controller for at most one call session.
//
// Blocking setup steps (media acquisition, offer/answer generation) run
// without the lock; a generation counter bumped on every return to idle lets
// the machine detect that the session was torn down underneath a still
// pending step and abandon it instead of resurrecting dead state.
type Machine struct {
	sig  Signaler
	caps Capabilities

	mu    sync.Mutex
	gen   uint64
	state State
	peer  string
	role  Role

	media Media
	neg   Negotiator

	localOffer  wire.SessionDescription
	localAnswer wire.SessionDescription

	invite     *Invitation
	pendingIce []wire.ICECandidateInit

	onInvite func(Invitation)
	onNotice func(Notice)
}

// NewMachine creates an idle machine.
func NewMachine(sig Signaler, caps Capabilities) *Machine {
	return &Machine{
		sig:   sig,
		caps:  caps,
		state: StateIdle,
	}
}

// OnInvitation registers the handler surfaced for each pending incoming call.
func (m *Machine) OnInvitation(fn func(Invitation)) {
	m.mu.Lock()
	m.onInvite = fn
	m.mu.Unlock()
}

// OnNotice registers the handler for user-visible call notices.
func (m *Machine) OnNotice(fn func(Notice)) {
	m.mu.Lock()
	m.onNotice = fn
	m.mu.Unlock()
}

// Session returns a snapshot of the current call session.
func (m *Machine) Session() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{State: m.state, Peer: m.peer, Role: m.role}
}

// Invitation returns the pending incoming call, if any.
func (m *Machine) Invitation() (Invitation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invite == nil {
		return Invitation{}, false
	}
	return *m.invite, true
}

// StartCall begins an outbound call. Requires idle; refused with ErrBusy
// otherwise, so the previous session is never silently replaced. A pending
// invitation is rejected first, since accepting it later would be refused
// anyway once this call is underway.
func (m *Machine) StartCall(ctx context.Context, peer string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	var staleInvite string
	if m.invite != nil {
		staleInvite = m.invite.From
		m.invite = nil
	}
	m.state = StateOffering
	m.peer = peer
	m.role = RoleCaller
	gen := m.gen
	m.mu.Unlock()

	if staleInvite != "" {
		_ = m.sig.EmitReject(staleInvite)
	}

	offer, err := m.setup(ctx, gen, func(ctx context.Context, neg Negotiator) (wire.SessionDescription, error) {
		return neg.CreateOffer(ctx)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateOffering {
		m.mu.Unlock()
		return ErrAborted
	}
	m.localOffer = offer
	m.state = StateRinging
	m.mu.Unlock()

	if err := m.sig.EmitOffer(peer, offer); err != nil {
		// The peer never saw the offer; tear down to idle so the device is
		// freed and the next StartCall is not refused as busy.
		m.abortSetup(gen, nil, nil)
		return fmt.Errorf("emit offer: %w", err)
	}

	log.Printf("CALL: offering %s", peer)
	return nil
}

// HandleIncomingOffer surfaces a pending invitation. While any call is in a
// non-idle state, or another invitation is already pending, the new caller
// gets an immediate rejection (busy) and the current session is untouched.
func (m *Machine) HandleIncomingOffer(inv Invitation) {
	m.mu.Lock()
	if m.state != StateIdle || m.invite != nil {
		m.mu.Unlock()
		log.Printf("CALL: busy, rejecting incoming call from %s", inv.From)
		_ = m.sig.EmitReject(inv.From)
		return
	}
	m.invite = &inv
	fn := m.onInvite
	m.mu.Unlock()

	log.Printf("CALL: incoming call from %s", inv.From)
	if fn != nil {
		fn(inv)
	}
}

// Accept answers the pending invitation: acquire media, apply the remote
// offer, emit the answer, go active. No remote confirmation is required on
// the callee side; the call is active once local media is flowing.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.invite == nil {
		m.mu.Unlock()
		return ErrNoInvitation
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	inv := *m.invite
	m.invite = nil
	m.state = StateConnecting
	m.peer = inv.From
	m.role = RoleCallee
	gen := m.gen
	m.mu.Unlock()

	answer, err := m.setup(ctx, gen, func(ctx context.Context, neg Negotiator) (wire.SessionDescription, error) {
		return neg.AcceptOffer(ctx, inv.Offer)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return ErrAborted
	}
	m.localAnswer = answer
	m.mu.Unlock()

	if err := m.sig.EmitAnswer(inv.From, answer); err != nil {
		m.abortSetup(gen, nil, nil)
		return fmt.Errorf("emit answer: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return ErrAborted
	}
	m.state = StateActive
	fn := m.onNotice
	m.mu.Unlock()

	log.Printf("CALL: active with %s (callee)", inv.From)
	if fn != nil {
		fn(Notice{Kind: "active", Peer: inv.From})
	}
	return nil
}

// Reject declines the pending invitation. It must never create a
// negotiation primitive; the machine stays idle.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.invite == nil {
		m.mu.Unlock()
		return ErrNoInvitation
	}
	from := m.invite.From
	m.invite = nil
	m.mu.Unlock()

	log.Printf("CALL: rejected invitation from %s", from)
	return m.sig.EmitReject(from)
}

// Hangup terminates the current call. Allowed unconditionally from any
// non-idle state; a no-op while idle.
func (m *Machine) Hangup() error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	peer := m.peer
	media, neg := m.resetLocked()
	m.mu.Unlock()

	releaseResources(media, neg)
	log.Printf("CALL: hung up on %s", peer)
	return m.sig.EmitReject(peer)
}

// HandleAnswer applies the remote answer. Only meaningful to the caller in
// ringing-remote for the current peer; anything else is dropped.
func (m *Machine) HandleAnswer(answer wire.SessionDescription) {
	m.mu.Lock()
	if m.state != StateRinging || m.neg == nil {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	peer := m.peer
	neg := m.neg
	m.mu.Unlock()

	if err := neg.ApplyAnswer(answer); err != nil {
		log.Printf("CALL: apply answer from %s: %v", peer, err)
		m.failCurrent(gen, fmt.Errorf("apply answer: %w", err))
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateRinging {
		m.mu.Unlock()
		return
	}
	m.state = StateActive
	fn := m.onNotice
	m.mu.Unlock()

	log.Printf("CALL: active with %s (caller)", peer)
	if fn != nil {
		fn(Notice{Kind: "active", Peer: peer})
	}
}

// HandleCandidate applies an inbound ICE candidate for the current peer.
// Candidates for any other peer, or arriving while idle, are discarded.
// Candidates racing the negotiator's construction are buffered and flushed
// once it exists.
func (m *Machine) HandleCandidate(from string, cand wire.ICECandidateInit) {
	m.mu.Lock()
	if m.state == StateIdle || from != m.peer {
		m.mu.Unlock()
		return
	}
	neg := m.neg
	if neg == nil {
		m.pendingIce = append(m.pendingIce, cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := neg.AddCandidate(cand); err != nil {
		log.Printf("CALL: add candidate from %s: %v", from, err)
	}
}

// HandleRejected terminates the current call when the peer declines or
// hangs up. Resources are released and the machine returns to idle with a
// user-visible notice. Rejections from any other peer are dropped.
func (m *Machine) HandleRejected(from string) {
	m.mu.Lock()
	if m.state == StateIdle || from != m.peer {
		m.mu.Unlock()
		return
	}
	kind := "ended"
	if m.state == StateRinging || m.state == StateOffering {
		kind = "rejected"
	}
	media, neg := m.resetLocked()
	fn := m.onNotice
	m.mu.Unlock()

	releaseResources(media, neg)
	log.Printf("CALL: %s by %s", kind, from)
	if fn != nil {
		fn(Notice{Kind: kind, Peer: from})
	}
}

// Close hangs up any current call.
func (m *Machine) Close() {
	_ = m.Hangup()
}

// setup runs the shared caller/callee setup sequence: acquire media, build
// the negotiator, wire trickle ICE, produce the local description. On any
// failure everything acquired so far is released and the machine returns to
// idle without contacting the peer.
func (m *Machine) setup(ctx context.Context, gen uint64, describe func(context.Context, Negotiator) (wire.SessionDescription, error)) (wire.SessionDescription, error) {
	media, err := m.caps.AcquireMedia(ctx)
	if err != nil {
		m.abortSetup(gen, nil, nil)
		m.notice(Notice{Kind: "media-error", Err: err})
		return wire.SessionDescription{}, fmt.Errorf("acquire media: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = media.Close()
		return wire.SessionDescription{}, ErrAborted
	}
	m.media = media
	m.mu.Unlock()

	neg, err := m.caps.NewNegotiator(ctx, media)
	if err != nil {
		m.abortSetup(gen, media, nil)
		return wire.SessionDescription{}, fmt.Errorf("create negotiator: %w", err)
	}
	neg.OnCandidate(func(cand wire.ICECandidateInit) { m.sendCandidate(gen, cand) })

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		releaseResources(media, neg)
		return wire.SessionDescription{}, ErrAborted
	}
	m.neg = neg
	buffered := m.pendingIce
	m.pendingIce = nil
	m.mu.Unlock()

	for _, cand := range buffered {
		if err := neg.AddCandidate(cand); err != nil {
			log.Printf("CALL: add buffered candidate: %v", err)
		}
	}

	desc, err := describe(ctx, neg)
	if err != nil {
		m.abortSetup(gen, media, neg)
		return wire.SessionDescription{}, fmt.Errorf("negotiate: %w", err)
	}
	return desc, nil
}

// sendCandidate emits a locally discovered candidate to the current peer,
// as produced. Candidates surfacing after the session ended are dropped.
func (m *Machine) sendCandidate(gen uint64, cand wire.ICECandidateInit) {
	m.mu.Lock()
	if m.gen != gen || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	m.mu.Unlock()

	if err := m.sig.EmitCandidate(peer, cand); err != nil {
		log.Printf("CALL: emit candidate to %s: %v", peer, err)
	}
}

// abortSetup returns the machine to idle after a failed setup step,
// releasing whatever was acquired, if the session is still the same one.
func (m *Machine) abortSetup(gen uint64, media Media, neg Negotiator) {
	m.mu.Lock()
	if m.gen == gen {
		media, neg = m.resetLocked()
	}
	m.mu.Unlock()
	releaseResources(media, neg)
}

// failCurrent tears down the session after a protocol error.
func (m *Machine) failCurrent(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	media, neg := m.resetLocked()
	fn := m.onNotice
	m.mu.Unlock()

	releaseResources(media, neg)
	if fn != nil {
		fn(Notice{Kind: "ended", Peer: peer, Err: err})
	}
}

// resetLocked returns the machine to idle and hands back the resources to
// release. The caller must close them after dropping the lock.
func (m *Machine) resetLocked() (Media, Negotiator) {
	media, neg := m.media, m.neg
	m.media = nil
	m.neg = nil
	m.state = StateIdle
	m.peer = ""
	m.role = ""
	m.localOffer = wire.SessionDescription{}
	m.localAnswer = wire.SessionDescription{}
	m.pendingIce = nil
	m.gen++
	return media, neg
}

func (m *Machine) notice(n Notice) {
	m.mu.Lock()
	fn := m.onNotice
	m.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func releaseResources(media Media, neg Negotiator) {
	if neg != nil {
		_ = neg.Close()
	}
	if media != nil {
		_ = media.Close()
	}
}
