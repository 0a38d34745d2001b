package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pvdmeer/babbel/internal/wire"
)

type fakeSignaler struct {
	offerErr  error
	answerErr error

	mu      sync.Mutex
	offers  []string
	answers []string
	rejects []string
	cands   []wire.ICECandidateInit
}

func (s *fakeSignaler) EmitOffer(target string, _ wire.SessionDescription) error {
	if s.offerErr != nil {
		return s.offerErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, target)
	return nil
}

func (s *fakeSignaler) EmitAnswer(target string, _ wire.SessionDescription) error {
	if s.answerErr != nil {
		return s.answerErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, target)
	return nil
}

func (s *fakeSignaler) EmitCandidate(_ string, cand wire.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cands = append(s.cands, cand)
	return nil
}

func (s *fakeSignaler) EmitReject(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, target)
	return nil
}

func (s *fakeSignaler) rejected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejects...)
}

type fakeMedia struct {
	mu     sync.Mutex
	closed bool
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeNegotiator struct {
	mu      sync.Mutex
	closed  bool
	added   []wire.ICECandidateInit
	applied []wire.SessionDescription
	onCand  func(wire.ICECandidateInit)
}

func (n *fakeNegotiator) CreateOffer(context.Context) (wire.SessionDescription, error) {
	return wire.SessionDescription{Type: "offer", SDP: "local-offer"}, nil
}

func (n *fakeNegotiator) AcceptOffer(_ context.Context, _ wire.SessionDescription) (wire.SessionDescription, error) {
	return wire.SessionDescription{Type: "answer", SDP: "local-answer"}, nil
}

func (n *fakeNegotiator) ApplyAnswer(answer wire.SessionDescription) error {
	n.mu.Lock()
	n.applied = append(n.applied, answer)
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) AddCandidate(cand wire.ICECandidateInit) error {
	n.mu.Lock()
	n.added = append(n.added, cand)
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) OnCandidate(fn func(wire.ICECandidateInit)) {
	n.mu.Lock()
	n.onCand = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) candidates() []wire.ICECandidateInit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]wire.ICECandidateInit(nil), n.added...)
}

type fakeCaps struct {
	mediaErr error
	negErr   error
	gate     chan struct{} // when set, AcquireMedia blocks until closed

	mu     sync.Mutex
	medias []*fakeMedia
	negs   []*fakeNegotiator
}

func (c *fakeCaps) AcquireMedia(context.Context) (Media, error) {
	if c.gate != nil {
		<-c.gate
	}
	if c.mediaErr != nil {
		return nil, c.mediaErr
	}
	m := &fakeMedia{}
	c.mu.Lock()
	c.medias = append(c.medias, m)
	c.mu.Unlock()
	return m, nil
}

func (c *fakeCaps) NewNegotiator(_ context.Context, _ Media) (Negotiator, error) {
	if c.negErr != nil {
		return nil, c.negErr
	}
	n := &fakeNegotiator{}
	c.mu.Lock()
	c.negs = append(c.negs, n)
	c.mu.Unlock()
	return n, nil
}

func (c *fakeCaps) lastMedia() *fakeMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.medias) == 0 {
		return nil
	}
	return c.medias[len(c.medias)-1]
}

func (c *fakeCaps) lastNeg() *fakeNegotiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.negs) == 0 {
		return nil
	}
	return c.negs[len(c.negs)-1]
}

func (c *fakeCaps) negCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.negs)
}

func TestCallerFlow(t *testing.T) {
	sig := &fakeSignaler{}
	caps := &fakeCaps{}
	m := NewMachine(sig, caps)
	ctx := context.Background()

	t.Run("start call rings remote", func(t *testing.T) {
		if err := m.StartCall(ctx, "bob"); err != nil {
			t.Fatal(err)
		}
		info := m.Session()
		if info.State != StateRinging || info.Peer != "bob" || info.Role != RoleCaller {
			t.Fatalf("unexpected session %+v", info)
		}
		if len(sig.offers) != 1 || sig.offers[0] != "bob" {
			t.Fatalf("expected one offer to bob, got %v", sig.offers)
		}
	})

	t.Run("second call refused while ringing", func(t *testing.T) {
		if err := m.StartCall(ctx, "carol"); !errors.Is(err, ErrBusy) {
			t.Fatalf("expected ErrBusy, got %v", err)
		}
	})

	t.Run("answer goes active", func(t *testing.T) {
		m.HandleAnswer(wire.SessionDescription{Type: "answer", SDP: "remote"})
		if got := m.Session().State; got != StateActive {
			t.Fatalf("expected active, got %s", got)
		}
		neg := caps.lastNeg()
		if len(neg.applied) != 1 || neg.applied[0].SDP != "remote" {
			t.Fatalf("answer not applied: %v", neg.applied)
		}
	})

	t.Run("remote reject ends and releases", func(t *testing.T) {
		m.HandleRejected("bob")
		if got := m.Session().State; got != StateIdle {
			t.Fatalf("expected idle, got %s", got)
		}
		if !caps.lastMedia().isClosed() {
			t.Fatal("media not released")
		}
		if !caps.lastNeg().closed {
			t.Fatal("negotiator not released")
		}
	})
}

func TestCalleeFlow(t *testing.T) {
	sig := &fakeSignaler{}
	caps := &fakeCaps{}
	m := NewMachine(sig, caps)
	ctx := context.Background()

	var invited string
	m.OnInvitation(func(inv Invitation) { invited = inv.From })

	m.HandleIncomingOffer(Invitation{From: "alice", Offer: wire.SessionDescription{Type: "offer", SDP: "x"}})

	t.Run("invitation does not change state", func(t *testing.T) {
		if invited != "alice" {
			t.Fatalf("invitation not surfaced: %q", invited)
		}
		if got := m.Session().State; got != StateIdle {
			t.Fatalf("expected idle with pending invitation, got %s", got)
		}
	})

	t.Run("accept goes active without remote confirmation", func(t *testing.T) {
		if err := m.Accept(ctx); err != nil {
			t.Fatal(err)
		}
		info := m.Session()
		if info.State != StateActive || info.Peer != "alice" || info.Role != RoleCallee {
			t.Fatalf("unexpected session %+v", info)
		}
		if len(sig.answers) != 1 || sig.answers[0] != "alice" {
			t.Fatalf("expected one answer to alice, got %v", sig.answers)
		}
	})

	t.Run("hangup signals peer and releases", func(t *testing.T) {
		if err := m.Hangup(); err != nil {
			t.Fatal(err)
		}
		if got := m.Session().State; got != StateIdle {
			t.Fatalf("expected idle, got %s", got)
		}
		if got := sig.rejected(); len(got) != 1 || got[0] != "alice" {
			t.Fatalf("expected reject to alice, got %v", got)
		}
		if !caps.lastMedia().isClosed() || !caps.lastNeg().closed {
			t.Fatal("resources not released on hangup")
		}
	})

	t.Run("hangup while idle is a no-op", func(t *testing.T) {
		if err := m.Hangup(); err != nil {
			t.Fatal(err)
		}
		if got := sig.rejected(); len(got) != 1 {
			t.Fatalf("idle hangup emitted a signal: %v", got)
		}
	})
}

func TestRejectNeverNegotiates(t *testing.T) {
	sig := &fakeSignaler{}
	caps := &fakeCaps{}
	m := NewMachine(sig, caps)

	m.HandleIncomingOffer(Invitation{From: "alice"})
	if err := m.Reject(); err != nil {
		t.Fatal(err)
	}

	if caps.negCount() != 0 {
		t.Fatal("reject created a negotiator")
	}
	if got := sig.rejected(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected reject to alice, got %v", got)
	}
	if _, ok := m.Invitation(); ok {
		t.Fatal("invitation not cleared")
	}
	if err := m.Reject(); !errors.Is(err, ErrNoInvitation) {
		t.Fatalf("expected ErrNoInvitation, got %v", err)
	}
}

func TestBusyAutoReject(t *testing.T) {
	sig := &fakeSignaler{}
	caps := &fakeCaps{}
	m := NewMachine(sig, caps)
	ctx := context.Background()

	if err := m.StartCall(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	m.HandleIncomingOffer(Invitation{From: "carol"})

	if got := sig.rejected(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("expected auto-reject to carol, got %v", got)
	}
	info := m.Session()
	if info.State != StateRinging || info.Peer != "bob" {
		t.Fatalf("current session disturbed: %+v", info)
	}
	if _, ok := m.Invitation(); ok {
		t.Fatal("busy invitation should not be stored")
	}
}

func TestMediaFailureStaysIdle(t *testing.T) {
	sig := &fakeSignaler{}
	caps := &fakeCaps{mediaErr: errors.New("no device")}
	m := NewMachine(sig, caps)
	ctx := context.Background()

	var notices []Notice
	m.OnNotice(func(n Notice) { notices = append(notices, n) })

	t.Run("caller side", func(t *testing.T) {
		if err := m.StartCall(ctx, "bob"); err == nil {
			t.Fatal("expected error")
		}
		if got := m.Session().State; got != StateIdle {
			t.Fatalf("expected idle, got %s", got)
		}
		if len(sig.offers) != 0 {
			t.Fatal("offer emitted despite media failure")
		}
	})

	t.Run("callee side drops invitation silently", func(t *testing.T) {
		m.HandleIncomingOffer(Invitation{From: "alice"})
		if err := m.Accept(ctx); err == nil {
			t.Fatal("expected error")
		}
		if got := m.Session().State; got != StateIdle {
			t.Fatalf("expected idle, got %s", got)
		}
		// The peer is not contacted: no answer and no reject.
		if len(sig.answers) != 0 || len(sig.rejected()) != 0 {
			t.Fatalf("peer contacted after media failure: answers=%v rejects=%v", sig.answers, sig.rejected())
		}
		if _, ok := m.Invitation(); ok {
			t.Fatal("invitation should be consumed")
		}
	})

	if len(notices) < 2 || notices[0].Kind != "media-error" {
		t.Fatalf("expected media-error notices, got %+v", notices)
	}
}

func TestEmitFailureReturnsToIdle(t *testing.T) {
	t.Run("offer emission fails", func(t *testing.T) {
		sig := &fakeSignaler{offerErr: errors.New("channel down")}
		caps := &fakeCaps{}
		m := NewMachine(sig, caps)
		ctx := context.Background()

		if err := m.StartCall(ctx, "bob"); err == nil {
			t.Fatal("expected error")
		}
		if got := m.Session().State; got != StateIdle {
			t.Fatalf("expected idle after failed emission, got %s", got)
		}
		if !caps.lastMedia().isClosed() {
			t.Fatal("media still held after failed emission")
		}
		if !caps.lastNeg().closed {
			t.Fatal("negotiator still held after failed emission")
		}

		// The machine must not stay stuck busy.
		sig.offerErr = nil
		if err := m.StartCall(ctx, "carol"); err != nil {
			t.Fatalf("next call refused: %v", err)
		}
	})

	t.Run("answer emission fails", func(t *testing.T) {
		sig := &fakeSignaler{answerErr: errors.New("channel down")}
		caps := &fakeCaps{}
		m := NewMachine(sig, caps)
		ctx := context.Background()

		m.HandleIncomingOffer(Invitation{From: "alice"})
		if err := m.Accept(ctx); err == nil {
			t.Fatal("expected error")
		}
		if got := m.Session().State; got != StateIdle {
			t.Fatalf("expected idle after failed emission, got %s", got)
		}
		if !caps.lastMedia().isClosed() || !caps.lastNeg().closed {
			t.Fatal("resources still held after failed emission")
		}
	})
}

func TestCandidateHandling(t *testing.T) {
	t.Run("dropped while idle", func(t *testing.T) {
		sig := &fakeSignaler{}
		caps := &fakeCaps{}
		m := NewMachine(sig, caps)
		m.HandleCandidate("bob", wire.ICECandidateInit{Candidate: "c1"})
		if caps.negCount() != 0 {
			t.Fatal("candidate while idle should be discarded")
		}
	})

	t.Run("dropped for wrong peer", func(t *testing.T) {
		sig := &fakeSignaler{}
		caps := &fakeCaps{}
		m := NewMachine(sig, caps)
		if err := m.StartCall(context.Background(), "bob"); err != nil {
			t.Fatal(err)
		}
		m.HandleCandidate("carol", wire.ICECandidateInit{Candidate: "c1"})
		if got := caps.lastNeg().candidates(); len(got) != 0 {
			t.Fatalf("candidate from wrong peer applied: %v", got)
		}
	})

	t.Run("buffered until negotiator exists", func(t *testing.T) {
		sig := &fakeSignaler{}
		caps := &fakeCaps{gate: make(chan struct{})}
		m := NewMachine(sig, caps)

		done := make(chan error, 1)
		go func() { done <- m.StartCall(context.Background(), "bob") }()

		// Wait for the machine to leave idle, then feed a candidate while
		// media acquisition is still blocked.
		for m.Session().State != StateOffering {
			time.Sleep(time.Millisecond)
		}
		m.HandleCandidate("bob", wire.ICECandidateInit{Candidate: "early"})

		close(caps.gate)
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		got := caps.lastNeg().candidates()
		if len(got) != 1 || got[0].Candidate != "early" {
			t.Fatalf("buffered candidate not flushed: %v", got)
		}
	})

	t.Run("local candidates forwarded while in call", func(t *testing.T) {
		sig := &fakeSignaler{}
		caps := &fakeCaps{}
		m := NewMachine(sig, caps)
		if err := m.StartCall(context.Background(), "bob"); err != nil {
			t.Fatal(err)
		}
		neg := caps.lastNeg()
		neg.onCand(wire.ICECandidateInit{Candidate: "local-1"})

		sig.mu.Lock()
		n := len(sig.cands)
		sig.mu.Unlock()
		if n != 1 {
			t.Fatalf("expected 1 forwarded candidate, got %d", n)
		}

		// After teardown late candidates are dropped.
		m.HandleRejected("bob")
		neg.onCand(wire.ICECandidateInit{Candidate: "local-2"})
		sig.mu.Lock()
		n = len(sig.cands)
		sig.mu.Unlock()
		if n != 1 {
			t.Fatal("candidate emitted after session ended")
		}
	})
}

func TestRejectedFromOtherPeerIgnored(t *testing.T) {
	sig := &fakeSignaler{}
	caps := &fakeCaps{}
	m := NewMachine(sig, caps)

	if err := m.StartCall(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	m.HandleRejected("carol")
	if got := m.Session().State; got != StateRinging {
		t.Fatalf("rejection from unrelated peer tore down the call: %s", got)
	}
}

func TestStartCallRejectsStaleInvitation(t *testing.T) {
	sig := &fakeSignaler{}
	caps := &fakeCaps{}
	m := NewMachine(sig, caps)

	m.HandleIncomingOffer(Invitation{From: "carol"})
	if err := m.StartCall(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	if got := sig.rejected(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("expected stale invitation rejected, got %v", got)
	}
	if _, ok := m.Invitation(); ok {
		t.Fatal("stale invitation still pending")
	}
}
