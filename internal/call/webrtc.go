package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/pvdmeer/babbel/internal/wire"
)

// WebRTCCapabilities builds Pion-backed negotiation primitives with the
// local microphone attached. It satisfies Capabilities.
type WebRTCCapabilities struct {
	mu          sync.Mutex
	STUNServers []string
}

// SetSTUNServers swaps the ICE server list. Applies to the next call setup;
// an established PeerConnection keeps its original configuration.
func (c *WebRTCCapabilities) SetSTUNServers(servers []string) {
	c.mu.Lock()
	c.STUNServers = append([]string(nil), servers...)
	c.mu.Unlock()
}

func (c *WebRTCCapabilities) stunServers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.STUNServers) == 0 {
		return DefaultSTUNServers
	}
	return append([]string(nil), c.STUNServers...)
}

// DefaultSTUNServers used when the config lists none.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// AcquireMedia captures the local microphone. Fails with a MediaUnavailable
// condition when no capture device can be opened.
func (c *WebRTCCapabilities) AcquireMedia(ctx context.Context) (Media, error) {
	return acquireAudio(ctx)
}

// NewNegotiator builds a PeerConnection with the captured audio attached.
func (c *WebRTCCapabilities) NewNegotiator(ctx context.Context, media Media) (Negotiator, error) {
	capture, ok := media.(*AudioCapture)
	if !ok {
		return nil, fmt.Errorf("call: unexpected media handle %T", media)
	}

	mediaEngine := &webrtc.MediaEngine{}
	capture.selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: c.stunServers()}},
	})
	if err != nil {
		return nil, err
	}

	for _, track := range capture.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("call: add track: %w", err)
		}
	}

	n := &pionNegotiator{pc: pc}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end-of-candidates marker
		}
		n.mu.Lock()
		fn := n.onCand
		n.mu.Unlock()
		if fn != nil {
			init := cand.ToJSON()
			out := wire.ICECandidateInit{Candidate: init.Candidate}
			if init.SDPMid != nil {
				out.SDPMid = *init.SDPMid
			}
			if init.SDPMLineIndex != nil {
				out.SDPMLineIndex = *init.SDPMLineIndex
			}
			fn(out)
		}
	})
	return n, nil
}

// pionNegotiator adapts a Pion PeerConnection to the Negotiator interface.
type pionNegotiator struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	onCand func(wire.ICECandidateInit)
}

func (n *pionNegotiator) OnCandidate(fn func(wire.ICECandidateInit)) {
	n.mu.Lock()
	n.onCand = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) CreateOffer(ctx context.Context) (wire.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return wire.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return wire.SessionDescription{}, err
	}
	return wire.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (n *pionNegotiator) AcceptOffer(ctx context.Context, offer wire.SessionDescription) (wire.SessionDescription, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return wire.SessionDescription{}, err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return wire.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return wire.SessionDescription{}, err
	}
	return wire.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (n *pionNegotiator) ApplyAnswer(answer wire.SessionDescription) error {
	return n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

func (n *pionNegotiator) AddCandidate(cand wire.ICECandidateInit) error {
	init := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	idx := cand.SDPMLineIndex
	init.SDPMLineIndex = &idx
	return n.pc.AddICECandidate(init)
}

func (n *pionNegotiator) Close() error {
	return n.pc.Close()
}
