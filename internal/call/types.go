// Package call implements the finite-state signaling protocol for one
// peer-to-peer voice call at a time. Coupling to the session layer is via
// the Signaler interface only; the negotiation primitive and the local media
// capture are external capabilities behind their own interfaces.
package call

import (
	"context"
	"errors"

	"github.com/pvdmeer/babbel/internal/wire"
)

// State of the signaling machine.
type State string

const (
	StateIdle       State = "idle"
	StateOffering   State = "offering"       // caller, producing the local offer
	StateRinging    State = "ringing-remote" // caller, waiting for the answer
	StateConnecting State = "connecting"     // callee, producing the local answer
	StateActive     State = "active"
)

// Role of the local side in the current call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

var (
	// ErrBusy rejects starting or accepting a call while one is in any
	// non-idle state. The old session is never silently replaced.
	ErrBusy = errors.New("call: already in call")

	// ErrNoInvitation rejects accept/reject without a pending invitation.
	ErrNoInvitation = errors.New("call: no pending invitation")

	// ErrAborted is returned when the call was torn down (hangup, remote
	// rejection) while an async setup step was still in flight.
	ErrAborted = errors.New("call: aborted")
)

// Signaler is the only surface the call package needs from the session
// layer. All four emissions go through the facade's single publish path.
type Signaler interface {
	EmitOffer(target string, offer wire.SessionDescription) error
	EmitAnswer(target string, answer wire.SessionDescription) error
	EmitCandidate(target string, cand wire.ICECandidateInit) error
	EmitReject(target string) error
}

// Media is the exclusive local capture handle. It must be released on every
// path back to idle, never only on the happy path.
type Media interface {
	Close() error
}

// Negotiator is the external media-negotiation primitive for one
// peer-to-peer audio session.
type Negotiator interface {
	// CreateOffer produces the local offer (caller side).
	CreateOffer(ctx context.Context) (wire.SessionDescription, error)
	// AcceptOffer applies the remote offer and produces the local answer
	// (callee side).
	AcceptOffer(ctx context.Context, offer wire.SessionDescription) (wire.SessionDescription, error)
	// ApplyAnswer applies the remote answer (caller side).
	ApplyAnswer(answer wire.SessionDescription) error
	// AddCandidate applies one remote ICE candidate.
	AddCandidate(cand wire.ICECandidateInit) error
	// OnCandidate registers the sink for locally discovered candidates.
	// Candidates are delivered as they are produced, not batched.
	OnCandidate(fn func(wire.ICECandidateInit))
	Close() error
}

// Capabilities acquires local media and builds negotiation primitives.
// At most one of each exists at a time; the Machine owns them exclusively.
type Capabilities interface {
	AcquireMedia(ctx context.Context) (Media, error)
	NewNegotiator(ctx context.Context, media Media) (Negotiator, error)
}

// Invitation is a pending incoming call. It is not a state change; the
// machine stays idle until the user accepts or rejects.
type Invitation struct {
	From  string
	Offer wire.SessionDescription
}

// Notice is a user-visible call event.
type Notice struct {
	Kind string // "rejected" | "ended" | "media-error" | "active"
	Peer string
	Err  error
}

// Info is a snapshot of the current call session.
type Info struct {
	State State
	Peer  string
	Role  Role
}
