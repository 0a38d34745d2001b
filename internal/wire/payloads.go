// Package wire defines the event vocabulary of the realtime channel and the
// typed payloads that flow over it. Every inbound payload is normalized here,
// at the transport boundary; the core components never see a raw map.
package wire

// TargetType distinguishes private from group conversations.
type TargetType string

const (
	TargetPrivate TargetType = "private"
	TargetGroup   TargetType = "group"
)

// ConversationKey identifies one message log. At most one key is active at a
// time; it is the filter used to accept inbound messages into the visible log.
type ConversationKey struct {
	Kind TargetType `json:"kind"`
	ID   string     `json:"id"`
}

func (k ConversationKey) IsZero() bool { return k.ID == "" && k.Kind == "" }

// Message is one chat message. Messages are ordered by arrival on the
// channel, never by timestamp.
type Message struct {
	From      string  `json:"from"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"` // seconds since epoch, server clock
}

// Group is the canonical group record. Member lists are snapshots: every
// inbound group event fully replaces the previous member set.
type Group struct {
	ID      string   `json:"gid"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// ── Request/response payloads ─────────────────────────────────────────────────

// LoginRequest authenticates the session.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse seeds the user directory and the group registry.
// Status is "ok" or "error"; on error Msg carries the server-provided reason.
type LoginResponse struct {
	Status string                   `json:"status"`
	Msg    string                   `json:"msg,omitempty"`
	Users  []string                 `json:"users,omitempty"`
	Groups map[string]GroupSnapshot `json:"groups,omitempty"`
}

// GroupSnapshot is the group shape inside a login response, keyed by id.
type GroupSnapshot struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// HistoryRequest asks the persistence service for one conversation's log.
type HistoryRequest struct {
	TargetType TargetType `json:"targetType"`
	TargetID   string     `json:"targetId"`
}

// ── Messaging payloads ────────────────────────────────────────────────────────

// SendMessage is the outbound message emission. The optimistic local append
// always precedes it.
type SendMessage struct {
	TargetType TargetType `json:"targetType"`
	TargetID   string     `json:"targetId"`
	Text       string     `json:"text"`
}

// ReceiveMessage is the inbound message event. For a private message the
// server sets TargetID to the sender on the recipient's copy and to the real
// target on the sender's echo, so TargetID always names the conversation the
// message belongs to from the receiving client's point of view.
type ReceiveMessage struct {
	From      string     `json:"from"`
	TargetID  string     `json:"targetId"`
	Text      string     `json:"text"`
	Timestamp float64    `json:"timestamp"`
	Type      TargetType `json:"type"`
}

// Key returns the conversation key this message belongs to.
func (r ReceiveMessage) Key() ConversationKey {
	return ConversationKey{Kind: r.Type, ID: r.TargetID}
}

// Message converts the event to the canonical message record.
func (r ReceiveMessage) Message() Message {
	return Message{From: r.From, Text: r.Text, Timestamp: r.Timestamp}
}

// ── Group payloads ────────────────────────────────────────────────────────────

// CreateGroup requests a new group; the server answers with a group_created
// snapshot event.
type CreateGroup struct {
	Name string `json:"name"`
}

// AddMember is an outbound intent. The registry never mutates locally on the
// strength of this; it waits for the server's member_added snapshot.
type AddMember struct {
	GID      string `json:"gid"`
	Username string `json:"username"`
}

// MemberAdded wraps the full replacement snapshot for an existing group.
type MemberAdded struct {
	Group Group `json:"group"`
}

// ── Typing payloads ───────────────────────────────────────────────────────────

// Typing carries a typing indicator in either direction.
type Typing struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// ── Call signaling payloads ───────────────────────────────────────────────────

// SessionDescription is the standard SDP offer/answer shape (W3C WebRTC).
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CallUser invites target to a call, carrying the caller's offer.
type CallUser struct {
	Target string             `json:"target"`
	Offer  SessionDescription `json:"offer"`
}

// IncomingCall surfaces a pending invitation on the callee side.
type IncomingCall struct {
	From  string             `json:"from"`
	Offer SessionDescription `json:"offer"`
}

// AnswerCall carries the callee's answer back to the caller.
type AnswerCall struct {
	Target string             `json:"target"`
	Answer SessionDescription `json:"answer"`
}

// CallAnswered delivers the answer to the caller.
type CallAnswered struct {
	Answer SessionDescription `json:"answer"`
}

// ICEMessage carries one trickle ICE candidate. Outbound messages set Target;
// inbound messages set From.
type ICEMessage struct {
	Target    string           `json:"target,omitempty"`
	From      string           `json:"from,omitempty"`
	Candidate ICECandidateInit `json:"candidate"`
}

// RejectCall declines a pending invitation or hangs up the current call.
// The channel contract carries no separate hangup event; both sides treat
// call_rejected from the current peer as terminal.
type RejectCall struct {
	Target string `json:"target"`
}

// CallRejected tells the caller the callee declined (or hung up).
type CallRejected struct {
	From string `json:"from"`
}
