package wire

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Normalization happens once, at the transport boundary. The server is loose
// about optional fields (absent member lists, missing timestamps), so every
// decoder here produces a fully-populated canonical record or an error.
// The core never has to defend against a half-formed payload.

// DecodeGroup decodes a group_created / group_joined payload into the
// canonical Group shape. An absent member list becomes an empty slice.
func DecodeGroup(raw json.RawMessage) (Group, error) {
	var g Group
	if err := json.Unmarshal(raw, &g); err != nil {
		return Group{}, fmt.Errorf("wire: decode group: %w", err)
	}
	if g.ID == "" {
		return Group{}, fmt.Errorf("wire: group event missing gid")
	}
	if g.Members == nil {
		g.Members = []string{}
	}
	return g, nil
}

// DecodeMemberAdded unwraps a member_added payload to its group snapshot.
func DecodeMemberAdded(raw json.RawMessage) (Group, error) {
	var m MemberAdded
	if err := json.Unmarshal(raw, &m); err != nil {
		return Group{}, fmt.Errorf("wire: decode member_added: %w", err)
	}
	if m.Group.ID == "" {
		return Group{}, fmt.Errorf("wire: member_added missing group.gid")
	}
	if m.Group.Members == nil {
		m.Group.Members = []string{}
	}
	return m.Group, nil
}

// DecodeReceiveMessage decodes a receive_message payload. Messages without a
// target type default to private, matching the server's private-chat shape.
func DecodeReceiveMessage(raw json.RawMessage) (ReceiveMessage, error) {
	var r ReceiveMessage
	if err := json.Unmarshal(raw, &r); err != nil {
		return ReceiveMessage{}, fmt.Errorf("wire: decode receive_message: %w", err)
	}
	if r.TargetID == "" {
		return ReceiveMessage{}, fmt.Errorf("wire: receive_message missing targetId")
	}
	if r.Type == "" {
		r.Type = TargetPrivate
	}
	return r, nil
}

// DecodeTyping decodes a typing payload.
func DecodeTyping(raw json.RawMessage) (Typing, error) {
	var t Typing
	if err := json.Unmarshal(raw, &t); err != nil {
		return Typing{}, fmt.Errorf("wire: decode typing: %w", err)
	}
	return t, nil
}

// DecodeIncomingCall decodes an incoming_call payload.
func DecodeIncomingCall(raw json.RawMessage) (IncomingCall, error) {
	var c IncomingCall
	if err := json.Unmarshal(raw, &c); err != nil {
		return IncomingCall{}, fmt.Errorf("wire: decode incoming_call: %w", err)
	}
	if c.From == "" {
		return IncomingCall{}, fmt.Errorf("wire: incoming_call missing from")
	}
	return c, nil
}

// DecodeCallAnswered decodes a call_answered payload.
func DecodeCallAnswered(raw json.RawMessage) (CallAnswered, error) {
	var c CallAnswered
	if err := json.Unmarshal(raw, &c); err != nil {
		return CallAnswered{}, fmt.Errorf("wire: decode call_answered: %w", err)
	}
	return c, nil
}

// DecodeICEMessage decodes an ice_candidate payload.
func DecodeICEMessage(raw json.RawMessage) (ICEMessage, error) {
	var m ICEMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ICEMessage{}, fmt.Errorf("wire: decode ice_candidate: %w", err)
	}
	return m, nil
}

// DecodeCallRejected decodes a call_rejected payload.
func DecodeCallRejected(raw json.RawMessage) (CallRejected, error) {
	var c CallRejected
	if err := json.Unmarshal(raw, &c); err != nil {
		return CallRejected{}, fmt.Errorf("wire: decode call_rejected: %w", err)
	}
	return c, nil
}

// DecodeHistory decodes a fetch_history reply into an ordered message slice.
// The reply order is the persistence service's order and is preserved as-is.
func DecodeHistory(raw json.RawMessage) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("wire: decode history: %w", err)
	}
	return msgs, nil
}

// GroupsFromLogin normalizes the login response's group map to canonical
// records, sorted by id so seeding is deterministic.
func GroupsFromLogin(snap map[string]GroupSnapshot) []Group {
	out := make([]Group, 0, len(snap))
	for gid, gs := range snap {
		members := gs.Members
		if members == nil {
			members = []string{}
		}
		out = append(out, Group{ID: gid, Name: gs.Name, Members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
