package wire

// ── Event name constants ──────────────────────────────────────────────────────
// Single source of truth for all channel event names used across the codebase.
// The server dispatches on these names, so they must match the channel contract
// exactly.
const (
	// Request/response exchanges (client → server, reply carried on the same id).
	EventLogin        = "login"
	EventFetchHistory = "fetch_history"

	// Messaging.
	EventSendMessage    = "send_message"    // out
	EventReceiveMessage = "receive_message" // in

	// Group management.
	EventCreateGroup  = "create_new_group" // out
	EventGroupCreated = "group_created"    // in, full group snapshot
	EventGroupJoined  = "group_joined"     // in, full group snapshot
	EventAddMember    = "add_member"       // out, intent only, no local mutation
	EventMemberAdded  = "member_added"     // in, full group snapshot, wrapped

	// Typing indicators (both directions).
	EventTyping = "typing"

	// Call signaling.
	//
	//   caller                          callee
	//   ──────────────────────────────────────────────────────────
	//   call_user {offer}  ────────────► incoming_call {from,offer}
	//                      ◄──────────── answer_call {answer}   (on accept)
	//   call_answered {answer}
	//   ice_candidate  ◄──────────────► ice_candidate   (trickle, both ways)
	//                      ◄──────────── reject_call    (decline or hangup)
	//   call_rejected {from}
	EventCallUser     = "call_user"     // out
	EventIncomingCall = "incoming_call" // in
	EventAnswerCall   = "answer_call"   // out
	EventCallAnswered = "call_answered" // in
	EventICECandidate = "ice_candidate" // in/out
	EventRejectCall   = "reject_call"   // out
	EventCallRejected = "call_rejected" // in
)
