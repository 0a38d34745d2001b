// Package session composes the client core: it owns the single subscription
// to the realtime channel, dispatches every inbound event to exactly one
// component, and funnels every outbound action through one publish path.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pvdmeer/babbel/internal/call"
	"github.com/pvdmeer/babbel/internal/conversation"
	"github.com/pvdmeer/babbel/internal/group"
	"github.com/pvdmeer/babbel/internal/state"
	"github.com/pvdmeer/babbel/internal/storage"
	"github.com/pvdmeer/babbel/internal/transport"
	"github.com/pvdmeer/babbel/internal/typing"
	"github.com/pvdmeer/babbel/internal/util"
	"github.com/pvdmeer/babbel/internal/wire"
)

// Channel is the transport surface the facade needs. *transport.Session
// satisfies it.
type Channel interface {
	Emit(event string, payload any) error
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	Subscribe() (<-chan *transport.Event, func())
}

// AuthError is a rejected login; Msg is the server-provided reason, reported
// verbatim and never retried automatically.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return fmt.Sprintf("login failed: %s", e.Msg) }

// Notice is a user-visible session event for the presentation layer.
type Notice struct {
	Kind string // "incoming-call" | "call" | "typing"
	Text string
	Peer string
}

// Facade owns the component graph and the channel.
type Facade struct {
	ch         Channel
	cache      *storage.DB // optional local message cache
	cacheLimit int         // rows served from the cache fallback, 0 = all

	Conversations *conversation.Store
	Groups        *group.Registry
	Directory     *state.Directory
	Typing        *typing.Coordinator
	Calls         *call.Machine

	mu            sync.Mutex
	self          string
	authenticated bool

	noticeMu  sync.Mutex
	noticeSub []chan Notice
}

// Options configures the facade.
type Options struct {
	Cache             *storage.DB       // nil disables the local cache
	CacheHistoryLimit int               // newest rows served on fallback, 0 = all
	Capabilities      call.Capabilities // nil uses WebRTC defaults
	TypingWindows     [3]time.Duration  // throttle, idle, expiry; zero values use defaults
}

// New wires the component graph onto the channel.
func New(ch Channel, opt Options) *Facade {
	f := &Facade{ch: ch, cache: opt.Cache, cacheLimit: opt.CacheHistoryLimit}

	f.Conversations = conversation.New(f)
	f.Groups = group.NewRegistry()
	f.Directory = state.NewDirectory()
	f.Typing = typing.NewWithWindows(f, opt.TypingWindows[0], opt.TypingWindows[1], opt.TypingWindows[2])

	caps := opt.Capabilities
	if caps == nil {
		caps = &call.WebRTCCapabilities{}
	}
	f.Calls = call.NewMachine(f, caps)
	f.Calls.OnInvitation(func(inv call.Invitation) {
		f.publishNotice(Notice{Kind: "incoming-call", Peer: inv.From,
			Text: fmt.Sprintf("incoming call from %s", inv.From)})
	})
	f.Calls.OnNotice(func(n call.Notice) {
		text := ""
		switch n.Kind {
		case "rejected":
			text = fmt.Sprintf("call rejected by %s", n.Peer)
		case "ended":
			text = fmt.Sprintf("call with %s ended", n.Peer)
		case "active":
			text = fmt.Sprintf("call with %s active", n.Peer)
		case "media-error":
			text = fmt.Sprintf("no capture device: %v", n.Err)
		}
		f.publishNotice(Notice{Kind: "call", Peer: n.Peer, Text: text})
	})
	f.Typing.OnChange(func(peer string, isTyping bool) {
		text := peer + " stopped typing"
		if isTyping {
			text = peer + " is typing…"
		}
		f.publishNotice(Notice{Kind: "typing", Peer: peer, Text: text})
	})

	return f
}

// ── Outbound actions ─────────────────────────────────────────────────────────

// Login performs the single authentication round trip. On success the user
// directory is replaced and the group registry is seeded from the response
// snapshot; on failure the server's message is reported and nothing changes.
func (f *Facade) Login(ctx context.Context, username, password string) error {
	username, err := util.ValidateUsername(username)
	if err != nil {
		return err
	}

	raw, err := f.ch.Request(ctx, wire.EventLogin, wire.LoginRequest{
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var resp wire.LoginResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("login: decode response: %w", err)
	}
	if resp.Status != "ok" {
		return &AuthError{Msg: resp.Msg}
	}

	f.mu.Lock()
	f.self = username
	f.authenticated = true
	f.mu.Unlock()

	f.Directory.Replace(username, resp.Users)
	f.Groups.Seed(wire.GroupsFromLogin(resp.Groups))
	f.Conversations.SetSelf(username)
	f.Typing.SetSelf(username)

	log.Printf("SESSION: logged in as %s (%d users, %d groups)",
		username, len(resp.Users), len(resp.Groups))
	return nil
}

// Self returns the authenticated username, or "" pre-login.
func (f *Facade) Self() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self
}

// Authenticated reports whether login succeeded.
func (f *Facade) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

// OpenConversation switches the active conversation and resets typing state.
func (f *Facade) OpenConversation(ctx context.Context, key wire.ConversationKey) {
	f.Conversations.Open(ctx, key)
	peer := ""
	if key.Kind == wire.TargetPrivate {
		peer = key.ID
	}
	f.Typing.SetActivePeer(peer)
}

// SendMessage optimistically appends to the visible log, clears the typing
// indicator, then emits the message on the channel, in that order.
func (f *Facade) SendMessage(text string) error {
	key := f.Conversations.Active()
	if key.IsZero() {
		return fmt.Errorf("session: no conversation open")
	}

	f.Conversations.AppendLocal(wire.Message{
		From:      f.Self(),
		Text:      text,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	})
	f.Typing.MessageSent()

	return f.ch.Emit(wire.EventSendMessage, wire.SendMessage{
		TargetType: key.Kind,
		TargetID:   key.ID,
		Text:       text,
	})
}

// CreateGroup asks the server for a new group; the canonical record arrives
// as a group_created snapshot event.
func (f *Facade) CreateGroup(name string) error {
	return f.ch.Emit(wire.EventCreateGroup, wire.CreateGroup{Name: name})
}

// AddMember emits the add-member intent. The registry is not touched; it
// waits for the server's member_added snapshot.
func (f *Facade) AddMember(gid, username string) error {
	return f.ch.Emit(wire.EventAddMember, wire.AddMember{GID: gid, Username: username})
}

// Keystroke reports a keystroke in the active conversation's input box.
func (f *Facade) Keystroke() {
	f.Typing.Keystroke()
}

// StartCall, AcceptCall, RejectCall and Hangup delegate to the call machine.
func (f *Facade) StartCall(ctx context.Context, peer string) error { return f.Calls.StartCall(ctx, peer) }
func (f *Facade) AcceptCall(ctx context.Context) error             { return f.Calls.Accept(ctx) }
func (f *Facade) RejectCall() error                                { return f.Calls.Reject() }
func (f *Facade) Hangup() error                                    { return f.Calls.Hangup() }

// ── Collaborator interfaces ──────────────────────────────────────────────────

// FetchHistory implements conversation.HistoryFetcher: one round trip to the
// persistence service, falling back to the local cache when it fails.
func (f *Facade) FetchHistory(ctx context.Context, key wire.ConversationKey) ([]wire.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()

	raw, err := f.ch.Request(fetchCtx, wire.EventFetchHistory, wire.HistoryRequest{
		TargetType: key.Kind,
		TargetID:   key.ID,
	})
	if err == nil {
		return wire.DecodeHistory(raw)
	}

	if f.cache != nil {
		cached, cacheErr := f.cache.History(key, f.cacheLimit)
		if cacheErr == nil {
			log.Printf("SESSION: history fetch failed (%v), serving %d cached messages", err, len(cached))
			return cached, nil
		}
	}
	return nil, err
}

// EmitTyping implements typing.Emitter.
func (f *Facade) EmitTyping(to string, isTyping bool) error {
	return f.ch.Emit(wire.EventTyping, wire.Typing{From: f.Self(), To: to, IsTyping: isTyping})
}

// EmitOffer, EmitAnswer, EmitCandidate and EmitReject implement call.Signaler.
func (f *Facade) EmitOffer(target string, offer wire.SessionDescription) error {
	return f.ch.Emit(wire.EventCallUser, wire.CallUser{Target: target, Offer: offer})
}

func (f *Facade) EmitAnswer(target string, answer wire.SessionDescription) error {
	return f.ch.Emit(wire.EventAnswerCall, wire.AnswerCall{Target: target, Answer: answer})
}

func (f *Facade) EmitCandidate(target string, cand wire.ICECandidateInit) error {
	return f.ch.Emit(wire.EventICECandidate, wire.ICEMessage{Target: target, Candidate: cand})
}

func (f *Facade) EmitReject(target string) error {
	return f.ch.Emit(wire.EventRejectCall, wire.RejectCall{Target: target})
}

// ── Inbound dispatch ─────────────────────────────────────────────────────────

// Run owns the channel subscription and dispatches inbound events until ctx
// is done or the channel closes. Handlers run to completion one at a time,
// so ordering between them is exactly the channel's delivery order.
func (f *Facade) Run(ctx context.Context) error {
	events, cancel := f.ch.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			f.dispatch(evt)
		}
	}
}

// dispatch routes one inbound event to exactly one owning component.
// Payloads are normalized here, at the boundary; malformed or mismatched
// events are filtered and dropped, never fatal.
func (f *Facade) dispatch(evt *transport.Event) {
	switch evt.Name {
	case wire.EventReceiveMessage:
		msg, err := wire.DecodeReceiveMessage(evt.Payload)
		if err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		if f.cache != nil {
			if err := f.cache.SaveMessage(msg.Key(), msg.Message()); err != nil {
				log.Printf("SESSION: cache message: %v", err)
			}
		}
		f.Conversations.AppendInbound(msg)

	case wire.EventGroupCreated, wire.EventGroupJoined:
		g, err := wire.DecodeGroup(evt.Payload)
		if err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		f.Groups.Upsert(g)

	case wire.EventMemberAdded:
		g, err := wire.DecodeMemberAdded(evt.Payload)
		if err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		f.Groups.Upsert(g)

	case wire.EventTyping:
		t, err := wire.DecodeTyping(evt.Payload)
		if err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		f.Typing.HandleInbound(t)

	case wire.EventIncomingCall:
		inc, err := wire.DecodeIncomingCall(evt.Payload)
		if err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		f.Calls.HandleIncomingOffer(call.Invitation{From: inc.From, Offer: inc.Offer})

	case wire.EventCallAnswered:
		ans, err := wire.DecodeCallAnswered(evt.Payload)
		if err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		f.Calls.HandleAnswer(ans.Answer)

	case wire.EventICECandidate:
		ice, err := wire.DecodeICEMessage(evt.Payload)
		if err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		f.Calls.HandleCandidate(ice.From, ice.Candidate)

	case wire.EventCallRejected:
		rej, err := wire.DecodeCallRejected(evt.Payload)
		if err != nil {
			log.Printf("SESSION: %v", err)
			return
		}
		f.Calls.HandleRejected(rej.From)

	default:
		log.Printf("SESSION: dropping unknown event %q", evt.Name)
	}
}

// ── Notices ──────────────────────────────────────────────────────────────────

// Notices returns a channel of user-visible session events and a cancel
// function.
func (f *Facade) Notices() (<-chan Notice, func()) {
	ch := make(chan Notice, 16)
	f.noticeMu.Lock()
	f.noticeSub = append(f.noticeSub, ch)
	f.noticeMu.Unlock()

	cancel := func() {
		f.noticeMu.Lock()
		defer f.noticeMu.Unlock()
		for i, c := range f.noticeSub {
			if c == ch {
				close(c)
				f.noticeSub = append(f.noticeSub[:i], f.noticeSub[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (f *Facade) publishNotice(n Notice) {
	f.noticeMu.Lock()
	for _, ch := range f.noticeSub {
		select {
		case ch <- n:
		default:
		}
	}
	f.noticeMu.Unlock()
}

// Close shuts down the components that hold timers or devices.
func (f *Facade) Close() {
	f.Calls.Close()
	f.Typing.Close()
}
