package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pvdmeer/babbel/internal/storage"
	"github.com/pvdmeer/babbel/internal/transport"
	"github.com/pvdmeer/babbel/internal/wire"
)

type fakeChannel struct {
	mu      sync.Mutex
	emitted []string
	bodies  map[string][]json.RawMessage
	replies map[string]json.RawMessage
	reqErr  map[string]error
	events  chan *transport.Event
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		bodies:  make(map[string][]json.RawMessage),
		replies: make(map[string]json.RawMessage),
		reqErr:  make(map[string]error),
		events:  make(chan *transport.Event, 32),
	}
}

func (c *fakeChannel) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.emitted = append(c.emitted, event)
	c.bodies[event] = append(c.bodies[event], raw)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Request(_ context.Context, event string, _ any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.reqErr[event]; ok {
		return nil, err
	}
	reply, ok := c.replies[event]
	if !ok {
		return nil, errors.New("no scripted reply for " + event)
	}
	return reply, nil
}

func (c *fakeChannel) Subscribe() (<-chan *transport.Event, func()) {
	return c.events, func() {}
}

func (c *fakeChannel) push(event string, payload string) {
	c.events <- &transport.Event{Name: event, Payload: json.RawMessage(payload)}
}

func (c *fakeChannel) sent(event string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.bodies[event]...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestLoginSeedsState(t *testing.T) {
	ch := newFakeChannel()
	ch.replies[wire.EventLogin] = json.RawMessage(
		`{"status":"ok","users":["alice","bob","carol"],"groups":{"g1":{"name":"team","members":["alice","bob"]}}}`)

	f := New(ch, Options{})
	defer f.Close()

	if err := f.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatal(err)
	}

	if f.Self() != "alice" || !f.Authenticated() {
		t.Fatal("session identity not recorded")
	}
	if f.Directory.Contains("alice") {
		t.Fatal("directory contains self")
	}
	if !f.Directory.Contains("bob") || !f.Directory.Contains("carol") {
		t.Fatal("directory missing users")
	}
	g, ok := f.Groups.Get("g1")
	if !ok || g.Name != "team" || len(g.Members) != 2 {
		t.Fatalf("registry not seeded: %+v", g)
	}
}

func TestLoginRejected(t *testing.T) {
	ch := newFakeChannel()
	ch.replies[wire.EventLogin] = json.RawMessage(`{"status":"error","msg":"wrong password"}`)

	f := New(ch, Options{})
	defer f.Close()

	err := f.Login(context.Background(), "alice", "nope")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Msg != "wrong password" {
		t.Fatalf("server reason lost: %q", authErr.Msg)
	}
	if f.Authenticated() {
		t.Fatal("failed login left session authenticated")
	}
	if len(f.Directory.List()) != 0 {
		t.Fatal("failed login touched the directory")
	}
}

func TestSendMessageAppendsBeforeEmit(t *testing.T) {
	ch := newFakeChannel()
	ch.replies[wire.EventLogin] = json.RawMessage(`{"status":"ok","users":["bob"]}`)
	ch.replies[wire.EventFetchHistory] = json.RawMessage(`[]`)

	f := New(ch, Options{})
	defer f.Close()
	if err := f.Login(context.Background(), "alice", "x"); err != nil {
		t.Fatal(err)
	}

	f.OpenConversation(context.Background(), wire.ConversationKey{Kind: wire.TargetPrivate, ID: "bob"})

	if err := f.SendMessage("hi bob"); err != nil {
		t.Fatal(err)
	}

	log := f.Conversations.Log()
	if len(log) == 0 || log[len(log)-1].Text != "hi bob" || log[len(log)-1].From != "alice" {
		t.Fatalf("optimistic append missing: %+v", log)
	}

	sent := ch.sent(wire.EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("expected one send_message emission, got %d", len(sent))
	}
	var out wire.SendMessage
	if err := json.Unmarshal(sent[0], &out); err != nil {
		t.Fatal(err)
	}
	if out.TargetType != wire.TargetPrivate || out.TargetID != "bob" || out.Text != "hi bob" {
		t.Fatalf("unexpected emission %+v", out)
	}
}

func TestSendMessageWithoutConversation(t *testing.T) {
	ch := newFakeChannel()
	f := New(ch, Options{})
	defer f.Close()

	if err := f.SendMessage("into the void"); err == nil {
		t.Fatal("expected error with no open conversation")
	}
	if len(ch.sent(wire.EventSendMessage)) != 0 {
		t.Fatal("message emitted with no open conversation")
	}
}

func TestDispatchRouting(t *testing.T) {
	ch := newFakeChannel()
	ch.replies[wire.EventLogin] = json.RawMessage(`{"status":"ok","users":["bob"]}`)
	ch.replies[wire.EventFetchHistory] = json.RawMessage(`[]`)

	f := New(ch, Options{})
	defer f.Close()
	if err := f.Login(context.Background(), "alice", "x"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	f.OpenConversation(ctx, wire.ConversationKey{Kind: wire.TargetPrivate, ID: "bob"})

	t.Run("receive_message lands in the open log", func(t *testing.T) {
		ch.push(wire.EventReceiveMessage, `{"from":"bob","targetId":"bob","text":"hello","timestamp":1.5}`)
		waitFor(t, func() bool {
			log := f.Conversations.Log()
			return len(log) == 1 && log[0].Text == "hello"
		})
	})

	t.Run("message for another conversation is invisible", func(t *testing.T) {
		ch.push(wire.EventReceiveMessage, `{"from":"carol","targetId":"carol","text":"psst"}`)
		time.Sleep(30 * time.Millisecond)
		if log := f.Conversations.Log(); len(log) != 1 {
			t.Fatalf("foreign message leaked into log: %+v", log)
		}
	})

	t.Run("group snapshots reach the registry", func(t *testing.T) {
		ch.push(wire.EventGroupCreated, `{"gid":"g9","name":"nine","members":["alice"]}`)
		waitFor(t, func() bool { _, ok := f.Groups.Get("g9"); return ok })

		ch.push(wire.EventMemberAdded, `{"group":{"gid":"g9","name":"nine","members":["alice","bob"]}}`)
		waitFor(t, func() bool {
			g, _ := f.Groups.Get("g9")
			return len(g.Members) == 2
		})
	})

	t.Run("typing reaches the coordinator", func(t *testing.T) {
		ch.push(wire.EventTyping, `{"from":"bob","to":"alice","isTyping":true}`)
		waitFor(t, func() bool { return f.Typing.IsTyping("bob") })
	})

	t.Run("incoming call surfaces an invitation", func(t *testing.T) {
		ch.push(wire.EventIncomingCall, `{"from":"bob","offer":{"type":"offer","sdp":"x"}}`)
		waitFor(t, func() bool { _, ok := f.Calls.Invitation(); return ok })
	})

	t.Run("unknown events are dropped", func(t *testing.T) {
		ch.push("mystery_event", `{"what":"ever"}`)
		ch.push(wire.EventReceiveMessage, `{"from":"bob","targetId":"bob","text":"still alive"}`)
		waitFor(t, func() bool {
			log := f.Conversations.Log()
			return len(log) > 0 && log[len(log)-1].Text == "still alive"
		})
	})
}

func TestHistoryFallsBackToCache(t *testing.T) {
	cache, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	key := wire.ConversationKey{Kind: wire.TargetPrivate, ID: "bob"}
	if err := cache.SaveMessage(key, wire.Message{From: "bob", Text: "cached", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	ch := newFakeChannel()
	ch.reqErr[wire.EventFetchHistory] = errors.New("service down")

	f := New(ch, Options{Cache: cache})
	defer f.Close()

	msgs, err := f.FetchHistory(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "cached" {
		t.Fatalf("cache fallback failed: %+v", msgs)
	}
}

func TestHistoryFallbackHonorsLimit(t *testing.T) {
	cache, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	key := wire.ConversationKey{Kind: wire.TargetPrivate, ID: "bob"}
	for i, text := range []string{"first", "second", "third"} {
		if err := cache.SaveMessage(key, wire.Message{From: "bob", Text: text, Timestamp: float64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}

	ch := newFakeChannel()
	ch.reqErr[wire.EventFetchHistory] = errors.New("service down")

	f := New(ch, Options{Cache: cache, CacheHistoryLimit: 2})
	defer f.Close()

	msgs, err := f.FetchHistory(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 newest messages, got %d", len(msgs))
	}
	if msgs[0].Text != "second" || msgs[1].Text != "third" {
		t.Fatalf("wrong window or order: %+v", msgs)
	}
}

func TestHistoryErrorWithoutCache(t *testing.T) {
	ch := newFakeChannel()
	ch.reqErr[wire.EventFetchHistory] = errors.New("service down")

	f := New(ch, Options{})
	defer f.Close()

	if _, err := f.FetchHistory(context.Background(), wire.ConversationKey{Kind: wire.TargetPrivate, ID: "bob"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestInboundMessagesCached(t *testing.T) {
	cache, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ch := newFakeChannel()
	ch.replies[wire.EventLogin] = json.RawMessage(`{"status":"ok","users":["bob"]}`)
	ch.replies[wire.EventFetchHistory] = json.RawMessage(`[]`)

	f := New(ch, Options{Cache: cache})
	defer f.Close()
	if err := f.Login(context.Background(), "alice", "x"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	// Messages are cached even for conversations that are not open.
	ch.push(wire.EventReceiveMessage, `{"from":"carol","targetId":"carol","text":"offline msg"}`)

	key := wire.ConversationKey{Kind: wire.TargetPrivate, ID: "carol"}
	waitFor(t, func() bool {
		msgs, err := cache.History(key, 0)
		return err == nil && len(msgs) == 1 && msgs[0].Text == "offline msg"
	})
}
