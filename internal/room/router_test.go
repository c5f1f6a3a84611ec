package room

import (
	"errors"
	"sync"
	"testing"
)

// fakeSub records the messages delivered to it. failing simulates a dead
// connection whose writes always error.
type fakeSub struct {
	key     string
	failing bool

	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeSub) Key() string { return f.key }

func (f *fakeSub) Send(data []byte) error {
	if f.failing {
		return errors.New("connection closed")
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func TestJoinAndBroadcast(t *testing.T) {
	rt := NewRouter()
	a := &fakeSub{key: "a"}
	b := &fakeSub{key: "b"}
	conv := Conversation(5)

	rt.Join(a, conv)
	rt.Join(b, conv)

	rt.Broadcast(conv, []byte("hello"), "")

	for _, sub := range []*fakeSub{a, b} {
		msgs := sub.received()
		if len(msgs) != 1 || string(msgs[0]) != "hello" {
			t.Errorf("subscriber %s: expected one %q delivery, got %v", sub.key, "hello", msgs)
		}
	}
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	rt := NewRouter()
	a := &fakeSub{key: "a"}
	b := &fakeSub{key: "b"}
	conv := Conversation(5)

	rt.Join(a, conv)
	rt.Join(b, conv)

	rt.Broadcast(conv, []byte("typing"), "a")

	if len(a.received()) != 0 {
		t.Errorf("excluded subscriber received %d messages", len(a.received()))
	}
	if len(b.received()) != 1 {
		t.Errorf("expected 1 delivery to b, got %d", len(b.received()))
	}
}

func TestBroadcastSkipsOtherRooms(t *testing.T) {
	rt := NewRouter()
	a := &fakeSub{key: "a"}
	b := &fakeSub{key: "b"}

	rt.Join(a, Conversation(1))
	rt.Join(b, Conversation(2))

	rt.Broadcast(Conversation(1), []byte("x"), "")

	if len(b.received()) != 0 {
		t.Errorf("subscriber in another room received %d messages", len(b.received()))
	}
}

func TestRejoinIsNoOp(t *testing.T) {
	rt := NewRouter()
	a := &fakeSub{key: "a"}
	conv := Conversation(5)

	rt.Join(a, conv)
	rt.Join(a, conv)

	rt.Broadcast(conv, []byte("once"), "")

	if got := len(a.received()); got != 1 {
		t.Errorf("expected a single delivery after double join, got %d", got)
	}
	if rt.Count(conv) != 1 {
		t.Errorf("expected room count 1, got %d", rt.Count(conv))
	}
}

func TestLeaveUnjoinedIsNoOp(t *testing.T) {
	rt := NewRouter()
	a := &fakeSub{key: "a"}

	// Must not panic or create state.
	rt.Leave(a, Conversation(9))

	if rt.Count(Conversation(9)) != 0 {
		t.Error("leave of unjoined room created membership")
	}
}

func TestDeadSubscriberDoesNotBlockOthers(t *testing.T) {
	rt := NewRouter()
	dead := &fakeSub{key: "dead", failing: true}
	live := &fakeSub{key: "live"}
	conv := Conversation(3)

	rt.Join(dead, conv)
	rt.Join(live, conv)

	rt.Broadcast(conv, []byte("msg"), "")

	if len(live.received()) != 1 {
		t.Errorf("live subscriber starved by dead peer: got %d deliveries", len(live.received()))
	}
}

func TestDisconnectAll(t *testing.T) {
	rt := NewRouter()
	a := &fakeSub{key: "a"}
	b := &fakeSub{key: "b"}

	rt.Join(a, Personal(1))
	rt.Join(a, Conversation(5))
	rt.Join(a, Global())
	rt.Join(b, Conversation(5))

	rt.DisconnectAll(a)

	for _, r := range []Room{Personal(1), Conversation(5), Global()} {
		if rt.InRoom("a", r) {
			t.Errorf("still in %s after DisconnectAll", r)
		}
	}
	if !rt.InRoom("b", Conversation(5)) {
		t.Error("DisconnectAll removed an unrelated subscriber")
	}

	rt.Broadcast(Conversation(5), []byte("after"), "")
	if len(a.received()) != 0 {
		t.Error("disconnected subscriber still receives broadcasts")
	}
}

func TestBroadcastOrderPreservedPerRoom(t *testing.T) {
	rt := NewRouter()
	a := &fakeSub{key: "a"}
	conv := Conversation(1)
	rt.Join(a, conv)

	rt.Broadcast(conv, []byte("first"), "")
	rt.Broadcast(conv, []byte("second"), "")
	rt.Broadcast(conv, []byte("third"), "")

	msgs := a.received()
	want := []string{"first", "second", "third"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if string(msgs[i]) != w {
			t.Errorf("delivery %d: expected %q, got %q", i, w, msgs[i])
		}
	}
}

func TestRoomString(t *testing.T) {
	cases := []struct {
		room     Room
		expected string
	}{
		{Personal(7), "user:7"},
		{Conversation(42), "conversation:42"},
		{Global(), "global"},
	}
	for _, c := range cases {
		if got := c.room.String(); got != c.expected {
			t.Errorf("expected %q, got %q", c.expected, got)
		}
	}
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	rt := NewRouter()
	conv := Conversation(1)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := &fakeSub{key: string(rune('a' + n))}
			for j := 0; j < 100; j++ {
				rt.Join(sub, conv)
				rt.Broadcast(conv, []byte("tick"), "")
				rt.Leave(sub, conv)
			}
		}(i)
	}
	wg.Wait()

	if rt.Count(conv) != 0 {
		t.Errorf("expected empty room after churn, got %d members", rt.Count(conv))
	}
}
