package router

import (
	"errors"
	"testing"

	"github.com/agidotai/memini/internal/events"
	"github.com/agidotai/memini/internal/session"
)

func newFixture(t *testing.T) (*session.Registry, *Router, []int) {
	t.Helper()
	reg := session.NewRegistry(events.NewEventBus(4), nil)
	ids := []int{reg.Spawn("a"), reg.Spawn("b"), reg.Spawn("c")}
	for _, id := range ids {
		if err := reg.MarkWaiting(id, "?"); err != nil {
			t.Fatal(err)
		}
	}
	return reg, New(reg), ids
}

func TestParseInline(t *testing.T) {
	cases := []struct {
		line   string
		target string
		body   string
		ok     bool
	}{
		{"#3 use the staging config", "3", "use the staging config", true},
		{"  #12   yes  ", "12", "yes", true},
		{"#3", "3", "", true},
		{"#abc hello", "", "", false},
		{"no marker", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		target, body, ok := ParseInline(tc.line)
		if target != tc.target || body != tc.body || ok != tc.ok {
			t.Errorf("ParseInline(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, target, body, ok, tc.target, tc.body, tc.ok)
		}
	}
}

func TestRouter_ReplyNextIsFIFO(t *testing.T) {
	reg, rt, ids := newFixture(t)
	res, err := rt.Reply("next", "first answer")
	if err != nil {
		t.Fatalf("Reply next: %v", err)
	}
	if res.SessionID != ids[0] {
		t.Fatalf("routed to %d, want %d", res.SessionID, ids[0])
	}
	if got := reg.WaitingIDs(); len(got) != 2 || got[0] != ids[1] {
		t.Fatalf("queue after reply = %v", got)
	}
}

func TestRouter_ReplyTargeted(t *testing.T) {
	reg, rt, ids := newFixture(t)
	res, err := rt.Reply("2", "for the middle one")
	if err != nil {
		t.Fatalf("Reply targeted: %v", err)
	}
	if res.SessionID != ids[1] {
		t.Fatalf("routed to %d, want %d", res.SessionID, ids[1])
	}
	if got := reg.WaitingIDs(); len(got) != 2 || got[0] != ids[0] || got[1] != ids[2] {
		t.Fatalf("queue after targeted reply = %v", got)
	}
}

func TestRouter_ReplyErrors(t *testing.T) {
	reg := session.NewRegistry(events.NewEventBus(4), nil)
	running := reg.Spawn("running")
	rt := New(reg)

	if _, err := rt.Reply("next", "hello"); !errors.Is(err, session.ErrQueueEmpty) {
		t.Fatalf("empty queue = %v, want ErrQueueEmpty", err)
	}
	if _, err := rt.Reply("99", "hello"); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("unknown target = %v, want ErrUnknownSession", err)
	}
	if _, err := rt.Reply("1", "hello"); !errors.Is(err, session.ErrNotWaiting) {
		t.Fatalf("running target %d = %v, want ErrNotWaiting", running, err)
	}
	if _, err := rt.Reply("next", "   "); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("blank text = %v, want ErrNoTarget", err)
	}
	if _, err := rt.Reply("nope", "hello"); err == nil {
		t.Fatal("non-numeric target accepted")
	}
}

func TestRouter_RouteLine(t *testing.T) {
	_, rt, ids := newFixture(t)

	res, err := rt.RouteLine("#3 answer for three")
	if err != nil {
		t.Fatalf("RouteLine inline: %v", err)
	}
	if res.SessionID != ids[2] || res.Text != "answer for three" {
		t.Fatalf("inline routed = %+v", res)
	}

	res, err = rt.RouteLine("plain text goes to the head")
	if err != nil {
		t.Fatalf("RouteLine plain: %v", err)
	}
	if res.SessionID != ids[0] {
		t.Fatalf("plain routed to %d, want %d", res.SessionID, ids[0])
	}

	if _, err := rt.RouteLine("#2"); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("inline with no body = %v, want ErrNoTarget", err)
	}
}
