package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agidotai/memini/internal/events"
)

func newTestRegistry() *Registry {
	return NewRegistry(events.NewEventBus(4), nil)
}

func TestRegistry_SpawnAssignsSequentialIDs(t *testing.T) {
	r := newTestRegistry()
	a := r.Spawn("first")
	b := r.Spawn("second")
	if a != 1 || b != 2 {
		t.Fatalf("expected ids 1,2 got %d,%d", a, b)
	}
	v, ok := r.Get(a)
	if !ok {
		t.Fatal("spawned session not found")
	}
	if v.State != StateRunning {
		t.Fatalf("new session state = %s, want %s", v.State, StateRunning)
	}
	if len(v.Transcript) != 1 || v.Transcript[0].Content != "first" {
		t.Fatalf("prompt not recorded as first turn: %+v", v.Transcript)
	}
}

func TestRegistry_SlotsAreCappedAtNine(t *testing.T) {
	r := newTestRegistry()
	var ids []int
	for i := 0; i < 12; i++ {
		ids = append(ids, r.Spawn("work"))
	}
	views := r.List()
	if len(views) != 12 {
		t.Fatalf("List returned %d sessions, want 12", len(views))
	}
	for i, v := range views {
		want := 0
		if i < VisibleSlots {
			want = i + 1
		}
		if v.Slot != want {
			t.Fatalf("session %d slot = %d, want %d", v.ID, v.Slot, want)
		}
	}

	// Removing a visible session promotes an overflowed one.
	if _, err := r.Remove(ids[0]); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	v, _ := r.Get(ids[9])
	if v.Slot != 9 {
		t.Fatalf("after removal, session %d slot = %d, want 9", ids[9], v.Slot)
	}
}

func TestRegistry_PendingQuestionOnlyWhileWaiting(t *testing.T) {
	r := newTestRegistry()
	id := r.Spawn("task")

	if err := r.MarkWaiting(id, "which file?"); err != nil {
		t.Fatalf("MarkWaiting: %v", err)
	}
	v, _ := r.Get(id)
	if v.State != StateWaitingForInput || v.PendingQuestion != "which file?" {
		t.Fatalf("waiting view = %s %q", v.State, v.PendingQuestion)
	}

	if err := r.Resume(id, "main.go"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	v, _ = r.Get(id)
	if v.State != StateRunning {
		t.Fatalf("resumed state = %s", v.State)
	}
	if v.PendingQuestion != "" {
		t.Fatalf("pending question survived resume: %q", v.PendingQuestion)
	}
	last := v.Transcript[len(v.Transcript)-1]
	if last.Role != RoleUser || last.Content != "main.go" {
		t.Fatalf("reply not appended: %+v", last)
	}
}

func TestRegistry_WaitingQueueIsFIFO(t *testing.T) {
	r := newTestRegistry()
	a := r.Spawn("a")
	b := r.Spawn("b")
	c := r.Spawn("c")
	for _, id := range []int{b, a, c} {
		if err := r.MarkWaiting(id, "?"); err != nil {
			t.Fatalf("MarkWaiting(%d): %v", id, err)
		}
	}
	got := r.WaitingIDs()
	want := []int{b, a, c}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue order = %v, want %v", got, want)
		}
	}

	id, err := r.ResumeNext("go ahead")
	if err != nil {
		t.Fatalf("ResumeNext: %v", err)
	}
	if id != b {
		t.Fatalf("ResumeNext resumed %d, want %d", id, b)
	}
	if got := r.WaitingIDs(); len(got) != 2 || got[0] != a || got[1] != c {
		t.Fatalf("queue after ResumeNext = %v", got)
	}
}

func TestRegistry_TargetedResumePreservesOrder(t *testing.T) {
	r := newTestRegistry()
	a := r.Spawn("a")
	b := r.Spawn("b")
	c := r.Spawn("c")
	for _, id := range []int{a, b, c} {
		if err := r.MarkWaiting(id, "?"); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Resume(b, "answer"); err != nil {
		t.Fatalf("Resume(%d): %v", b, err)
	}
	got := r.WaitingIDs()
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Fatalf("queue after targeted resume = %v, want [%d %d]", got, a, c)
	}
}

func TestRegistry_AddressingErrors(t *testing.T) {
	r := newTestRegistry()
	id := r.Spawn("task")

	if err := r.Resume(99, "x"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Resume unknown = %v, want ErrUnknownSession", err)
	}
	if err := r.Resume(id, "x"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("Resume running = %v, want ErrNotWaiting", err)
	}
	if _, err := r.ResumeNext("x"); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("ResumeNext empty = %v, want ErrQueueEmpty", err)
	}
}

func TestRegistry_CancelRemovesFromQueue(t *testing.T) {
	r := newTestRegistry()
	a := r.Spawn("a")
	b := r.Spawn("b")
	if err := r.MarkWaiting(a, "?"); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkWaiting(b, "?"); err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(a); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := r.WaitingIDs(); len(got) != 1 || got[0] != b {
		t.Fatalf("queue after cancel = %v, want [%d]", got, b)
	}
	v, _ := r.Get(a)
	if v.State != StateCancelled || v.PendingQuestion != "" {
		t.Fatalf("cancelled view = %s %q", v.State, v.PendingQuestion)
	}
	if err := r.Cancel(a); !errors.Is(err, ErrTerminal) {
		t.Fatalf("double cancel = %v, want ErrTerminal", err)
	}
}

func TestRegistry_FailDequeuesAndKeepsDetail(t *testing.T) {
	r := newTestRegistry()
	id := r.Spawn("task")
	if err := r.MarkWaiting(id, "?"); err != nil {
		t.Fatal(err)
	}
	if err := r.Fail(id, "provider timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if got := r.WaitingIDs(); len(got) != 0 {
		t.Fatalf("queue after failure = %v", got)
	}
	v, _ := r.Get(id)
	if v.State != StateFailed || v.FailureDetail != "provider timeout" {
		t.Fatalf("failed view = %s %q", v.State, v.FailureDetail)
	}
}

func TestRegistry_CompleteRejectsNonRunning(t *testing.T) {
	r := newTestRegistry()
	id := r.Spawn("task")
	if err := r.MarkWaiting(id, "?"); err != nil {
		t.Fatal(err)
	}
	if err := r.Complete(id, "done"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete while waiting = %v, want ErrInvalidTransition", err)
	}
	if err := r.Resume(id, "ok"); err != nil {
		t.Fatal(err)
	}
	if err := r.Complete(id, "done"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	v, _ := r.Get(id)
	if v.State != StateCompleted || v.Result != "done" {
		t.Fatalf("completed view = %s %q", v.State, v.Result)
	}
}

func TestRegistry_EmitsWaitingEvent(t *testing.T) {
	bus := events.NewEventBus(4)
	r := NewRegistry(bus, nil)
	got := make(chan events.BusEvent, 1)
	unsub := bus.Subscribe(events.SessionWaiting, func(ev events.BusEvent) {
		got <- ev
	})
	defer unsub()

	id := r.Spawn("task")
	if err := r.MarkWaiting(id, "which branch?"); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-got:
		se, ok := ev.(events.SessionEvent)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		if se.SessionID != id || se.Question != "which branch?" {
			t.Fatalf("event = %+v", se)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session.waiting event")
	}
}

func TestRegistry_AwaitTerminal(t *testing.T) {
	r := newTestRegistry()
	a := r.Spawn("a")
	b := r.Spawn("b")
	if err := r.AddChildren(a, b); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- r.AwaitTerminal(ctx, b)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := r.Complete(b, "child result"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitTerminal: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitTerminal did not return after child completion")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.AwaitTerminal(ctx, a); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitTerminal on live session = %v, want deadline exceeded", err)
	}
}

func TestRegistry_ViewsAreSnapshots(t *testing.T) {
	r := newTestRegistry()
	id := r.Spawn("task")
	v, _ := r.Get(id)
	v.Transcript[0].Content = "mutated"
	fresh, _ := r.Get(id)
	if fresh.Transcript[0].Content != "task" {
		t.Fatal("View transcript aliases registry state")
	}
}
