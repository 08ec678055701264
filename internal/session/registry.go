package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agidotai/memini/internal/events"
)

// VisibleSlots is the number of dashboard positions (1-9) mapped onto live
// sessions. It is a presentation bound, not a capacity limit: spawns beyond
// it land in the overflow set and are still fully addressable by id.
const VisibleSlots = 9

// Registry exclusively owns every live session and the waiting-input queue.
// A single mutex serializes all mutation so queue membership and session
// state can never disagree; readers get snapshot copies.
type Registry struct {
	mu       sync.Mutex
	nextID   int
	sessions map[int]*session
	order    []int // live sessions in creation order; first nine are visible
	waiting  []int // FIFO queue of ids currently WaitingForInput
	changed  chan struct{}

	bus    *events.EventBus
	logger *slog.Logger
}

// NewRegistry creates an empty registry publishing transitions on bus.
// A nil bus falls back to events.DefaultBus.
func NewRegistry(bus *events.EventBus, logger *slog.Logger) *Registry {
	if bus == nil {
		bus = events.DefaultBus
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[int]*session),
		changed:  make(chan struct{}),
		bus:      bus,
		logger:   logger,
	}
}

// SpawnOption configures a session at spawn time.
type SpawnOption func(*session)

// WithOrigin tags the session's origin.
func WithOrigin(o Origin) SpawnOption {
	return func(s *session) { s.origin = o }
}

// WithRecipe records the recipe name for autopilot-fired sessions.
func WithRecipe(name string) SpawnOption {
	return func(s *session) { s.recipe = name }
}

// WithGroup places the session in a coordination group.
func WithGroup(key string) SpawnOption {
	return func(s *session) { s.groupKey = key }
}

// WithParent links a child session to the session that delegated to it.
func WithParent(id int) SpawnOption {
	return func(s *session) { s.parentID = id }
}

// WithConfig sets the session's capability configuration.
func WithConfig(cfg Config) SpawnOption {
	return func(s *session) { s.config = cfg }
}

// Spawn creates a session for prompt and returns its id. Spawning is never
// rejected for capacity; sessions beyond the ninth live one are simply not
// assigned a visible slot. The new session is Running immediately (the
// Spawned state has no queueing delay) with the prompt as its first turn.
func (r *Registry) Spawn(prompt string, opts ...SpawnOption) int {
	r.mu.Lock()
	r.nextID++
	now := time.Now()
	s := &session{
		id:         r.nextID,
		origin:     OriginInteractive,
		prompt:     prompt,
		state:      StateRunning,
		transcript: []Turn{{Role: RoleUser, Content: prompt, At: now}},
		createdAt:  now,
		updatedAt:  now,
	}
	for _, opt := range opts {
		opt(s)
	}
	r.sessions[s.id] = s
	r.order = append(r.order, s.id)
	id := s.id
	origin := s.origin
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Debug("session spawned", "id", id, "origin", origin)
	r.bus.Publish(events.NewSessionEvent(events.SessionSpawned, id, string(StateRunning), "", ""))
	return id
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id int) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return View{}, false
	}
	return s.view(r.slotLocked(id)), true
}

// List returns snapshots of all live sessions in creation order, with
// visible-slot numbers assigned to the first nine.
func (r *Registry) List() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]View, 0, len(r.order))
	for i, id := range r.order {
		slot := 0
		if i < VisibleSlots {
			slot = i + 1
		}
		out = append(out, r.sessions[id].view(slot))
	}
	return out
}

// Waiting returns the sessions currently blocked on human input, in strict
// enqueue order.
func (r *Registry) Waiting() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]View, 0, len(r.waiting))
	for _, id := range r.waiting {
		out = append(out, r.sessions[id].view(r.slotLocked(id)))
	}
	return out
}

// WaitingIDs returns the waiting queue as ids, in order.
func (r *Registry) WaitingIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.waiting...)
}

// slotLocked computes the visible-slot index (1-9) for id, 0 if overflowed
// or not live. Slots are positional: they are reassigned as earlier sessions
// leave the registry.
func (r *Registry) slotLocked(id int) int {
	for i, other := range r.order {
		if other == id {
			if i < VisibleSlots {
				return i + 1
			}
			return 0
		}
	}
	return 0
}

// MarkWaiting transitions a Running session to WaitingForInput, records the
// pending question, and enqueues it. The bus event is the "attention
// requested" signal presentation layers react to.
func (r *Registry) MarkWaiting(id int, question string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mark waiting %d: %w", id, ErrUnknownSession)
	}
	if s.state != StateRunning {
		state := s.state
		r.mu.Unlock()
		return fmt.Errorf("mark waiting %d from %s: %w", id, state, ErrInvalidTransition)
	}
	if question == "" {
		question = "How would you like me to proceed?"
	}
	s.state = StateWaitingForInput
	s.pendingQuestion = question
	s.updatedAt = time.Now()
	r.waiting = append(r.waiting, id)
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Info("session waiting for input", "id", id, "question", question)
	r.bus.Publish(events.NewSessionEvent(events.SessionWaiting, id, string(StateWaitingForInput), question, ""))
	return nil
}

// Resume transitions a WaitingForInput session back to Running with the
// operator's reply appended as the next turn, and removes it from the queue.
func (r *Registry) Resume(id int, reply string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("resume %d: %w", id, ErrUnknownSession)
	}
	if s.state != StateWaitingForInput {
		r.mu.Unlock()
		return fmt.Errorf("resume %d: %w", id, ErrNotWaiting)
	}
	r.resumeLocked(s, reply)
	r.mu.Unlock()

	r.bus.Publish(events.NewSessionEvent(events.SessionResumed, id, string(StateRunning), "", ""))
	return nil
}

// ResumeNext resumes the head of the waiting queue (the oldest waiter) and
// returns its id.
func (r *Registry) ResumeNext(reply string) (int, error) {
	r.mu.Lock()
	if len(r.waiting) == 0 {
		r.mu.Unlock()
		return 0, ErrQueueEmpty
	}
	id := r.waiting[0]
	s := r.sessions[id]
	r.resumeLocked(s, reply)
	r.mu.Unlock()

	r.bus.Publish(events.NewSessionEvent(events.SessionResumed, id, string(StateRunning), "", ""))
	return id, nil
}

func (r *Registry) resumeLocked(s *session, reply string) {
	s.state = StateRunning
	s.pendingQuestion = ""
	s.transcript = append(s.transcript, Turn{Role: RoleUser, Content: reply, At: time.Now()})
	s.updatedAt = time.Now()
	r.dequeueLocked(s.id)
	r.notifyLocked()
}

// AppendTurn records a transcript turn without changing state. The executor
// uses it for assistant output and aggregated child results.
func (r *Registry) AppendTurn(id int, role, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("append turn %d: %w", id, ErrUnknownSession)
	}
	if s.state.Terminal() {
		return fmt.Errorf("append turn %d: %w", id, ErrTerminal)
	}
	s.transcript = append(s.transcript, Turn{Role: role, Content: content, At: time.Now()})
	s.updatedAt = time.Now()
	return nil
}

// Complete transitions a Running session to Completed with its final result.
func (r *Registry) Complete(id int, result string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("complete %d: %w", id, ErrUnknownSession)
	}
	if s.state != StateRunning {
		state := s.state
		r.mu.Unlock()
		return fmt.Errorf("complete %d from %s: %w", id, state, ErrInvalidTransition)
	}
	s.state = StateCompleted
	s.result = result
	s.transcript = append(s.transcript, Turn{Role: RoleAssistant, Content: result, At: time.Now()})
	s.updatedAt = time.Now()
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Info("session completed", "id", id)
	r.bus.Publish(events.NewSessionEvent(events.SessionCompleted, id, string(StateCompleted), "", ""))
	return nil
}

// Fail transitions a Running or WaitingForInput session to Failed with
// detail. Failure detail is never dropped; it is kept on the session and
// published on the bus.
func (r *Registry) Fail(id int, detail string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("fail %d: %w", id, ErrUnknownSession)
	}
	if s.state.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("fail %d: %w", id, ErrTerminal)
	}
	if detail == "" {
		detail = "unknown failure"
	}
	s.state = StateFailed
	s.failure = detail
	s.pendingQuestion = ""
	s.updatedAt = time.Now()
	r.dequeueLocked(id)
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Warn("session failed", "id", id, "detail", detail)
	r.bus.Publish(events.NewSessionEvent(events.SessionFailed, id, string(StateFailed), "", detail))
	return nil
}

// Cancel transitions any non-terminal session to Cancelled and removes it
// from the waiting queue if present.
func (r *Registry) Cancel(id int) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("cancel %d: %w", id, ErrUnknownSession)
	}
	if s.state.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("cancel %d: %w", id, ErrTerminal)
	}
	s.state = StateCancelled
	s.pendingQuestion = ""
	s.updatedAt = time.Now()
	r.dequeueLocked(id)
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Info("session cancelled", "id", id)
	r.bus.Publish(events.NewSessionEvent(events.SessionCancelled, id, string(StateCancelled), "", ""))
	return nil
}

// Remove deletes a session from the registry, cancelling it first when it is
// still non-terminal. Visible slots above it shift down.
func (r *Registry) Remove(id int) (View, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return View{}, fmt.Errorf("remove %d: %w", id, ErrUnknownSession)
	}
	cancelled := false
	if !s.state.Terminal() {
		s.state = StateCancelled
		s.pendingQuestion = ""
		s.updatedAt = time.Now()
		cancelled = true
	}
	v := s.view(0)
	delete(r.sessions, id)
	r.dequeueLocked(id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.notifyLocked()
	r.mu.Unlock()

	if cancelled {
		r.bus.Publish(events.NewSessionEvent(events.SessionCancelled, id, string(StateCancelled), "", ""))
	}
	return v, nil
}

// AddChildren records delegated child session ids on a parent.
func (r *Registry) AddChildren(parentID int, childIDs ...int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[parentID]
	if !ok {
		return fmt.Errorf("add children to %d: %w", parentID, ErrUnknownSession)
	}
	s.children = append(s.children, childIDs...)
	s.updatedAt = time.Now()
	return nil
}

// dequeueLocked removes id from the waiting queue, preserving the order of
// the remaining entries.
func (r *Registry) dequeueLocked(id int) {
	for i, other := range r.waiting {
		if other == id {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return
		}
	}
}

// notifyLocked wakes all AwaitTerminal waiters after any mutation.
func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// AwaitResume blocks until the session leaves WaitingForInput and returns
// the state it landed in, or ctx's error. A session removed while waiting
// reports ErrUnknownSession.
func (r *Registry) AwaitResume(ctx context.Context, id int) (State, error) {
	for {
		r.mu.Lock()
		s, ok := r.sessions[id]
		if !ok {
			r.mu.Unlock()
			return "", fmt.Errorf("await resume %d: %w", id, ErrUnknownSession)
		}
		state := s.state
		ch := r.changed
		r.mu.Unlock()
		if state != StateWaitingForInput {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ch:
		}
	}
}

// AwaitTerminal blocks until every listed session is terminal (or removed),
// or ctx is done. Parents blocked on delegated children use this rather than
// holding per-session call stacks.
func (r *Registry) AwaitTerminal(ctx context.Context, ids ...int) error {
	for {
		r.mu.Lock()
		done := true
		for _, id := range ids {
			if s, ok := r.sessions[id]; ok && !s.state.Terminal() {
				done = false
				break
			}
		}
		ch := r.changed
		r.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
