// Package coordination implements fan-out groups: a set of sessions spawned
// for one request whose terminal outcomes are synthesized into a single
// deterministic report. The aggregator never blocks member sessions; it
// observes their transitions on the event bus.
package coordination

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agidotai/memini/internal/events"
	"github.com/agidotai/memini/internal/session"
)

// ErrUnknownGroup is returned when a key was never registered.
var ErrUnknownGroup = errors.New("coordination: unknown group")

// ErrDuplicateGroup is returned when a key is registered twice.
var ErrDuplicateGroup = errors.New("coordination: group already exists")

// Status of a group's aggregation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

// Outcome is one member's contribution to the report.
type Outcome struct {
	SessionID int           `json:"session_id"`
	State     session.State `json:"state"`
	Result    string        `json:"result,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// Report is the aggregated view of a group. Outcomes are ordered by spawn
// order regardless of completion order, so the same inputs always produce
// the same report.
type Report struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Members   []int     `json:"members"`
	Remaining int       `json:"remaining"`
	Outcomes  []Outcome `json:"outcomes,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type group struct {
	key       string
	members   []int // spawn order
	createdAt time.Time
	done      bool
}

// Aggregator tracks coordination groups against the session registry.
type Aggregator struct {
	mu     sync.Mutex
	groups map[string]*group

	reg    *session.Registry
	bus    *events.EventBus
	logger *slog.Logger
	unsubs []func()
}

// NewAggregator creates an aggregator watching reg through bus. It
// subscribes to every terminal transition so group completion is detected
// without polling.
func NewAggregator(reg *session.Registry, bus *events.EventBus, logger *slog.Logger) *Aggregator {
	if bus == nil {
		bus = events.DefaultBus
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		groups: make(map[string]*group),
		reg:    reg,
		bus:    bus,
		logger: logger,
	}
	for _, evType := range []string{events.SessionCompleted, events.SessionFailed, events.SessionCancelled} {
		a.unsubs = append(a.unsubs, bus.Subscribe(evType, a.onTerminal))
	}
	return a
}

// Close detaches the aggregator from the bus.
func (a *Aggregator) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}
}

// Create registers a group with its member sessions in spawn order. A group
// with no members is complete from the start and announced immediately.
func (a *Aggregator) Create(key string, members []int) error {
	a.mu.Lock()
	if _, exists := a.groups[key]; exists {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateGroup, key)
	}
	g := &group{
		key:       key,
		members:   append([]int(nil), members...),
		createdAt: time.Now(),
	}
	a.groups[key] = g
	empty := len(members) == 0
	if empty {
		g.done = true
	}
	a.mu.Unlock()

	a.logger.Info("coordination group created", "key", key, "members", len(members))
	if empty {
		a.bus.Publish(events.NewGroupEvent(events.GroupCompleted, key, 0))
	}
	return nil
}

// Has reports whether key names a registered group.
func (a *Aggregator) Has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.groups[key]
	return ok
}

// Keys returns the registered group keys, sorted.
func (a *Aggregator) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.groups))
	for k := range a.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Collect returns the group's report. While members are still live the
// report is Pending with the remaining count; once every member is terminal
// it carries the per-member outcomes and the synthesized summary.
func (a *Aggregator) Collect(key string) (Report, error) {
	a.mu.Lock()
	g, ok := a.groups[key]
	if !ok {
		a.mu.Unlock()
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownGroup, key)
	}
	members := append([]int(nil), g.members...)
	createdAt := g.createdAt
	a.mu.Unlock()

	rep := Report{
		Key:       key,
		Status:    StatusComplete,
		Members:   members,
		CreatedAt: createdAt,
	}
	for _, id := range members {
		v, found := a.reg.Get(id)
		if !found {
			// Removed before aggregation; surface it rather than dropping.
			rep.Outcomes = append(rep.Outcomes, Outcome{
				SessionID: id,
				State:     session.StateCancelled,
				Detail:    "session removed before aggregation",
			})
			continue
		}
		if !v.State.Terminal() {
			rep.Status = StatusPending
			rep.Remaining++
			continue
		}
		rep.Outcomes = append(rep.Outcomes, Outcome{
			SessionID: id,
			State:     v.State,
			Result:    v.Result,
			Detail:    v.FailureDetail,
		})
	}
	if rep.Status == StatusPending {
		rep.Outcomes = nil
		return rep, nil
	}
	rep.Summary = Synthesize(key, rep.Outcomes)
	return rep, nil
}

// onTerminal checks whether the finished session completes any group.
func (a *Aggregator) onTerminal(ev events.BusEvent) {
	se, ok := ev.(events.SessionEvent)
	if !ok {
		return
	}
	a.mu.Lock()
	var finished []string
	for key, g := range a.groups {
		if g.done || !contains(g.members, se.SessionID) {
			continue
		}
		if a.allTerminalLocked(g) {
			g.done = true
			finished = append(finished, key)
		}
	}
	a.mu.Unlock()

	sort.Strings(finished)
	for _, key := range finished {
		a.mu.Lock()
		members := len(a.groups[key].members)
		a.mu.Unlock()
		a.logger.Info("coordination group complete", "key", key, "members", members)
		a.bus.Publish(events.NewGroupEvent(events.GroupCompleted, key, members))
	}
}

func (a *Aggregator) allTerminalLocked(g *group) bool {
	for _, id := range g.members {
		if v, ok := a.reg.Get(id); ok && !v.State.Terminal() {
			return false
		}
	}
	return true
}

func contains(ids []int, id int) bool {
	for _, other := range ids {
		if other == id {
			return true
		}
	}
	return false
}

// Synthesize renders the final report text. Successful results are joined
// in spawn order; failed and cancelled members become explicit notes so a
// partial fan-out never masquerades as a clean one.
func Synthesize(key string, outcomes []Outcome) string {
	if len(outcomes) == 0 {
		return fmt.Sprintf("Group %s completed with no member sessions.", key)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Group %s report (%d sessions):\n", key, len(outcomes))
	for _, o := range outcomes {
		switch o.State {
		case session.StateCompleted:
			fmt.Fprintf(&b, "\n[session %d]\n%s\n", o.SessionID, strings.TrimSpace(o.Result))
		case session.StateFailed:
			detail := o.Detail
			if detail == "" {
				detail = "no detail recorded"
			}
			fmt.Fprintf(&b, "\n[session %d] FAILED: %s\n", o.SessionID, detail)
		default:
			note := o.Detail
			if note == "" {
				note = "cancelled before producing a result"
			}
			fmt.Fprintf(&b, "\n[session %d] %s: %s\n", o.SessionID, strings.ToUpper(string(o.State)), note)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
