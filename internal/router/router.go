// Package router turns operator input lines into registry resume calls. It
// is a pure addressing layer: every state change goes through the registry's
// atomic operations, so routing never races with session transitions.
package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/agidotai/memini/internal/session"
)

// ErrNoTarget is returned when a line carries no routable text.
var ErrNoTarget = errors.New("router: nothing to route")

// Router resolves reply targets against the waiting-input queue.
type Router struct {
	reg *session.Registry
}

// New creates a router over reg.
func New(reg *session.Registry) *Router {
	return &Router{reg: reg}
}

// Result describes where a reply went.
type Result struct {
	SessionID int
	Text      string
}

// Reply delivers text to the session named by target. Target "next" (or "")
// resumes the oldest waiter; a numeric target resumes that exact session and
// fails with the registry's addressing errors when it cannot.
func (r *Router) Reply(target, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrNoTarget
	}
	target = strings.TrimSpace(strings.TrimPrefix(target, "#"))
	if target == "" || target == "next" {
		id, err := r.reg.ResumeNext(text)
		if err != nil {
			return Result{}, err
		}
		return Result{SessionID: id, Text: text}, nil
	}
	id, err := strconv.Atoi(target)
	if err != nil {
		return Result{}, fmt.Errorf("router: bad session id %q", target)
	}
	if err := r.reg.Resume(id, text); err != nil {
		return Result{}, err
	}
	return Result{SessionID: id, Text: text}, nil
}

// ParseInline splits an inline-addressed line of the form "#<id> text" into
// its target and body. ok is false when the line is not inline-addressed,
// including "#notanumber ..." lines, which fall through to normal routing.
func ParseInline(line string) (target, body string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "#") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(line[1:], " ")
	if _, err := strconv.Atoi(head); err != nil {
		return "", "", false
	}
	return head, strings.TrimSpace(rest), true
}

// RouteLine handles free text typed at the console while sessions are
// waiting. Inline-addressed lines go to their named session; anything else
// goes to the queue head. When nothing is waiting it returns ErrQueueEmpty
// so the console can treat the line as a new prompt instead.
func (r *Router) RouteLine(line string) (Result, error) {
	if target, body, ok := ParseInline(line); ok {
		if body == "" {
			return Result{}, ErrNoTarget
		}
		return r.Reply(target, body)
	}
	return r.Reply("next", line)
}
