// Package provider adapts external reasoning models to the orchestrator.
// The executor only ever sees a Reasoner and a Decision; the wire protocol
// and the model's clarification marker are contained here.
package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/agidotai/memini/internal/memory"
	"github.com/agidotai/memini/internal/session"
	"github.com/agidotai/memini/internal/toolsvc"
)

// NeedsInputMarker is the token a model emits at the start of its reply when
// it cannot proceed without the operator. Everything after the marker is the
// question shown in the waiting queue.
const NeedsInputMarker = "[NEEDS_INPUT]"

// Kind classifies the next step a decision asks for.
type Kind string

const (
	// KindFinal carries the session's final answer.
	KindFinal Kind = "final"
	// KindClarify asks the operator a question before continuing.
	KindClarify Kind = "clarify"
	// KindToolCalls requests one or more tool invocations.
	KindToolCalls Kind = "tool_calls"
)

// ToolCall is one requested tool invocation, addressed by composite name.
type ToolCall struct {
	ID   string
	Name string // serverId__toolName
	Args map[string]any
}

// Decision is a reasoner's answer for one turn.
type Decision struct {
	Kind      Kind
	Text      string
	Question  string
	ToolCalls []ToolCall
}

// Request carries everything the reasoner sees for one turn.
type Request struct {
	Transcript []session.Turn
	Tools      []toolsvc.Tool
	Memories   []memory.Entry
	Persona    string
}

// Reasoner produces the next decision for a session.
type Reasoner interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// ErrNotConfigured is returned by Unconfigured for every decision.
var ErrNotConfigured = errors.New("provider: no reasoner configured (set reasoner.api_key)")

// Unconfigured is the Reasoner used when no API key is present. Sessions
// spawned against it fail immediately with a clear message instead of
// hanging.
type Unconfigured struct{}

func (Unconfigured) Decide(context.Context, Request) (Decision, error) {
	return Decision{}, ErrNotConfigured
}

// Classify turns a model's raw text and tool calls into a Decision. Tool
// calls win over text; a reply opening with the needs-input marker becomes a
// clarification with the remainder as the question.
func Classify(text string, calls []ToolCall) Decision {
	if len(calls) > 0 {
		return Decision{Kind: KindToolCalls, Text: strings.TrimSpace(text), ToolCalls: calls}
	}
	trimmed := strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(trimmed, NeedsInputMarker); ok {
		question := strings.TrimSpace(rest)
		if question == "" {
			question = "How would you like me to proceed?"
		}
		return Decision{Kind: KindClarify, Question: question}
	}
	return Decision{Kind: KindFinal, Text: trimmed}
}
