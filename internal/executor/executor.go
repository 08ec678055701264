// Package executor drives session turn loops. One goroutine per live
// session runs reason-act cycles until the session reaches a terminal
// state; clarifications park the loop on the registry's waiting queue, and
// tool work is delegated to child sessions when the session is configured
// as a delegator.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agidotai/memini/internal/memory"
	"github.com/agidotai/memini/internal/provider"
	"github.com/agidotai/memini/internal/session"
	"github.com/agidotai/memini/internal/toolsvc"
)

const (
	// DefaultMaxToolLoops bounds reason-act cycles per session.
	DefaultMaxToolLoops = 8
	// DefaultMaxRetries is how many times a failed reasoner call is retried
	// before the session fails.
	DefaultMaxRetries = 2
)

// ErrTooManyLoops marks a session that never converged on an answer.
var ErrTooManyLoops = errors.New("executor: tool loop budget exhausted")

// Executor owns the turn-loop goroutines.
type Executor struct {
	reg      *session.Registry
	reasoner provider.Reasoner
	tools    toolsvc.Invoker
	mem      memory.Store
	logger   *slog.Logger

	maxToolLoops int
	maxRetries   int

	wg sync.WaitGroup
}

// Option customizes an Executor.
type Option func(*Executor)

// WithMaxToolLoops overrides the per-session loop budget.
func WithMaxToolLoops(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxToolLoops = n
		}
	}
}

// WithMaxRetries overrides the reasoner retry budget.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// New creates an executor. tools and mem may be nil for deployments without
// a tool service or memory store.
func New(reg *session.Registry, reasoner provider.Reasoner, tools toolsvc.Invoker, mem memory.Store, logger *slog.Logger, opts ...Option) *Executor {
	if tools == nil {
		tools = toolsvc.Disabled{}
	}
	if mem == nil {
		mem = memory.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		reg:          reg,
		reasoner:     reasoner,
		tools:        tools,
		mem:          mem,
		logger:       logger,
		maxToolLoops: DefaultMaxToolLoops,
		maxRetries:   DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Launch starts the turn loop for a spawned session and returns at once.
func (e *Executor) Launch(ctx context.Context, id int) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, id)
	}()
}

// Wait blocks until every launched session loop has returned.
func (e *Executor) Wait() { e.wg.Wait() }

// run is the full lifecycle of one session. Any error that escapes the loop
// fails the session; the loop itself never panics the process.
func (e *Executor) run(ctx context.Context, id int) {
	v, ok := e.reg.Get(id)
	if !ok {
		return
	}
	if err := e.loop(ctx, id, v); err != nil {
		if failErr := e.reg.Fail(id, err.Error()); failErr != nil {
			// Already terminal (e.g. cancelled mid-loop); nothing to record.
			e.logger.Debug("session already terminal", "id", id, "err", failErr)
		}
	}
}

func (e *Executor) loop(ctx context.Context, id int, v session.View) error {
	memories, err := e.mem.Recall(ctx, v.Prompt, memory.DefaultRecallK)
	if err != nil {
		e.logger.Warn("memory recall failed", "id", id, "err", err)
	}
	var tools []toolsvc.Tool
	if v.Config.ToolCapable() {
		tools, err = e.tools.ListTools(ctx, v.Config.ToolServers)
		if err != nil {
			e.logger.Warn("tool listing failed", "id", id, "err", err)
		}
	}

	for loops := 0; ; loops++ {
		if loops >= e.maxToolLoops {
			return fmt.Errorf("%w after %d cycles", ErrTooManyLoops, loops)
		}
		cur, ok := e.reg.Get(id)
		if !ok {
			return nil
		}
		if cur.State.Terminal() {
			return nil
		}

		decision, err := e.decide(ctx, provider.Request{
			Transcript: cur.Transcript,
			Tools:      tools,
			Memories:   memories,
			Persona:    cur.Config.Persona,
		})
		if err != nil {
			return err
		}

		switch decision.Kind {
		case provider.KindFinal:
			if err := e.reg.Complete(id, decision.Text); err != nil {
				return nil // raced with cancel
			}
			e.commitResult(ctx, cur, decision.Text)
			return nil

		case provider.KindClarify:
			if err := e.reg.MarkWaiting(id, decision.Question); err != nil {
				return nil
			}
			state, err := e.reg.AwaitResume(ctx, id)
			if err != nil {
				return err
			}
			if state.Terminal() {
				return nil
			}

		case provider.KindToolCalls:
			if err := e.act(ctx, id, cur, decision.ToolCalls); err != nil {
				return err
			}

		default:
			return fmt.Errorf("executor: unknown decision kind %q", decision.Kind)
		}
	}
}

// decide calls the reasoner with the retry budget.
func (e *Executor) decide(ctx context.Context, req provider.Request) (provider.Decision, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		decision, err := e.reasoner.Decide(ctx, req)
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return provider.Decision{}, ctx.Err()
		}
		e.logger.Warn("reasoner call failed", "attempt", attempt+1, "err", err)
	}
	return provider.Decision{}, fmt.Errorf("reasoner failed after %d attempts: %w", e.maxRetries+1, lastErr)
}

// act performs the requested tool calls. A delegating session never touches
// the tool service itself: each call becomes a child session and the parent
// blocks until every child is terminal, so its next reasoning turn sees all
// child outcomes, successes and failures alike.
func (e *Executor) act(ctx context.Context, id int, v session.View, calls []provider.ToolCall) error {
	if v.Config.DelegateTools {
		return e.delegate(ctx, id, v, calls)
	}
	for _, call := range calls {
		output, err := toolsvc.CallByName(ctx, e.tools, call.Name, call.Args)
		if err != nil {
			output = fmt.Sprintf("tool %s failed: %v", call.Name, err)
		}
		if err := e.reg.AppendTurn(id, session.RoleTool, fmt.Sprintf("[%s] %s", call.Name, output)); err != nil {
			return nil
		}
	}
	return nil
}

func (e *Executor) delegate(ctx context.Context, id int, v session.View, calls []provider.ToolCall) error {
	childCfg := session.Config{
		DelegateTools: false,
		ToolServers:   append([]string(nil), v.Config.ToolServers...),
		Persona:       v.Config.Persona,
	}
	childIDs := make([]int, 0, len(calls))
	for _, call := range calls {
		childID := e.reg.Spawn(childPrompt(call),
			session.WithOrigin(session.OriginChild),
			session.WithParent(id),
			session.WithConfig(childCfg),
		)
		childIDs = append(childIDs, childID)
		e.Launch(ctx, childID)
	}
	if err := e.reg.AddChildren(id, childIDs...); err != nil {
		return nil
	}
	e.logger.Info("delegated tool work", "parent", id, "children", len(childIDs))

	if err := e.reg.AwaitTerminal(ctx, childIDs...); err != nil {
		return err
	}
	for _, childID := range childIDs {
		child, ok := e.reg.Get(childID)
		var note string
		switch {
		case !ok:
			note = fmt.Sprintf("[child %d] removed before finishing", childID)
		case child.State == session.StateCompleted:
			note = fmt.Sprintf("[child %d] %s", childID, child.Result)
		case child.State == session.StateFailed:
			note = fmt.Sprintf("[child %d] FAILED: %s", childID, child.FailureDetail)
		default:
			note = fmt.Sprintf("[child %d] %s", childID, child.State)
		}
		if err := e.reg.AppendTurn(id, session.RoleTool, note); err != nil {
			return nil
		}
	}
	return nil
}

// childPrompt renders a tool call as a self-contained child task.
func childPrompt(call provider.ToolCall) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run the tool %s", call.Name)
	if len(call.Args) > 0 {
		if raw, err := json.Marshal(call.Args); err == nil {
			fmt.Fprintf(&b, " with arguments %s", raw)
		}
	}
	b.WriteString(" and report the result.")
	return b.String()
}

// commitResult persists a group member's final answer so later sessions can
// recall it.
func (e *Executor) commitResult(ctx context.Context, v session.View, result string) {
	if v.GroupKey == "" {
		return
	}
	key := fmt.Sprintf("agent_result:%s:%d", v.GroupKey, v.ID)
	if err := e.mem.Commit(ctx, key, result); err != nil && !errors.Is(err, memory.ErrUnavailable) {
		e.logger.Warn("memory commit failed", "key", key, "err", err)
	}
}
