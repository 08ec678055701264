// Package orchestrator wires the session core, executor, coordination,
// autopilot, and external services into one running system. The console
// and the observer API both drive it through this type.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agidotai/memini/internal/autopilot"
	"github.com/agidotai/memini/internal/config"
	"github.com/agidotai/memini/internal/coordination"
	"github.com/agidotai/memini/internal/events"
	"github.com/agidotai/memini/internal/executor"
	"github.com/agidotai/memini/internal/memory"
	"github.com/agidotai/memini/internal/provider"
	"github.com/agidotai/memini/internal/router"
	"github.com/agidotai/memini/internal/serve"
	"github.com/agidotai/memini/internal/session"
	"github.com/agidotai/memini/internal/state"
	"github.com/agidotai/memini/internal/toolsvc"
)

// Orchestrator owns every running subsystem.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	Bus       *events.EventBus
	Registry  *session.Registry
	Router    *router.Router
	Groups    *coordination.Aggregator
	Scheduler *autopilot.Scheduler
	Executor  *executor.Executor

	mem   memory.Store
	tools toolsvc.Invoker
	store *state.Store

	watcher *autopilot.Watcher
	server  *serve.Server

	ctx      context.Context
	cancel   context.CancelFunc
	unsubs   []func()
	groupSeq atomic.Int64
}

// Option customizes orchestrator assembly.
type Option func(*options)

type options struct {
	reasoner provider.Reasoner
}

// WithReasoner overrides the configured reasoner.
func WithReasoner(r provider.Reasoner) Option {
	return func(o *options) { o.reasoner = r }
}

// New assembles an orchestrator from configuration. Optional subsystems
// (tools, memory, history, observer API) degrade to disabled stand-ins
// rather than failing construction; only a broken history database is a
// hard error.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var assembled options
	for _, opt := range opts {
		opt(&assembled)
	}

	bus := events.NewEventBus(16)
	reg := session.NewRegistry(bus, logger)

	reasoner := assembled.reasoner
	if reasoner == nil {
		if cfg.Reasoner.APIKey != "" {
			r, err := provider.NewOpenAIReasoner(cfg.Reasoner.APIKey, cfg.Reasoner.BaseURL, cfg.Reasoner.Model)
			if err != nil {
				return nil, err
			}
			reasoner = r
		} else {
			logger.Warn("no reasoner api key; sessions will fail until one is configured")
			reasoner = provider.Unconfigured{}
		}
	}

	var tools toolsvc.Invoker = toolsvc.Disabled{}
	if cfg.Tools.Enabled {
		tools = toolsvc.NewClient(cfg.Tools.URL)
	}
	var mem memory.Store = memory.Disabled{}
	if cfg.Memory.Enabled {
		mem = memory.NewClient(cfg.Memory.URL)
	}

	var store *state.Store
	if cfg.History.Enabled {
		st, err := state.Open(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		if err := st.Migrate(); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrating history: %w", err)
		}
		store = st
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		Bus:      bus,
		Registry: reg,
		Router:   router.New(reg),
		Groups:   coordination.NewAggregator(reg, bus, logger),
		mem:      mem,
		tools:    tools,
		store:    store,
		ctx:      ctx,
		cancel:   cancel,
	}
	o.Executor = executor.New(reg, reasoner, tools, mem, logger)

	schedOpts := []autopilot.Option{autopilot.WithHistoryKeep(cfg.Autopilot.HistoryKeep)}
	if store != nil {
		schedOpts = append(schedOpts, autopilot.WithStore(store))
	}
	o.Scheduler = autopilot.NewScheduler(cfg.Autopilot.RecipesDir, o, bus, logger, schedOpts...)

	if store != nil {
		o.unsubs = append(o.unsubs, o.subscribeArchiver())
	}
	return o, nil
}

// Start brings up the scheduler, the recipe watcher, and the observer API
// per configuration.
func (o *Orchestrator) Start() error {
	if o.cfg.Autopilot.Autostart {
		if err := o.Scheduler.Load(); err != nil {
			return fmt.Errorf("loading recipes: %w", err)
		}
	}
	if o.cfg.Autopilot.Watch {
		w, err := autopilot.NewWatcher(o.Scheduler, 0, o.logger)
		if err != nil {
			o.logger.Warn("recipe watcher disabled", "err", err)
		} else {
			o.watcher = w
		}
	}
	if o.cfg.Serve.Enabled {
		o.server = serve.New(o.cfg.Serve.Addr, o.Registry, o.Groups, o.Scheduler, o.Bus, o.logger)
		if err := o.server.Start(); err != nil {
			return fmt.Errorf("starting observer api: %w", err)
		}
	}
	return nil
}

// Close shuts every subsystem down and waits for session loops to end.
func (o *Orchestrator) Close() {
	o.cancel()
	if o.watcher != nil {
		o.watcher.Stop()
	}
	o.Scheduler.Close()
	if o.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		o.server.Shutdown(shutdownCtx)
		cancel()
	}
	o.Executor.Wait()
	o.Groups.Close()
	for _, unsub := range o.unsubs {
		unsub()
	}
	if o.store != nil {
		o.store.Close()
	}
}

// sessionConfig is the capability set for operator-spawned sessions: they
// delegate tool work to children rather than running tools themselves.
func (o *Orchestrator) sessionConfig() session.Config {
	return session.Config{
		DelegateTools: o.cfg.Tools.Enabled,
		ToolServers:   append([]string(nil), o.cfg.Tools.Servers...),
	}
}

// Spawn starts an interactive session for prompt and returns its id.
func (o *Orchestrator) Spawn(prompt string) int {
	id := o.Registry.Spawn(prompt,
		session.WithOrigin(session.OriginInteractive),
		session.WithConfig(o.sessionConfig()),
	)
	if err := o.mem.Focus(o.ctx, prompt); err != nil {
		o.logger.Debug("memory focus failed", "err", err)
	}
	o.Executor.Launch(o.ctx, id)
	return id
}

// SpawnGroup starts one session per prompt under a coordination group and
// returns the effective key plus the member ids in spawn order. An empty key
// gets a generated one.
func (o *Orchestrator) SpawnGroup(key string, prompts []string) (string, []int, error) {
	if key == "" {
		key = o.nextGroupKey()
	}
	ids := make([]int, 0, len(prompts))
	for _, prompt := range prompts {
		ids = append(ids, o.Registry.Spawn(prompt,
			session.WithOrigin(session.OriginInteractive),
			session.WithGroup(key),
			session.WithConfig(o.sessionConfig()),
		))
	}
	if err := o.Groups.Create(key, ids); err != nil {
		for _, id := range ids {
			if cancelErr := o.Registry.Cancel(id); cancelErr != nil {
				o.logger.Debug("cancelling group member failed", "id", id, "err", cancelErr)
			}
		}
		return "", nil, err
	}
	for _, id := range ids {
		o.Executor.Launch(o.ctx, id)
	}
	return key, ids, nil
}

// nextGroupKey hands out sequential keys, stepping past any the operator
// already claimed.
func (o *Orchestrator) nextGroupKey() string {
	for {
		key := fmt.Sprintf("group-%d", o.groupSeq.Add(1))
		if !o.Groups.Has(key) {
			return key
		}
	}
}

// RunRecipe implements autopilot.Runner: one recipe occurrence becomes one
// autopilot-origin session, and the call blocks until it is terminal.
func (o *Orchestrator) RunRecipe(ctx context.Context, rec autopilot.Recipe) (int, string, error) {
	cfg := session.Config{
		DelegateTools: o.cfg.Tools.Enabled && len(rec.Tools) > 0,
		ToolServers:   append([]string(nil), rec.Tools...),
		Persona:       rec.Persona,
	}
	id := o.Registry.Spawn(rec.Instructions,
		session.WithOrigin(session.OriginAutopilot),
		session.WithRecipe(rec.Name),
		session.WithConfig(cfg),
	)
	o.Executor.Launch(ctx, id)

	if err := o.Registry.AwaitTerminal(ctx, id); err != nil {
		return id, "", err
	}
	v, ok := o.Registry.Get(id)
	if !ok {
		return id, "", fmt.Errorf("recipe session %d removed before finishing", id)
	}
	switch v.State {
	case session.StateCompleted:
		return id, v.Result, nil
	case session.StateFailed:
		return id, "", fmt.Errorf("recipe session failed: %s", v.FailureDetail)
	default:
		return id, "", fmt.Errorf("recipe session %s", v.State)
	}
}

// subscribeArchiver copies terminal sessions into the history database.
func (o *Orchestrator) subscribeArchiver() func() {
	archive := func(ev events.BusEvent) {
		se, ok := ev.(events.SessionEvent)
		if !ok {
			return
		}
		v, found := o.Registry.Get(se.SessionID)
		if !found {
			return
		}
		rec := &state.ArchivedSession{
			SessionID:  v.ID,
			Origin:     string(v.Origin),
			Recipe:     v.Recipe,
			GroupKey:   v.GroupKey,
			Prompt:     v.Prompt,
			State:      string(v.State),
			Result:     v.Result,
			Failure:    v.FailureDetail,
			CreatedAt:  v.CreatedAt,
			ArchivedAt: time.Now().UTC(),
		}
		if err := o.store.ArchiveSession(rec); err != nil {
			o.logger.Warn("archiving session failed", "id", v.ID, "err", err)
		}
	}
	unsubs := []func(){
		o.Bus.Subscribe(events.SessionCompleted, archive),
		o.Bus.Subscribe(events.SessionFailed, archive),
		o.Bus.Subscribe(events.SessionCancelled, archive),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ArchivedSessions exposes history for the console; empty without a store.
func (o *Orchestrator) ArchivedSessions(limit int) ([]state.ArchivedSession, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.ArchivedSessions(limit)
}

// SplitGroupPrompts parses "p1 | p2 | p3" into member prompts.
func SplitGroupPrompts(raw string) []string {
	parts := strings.Split(raw, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
