package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/agidotai/memini/internal/events"
	"github.com/agidotai/memini/internal/state"
)

const (
	// DefaultHistoryKeep is how many runs are retained per recipe.
	DefaultHistoryKeep = 20
	// DefaultTriggerCooldown throttles event-triggered firings per recipe.
	DefaultTriggerCooldown = 5 * time.Second
)

// Run outcome statuses.
const (
	RunStatusOK      = "ok"
	RunStatusFailed  = "failed"
	RunStatusSkipped = "skipped"
)

// ErrUnknownRecipe is returned for operations on unregistered recipes.
var ErrUnknownRecipe = errors.New("autopilot: unknown recipe")

// ErrRecipeExists is returned when creating over an existing recipe.
var ErrRecipeExists = errors.New("autopilot: recipe already exists")

// Runner executes one recipe occurrence and blocks until the spawned
// session is terminal.
type Runner interface {
	RunRecipe(ctx context.Context, rec Recipe) (sessionID int, result string, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, rec Recipe) (int, string, error)

func (f RunnerFunc) RunRecipe(ctx context.Context, rec Recipe) (int, string, error) {
	return f(ctx, rec)
}

type managed struct {
	recipe      Recipe
	active      bool // timer loop running
	inFlight    bool
	stopCh      chan struct{}
	wake        chan string
	lastTrigger time.Time
	history     []state.TaskRun // newest first
}

// RecipeStatus is the listing view of one managed recipe.
type RecipeStatus struct {
	Name         string     `json:"name"`
	IntervalSecs int        `json:"interval_secs"`
	Enabled      bool       `json:"enabled"`
	InFlight     bool       `json:"in_flight"`
	Runs         int        `json:"runs"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
}

// Scheduler owns the recipe directory and the per-recipe timer loops.
type Scheduler struct {
	mu      sync.Mutex
	recipes map[string]*managed

	// fsMu serializes directory scans against operations that touch recipe
	// files, so a Reload scan can never interleave with a Create, Remove,
	// Scaffold, Start, or Stop and drop a recipe from the mapping.
	fsMu sync.Mutex

	dir         string
	runner      Runner
	store       *state.Store
	bus         *events.EventBus
	emit        *events.Emitter
	logger      *slog.Logger
	historyKeep int
	cooldown    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithStore persists run history in store.
func WithStore(st *state.Store) Option {
	return func(s *Scheduler) { s.store = st }
}

// WithHistoryKeep overrides the per-recipe history retention.
func WithHistoryKeep(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.historyKeep = n
		}
	}
}

// WithTriggerCooldown overrides the event-trigger throttle.
func WithTriggerCooldown(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// NewScheduler creates a scheduler over the recipe directory dir. Nothing
// runs until Load.
func NewScheduler(dir string, runner Runner, bus *events.EventBus, logger *slog.Logger, opts ...Option) *Scheduler {
	if bus == nil {
		bus = events.DefaultBus
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		recipes:     make(map[string]*managed),
		dir:         dir,
		runner:      runner,
		bus:         bus,
		logger:      logger,
		historyKeep: DefaultHistoryKeep,
		cooldown:    DefaultTriggerCooldown,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	// Timer loops publish through an emitter so a slow subscriber can never
	// stall a firing.
	s.emit = events.NewEmitter(bus, 64, logger)
	s.unsub = bus.SubscribeAll(s.onBusEvent)
	return s
}

// Close stops every loop and detaches from the bus.
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	for _, m := range s.recipes {
		s.stopLocked(m)
	}
	s.mu.Unlock()
	s.wg.Wait()
	if s.unsub != nil {
		s.unsub()
	}
	s.emit.Close()
}

// Load reads the recipe directory and starts every enabled recipe. It is
// the initial form of Reload.
func (s *Scheduler) Load() error {
	_, err := s.Reload()
	return err
}

// ReloadResult summarizes one directory reconciliation.
type ReloadResult struct {
	Added   []string `json:"added,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Reload reconciles the registry against the recipe directory: new files
// are registered, changed files replace their definitions, and recipes
// whose files are gone are stopped and dropped. Run history survives an
// update but not a removal.
func (s *Scheduler) Reload() (ReloadResult, error) {
	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	loaded, err := LoadDir(s.dir, func(path string, err error) {
		s.logger.Warn("skipping unreadable recipe", "path", path, "err", err)
	})
	if err != nil {
		return ReloadResult{}, err
	}

	var res ReloadResult
	onDisk := make(map[string]Recipe, len(loaded))
	for _, r := range loaded {
		onDisk[r.Name] = r
	}

	s.mu.Lock()
	for name, rec := range onDisk {
		m, exists := s.recipes[name]
		if !exists {
			m = &managed{recipe: rec}
			s.recipes[name] = m
			if rec.Enabled {
				s.startLocked(name, m)
			}
			res.Added = append(res.Added, name)
			continue
		}
		if recipeEqual(m.recipe, rec) {
			continue
		}
		restart := m.active && (m.recipe.IntervalSecs != rec.IntervalSecs || !rec.Enabled)
		m.recipe = rec
		if restart {
			s.stopLocked(m)
		}
		if rec.Enabled && !m.active {
			s.startLocked(name, m)
		}
		res.Updated = append(res.Updated, name)
	}
	for name, m := range s.recipes {
		if _, stillThere := onDisk[name]; stillThere {
			continue
		}
		s.stopLocked(m)
		delete(s.recipes, name)
		res.Removed = append(res.Removed, name)
	}
	s.mu.Unlock()

	sort.Strings(res.Added)
	sort.Strings(res.Updated)
	sort.Strings(res.Removed)
	s.logger.Info("recipes reloaded", "added", len(res.Added), "updated", len(res.Updated), "removed", len(res.Removed))
	s.emit.Emit(events.NewAutopilotEvent(events.AutopilotReload, "", 0,
		fmt.Sprintf("added=%d updated=%d removed=%d", len(res.Added), len(res.Updated), len(res.Removed))))
	return res, nil
}

func recipeEqual(a, b Recipe) bool {
	if a.Name != b.Name || a.IntervalSecs != b.IntervalSecs || a.Instructions != b.Instructions ||
		a.Persona != b.Persona || a.Enabled != b.Enabled ||
		len(a.Tools) != len(b.Tools) || len(a.TriggerEvents) != len(b.TriggerEvents) {
		return false
	}
	for i := range a.Tools {
		if a.Tools[i] != b.Tools[i] {
			return false
		}
	}
	for i := range a.TriggerEvents {
		if a.TriggerEvents[i] != b.TriggerEvents[i] {
			return false
		}
	}
	return true
}

// Start enables a recipe's timer loop and persists the enabled flag so a
// later reload does not flip it back.
func (s *Scheduler) Start(name string) error {
	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	s.mu.Lock()
	m, ok := s.recipes[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRecipe, name)
	}
	m.recipe.Enabled = true
	rec := m.recipe
	if !m.active {
		s.startLocked(name, m)
	}
	s.mu.Unlock()

	if _, err := SaveRecipeFile(s.dir, rec); err != nil {
		return err
	}
	s.logger.Info("recipe started", "recipe", name)
	return nil
}

// Stop disables a recipe's timer loop. In-flight runs finish; only future
// firings stop.
func (s *Scheduler) Stop(name string) error {
	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	s.mu.Lock()
	m, ok := s.recipes[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRecipe, name)
	}
	m.recipe.Enabled = false
	rec := m.recipe
	s.stopLocked(m)
	s.mu.Unlock()

	if _, err := SaveRecipeFile(s.dir, rec); err != nil {
		return err
	}
	s.logger.Info("recipe stopped", "recipe", name)
	return nil
}

// Run fires a recipe immediately, regardless of whether its timer loop is
// running, and blocks until the occurrence is recorded. An in-flight run
// makes this occurrence a recorded skip, never a second concurrent run.
func (s *Scheduler) Run(name string) (state.TaskRun, error) {
	s.mu.Lock()
	_, ok := s.recipes[name]
	s.mu.Unlock()
	if !ok {
		return state.TaskRun{}, fmt.Errorf("%w: %s", ErrUnknownRecipe, name)
	}
	return s.fire(name, "manual"), nil
}

// Create writes a new recipe file, registers it, and starts its loop.
func (s *Scheduler) Create(name string, intervalSecs int, instructions string) (Recipe, error) {
	rec := Recipe{
		Name:         name,
		IntervalSecs: intervalSecs,
		Instructions: instructions,
		Enabled:      true,
	}
	if err := rec.Validate(); err != nil {
		return Recipe{}, err
	}

	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	s.mu.Lock()
	if _, exists := s.recipes[name]; exists {
		s.mu.Unlock()
		return Recipe{}, fmt.Errorf("%w: %s", ErrRecipeExists, name)
	}
	m := &managed{recipe: rec}
	s.recipes[name] = m
	s.startLocked(name, m)
	s.mu.Unlock()

	if _, err := SaveRecipeFile(s.dir, rec); err != nil {
		s.mu.Lock()
		s.stopLocked(m)
		delete(s.recipes, name)
		s.mu.Unlock()
		return Recipe{}, err
	}
	s.logger.Info("recipe created", "recipe", name, "interval_secs", intervalSecs)
	return rec, nil
}

// Remove stops a recipe and deletes its file.
func (s *Scheduler) Remove(name string) error {
	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	s.mu.Lock()
	m, ok := s.recipes[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRecipe, name)
	}
	s.stopLocked(m)
	delete(s.recipes, name)
	s.mu.Unlock()

	if err := os.Remove(RecipePath(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing recipe file: %w", err)
	}
	s.logger.Info("recipe removed", "recipe", name)
	return nil
}

// Scaffold instantiates a builtin template as a new recipe: the file is
// written and the timer loop starts immediately.
func (s *Scheduler) Scaffold(templateName, name string) (Recipe, error) {
	tpl, ok := FindTemplate(templateName)
	if !ok {
		return Recipe{}, fmt.Errorf("autopilot: unknown template %q", templateName)
	}
	rec := tpl.Recipe
	if name != "" {
		rec.Name = name
	}
	rec.Enabled = true
	if err := rec.Validate(); err != nil {
		return Recipe{}, err
	}

	s.fsMu.Lock()
	defer s.fsMu.Unlock()

	s.mu.Lock()
	if _, exists := s.recipes[rec.Name]; exists {
		s.mu.Unlock()
		return Recipe{}, fmt.Errorf("%w: %s", ErrRecipeExists, rec.Name)
	}
	m := &managed{recipe: rec}
	s.recipes[rec.Name] = m
	s.startLocked(rec.Name, m)
	s.mu.Unlock()

	if _, err := SaveRecipeFile(s.dir, rec); err != nil {
		s.mu.Lock()
		s.stopLocked(m)
		delete(s.recipes, rec.Name)
		s.mu.Unlock()
		return Recipe{}, err
	}
	s.logger.Info("recipe scaffolded", "template", templateName, "recipe", rec.Name)
	return rec, nil
}

// Get returns a recipe definition by name.
func (s *Scheduler) Get(name string) (Recipe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.recipes[name]
	if !ok {
		return Recipe{}, false
	}
	return m.recipe, true
}

// Status lists every managed recipe, sorted by name.
func (s *Scheduler) Status() []RecipeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecipeStatus, 0, len(s.recipes))
	for name, m := range s.recipes {
		st := RecipeStatus{
			Name:         name,
			IntervalSecs: m.recipe.IntervalSecs,
			Enabled:      m.recipe.Enabled,
			InFlight:     m.inFlight,
			Runs:         len(m.history),
		}
		if len(m.history) > 0 {
			st.LastStatus = m.history[0].Status
			t := m.history[0].StartedAt
			st.LastRunAt = &t
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Results returns recorded runs newest first: one recipe's ring by name, or
// runs across every recipe when name is empty. With a store attached history
// survives restarts; without one it is the in-memory ring.
func (s *Scheduler) Results(name string) ([]state.TaskRun, error) {
	if name == "" {
		if s.store != nil {
			return s.store.TaskRuns("", s.historyKeep)
		}
		s.mu.Lock()
		var all []state.TaskRun
		for _, m := range s.recipes {
			all = append(all, m.history...)
		}
		s.mu.Unlock()
		sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
		if len(all) > s.historyKeep {
			all = all[:s.historyKeep]
		}
		return all, nil
	}

	s.mu.Lock()
	m, ok := s.recipes[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipe, name)
	}
	ring := append([]state.TaskRun(nil), m.history...)
	s.mu.Unlock()

	if s.store != nil {
		return s.store.TaskRuns(name, s.historyKeep)
	}
	return ring, nil
}

// startLocked launches the timer loop for m. Caller holds s.mu.
func (s *Scheduler) startLocked(name string, m *managed) {
	if m.active {
		return
	}
	m.active = true
	m.stopCh = make(chan struct{})
	m.wake = make(chan string, 1)
	s.wg.Add(1)
	go s.loop(name, m.recipe.Interval(), m.stopCh, m.wake)
}

// stopLocked halts the timer loop for m. Caller holds s.mu.
func (s *Scheduler) stopLocked(m *managed) {
	if !m.active {
		return
	}
	m.active = false
	close(m.stopCh)
}

func (s *Scheduler) loop(name string, interval time.Duration, stopCh chan struct{}, wake chan string) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.fire(name, "interval")
		case reason := <-wake:
			s.fire(name, reason)
		}
	}
}

// fire runs one occurrence of a recipe and records it. Overlapping
// occurrences become skipped runs so the schedule's history shows every
// intended firing.
func (s *Scheduler) fire(name, reason string) state.TaskRun {
	now := time.Now().UTC()

	s.mu.Lock()
	m, ok := s.recipes[name]
	if !ok {
		s.mu.Unlock()
		return state.TaskRun{}
	}
	if m.inFlight {
		run := state.TaskRun{
			Recipe:     name,
			Status:     RunStatusSkipped,
			Detail:     "previous run still in progress (" + reason + ")",
			StartedAt:  now,
			FinishedAt: &now,
		}
		s.recordLocked(m, run)
		s.mu.Unlock()
		s.persist(run)
		s.logger.Warn("recipe run skipped", "recipe", name, "reason", reason)
		s.emit.Emit(events.NewAutopilotEvent(events.AutopilotSkip, name, 0, run.Detail))
		return run
	}
	m.inFlight = true
	rec := m.recipe
	s.mu.Unlock()

	s.logger.Info("recipe run starting", "recipe", name, "reason", reason)
	sessionID, result, err := s.runner.RunRecipe(s.ctx, rec)
	finished := time.Now().UTC()

	run := state.TaskRun{
		Recipe:     name,
		SessionID:  sessionID,
		StartedAt:  now,
		FinishedAt: &finished,
	}
	if err != nil {
		run.Status = RunStatusFailed
		run.Detail = err.Error()
	} else {
		run.Status = RunStatusOK
		run.Result = result
	}

	s.mu.Lock()
	if m, ok := s.recipes[name]; ok {
		m.inFlight = false
		s.recordLocked(m, run)
	}
	s.mu.Unlock()

	s.persist(run)
	s.emit.Emit(events.NewAutopilotEvent(events.AutopilotRun, name, sessionID, run.Status))
	return run
}

// recordLocked prepends run to m's history ring. Caller holds s.mu.
func (s *Scheduler) recordLocked(m *managed, run state.TaskRun) {
	m.history = append([]state.TaskRun{run}, m.history...)
	if len(m.history) > s.historyKeep {
		m.history = m.history[:s.historyKeep]
	}
}

func (s *Scheduler) persist(run state.TaskRun) {
	if s.store == nil {
		return
	}
	if _, err := s.store.RecordTaskRun(&run); err != nil {
		s.logger.Warn("persisting task run failed", "recipe", run.Recipe, "err", err)
		return
	}
	if err := s.store.PruneTaskRuns(run.Recipe, s.historyKeep); err != nil {
		s.logger.Warn("pruning task runs failed", "recipe", run.Recipe, "err", err)
	}
}

// onBusEvent wakes recipes whose trigger list matches the event type. A
// per-recipe cooldown keeps a noisy bus from turning triggers into a busy
// loop.
func (s *Scheduler) onBusEvent(ev events.BusEvent) {
	evType := ev.EventType()
	now := time.Now()

	s.mu.Lock()
	var woken []string
	for name, m := range s.recipes {
		if !m.active || !containsString(m.recipe.TriggerEvents, evType) {
			continue
		}
		if now.Sub(m.lastTrigger) < s.cooldown {
			continue
		}
		m.lastTrigger = now
		select {
		case m.wake <- "trigger:" + evType:
			woken = append(woken, name)
		default:
			// wake already pending
		}
	}
	s.mu.Unlock()

	for _, name := range woken {
		s.logger.Debug("recipe triggered", "recipe", name, "event", evType)
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
