package autopilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of filesystem events into one reload.
// Editors commonly write a recipe file several times per save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the scheduler when recipe files change on disk.
type Watcher struct {
	sched    *Scheduler
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher starts watching the scheduler's recipe directory. The
// directory is created if missing so the watch never fails on first run.
func NewWatcher(sched *Scheduler, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(sched.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating recipe dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(sched.dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", sched.dir, err)
	}

	w := &Watcher{
		sched:    sched,
		dir:      sched.dir,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Stop ends the watch and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
		<-w.done
	})
}

func (w *Watcher) run() {
	defer close(w.done)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isRecipeFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := w.sched.Reload(); err != nil {
				w.logger.Warn("recipe reload failed", "err", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("recipe watch error", "err", err)
		}
	}
}

func isRecipeFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}
