package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/telemetry"
)

// Watcher observes the projects directory and publishes a scan command when
// a blueprint is edited outside the orchestrator. Bursts of writes to the
// same file (editors save in several syscalls) collapse into one command
// per debounce window.
type Watcher struct {
	dir      string
	debounce time.Duration
	bus      *bus.Bus
	logger   *telemetry.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher over the projects directory dir.
func NewWatcher(dir string, debounce time.Duration, b *bus.Bus, logger *telemetry.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		bus:      b,
		logger:   logger.NewComponentLogger("watcher"),
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.WithField("dir", w.dir).Info("watching blueprint directory")

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			slug := slugFromPath(event.Name)
			if slug == "" {
				continue
			}
			w.schedule(slug)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("filesystem watcher error")
		}
	}
}

// slugFromPath maps a blueprint file path back to its project slug.
// Temporary files from atomic saves are ignored.
func slugFromPath(path string) string {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".yaml") {
		return ""
	}
	return strings.TrimSuffix(name, ".yaml")
}

func (w *Watcher) schedule(slug string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[slug]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.wg.Add(1)
	w.pending[slug] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, slug)
		w.mu.Unlock()
		w.publish(slug)
	})
}

// flush cancels pending timers on shutdown.
func (w *Watcher) flush() {
	w.mu.Lock()
	for slug, timer := range w.pending {
		if timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, slug)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) publish(slug string) {
	cmd := bus.Command{
		RequestID:   uuid.NewString(),
		Kind:        bus.KindScan,
		ProjectSlug: slug,
	}
	if err := bus.PublishCommand(w.bus, cmd); err != nil {
		w.logger.WithProject(slug).WithError(err).Warn("publishing refresh command")
		return
	}
	w.logger.WithProject(slug).WithRequestID(cmd.RequestID).Info("blueprint changed, refresh requested")
}
