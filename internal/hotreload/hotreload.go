// Package hotreload watches a project repository for file changes,
// batches them with a debounce window, optionally re-runs the project's
// validation commands, and records the reload cycle.
package hotreload

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/validator"
	"github.com/jedarden/ringmaster/pkg/config"
	"github.com/jedarden/ringmaster/pkg/models"
)

// Store is the persistence surface the watcher needs.
type Store interface {
	RecordReload(ctx context.Context, r *models.ReloadRecord) error
}

// skipDirs are directory names never watched.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"__pycache__": true, ".venv": true, "dist": true, "build": true,
	"target": true, ".idea": true, ".vscode": true,
}

// Watcher debounces filesystem events into reload cycles.
type Watcher struct {
	store Store
	bus   *eventbus.Bus
	cfg   config.HotReloadConfig

	// validate runs the per-batch check; tests replace it.
	validate func(ctx context.Context, dir string) (bool, string)
}

// New creates a watcher. A zero debounce defaults to 500ms.
func New(store Store, bus *eventbus.Bus, cfg config.HotReloadConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	w := &Watcher{store: store, bus: bus, cfg: cfg}
	w.validate = w.runChecks
	return w
}

// Watch blocks watching dir until ctx is cancelled. Subdirectories are
// watched recursively; new directories created while watching are added.
func (w *Watcher) Watch(ctx context.Context, projectID, dir string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addRecursive(fw, dir); err != nil {
		return err
	}

	var pending []models.FileChange
	timer := time.NewTimer(w.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !interesting(evt) {
				continue
			}
			if evt.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(evt.Name); err == nil && fi.IsDir() {
					// New directories join the watch set.
					addRecursive(fw, evt.Name)
				}
			}
			pending = append(pending, models.FileChange{
				Path:      evt.Name,
				Op:        evt.Op.String(),
				Timestamp: time.Now().UTC(),
			})
			timer.Reset(w.cfg.Debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[HotReload] watch error: %v", err)
		case <-timer.C:
			if len(pending) > 0 {
				w.flush(ctx, projectID, dir, pending)
				pending = nil
			}
		}
	}
}

// flush runs one reload cycle for a batch of changes.
func (w *Watcher) flush(ctx context.Context, projectID, dir string, changes []models.FileChange) {
	start := time.Now()
	success := true
	output := ""
	if w.cfg.RunTests {
		success, output = w.validate(ctx, dir)
	}

	rec := &models.ReloadRecord{
		ID:         "rl-" + uuid.New().String()[:8],
		ProjectID:  projectID,
		Changes:    changes,
		Success:    success,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if w.store != nil {
		if err := w.store.RecordReload(ctx, rec); err != nil {
			log.Printf("[HotReload] cannot record reload: %v", err)
		}
	}
	w.bus.Emit(eventbus.EventSchedulerReload, projectID, map[string]any{
		"reload_id": rec.ID,
		"changes":   len(changes),
		"success":   success,
	})
	log.Printf("[HotReload] %d changes in %s (success=%v)", len(changes), dir, success)
}

// runChecks executes the repo's detected validation commands.
func (w *Watcher) runChecks(ctx context.Context, dir string) (bool, string) {
	cmds := validator.DetectCommands(dir)
	if len(cmds) == 0 {
		return true, ""
	}
	v := validator.New(nil, w.bus, 10*time.Minute)
	res := v.Run(ctx, "", dir, cmds)
	var b strings.Builder
	for _, c := range res.Checks {
		if !c.Passed {
			b.WriteString(c.Name)
			b.WriteString(": ")
			b.WriteString(c.Output)
			b.WriteString("\n")
		}
	}
	return res.Passed, b.String()
}

// interesting filters out chmod noise, editor temp files, and anything in
// a skipped directory.
func interesting(evt fsnotify.Event) bool {
	if evt.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(evt.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(evt.Name), "/") {
		if skipDirs[part] {
			return false
		}
	}
	return true
}

// addRecursive watches dir and every non-skipped subdirectory.
func addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != dir && (skipDirs[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
