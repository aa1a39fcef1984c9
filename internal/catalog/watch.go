package catalog

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce coalesces editor save bursts into one reload.
const debounce = 250 * time.Millisecond

// Watch reloads the catalog whenever a scenario file under dirs changes and
// hands each successfully loaded catalog to onChange. A catalog that fails
// to load is logged and skipped; the previous one stays in effect. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, dirs []string, builtins bool, logger *zap.Logger, onChange func(*Catalog)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, dir := range dirs {
		if err := addTree(w, dir); err != nil {
			return err
		}
	}
	logger.Info("watching scenario directories", zap.Strings("dirs", dirs))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addTree(w, ev.Name)
				}
			}
			if !isScenarioFile(ev.Name) || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			logger.Debug("scenario file changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("scenario watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			c, err := Load(dirs, builtins)
			if err != nil {
				logger.Error("scenario reload failed", zap.Error(err))
				continue
			}
			logger.Info("scenarios reloaded", zap.Int("count", c.Len()))
			onChange(c)
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}
