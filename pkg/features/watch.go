package features

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/freemium/pkg/observability"
)

// Watch reloads path into r whenever it changes, until ctx is done. A file
// that fails to parse is logged and the previous sets stay in effect.
// onReload, when set, runs after every successful reload.
func (r *Registry) Watch(ctx context.Context, path string, logger *observability.Logger, onReload func(*Registry)) error {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files by rename, which drops a watch on the file
	// itself, so watch the directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "feature file watcher")

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				f, err := readFile(abs)
				if err != nil {
					logger.WithError(err).WithField("path", abs).Warn("keeping previous feature sets")
					continue
				}
				r.set(f)
				logger.WithFields(map[string]interface{}{
					"path":         abs,
					"feature_sets": len(f.FeatureSets),
					"plans":        len(f.Plans),
				}).Info("reloaded feature sets")
				if onReload != nil {
					onReload(r)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("feature file watcher error")
			}
		}
	}()
	return nil
}
