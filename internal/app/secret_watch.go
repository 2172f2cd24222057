package app

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"mailpulse/internal/logging"
	"mailpulse/internal/runctx"
	"mailpulse/internal/token"
)

// secretWatcher invalidates the client-credentials cache when the secret
// file changes on disk, so a rotated secret is picked up on the next
// acquisition instead of after the old token expires.
type secretWatcher struct {
	watcher *fsnotify.Watcher
}

func watchSecretFile(ctx context.Context, path string, manager *token.Manager, logger *logging.Logger) (*secretWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and secret managers typically replace
	// the file, which drops a watch placed on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)

	go func() {
		for {
			event, ok := runctx.RecvOrDone(ctx, "secret file watcher", logger, watcher.Events)
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Info("client secret changed on disk, discarding cached token",
				logging.Field("file", target),
				logging.Field("op", event.Op.String()),
			)
			manager.ForceRefresh()
		}
	}()
	go func() {
		for {
			watchErr, ok := runctx.RecvOrDone(ctx, "secret file watch errors", logger, watcher.Errors)
			if !ok {
				return
			}
			logger.Warn("secret file watch error", logging.Field("error", watchErr))
		}
	}()

	logger.Debug("watching client secret file", logging.Field("file", target))
	return &secretWatcher{watcher: watcher}, nil
}

func (w *secretWatcher) Close() {
	if w == nil || w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
}
