package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ReadKeyFile returns the trimmed contents of an API key file.
func ReadKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("credential: reading API key file: %w", err)
	}

	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("credential: API key file %s is empty", path)
	}

	return key, nil
}

// WatchKeyFile loads the API key from path and reloads it whenever the file
// changes, invalidating the cached credential on every real change. It
// blocks until ctx is canceled. The parent directory is watched so that
// editors and secret managers that replace the file by rename are seen.
func (m *Manager) WatchKeyFile(ctx context.Context, path string) error {
	key, err := ReadKeyFile(path)
	if err != nil {
		return err
	}

	m.SetAPIKey(key)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential: creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("credential: watching %s: %w", filepath.Dir(path), err)
	}

	name := filepath.Clean(path)

	m.logger.Info("watching API key file", slog.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}

			m.reloadKey(path)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			m.logger.Warn("API key watcher error", slog.String("error", werr.Error()))
		}
	}
}

// reloadKey re-reads path. A missing or empty file keeps the current key;
// a rename-then-create sequence produces a later event with the new file.
func (m *Manager) reloadKey(path string) {
	key, err := ReadKeyFile(path)
	if err != nil {
		m.logger.Warn("API key file unreadable, keeping current key",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	m.SetAPIKey(key)
}
