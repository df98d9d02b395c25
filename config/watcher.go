package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent carries a reloaded configuration. It is only delivered for
// content that differs from the last applied file and passes Validate.
type ChangeEvent struct {
	Path     string
	Previous string // hash of the replaced content
	Hash     string
	Config   *Config
	At       time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets how long the file must stay quiet before it is
// reloaded. Defaults to 500ms.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher reloads a config file when it changes on disk. The parent
// directory is watched, so editors that save by renaming over the file and
// Kubernetes ConfigMap symlink swaps are both seen.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	apply    func(ChangeEvent)

	hash string
}

// NewWatcher returns a Watcher for path that calls apply with every accepted
// change. apply runs on the watcher goroutine.
func NewWatcher(path string, apply func(ChangeEvent), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		apply:    apply,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	w.hash = digest(data)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching configuration", "path", w.path)

	var (
		quiet *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if quiet != nil {
			quiet.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Any change in the directory may have replaced the file; the
			// hash check sorts out unrelated writes.
			if quiet == nil {
				quiet = time.NewTimer(w.debounce)
			} else {
				quiet.Reset(w.debounce)
			}
			fire = quiet.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

// reload parses the file when its content changed. A rejected file leaves the
// previous hash in place so that fixing it triggers a reload.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	hash := digest(data)
	if hash == w.hash {
		w.logger.Debug("config unchanged", "path", w.path)
		return
	}
	cfg, err := Parse(data)
	if err != nil {
		w.logger.Error("config rejected, keeping the running configuration", "path", w.path, "error", err)
		return
	}
	ev := ChangeEvent{Path: w.path, Previous: w.hash, Hash: hash, Config: cfg, At: time.Now()}
	w.hash = hash
	w.apply(ev)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
