package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/svcfields"
)

// DefaultDebounce coalesces bursts of filesystem events from editors and
// config management tools.
const DefaultDebounce = 250 * time.Millisecond

// Submitter receives the Configure messages produced by a Watcher.
type Submitter interface {
	Submit(ctx context.Context, msg message.Inbound) error
}

// WatcherConfig configures NewWatcher.
type WatcherConfig struct {
	Path     string
	Logger   pslog.Logger
	Debounce time.Duration
	// Initial is the configuration already applied; identical reloads are
	// not submitted.
	Initial []message.ResourceConfig
}

// Watcher reloads a resource configuration file when it changes and submits
// the result as message.Configure.
type Watcher struct {
	path     string
	logger   pslog.Logger
	debounce time.Duration
	current  []message.ResourceConfig
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the directory holding cfg.Path so that atomic renames
// are seen as well as in-place writes.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config: watch path required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", cfg.Path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     path,
		logger:   svcfields.WithSubsystem(logger, svcfields.Watch).With("path", path),
		debounce: debounce,
		current:  slices.Clone(cfg.Initial),
		watcher:  fw,
	}, nil
}

// Run delivers reloads to sub until ctx is cancelled. Invalid documents are
// logged and ignored; the previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context, sub Submitter) error {
	defer w.watcher.Close()
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending = true
			stopTimer()
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config.watch.error", "error", err)
		case <-timerC:
			timerC = nil
			if !pending {
				continue
			}
			pending = false
			if err := w.reload(ctx, sub); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) reload(ctx context.Context, sub Submitter) error {
	resources, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config.reload.rejected", "error", err)
		return nil
	}
	// A truncated file seen mid-write must not scale everything to zero.
	if len(resources) == 0 && len(w.current) > 0 {
		w.logger.Warn("config.reload.empty_ignored", "previous", len(w.current))
		return nil
	}
	if slices.Equal(resources, w.current) {
		w.logger.Debug("config.reload.unchanged", "resources", len(resources))
		return nil
	}
	if err := sub.Submit(ctx, message.Configure{Resources: resources}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("config: submit reload: %w", err)
	}
	w.current = resources
	w.logger.Info("config.reload.applied", "resources", len(resources))
	return nil
}
