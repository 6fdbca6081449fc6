package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads a pipeline configuration file when it changes on disk.
type Watcher struct {
	path   string
	logger zerolog.Logger

	// OnChange receives every successfully reloaded config.
	OnChange func(cfg *PipelineConfig)

	// OnError receives reload failures; the previous config stays active.
	OnError func(err error)
}

// NewWatcher creates a watcher for one config file.
func NewWatcher(path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:   path,
		logger: logger.With().Str("component", "config-watcher").Str("path", path).Logger(),
	}
}

// Run watches until the context ends. The file's directory is watched, not
// the file itself, so atomic rename-based saves are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Error().Err(err).Msg("config reload failed, keeping previous config")
			if w.OnError != nil {
				w.OnError(err)
			}
			return
		}
		w.logger.Info().Str("pipeline", cfg.Name).Msg("config reloaded")
		if w.OnChange != nil {
			w.OnChange(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}
