// Package confwatch reloads the config file when it changes, without
// requiring a service restart, and hands the validated result to a
// caller-supplied function. workshopd applies the concurrency cap and the
// sweep interval from it; the log level is reported in the reload log line
// but is not applied to the running logger.
package confwatch

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/workshopd/internal/config"
)

// Watcher observes a config file on disk and applies a subset of its
// fields to the running service as they change.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	logger  arbor.ILogger
	applyFn func(*config.Config)
	done    chan struct{}
}

// New creates a Watcher for the config file at path. applyFn receives the
// freshly reloaded config on every observed change; it is the caller's
// responsibility to decide which fields are safe to apply live.
func New(path string, logger arbor.ILogger, applyFn func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:    path,
		fsw:     fsw,
		logger:  logger,
		applyFn: applyFn,
		done:    make(chan struct{}),
	}, nil
}

// Start watches for write events, debouncing rapid successive saves from
// editors that write a file in several operations.
func (w *Watcher) Start() {
	go func() {
		var pending *time.Timer
		for {
			select {
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, w.reload)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				if w.logger != nil {
					w.logger.Warn().Err(err).Msg("config watcher error")
				}
			case <-w.done:
				return
			}
		}
	}()
}

func (w *Watcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn().Err(err).Msg("config reload failed, keeping previous values")
		}
		return
	}
	if err := cfg.Validate(); err != nil {
		if w.logger != nil {
			w.logger.Warn().Err(err).Msg("reloaded config failed validation, ignoring")
		}
		return
	}

	if w.logger != nil {
		w.logger.Info().
			Str("level", cfg.Logging.Level).
			Int("max_concurrent", cfg.Download.MaxConcurrent).
			Int("sweep_interval_minutes", cfg.Download.SweepIntervalMins).
			Msg("config reloaded")
	}

	w.applyFn(cfg)
}

// Stop closes the underlying filesystem watch.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}
