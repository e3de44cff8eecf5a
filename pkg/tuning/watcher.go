// Package tuning hot-reloads detection thresholds from a YAML file.
package tuning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/config"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
)

// Target receives reloaded thresholds. *detection.Engine and *probe.Probe
// both satisfy it.
type Target interface {
	SetThresholds(th detection.Thresholds)
}

// Parser decodes thresholds file contents.
type Parser func(data []byte) (detection.Thresholds, error)

// Config for the thresholds watcher
type Config struct {
	Path   string
	Parser Parser
}

// Watcher applies the thresholds file to its targets whenever it changes.
type Watcher struct {
	cfg     Config
	log     *logrus.Logger
	watcher *fsnotify.Watcher
	targets []Target

	mu      sync.Mutex
	hash    string
	current detection.Thresholds
	reloads int
}

// New loads the file once, applies it to targets and starts watching its
// directory. Editors that replace the file by rename are handled.
func New(cfg Config, log *logrus.Logger, targets ...Target) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("thresholds path not configured")
	}
	if cfg.Parser == nil {
		cfg.Parser = config.ParseThresholds
	}
	cfg.Path = filepath.Clean(cfg.Path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:     cfg,
		log:     log,
		watcher: watcher,
		targets: targets,
	}
	if _, err := w.Reload(); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(cfg.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(cfg.Path), err)
	}
	return w, nil
}

// Reload re-reads the file and applies it when the contents changed. It
// reports whether new thresholds were applied. On error the previous
// thresholds stay in force. An empty file is a write in progress and is
// skipped once a file has been applied.
func (w *Watcher) Reload() (bool, error) {
	data, err := os.ReadFile(w.cfg.Path)
	if err != nil {
		return false, fmt.Errorf("failed to read thresholds: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if hash == w.hash || (len(data) == 0 && w.hash != "") {
		return false, nil
	}

	th, err := w.cfg.Parser(data)
	if err != nil {
		return false, err
	}
	for _, t := range w.targets {
		t.SetThresholds(th)
	}
	w.hash = hash
	w.current = th
	w.reloads++

	w.log.WithFields(logrus.Fields{
		"path":            w.cfg.Path,
		"canvas_calls":    th.CanvasCalls,
		"storage_ops":     th.StorageOps,
		"pointer_rate":    th.PointerRate,
		"device_accesses": th.DeviceAccesses,
	}).Info("Detection thresholds applied")
	return true, nil
}

// Current returns the thresholds last applied.
func (w *Watcher) Current() detection.Thresholds {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads counts successful applications, including the initial load.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Start watches for changes until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("path", w.cfg.Path).Info("Watching detection thresholds")

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.cfg.Path {
		return
	}

	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if _, err := w.Reload(); err != nil {
			w.log.WithError(err).Warn("Ignoring invalid thresholds file")
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.log.WithField("op", event.Op.String()).Warn("Thresholds file moved away, keeping current values")
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
