package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Run] looks at the file.
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads the config file when it changes and hands every new valid
// configuration to a callback. Changes are picked up by polling in
// [Watcher.Run] or on demand through [Watcher.Reload], e.g. on SIGHUP.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	reloadMu sync.Mutex // serialises Reload
	stamp    fileStamp
	lastErr  string

	mu      sync.Mutex
	current *Config
}

// fileStamp identifies one version of the file.
type fileStamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher for it. onChange runs on the
// goroutine that detected the change.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp
	return w, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done. It always returns nil so it can sit
// in an errgroup next to the assistant.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = w.Reload()
		}
	}
}

// Reload re-reads the file and reports whether the configuration changed.
// An unreadable or invalid file keeps the current configuration; the error
// is logged once per distinct failure.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, w.failed(err)
	}
	if info.Size() == w.stamp.size && info.ModTime().Equal(w.stamp.mtime) {
		return false, nil
	}

	cfg, stamp, err := w.load()
	if err != nil {
		return false, w.failed(err)
	}
	w.lastErr = ""
	sameContent := stamp.sum == w.stamp.sum
	w.stamp = stamp
	if sameContent {
		return false, nil
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) failed(err error) error {
	err = fmt.Errorf("config: reload %s: %w", w.path, err)
	if msg := err.Error(); msg != w.lastErr {
		w.lastErr = msg
		slog.Warn("config reload failed, keeping current configuration", "err", err)
	}
	return err
}

func (w *Watcher) load() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
