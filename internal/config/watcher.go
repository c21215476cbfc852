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

// snapshot is one successfully validated read of the config file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and reports validated edits to a callback.
// Edits that fail to parse or validate are logged and skipped; the last good
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	last snapshot
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path once and fails if it is not a valid config. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.last = snap
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Run polls until ctx is done and then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			old, updated, err := w.poll()
			switch {
			case err != nil:
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			case updated != nil:
				slog.Info("config reloaded", "path", w.path)
				if w.onChange != nil {
					w.onChange(old, updated)
				}
			}
		}
	}
}

// poll returns the previous and new config when the file content changed.
// A touch that leaves the content intact only advances the stored mtime.
func (w *Watcher) poll() (old, updated *Config, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	seen := w.last.mtime
	w.mu.Unlock()
	if info.ModTime().Equal(seen) {
		return nil, nil, nil
	}

	snap, err := readSnapshot(w.path)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if snap.sum == w.last.sum {
		w.last.mtime = snap.mtime
		return nil, nil, nil
	}
	old = w.last.cfg
	w.last = snap
	return old, snap.cfg, nil
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
