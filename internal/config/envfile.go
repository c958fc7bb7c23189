package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// envReloadDelay coalesces the burst of events an editor save produces.
const envReloadDelay = 100 * time.Millisecond

// EnvFile is a .env file feeding the process environment. Variables set by
// the real environment always win; variables the file set are updated or
// removed when the file changes, so the next request sees the new flags.
type EnvFile struct {
	path string

	mu    sync.Mutex
	owned map[string]bool
}

// NewEnvFile returns an EnvFile for path. An empty path yields a no-op EnvFile.
func NewEnvFile(path string) *EnvFile {
	return &EnvFile{path: path, owned: make(map[string]bool)}
}

// Path returns the file path, empty when no file is configured.
func (f *EnvFile) Path() string { return f.path }

// Load applies the file to the process environment.
func (f *EnvFile) Load() error {
	if f.path == "" {
		return nil
	}
	vals, err := godotenv.Read(f.path)
	if err != nil {
		return fmt.Errorf("config: load env file %s: %w", f.path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for k, v := range vals {
		if _, set := os.LookupEnv(k); set && !f.owned[k] {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("config: set %s: %w", k, err)
		}
		f.owned[k] = true
	}
	for k := range f.owned {
		if _, ok := vals[k]; !ok {
			_ = os.Unsetenv(k)
			delete(f.owned, k)
		}
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx is canceled. The
// parent directory is watched so editors that replace the file on save are
// followed.
func (f *EnvFile) Watch(ctx context.Context, logger *slog.Logger) error {
	if f.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", f.path, err)
	}

	name := filepath.Clean(f.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(envReloadDelay, func() {
				if err := f.Load(); err != nil {
					logger.Error("reloading env file", "path", f.path, "err", err)
					return
				}
				flags := EnvFlags()
				logger.Info("env file reloaded",
					"path", f.path,
					"proxy_all_host", flags.ProxyAllHost,
					"use_xet_transfer", flags.UseXetTransfer,
				)
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("env file watcher", "err", err)
		}
	}
}
