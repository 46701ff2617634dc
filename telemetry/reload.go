package telemetry

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// ConfigHolder serves an atomically-swapped *Config and optionally
// watches the backing file for changes, reloading and validating on
// write/create/rename events (covers editors and atomic tmp+rename
// replacement alike).
type ConfigHolder struct {
	current atomic.Pointer[Config]

	configPath string
	configDir  string
	configFile string

	watcher *fsnotify.Watcher
	log     zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []chan<- *Config
}

// NewConfigHolder loads the initial configuration from configPath (may
// be empty for environment-only configuration) and returns a holder
// ready to serve Current and, if StartWatcher is called, hot-reload.
func NewConfigHolder(configPath string, log zerolog.Logger) (*ConfigHolder, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	h := &ConfigHolder{configPath: configPath, log: log}
	h.current.Store(cfg)
	return h, nil
}

// Current returns the active configuration. Safe for concurrent use.
func (h *ConfigHolder) Current() *Config {
	return h.current.Load()
}

// RegisterListener registers a channel to receive the new config after
// every successful reload. Sends are non-blocking; a full channel drops
// the notification and logs a warning, matching the listener fan-out
// pattern used for reload notifications elsewhere in this stack.
func (h *ConfigHolder) RegisterListener(ch chan<- *Config) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *ConfigHolder) notifyListeners(cfg *Config) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.log.Warn().Str("event", "config.listener_full").Msg("dropping reload notification, listener channel full")
		}
	}
}

// Reload re-reads and validates configPath. On validation failure the
// previously active configuration is kept and the error returned; a
// reload never leaves the holder without a valid config.
func (h *ConfigHolder) Reload() error {
	h.log.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	next, err := Load(h.configPath)
	if err != nil {
		h.log.Error().Err(err).Str("event", "config.reload_failed").Msg("failed to load configuration")
		return err
	}

	h.current.Store(next)
	h.notifyListeners(next)

	h.log.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

// StartWatcher begins watching the config file's directory for changes,
// debouncing bursts of events into a single reload. No-op if configPath
// is empty. The watcher runs until Stop is called.
func (h *ConfigHolder) StartWatcher() error {
	if h.configPath == "" {
		h.log.Info().Str("event", "config.watcher_disabled").Msg("no config file, skipping watcher")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher
	h.configDir = filepath.Dir(h.configPath)
	h.configFile = filepath.Base(h.configPath)

	// Watch the directory, not the file, so atomic replace (tmp+rename)
	// writes are observed even though they change the file's inode.
	if err := watcher.Add(h.configDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	h.log.Info().Str("event", "config.watcher_started").Str("path", h.configPath).Msg("watching config file")
	go h.watchLoop()
	return nil
}

func (h *ConfigHolder) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != h.configFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				if err := h.Reload(); err != nil {
					h.log.Error().Err(err).Str("event", "config.auto_reload_failed").Msg("automatic reload failed")
				}
			})

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the watcher, if running.
func (h *ConfigHolder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
