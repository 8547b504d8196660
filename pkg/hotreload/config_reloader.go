// Package hotreload watches the configuration file and reapplies dynamic
// settings without a restart. A reload that fails to load, validate, or
// apply keeps the previous configuration active.
package hotreload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"ontogate/internal/config"
	"ontogate/pkg/types"
)

const (
	defaultDebounce = 500 * time.Millisecond

	// Editors that replace files via rename can slip past inotify, so a
	// slow hash comparison backs the watcher up.
	hashCheckInterval = 30 * time.Second
)

// ConfigReloader watches the config file and reloads it on change.
type ConfigReloader struct {
	cfg        types.HotReloadConfig
	logger     *logrus.Logger
	configFile string
	debounce   time.Duration

	watcher     *fsnotify.Watcher
	currentHash string

	onConfigChanged func(previous, updated *types.Config) error
	onReloadSuccess func(*types.Config)
	onReloadError   func(error)

	currentConfig atomic.Value // *types.Config

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

// Stats tracks reload outcomes for the admin stats endpoint.
type Stats struct {
	TotalReloads      int64     `json:"total_reloads"`
	SuccessfulReloads int64     `json:"successful_reloads"`
	FailedReloads     int64     `json:"failed_reloads"`
	LastReloadTime    time.Time `json:"last_reload_time"`
	LastSuccessTime   time.Time `json:"last_success_time"`
	LastError         string    `json:"last_error,omitempty"`
	ConfigVersion     string    `json:"config_version"`
	IsWatching        bool      `json:"is_watching"`
}

// NewConfigReloader creates a reloader for the given config file. When
// disabled no watcher is created and Start is a no-op.
func NewConfigReloader(cfg types.HotReloadConfig, configFile string, logger *logrus.Logger) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Path != "" {
		configFile = cfg.Path
	}

	if !cfg.Enabled {
		return &ConfigReloader{
			cfg:        cfg,
			logger:     logger,
			configFile: configFile,
		}, nil
	}

	absPath, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	debounce := defaultDebounce
	if cfg.DebounceMs > 0 {
		debounce = time.Duration(cfg.DebounceMs) * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	cr := &ConfigReloader{
		cfg:        cfg,
		logger:     logger,
		configFile: absPath,
		debounce:   debounce,
		watcher:    watcher,
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := cr.updateConfigHash(); err != nil {
		logger.WithError(err).Warn("Failed to calculate initial config hash")
	}

	return cr, nil
}

// SetCallbacks registers the reload hooks. onChanged applies the new
// configuration and may reject it; onSuccess and onError are notified
// after the outcome is settled.
func (cr *ConfigReloader) SetCallbacks(
	onChanged func(previous, updated *types.Config) error,
	onSuccess func(*types.Config),
	onError func(error),
) {
	cr.onConfigChanged = onChanged
	cr.onReloadSuccess = onSuccess
	cr.onReloadError = onError
}

// Start loads the current config and begins watching.
func (cr *ConfigReloader) Start() error {
	if !cr.cfg.Enabled {
		cr.logger.Info("Config hot reload disabled")
		return nil
	}
	if !cr.running.CompareAndSwap(false, true) {
		return fmt.Errorf("config reloader already running")
	}

	cfg, err := config.LoadConfig(cr.configFile)
	if err != nil {
		cr.running.Store(false)
		return fmt.Errorf("failed to load initial config: %w", err)
	}
	cr.currentConfig.Store(cfg)

	if err := cr.watcher.Add(cr.configFile); err != nil {
		cr.running.Store(false)
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	// Watching the directory keeps coverage when the file is replaced by
	// rename instead of written in place.
	if err := cr.watcher.Add(filepath.Dir(cr.configFile)); err != nil {
		cr.logger.WithError(err).WithField("directory", filepath.Dir(cr.configFile)).Warn("Failed to watch config directory")
	}

	cr.statsMu.Lock()
	cr.stats.IsWatching = true
	cr.stats.ConfigVersion = cr.currentHash
	cr.statsMu.Unlock()

	cr.wg.Add(2)
	go cr.watchFileChanges()
	go cr.periodicHashCheck()

	cr.logger.WithFields(logrus.Fields{
		"config_file": cr.configFile,
		"debounce":    cr.debounce,
	}).Info("Config hot reload started")

	return nil
}

// Stop halts the watcher.
func (cr *ConfigReloader) Stop() error {
	if !cr.running.CompareAndSwap(true, false) {
		return nil
	}

	cr.cancel()
	if cr.watcher != nil {
		cr.watcher.Close()
	}
	cr.wg.Wait()

	cr.statsMu.Lock()
	cr.stats.IsWatching = false
	cr.statsMu.Unlock()

	cr.logger.Info("Config hot reload stopped")
	return nil
}

func (cr *ConfigReloader) watchFileChanges() {
	defer cr.wg.Done()

	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	pendingReload := false

	for {
		select {
		case <-cr.ctx.Done():
			return

		case event, ok := <-cr.watcher.Events:
			if !ok {
				return
			}
			if cr.shouldProcessEvent(event) {
				cr.logger.WithFields(logrus.Fields{
					"file":      event.Name,
					"operation": event.Op.String(),
				}).Debug("Config file change detected")

				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(cr.debounce)
				pendingReload = true
			}

		case err, ok := <-cr.watcher.Errors:
			if !ok {
				return
			}
			cr.logger.WithError(err).Error("File watcher error")

		case <-debounceTimer.C:
			if pendingReload {
				pendingReload = false
				if err := cr.performReload(); err != nil {
					cr.logger.WithError(err).Error("Config reload failed")
				}
			}
		}
	}
}

func (cr *ConfigReloader) periodicHashCheck() {
	defer cr.wg.Done()

	ticker := time.NewTicker(hashCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cr.ctx.Done():
			return
		case <-ticker.C:
			newHash, err := cr.calculateConfigHash()
			if err != nil {
				cr.logger.WithError(err).Debug("Periodic config hash check failed")
				continue
			}
			if newHash != cr.currentHash {
				cr.logger.WithFields(logrus.Fields{
					"old_hash": shortHash(cr.currentHash),
					"new_hash": shortHash(newHash),
				}).Info("Config change detected via hash comparison")
				if err := cr.performReload(); err != nil {
					cr.logger.WithError(err).Error("Config reload failed")
				}
			}
		}
	}
}

func (cr *ConfigReloader) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}

	absPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if absPath == cr.configFile {
		return true
	}
	if filepath.Dir(absPath) == filepath.Dir(cr.configFile) {
		ext := filepath.Ext(absPath)
		return ext == ".yaml" || ext == ".yml"
	}
	return false
}

// performReload loads, validates, and applies the config file. Any
// failure leaves the previous configuration in place.
func (cr *ConfigReloader) performReload() error {
	start := time.Now()

	cr.statsMu.Lock()
	cr.stats.TotalReloads++
	cr.stats.LastReloadTime = start
	cr.statsMu.Unlock()

	// LoadConfig tolerates a broken file at startup by falling back to
	// defaults. A reload must not do that, so reject unparseable files
	// up front.
	raw, err := os.ReadFile(cr.configFile)
	if err != nil {
		return cr.failReload(fmt.Errorf("failed to read config file: %w", err))
	}
	var probe map[string]interface{}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return cr.failReload(fmt.Errorf("config file is not valid yaml: %w", err))
	}

	updated, err := config.LoadConfig(cr.configFile)
	if err != nil {
		return cr.failReload(fmt.Errorf("failed to load new config: %w", err))
	}
	if err := config.ValidateConfig(updated); err != nil {
		return cr.failReload(fmt.Errorf("new config validation failed: %w", err))
	}

	var previous *types.Config
	if current := cr.currentConfig.Load(); current != nil {
		previous = current.(*types.Config)
	}

	if cr.onConfigChanged != nil {
		if err := cr.onConfigChanged(previous, updated); err != nil {
			return cr.failReload(fmt.Errorf("failed to apply config changes: %w", err))
		}
	}

	cr.currentConfig.Store(updated)
	if err := cr.updateConfigHash(); err != nil {
		cr.logger.WithError(err).Warn("Failed to update config hash")
	}

	cr.statsMu.Lock()
	cr.stats.SuccessfulReloads++
	cr.stats.LastSuccessTime = time.Now()
	cr.stats.ConfigVersion = cr.currentHash
	cr.stats.LastError = ""
	cr.statsMu.Unlock()

	if cr.onReloadSuccess != nil {
		cr.onReloadSuccess(updated)
	}

	cr.logger.WithFields(logrus.Fields{
		"reload_time":    time.Since(start),
		"config_version": shortHash(cr.currentHash),
	}).Info("Config reload completed")

	return nil
}

func (cr *ConfigReloader) failReload(err error) error {
	cr.statsMu.Lock()
	cr.stats.FailedReloads++
	cr.stats.LastError = err.Error()
	cr.statsMu.Unlock()

	if cr.onReloadError != nil {
		cr.onReloadError(err)
	}
	return err
}

func (cr *ConfigReloader) calculateConfigHash() (string, error) {
	file, err := os.Open(cr.configFile)
	if err != nil {
		return "", fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to hash config file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func (cr *ConfigReloader) updateConfigHash() error {
	hash, err := cr.calculateConfigHash()
	if err != nil {
		return err
	}
	cr.currentHash = hash
	return nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// TriggerReload forces an immediate reload.
func (cr *ConfigReloader) TriggerReload() error {
	if !cr.cfg.Enabled {
		return fmt.Errorf("config reloader is disabled")
	}
	if !cr.running.Load() {
		return fmt.Errorf("config reloader is not running")
	}
	cr.logger.Info("Manual config reload triggered")
	return cr.performReload()
}

// GetCurrentConfig returns the most recently applied configuration.
func (cr *ConfigReloader) GetCurrentConfig() *types.Config {
	if cfg := cr.currentConfig.Load(); cfg != nil {
		return cfg.(*types.Config)
	}
	return nil
}

// GetStats returns a copy of the reload counters.
func (cr *ConfigReloader) GetStats() Stats {
	cr.statsMu.Lock()
	defer cr.statsMu.Unlock()
	return cr.stats
}

// IsHealthy reports whether the watcher is running and the config file
// is still readable. A disabled reloader is always healthy.
func (cr *ConfigReloader) IsHealthy() bool {
	if !cr.cfg.Enabled {
		return true
	}
	if !cr.running.Load() {
		return false
	}
	if _, err := os.Stat(cr.configFile); err != nil {
		return false
	}
	return true
}
