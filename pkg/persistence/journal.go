// Package persistence provides the file-backed durable store for branch
// state. Each branch's current state lives in its own JSON file;
// transitions and heartbeats append to JSONL journals that rotate by
// size. The in-memory registry stays authoritative, so every operation
// here is recovery support rather than a hot-path dependency.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ontogate/pkg/types"
)

// Config holds journal settings.
type Config struct {
	Directory        string        `yaml:"directory"`           // Journal root directory
	RetentionPeriod  time.Duration `yaml:"retention_period"`    // How long rotated journal files are kept
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`    // How often rotated files are swept
	MaxJournalSizeMB int           `yaml:"max_journal_size_mb"` // Rotate append journals above this size
}

// Stats counts journal activity.
type Stats struct {
	StatesPersisted   int64     `json:"states_persisted"`
	TransitionsLogged int64     `json:"transitions_logged"`
	HeartbeatsLogged  int64     `json:"heartbeats_logged"`
	JournalRotations  int64     `json:"journal_rotations"`
	WriteFailures     int64     `json:"write_failures"`
	LastCleanup       time.Time `json:"last_cleanup"`
}

const (
	stateSubdir        = "state"
	transitionsJournal = "transitions.jsonl"
	heartbeatsJournal  = "heartbeats.jsonl"
)

// Journal implements types.DurableStore on the local filesystem.
type Journal struct {
	config Config
	logger *logrus.Logger

	mu    sync.Mutex
	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJournal creates a journal rooted at the configured directory.
func NewJournal(config Config, logger *logrus.Logger) *Journal {
	if logger == nil {
		logger = logrus.New()
	}

	if config.Directory == "" {
		config.Directory = "data/lock_journal"
	}
	if config.RetentionPeriod == 0 {
		config.RetentionPeriod = 72 * time.Hour
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Hour
	}
	if config.MaxJournalSizeMB == 0 {
		config.MaxJournalSizeMB = 32
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Journal{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start creates the directory layout and begins the cleanup loop.
func (j *Journal) Start() error {
	if err := os.MkdirAll(filepath.Join(j.config.Directory, stateSubdir), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	existing, err := filepath.Glob(filepath.Join(j.config.Directory, stateSubdir, "*.json"))
	if err == nil && len(existing) > 0 {
		j.logger.WithFields(logrus.Fields{
			"component":    "lock_journal",
			"branch_count": len(existing),
		}).Info("Found persisted branch states")
	}

	j.wg.Add(1)
	go j.cleanupLoop()

	j.logger.WithFields(logrus.Fields{
		"component": "lock_journal",
		"directory": j.config.Directory,
		"retention": j.config.RetentionPeriod,
	}).Info("Branch state journal started")

	return nil
}

// Stop halts the cleanup loop. Writes issued after Stop still land.
func (j *Journal) Stop() error {
	j.cancel()
	j.wg.Wait()
	return nil
}

// StoreBranchState writes the branch's current state file. The write goes
// through a temp file so a crash cannot corrupt the recovery source.
func (j *Journal) StoreBranchState(ctx context.Context, info *types.BranchStateInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal branch state: %w", err)
	}

	path := j.stateFilePath(info.BranchName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		j.countFailure()
		return fmt.Errorf("failed to write branch state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		j.countFailure()
		return fmt.Errorf("failed to commit branch state: %w", err)
	}

	j.mu.Lock()
	j.stats.StatesPersisted++
	j.mu.Unlock()

	return nil
}

// GetBranchState reads the branch's state file. A branch that was never
// persisted returns (nil, nil).
func (j *Journal) GetBranchState(ctx context.Context, branch string) (*types.BranchStateInfo, error) {
	data, err := os.ReadFile(j.stateFilePath(branch))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read branch state: %w", err)
	}

	var info types.BranchStateInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal branch state: %w", err)
	}
	return &info, nil
}

// StoreStateTransition appends the transition to the transitions journal.
func (j *Journal) StoreStateTransition(ctx context.Context, tr *types.BranchStateTransition) error {
	if err := j.appendRecord(transitionsJournal, tr); err != nil {
		return err
	}
	j.mu.Lock()
	j.stats.TransitionsLogged++
	j.mu.Unlock()
	return nil
}

// StoreHeartbeatRecord appends the heartbeat to the heartbeats journal.
func (j *Journal) StoreHeartbeatRecord(ctx context.Context, rec *types.HeartbeatRecord) error {
	if err := j.appendRecord(heartbeatsJournal, rec); err != nil {
		return err
	}
	j.mu.Lock()
	j.stats.HeartbeatsLogged++
	j.mu.Unlock()
	return nil
}

// appendRecord writes one JSON line, rotating the journal first when it
// has outgrown the size limit.
func (j *Journal) appendRecord(name string, record interface{}) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	path := filepath.Join(j.config.Directory, name)
	j.rotateIfNeeded(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		j.stats.WriteFailures++
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		j.stats.WriteFailures++
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	return nil
}

// rotateIfNeeded renames an oversized journal aside. Caller holds j.mu.
func (j *Journal) rotateIfNeeded(path string) {
	stat, err := os.Stat(path)
	if err != nil {
		return
	}
	if stat.Size() < int64(j.config.MaxJournalSizeMB)*1024*1024 {
		return
	}

	rotated := fmt.Sprintf("%s.%d", path, time.Now().Unix())
	if err := os.Rename(path, rotated); err != nil {
		j.logger.WithError(err).WithFields(logrus.Fields{
			"component": "lock_journal",
			"journal":   path,
		}).Warn("Failed to rotate journal")
		return
	}
	j.stats.JournalRotations++
}

func (j *Journal) cleanupLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.performCleanup()
		}
	}
}

// performCleanup removes rotated journal files past retention.
func (j *Journal) performCleanup() {
	patterns := []string{
		filepath.Join(j.config.Directory, transitionsJournal+".*"),
		filepath.Join(j.config.Directory, heartbeatsJournal+".*"),
	}

	removed := 0
	cutoff := time.Now().Add(-j.config.RetentionPeriod)

	for _, pattern := range patterns {
		files, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, file := range files {
			stat, err := os.Stat(file)
			if err != nil {
				continue
			}
			if stat.ModTime().Before(cutoff) {
				if err := os.Remove(file); err == nil {
					removed++
				}
			}
		}
	}

	j.mu.Lock()
	j.stats.LastCleanup = time.Now()
	j.mu.Unlock()

	if removed > 0 {
		j.logger.WithFields(logrus.Fields{
			"component":     "lock_journal",
			"removed_count": removed,
		}).Info("Removed expired journal files")
	}
}

func (j *Journal) countFailure() {
	j.mu.Lock()
	j.stats.WriteFailures++
	j.mu.Unlock()
}

func (j *Journal) stateFilePath(branch string) string {
	return filepath.Join(j.config.Directory, stateSubdir, sanitizeName(branch)+".json")
}

// sanitizeName maps a branch name onto a safe file name. Branch names can
// contain path separators.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// GetStats returns a copy of the journal counters.
func (j *Journal) GetStats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// IsHealthy reports whether the journal directory is still accessible.
func (j *Journal) IsHealthy() bool {
	stat, err := os.Stat(j.config.Directory)
	return err == nil && stat.IsDir()
}

var _ types.DurableStore = (*Journal)(nil)
