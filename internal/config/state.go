package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// StateFile accumulates run statistics across server restarts. It is shared
// between concurrently running instances (server plus one-shot CLI runs), so
// writes take an advisory file lock in addition to the in-process mutex.
type StateFile struct {
	TotalBatches    int64  `json:"total_batches"`
	TotalFiles      int64  `json:"total_files"`
	TotalFailed     int64  `json:"total_failed"`
	TotalPages      int64  `json:"total_pages"`
	TotalImages     int64  `json:"total_images"`
	LastRunID       string `json:"last_run_id,omitempty"`
	LastRunAt       int64  `json:"last_run_at,omitempty"` // Unix timestamp
	LastRunDuration string `json:"last_run_duration,omitempty"`

	mu sync.Mutex `json:"-"`
}

var (
	globalState *StateFile
	stateOnce   sync.Once
)

// GetGlobalState returns the singleton run-statistics state
func GetGlobalState() *StateFile {
	stateOnce.Do(func() {
		globalState = loadGlobalState()
	})
	return globalState
}

// loadGlobalState loads the state from disk. A missing or corrupt file
// starts a fresh state.
func loadGlobalState() *StateFile {
	state := &StateFile{}

	statePath := getStatePath()
	if data, err := os.ReadFile(statePath); err == nil {
		_ = json.Unmarshal(data, state)
	}

	return state
}

// RecordBatch folds one completed batch into the counters and persists
func (s *StateFile) RecordBatch(runID string, files, failed, pages, images int, elapsed time.Duration) error {
	s.mu.Lock()
	s.TotalBatches++
	s.TotalFiles += int64(files)
	s.TotalFailed += int64(failed)
	s.TotalPages += int64(pages)
	s.TotalImages += int64(images)
	s.LastRunID = runID
	s.LastRunAt = time.Now().Unix()
	s.LastRunDuration = elapsed.Round(time.Millisecond).String()
	s.mu.Unlock()

	return s.Save()
}

// Save persists the state to disk under an advisory file lock
func (s *StateFile) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	statePath := getStatePath()

	if err := os.MkdirAll(filepath.Dir(statePath), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	fileLock := flock.New(statePath + ".lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire lock on state file")
	}
	defer func() {
		_ = fileLock.Unlock()
	}()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(statePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// getStatePath returns the path to the state file
func getStatePath() string {
	if customPath := os.Getenv("MCP_PDF_PROCESSOR_STATE_PATH"); customPath != "" {
		return customPath
	}

	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".mcp-pdf-processor", "state.json")
}
