package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaycheck/internal/models"
)

const defaultMaxRuns = 500

// RunHistory persists run summaries to a JSON file.
type RunHistory struct {
	mu      sync.RWMutex
	path    string
	maxRuns int
	history []models.RunSummary
}

// NewRunHistory creates a history store and loads existing runs if present.
// maxRuns bounds how many summaries are retained; values <= 0 use the default.
func NewRunHistory(path string, maxRuns int) (*RunHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}

	h := &RunHistory{path: path, maxRuns: maxRuns}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

// Append adds a run summary and persists the history to disk.
func (h *RunHistory) Append(run models.RunSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, run)
	if len(h.history) > h.maxRuns {
		h.history = h.history[len(h.history)-h.maxRuns:]
	}
	return h.persist()
}

// Latest returns the most recent run if one exists.
func (h *RunHistory) Latest() (models.RunSummary, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.history) == 0 {
		return models.RunSummary{}, false
	}
	return h.history[len(h.history)-1], true
}

// HistoryN returns up to limit of the most recent runs, oldest first.
// A limit <= 0 returns everything.
func (h *RunHistory) HistoryN(limit int) []models.RunSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if limit > 0 && len(h.history) > limit {
		start = len(h.history) - limit
	}
	copied := make([]models.RunSummary, len(h.history)-start)
	copy(copied, h.history[start:])
	return copied
}

func (h *RunHistory) load() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			h.history = []models.RunSummary{}
			return nil
		}
		return fmt.Errorf("read run history: %w", err)
	}

	if len(data) == 0 {
		h.history = []models.RunSummary{}
		return nil
	}

	var runs []models.RunSummary
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("parse run history: %w", err)
	}
	h.history = runs
	return nil
}

func (h *RunHistory) persist() error {
	bytes, err := json.MarshalIndent(h.history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run history: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", h.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return fmt.Errorf("write temp run history: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace run history file: %w", err)
	}
	return nil
}
