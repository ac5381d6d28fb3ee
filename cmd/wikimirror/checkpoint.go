// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const checkpointVersion = "1.0"

// Checkpoint phases, in pipeline order.
const (
	PhaseInit             = "init"
	PhaseDiscovering      = "discovering"
	PhaseScrapingPages    = "scraping_pages"
	PhaseDownloadingFiles = "downloading_files"
	PhaseExtractingLinks  = "extracting_links"
	PhaseVerifying        = "verifying"
	PhaseComplete         = "complete"
)

// CheckpointParams are the run inputs a resumed run must match. For
// incremental runs the detection window is part of the identity: a
// completed-pages list recorded against one window must not suppress
// fetching pages that changed again in a later, wider window.
type CheckpointParams struct {
	RunType     string    `json:"run_type"`
	BaseURL     string    `json:"base_url"`
	Namespaces  []int     `json:"namespaces,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

func (p CheckpointParams) Equal(other CheckpointParams) bool {
	return p.RunType == other.RunType &&
		p.BaseURL == other.BaseURL &&
		slices.Equal(p.Namespaces, other.Namespaces) &&
		p.WindowStart.Equal(other.WindowStart) &&
		p.WindowEnd.Equal(other.WindowEnd)
}

// Checkpoint is the durable snapshot of orchestrator progress. The
// completed sets hold only durably committed identities.
type Checkpoint struct {
	Version                string           `json:"version"`
	StartedAt              time.Time        `json:"started_at"`
	LastUpdate             time.Time        `json:"last_update"`
	Parameters             CheckpointParams `json:"parameters"`
	Phase                  string           `json:"phase"`
	NamespacesCompleted    []int            `json:"namespaces_completed"`
	CurrentNamespace       int              `json:"current_namespace"`
	CompletedNewPages      []int64          `json:"completed_new_pages"`
	CompletedModifiedPages []int64          `json:"completed_modified_pages"`
	CompletedDeletedPages  []int64          `json:"completed_deleted_pages"`
	CompletedFiles         []string         `json:"completed_files"`
}

func newCheckpoint(params CheckpointParams) *Checkpoint {
	return &Checkpoint{
		Version:    checkpointVersion,
		StartedAt:  time.Now().UTC(),
		Parameters: params,
		Phase:      PhaseInit,
	}
}

func (c *Checkpoint) HasNamespace(ns int) bool {
	return slices.Contains(c.NamespacesCompleted, ns)
}

func (c *Checkpoint) AddNamespace(ns int) {
	if !c.HasNamespace(ns) {
		c.NamespacesCompleted = append(c.NamespacesCompleted, ns)
	}
}

// CheckpointStore persists the checkpoint blob at a fixed path with
// atomic replace semantics.
type CheckpointStore struct {
	path string
}

func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Load returns the stored checkpoint, or nil when there is none. A
// corrupt or partial blob, and a blob of a version we do not
// understand, both log a WARN and count as none; a crash must never
// make the next run unstartable.
func (s *CheckpointStore) Load() *Checkpoint {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", s.path).Msg("unreadable checkpoint, ignoring")
		}
		return nil
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		logger.Warn().Err(err).Str("path", s.path).Msg("corrupt checkpoint, ignoring")
		return nil
	}
	if c.Version != checkpointVersion {
		logger.Warn().Str("version", c.Version).Str("path", s.path).
			Msg("checkpoint version not understood, ignoring")
		return nil
	}
	return &c
}

// Save writes the checkpoint atomically: sibling temp file, fsync,
// rename over the final path.
func (s *CheckpointStore) Save(c *Checkpoint) error {
	c.LastUpdate = time.Now().UTC()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmpPath := s.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint. Called on normal termination only.
func (s *CheckpointStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
