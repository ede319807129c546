// Package storage persists anonymized entity batches fetched by the task
// processor to the local filesystem (§4.J step "Persist the aggregated
// items under a derived storage key"). On-disk artifact layout beyond this
// is an external collaborator (§1 Out of scope); this package gives it just
// enough of a body to make the worker's write path real.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Store writes anonymized entity batches under dataDir, one JSON-lines file
// per derived storage key.
type Store struct {
	dataDir string
	logger  *zap.Logger
}

// New creates a Store rooted at dataDir.
func New(dataDir string, logger *zap.Logger) *Store {
	return &Store{dataDir: dataDir, logger: logger.Named("storage")}
}

// Key derives the storage key for a batch of entityType items belonging to
// fullPath (§4.J generic collection step d): "fullPath/entityType" if
// fullPath is known, else "entityType/id", else just entityType.
func Key(fullPath, entityType, entityID string) string {
	switch {
	case fullPath != "":
		return filepath.ToSlash(filepath.Join(sanitize(fullPath), entityType))
	case entityID != "":
		return filepath.ToSlash(filepath.Join(entityType, sanitize(entityID)))
	default:
		return entityType
	}
}

// sanitize drops empty, "." and ".." segments from a GitLab full_path/entity
// id so it can't escape dataDir. The "/" separators between the remaining
// segments are kept, since full_path legitimately contains "/" for nested
// groups.
func sanitize(s string) string {
	parts := strings.Split(s, "/")
	clean := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return filepath.Join(clean...)
}

// Append writes items as newline-delimited JSON to
// <dataDir>/<key>/<entityType>.jsonl, creating directories as needed. It
// appends rather than overwrites so repeated pages of the same job
// accumulate into one artifact.
func (s *Store) Append(key, entityType string, items []map[string]any) (string, error) {
	dir := filepath.Join(s.dataDir, filepath.FromSlash(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, entityType+".jsonl")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: open %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return path, fmt.Errorf("storage: encode item: %w", err)
		}
	}
	return path, nil
}

// WriteStub persists a fixed stub record for the TEST_TYPE command (§4.J
// step 3 special case), used to exercise the wire protocol end-to-end
// without talking to a real GitLab instance.
func (s *Store) WriteStub(jobID string) (string, error) {
	return s.Append("test", "stub", []map[string]any{{
		"jobId":     jobID,
		"generated": time.Now().UTC().Format(time.RFC3339),
		"note":      "TEST_TYPE stub record",
	}})
}

// resumeDir is where per-job pagination checkpoints live, mirroring the
// teacher agent's own local state file next to its artifact output rather
// than in a separate directory tree.
func (s *Store) resumeDir() string { return filepath.Join(s.dataDir, ".resume") }

func (s *Store) resumePath(jobID string) string {
	return filepath.Join(s.resumeDir(), sanitize(jobID)+".json")
}

// SaveCheckpoint persists checkpoint (typically the job's current
// protocol.ResumeState, marshaled by the caller) so a restarted worker can
// pick a job back up mid-pagination instead of starting over.
func (s *Store) SaveCheckpoint(jobID string, checkpoint any) error {
	if err := os.MkdirAll(s.resumeDir(), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", s.resumeDir(), err)
	}
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("storage: marshal checkpoint for job %s: %w", jobID, err)
	}
	if err := os.WriteFile(s.resumePath(jobID), data, 0o644); err != nil {
		return fmt.Errorf("storage: write checkpoint for job %s: %w", jobID, err)
	}
	return nil
}

// LoadCheckpoint reads back a prior SaveCheckpoint for jobID into out. It
// returns false, nil if no checkpoint file exists — the ordinary case for a
// job that has never been interrupted.
func (s *Store) LoadCheckpoint(jobID string, out any) (bool, error) {
	data, err := os.ReadFile(s.resumePath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: read checkpoint for job %s: %w", jobID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("storage: unmarshal checkpoint for job %s: %w", jobID, err)
	}
	return true, nil
}

// ClearCheckpoint removes a job's checkpoint file once it completes or
// fails unrecoverably, so a later job id reuse (or test run) never resumes
// from stale state.
func (s *Store) ClearCheckpoint(jobID string) error {
	if err := os.Remove(s.resumePath(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove checkpoint for job %s: %w", jobID, err)
	}
	return nil
}
