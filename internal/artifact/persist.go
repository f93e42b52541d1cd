package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modforge/internal/buildtypes"
)

// IndexFile records a persisted bundle's metadata:
// attempts/<attempt_id>/index.json. The bundle digest is the primary
// identity.
type IndexFile struct {
	JobID        string      `json:"job_id"`
	AttemptID    string      `json:"attempt_id"`
	BundleDigest string      `json:"bundle_digest"`
	Files        []IndexItem `json:"files"`
	CreatedAt    time.Time   `json:"created_at"`
	ModuleID     string      `json:"module_id,omitempty"`
	Stage        string      `json:"stage,omitempty"`
}

// IndexItem is one file record in the index.
type IndexItem struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Bytes  int    `json:"bytes"`
}

// Writer persists attempt bundles and attestations under a root directory.
// Each attempt writes to a unique path; a written attempt is never mutated.
type Writer struct {
	root string
}

// NewWriter creates the artifact writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{root: dir}
}

// AttemptDir returns the directory an attempt persists to.
func (w *Writer) AttemptDir(attemptID string) string {
	return filepath.Join(w.root, "attempts", attemptID)
}

// WriteAttempt persists the bundle under attempts/<attempt_id>/files/<path>
// plus index.json, and returns the index record.
func (w *Writer) WriteAttempt(jobID, attemptID string, moduleID buildtypes.ModuleID, stage buildtypes.Stage, b *Bundle) (*IndexFile, error) {
	dir := w.AttemptDir(attemptID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("attempt %s already persisted", attemptID)
	}

	filesDir := filepath.Join(dir, "files")
	idx := &IndexFile{
		JobID:        jobID,
		AttemptID:    attemptID,
		BundleDigest: b.Digest(),
		CreatedAt:    time.Now().UTC(),
		ModuleID:     moduleID.String(),
		Stage:        string(stage),
	}
	for _, e := range b.Entries() {
		dst := filepath.Join(filesDir, filepath.FromSlash(e.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("create attempt dir: %w", err)
		}
		if err := os.WriteFile(dst, e.Content, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", e.Path, err)
		}
		idx.Files = append(idx.Files, IndexItem{Path: e.Path, Digest: e.Digest, Bytes: len(e.Content)})
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "index.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	return idx, nil
}

// ReadAttempt loads a persisted attempt, recomputes every digest, and
// rejects any mismatch between disk content and the index.
func (w *Writer) ReadAttempt(attemptID string) (*Bundle, *IndexFile, error) {
	dir := w.AttemptDir(attemptID)
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("read index: %w", err)
	}
	var idx IndexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, nil, fmt.Errorf("parse index: %w", err)
	}

	files := make(map[string][]byte, len(idx.Files))
	for _, item := range idx.Files {
		content, err := os.ReadFile(filepath.Join(dir, "files", filepath.FromSlash(item.Path)))
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", item.Path, err)
		}
		if digestBytes(content) != item.Digest {
			return nil, nil, fmt.Errorf("digest mismatch for %s: disk content does not match index", item.Path)
		}
		files[item.Path] = content
	}

	b, err := NewBundle(files)
	if err != nil {
		return nil, nil, err
	}
	if b.Digest() != idx.BundleDigest {
		return nil, nil, fmt.Errorf("bundle digest mismatch: recomputed %s, index %s", b.Digest(), idx.BundleDigest)
	}
	return b, &idx, nil
}
