package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Attestation binds a validated bundle digest to its validation report.
// Emitted only on success; append-only; the installer's trust root.
type Attestation struct {
	JobID            string    `json:"job_id"`
	ModuleID         string    `json:"module_id"`
	Version          string    `json:"version"`
	BundleDigest     string    `json:"bundle_digest"`
	ReportRef        string    `json:"report_ref"`
	ValidatorBuildID string    `json:"validator_build_id"`
	SigningHash      string    `json:"signing_hash"`
	CreatedAt        time.Time `json:"created_at"`
}

// ComputeSigningHash hashes the identity tuple an installer verifies:
// (module_id, version, bundle_digest, validator_build_id).
func ComputeSigningHash(moduleID, version, bundleDigest, validatorBuildID string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{moduleID, version, bundleDigest, validatorBuildID}, "\x00")))
	return hex.EncodeToString(h[:])
}

// WriteAttestation persists attestations/<job_id>.json. An existing record
// for the job is never overwritten.
func (w *Writer) WriteAttestation(a *Attestation) error {
	dir := filepath.Join(w.root, "attestations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, a.JobID+".json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("attestation for job %s already exists", a.JobID)
	}
	if a.SigningHash == "" {
		a.SigningHash = ComputeSigningHash(a.ModuleID, a.Version, a.BundleDigest, a.ValidatorBuildID)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadAttestation loads the attestation for a job.
func (w *Writer) ReadAttestation(jobID string) (*Attestation, error) {
	data, err := os.ReadFile(filepath.Join(w.root, "attestations", jobID+".json"))
	if err != nil {
		return nil, err
	}
	var a Attestation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse attestation: %w", err)
	}
	return &a, nil
}

// VerifyAgainst recomputes the bundle digest and the signing hash and
// rejects any disagreement. This is the install guard: a bundle whose
// recomputed digest differs from its attestation must never be accepted.
func (a *Attestation) VerifyAgainst(b *Bundle) error {
	if err := b.Verify(a.BundleDigest); err != nil {
		return err
	}
	want := ComputeSigningHash(a.ModuleID, a.Version, a.BundleDigest, a.ValidatorBuildID)
	if a.SigningHash != want {
		return fmt.Errorf("attestation signing hash mismatch")
	}
	return nil
}
