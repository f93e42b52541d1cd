package store

import (
	"path/filepath"
	"testing"

	"modforge/internal/buildtypes"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "modforge.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)

	rec := JobRecord{
		ID:             "job-1",
		Module:         "weather/openweather",
		Intent:         "build an OpenWeather adapter",
		Profile:        "default",
		IdempotencyKey: "k1",
		Status:         buildtypes.StatusPending,
	}
	if err := s.CreateJob(rec); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.UpdateJob("job-1", buildtypes.StatusValidated, "", 2, "digest-abc"); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != buildtypes.StatusValidated || got.Attempts != 2 || got.BundleDigest != "digest-abc" {
		t.Errorf("job after update = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not recorded")
	}

	if err := s.UpdateJob("missing", buildtypes.StatusFailed, "", 0, ""); err == nil {
		t.Error("updating a missing job must fail")
	}
}

func TestIdempotencyLookup(t *testing.T) {
	s := openStore(t)

	if err := s.CreateJob(JobRecord{ID: "job-1", Module: "a/b", Intent: "x", Profile: "default",
		IdempotencyKey: "same-key", Status: buildtypes.StatusPending}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, found, err := s.FindByIdempotencyKey("same-key")
	if err != nil || !found {
		t.Fatalf("FindByIdempotencyKey: found=%v err=%v", found, err)
	}
	if got.ID != "job-1" {
		t.Errorf("found job %s, want job-1", got.ID)
	}

	// A second job with the same key must be rejected by the store.
	err = s.CreateJob(JobRecord{ID: "job-2", Module: "a/b", Intent: "x", Profile: "default",
		IdempotencyKey: "same-key", Status: buildtypes.StatusPending})
	if err == nil {
		t.Fatal("duplicate idempotency key accepted")
	}

	// Empty keys never collide.
	for _, id := range []string{"job-3", "job-4"} {
		if err := s.CreateJob(JobRecord{ID: id, Module: "a/b", Intent: "x", Profile: "default",
			Status: buildtypes.StatusPending}); err != nil {
			t.Fatalf("CreateJob %s with empty key: %v", id, err)
		}
	}
	if _, found, _ := s.FindByIdempotencyKey(""); found {
		t.Error("empty key must never match")
	}
}

func TestAttemptsAreImmutable(t *testing.T) {
	s := openStore(t)
	if err := s.CreateJob(JobRecord{ID: "job-1", Module: "a/b", Intent: "x", Profile: "default",
		Status: buildtypes.StatusRunning}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	report := &buildtypes.ValidationReport{
		Findings: []buildtypes.Finding{{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindTestFailure,
			Message:  "expected 200, got 404",
			TestID:   "auth_fetch",
		}},
	}
	rec := AttemptRecord{JobID: "job-1", Attempt: 1, BundleDigest: "d1", Fingerprint: "f1", Report: report}
	if err := s.RecordAttempt(rec); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := s.RecordAttempt(rec); err == nil {
		t.Fatal("re-recording the same attempt must fail")
	}
	if err := s.RecordAttempt(AttemptRecord{JobID: "job-1", Attempt: 2, BundleDigest: "d2", Fingerprint: "f1"}); err != nil {
		t.Fatalf("RecordAttempt 2: %v", err)
	}

	attempts, err := s.ListAttempts("job-1")
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Attempt != 1 || attempts[1].Attempt != 2 {
		t.Fatalf("attempts = %+v", attempts)
	}
	if attempts[0].Report == nil || !attempts[0].Report.HasKind(buildtypes.KindTestFailure) {
		t.Errorf("report did not round-trip: %+v", attempts[0].Report)
	}
}

func TestAttestationsAppendOnly(t *testing.T) {
	s := openStore(t)

	if err := s.SaveAttestation("job-1", []byte(`{"bundle_digest":"abc"}`)); err != nil {
		t.Fatalf("SaveAttestation: %v", err)
	}
	if err := s.SaveAttestation("job-1", []byte(`{"bundle_digest":"tampered"}`)); err == nil {
		t.Fatal("overwriting an attestation must fail")
	}

	record, found, err := s.GetAttestation("job-1")
	if err != nil || !found {
		t.Fatalf("GetAttestation: found=%v err=%v", found, err)
	}
	if string(record) != `{"bundle_digest":"abc"}` {
		t.Errorf("record = %s", record)
	}

	if _, found, _ := s.GetAttestation("job-2"); found {
		t.Error("attestation found for job with none")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modforge.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.CreateJob(JobRecord{ID: "job-1", Module: "a/b", Intent: "x", Profile: "default",
		IdempotencyKey: "k", Status: buildtypes.StatusFailed, StatusNote: buildtypes.NoteThrashDetected}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	s.Close()

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, found, err := s2.FindByIdempotencyKey("k")
	if err != nil || !found {
		t.Fatalf("lookup after reopen: found=%v err=%v", found, err)
	}
	if got.Status != buildtypes.StatusFailed || got.StatusNote != buildtypes.NoteThrashDetected {
		t.Errorf("job after reopen = %+v", got)
	}
}
