// Package buildtypes holds the shared vocabulary of the build pipeline:
// module identity, findings, validation reports, failure fingerprints, and
// the job/stage enums every other component speaks in.
package buildtypes

import (
	"fmt"
	"regexp"
	"strings"
)

// slugRegex matches a lowercase slug component of a module id.
var slugRegex = regexp.MustCompile(`^[a-z0-9_]+$`)

// ModuleID identifies one integration module as (category, platform).
// Canonical form is "category/platform". Immutable once constructed.
type ModuleID struct {
	Category string
	Platform string
}

// ParseModuleID parses the canonical "category/platform" form.
func ParseModuleID(s string) (ModuleID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return ModuleID{}, fmt.Errorf("invalid module id %q: want category/platform", s)
	}
	return NewModuleID(parts[0], parts[1])
}

// NewModuleID validates both slug components.
func NewModuleID(category, platform string) (ModuleID, error) {
	if !slugRegex.MatchString(category) {
		return ModuleID{}, fmt.Errorf("invalid category slug %q", category)
	}
	if !slugRegex.MatchString(platform) {
		return ModuleID{}, fmt.Errorf("invalid platform slug %q", platform)
	}
	return ModuleID{Category: category, Platform: platform}, nil
}

// String returns the canonical form.
func (m ModuleID) String() string {
	return m.Category + "/" + m.Platform
}

// PathPrefix returns the bundle path prefix every generated file must live
// under, including the trailing slash.
func (m ModuleID) PathPrefix() string {
	return "modules/" + m.Category + "/" + m.Platform + "/"
}

// IsZero reports whether the id is unset.
func (m ModuleID) IsZero() bool {
	return m.Category == "" && m.Platform == ""
}

// Severity grades a finding.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// Blocking reports whether the severity blocks validation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityFatal
}

// FindingKind is the closed taxonomy of validation findings.
type FindingKind string

const (
	KindImportPolicy          FindingKind = "IMPORT_POLICY"
	KindSyntax                FindingKind = "SYNTAX"
	KindContractMissingMethod FindingKind = "CONTRACT_MISSING_METHOD"
	KindContractBadDecorator  FindingKind = "CONTRACT_BAD_DECORATOR"
	KindTestFailure           FindingKind = "TEST_FAILURE"
	KindAuth                  FindingKind = "AUTH"
	KindRateLimit             FindingKind = "RATE_LIMIT"
	KindSchemaMismatch        FindingKind = "SCHEMA_MISMATCH"
	KindRuntime               FindingKind = "RUNTIME"
	KindTimeout               FindingKind = "TIMEOUT"
	KindPolicyViolation       FindingKind = "POLICY_VIOLATION"
	KindResourceExhausted     FindingKind = "RESOURCE_EXHAUSTED"
)

// Terminal reports whether a finding of this kind aborts the repair loop
// outright. Policy violations are never repaired.
func (k FindingKind) Terminal() bool {
	return k == KindPolicyViolation
}

// repairPriority orders retryable kinds for prompt shaping. Lower is more
// urgent: the highest-priority finding drives which fix hint the repair
// prompt emphasizes.
var repairPriority = map[FindingKind]int{
	KindSchemaMismatch:        0,
	KindContractMissingMethod: 1,
	KindContractBadDecorator:  2,
	KindImportPolicy:          3,
	KindRuntime:               4,
	KindTestFailure:           5,
	KindSyntax:                6,
}

// RepairPriority returns the prompt-shaping rank for a kind. Kinds outside
// the retryable ordering sort last.
func RepairPriority(k FindingKind) int {
	if p, ok := repairPriority[k]; ok {
		return p
	}
	return len(repairPriority)
}

// Location is an optional source position attached to a finding.
type Location struct {
	Path string `json:"path,omitempty"`
	Line int    `json:"line,omitempty"`
	Col  int    `json:"col,omitempty"`
}

// Finding is one validation observation, static or dynamic.
type Finding struct {
	Severity Severity    `json:"severity"`
	Kind     FindingKind `json:"kind"`
	Message  string      `json:"message"`
	Location Location    `json:"location,omitempty"`
	// FixHint is structured guidance injected into the next repair prompt.
	FixHint string `json:"fix_hint,omitempty"`
	// TestID names the failing test for TEST_FAILURE findings.
	TestID string `json:"test_id,omitempty"`
}

// Stage names a pipeline stage.
type Stage string

const (
	StageInit      Stage = "init"
	StageScaffold  Stage = "scaffold"
	StageImplement Stage = "implement"
	StageValidate  Stage = "validate"
	StageRepair    Stage = "repair"
	StageAttest    Stage = "attest"
)

// JobStatus is the terminal (or in-flight) status of a BuildJob.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusValidated JobStatus = "VALIDATED"
	StatusFailed    JobStatus = "FAILED"
	StatusAborted   JobStatus = "ABORTED"
)

// Terminal reports whether the status ends the job.
func (s JobStatus) Terminal() bool {
	return s == StatusValidated || s == StatusFailed || s == StatusAborted
}

// Classification decides what the orchestrator does with a failed attempt.
type Classification string

const (
	ClassTerminal       Classification = "TERMINAL"
	ClassRetryable      Classification = "RETRYABLE"
	ClassNonProgressing Classification = "NON_PROGRESSING"
)

// Status notes attached to FAILED/ABORTED jobs.
const (
	NoteThrashDetected    = "thrash_detected"
	NotePolicyViolation   = "policy_violation"
	NoteBudgetExhausted   = "budget_exhausted"
	NoteProviderAuth      = "provider_auth"
	NoteResourceExhausted = "resource_exhausted"
	NoteCancelled         = "cancelled"
	NoteRepairExhausted   = "repair_exhausted"
	NotePlanRejected      = "plan_rejected"
	NoteProviderDown      = "provider_unavailable"
)
