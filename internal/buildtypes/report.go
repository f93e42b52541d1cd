package buildtypes

import (
	"sort"
	"time"
)

// SuiteResult records one capability test suite outcome from the sandbox.
type SuiteResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	HardGate bool   `json:"hard_gate"`
}

// ResourceUsage captures what the sandbox measured for an attempt.
type ResourceUsage struct {
	WallClock time.Duration `json:"wall_clock_ns"`
	CPUTime   time.Duration `json:"cpu_time_ns,omitempty"`
	PeakBytes int64         `json:"peak_bytes,omitempty"`
}

// ValidationReport is the merged static + dynamic outcome of one attempt.
type ValidationReport struct {
	Findings []Finding     `json:"findings"`
	Suites   []SuiteResult `json:"suites,omitempty"`
	Usage    ResourceUsage `json:"usage,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
}

// Validated reports whether the attempt qualifies for attestation: no
// error/fatal findings and every hard-gate suite passed. Warnings are
// recorded but never open the gate.
func (r *ValidationReport) Validated() bool {
	for _, f := range r.Findings {
		if f.Severity.Blocking() {
			return false
		}
	}
	for _, s := range r.Suites {
		if s.HardGate && !s.Passed {
			return false
		}
	}
	return true
}

// HasKind reports whether any finding carries the given kind.
func (r *ValidationReport) HasKind(k FindingKind) bool {
	for _, f := range r.Findings {
		if f.Kind == k {
			return true
		}
	}
	return false
}

// BlockingFindings returns the error/fatal findings in report order.
func (r *ValidationReport) BlockingFindings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity.Blocking() {
			out = append(out, f)
		}
	}
	return out
}

// SortFindings stable-sorts findings by (path, line, kind). Both the static
// analyzer and the merged report use this ordering so that identical inputs
// always yield identical output sequences.
func SortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Location.Path != b.Location.Path {
			return a.Location.Path < b.Location.Path
		}
		if a.Location.Line != b.Location.Line {
			return a.Location.Line < b.Location.Line
		}
		return a.Kind < b.Kind
	})
}

type findingKey struct {
	kind    FindingKind
	path    string
	line    int
	col     int
	message string
}

// MergeReports combines static findings first, then runtime, de-duplicated
// by (kind, path, location, message). Suite results and usage come from the
// runtime report since only the sandbox produces them.
func MergeReports(static, runtime *ValidationReport) *ValidationReport {
	merged := &ValidationReport{}
	seen := make(map[findingKey]bool)
	appendUnique := func(fs []Finding) {
		for _, f := range fs {
			key := findingKey{f.Kind, f.Location.Path, f.Location.Line, f.Location.Col, f.Message}
			if seen[key] {
				continue
			}
			seen[key] = true
			merged.Findings = append(merged.Findings, f)
		}
	}
	if static != nil {
		appendUnique(static.Findings)
	}
	if runtime != nil {
		appendUnique(runtime.Findings)
		merged.Suites = runtime.Suites
		merged.Usage = runtime.Usage
		merged.Stdout = runtime.Stdout
		merged.Stderr = runtime.Stderr
	}
	return merged
}
