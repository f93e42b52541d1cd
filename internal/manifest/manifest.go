// Package manifest validates the module manifest persisted alongside a
// bundle. The schema is versioned via $id; unknown top-level keys are
// rejected so that a generated manifest cannot smuggle fields past review.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"

	"modforge/internal/buildtypes"
)

// SchemaID is the current manifest schema identity.
const SchemaID = "modforge/manifest/1.0.0"

var semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Capability is one declared feature from the closed set.
type Capability string

const (
	CapAuth        Capability = "auth"
	CapPagination  Capability = "pagination"
	CapRateLimits  Capability = "rate_limits"
	CapCharts      Capability = "charts"
	CapCredentials Capability = "credentials"
)

var knownCapabilities = map[Capability]bool{
	CapAuth:        true,
	CapPagination:  true,
	CapRateLimits:  true,
	CapCharts:      true,
	CapCredentials: true,
}

// allowedKeys are the recognized top-level manifest keys.
var allowedKeys = map[string]bool{
	"$id":          true,
	"module_id":    true,
	"version":      true,
	"category":     true,
	"platform":     true,
	"entrypoint":   true,
	"capabilities": true,
	"auth":         true,
	"pagination":   true,
	"rate_limits":  true,
	"outputs":      true,
	"artifacts":    true,
	"description":  true,
	"dependencies": true,
}

// Manifest is the declared identity and capabilities of one module.
type Manifest struct {
	SchemaID     string          `json:"$id"`
	ModuleID     string          `json:"module_id"`
	Version      string          `json:"version"`
	Category     string          `json:"category"`
	Platform     string          `json:"platform"`
	Entrypoint   string          `json:"entrypoint"`
	Capabilities []Capability    `json:"capabilities"`
	Auth         json.RawMessage `json:"auth,omitempty"`
	Pagination   json.RawMessage `json:"pagination,omitempty"`
	RateLimits   json.RawMessage `json:"rate_limits,omitempty"`
	Outputs      json.RawMessage `json:"outputs,omitempty"`
	Artifacts    json.RawMessage `json:"artifacts,omitempty"`
	Description  string          `json:"description,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	// First pass: reject unknown top-level keys.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	for key := range raw {
		if !allowedKeys[key] {
			return nil, fmt.Errorf("manifest contains unknown top-level key %q", key)
		}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the decoded manifest against the schema rules.
func (m *Manifest) Validate() error {
	if m.SchemaID == "" {
		return fmt.Errorf("manifest missing $id")
	}
	if m.ModuleID == "" || m.Version == "" || m.Category == "" || m.Platform == "" || m.Entrypoint == "" {
		return fmt.Errorf("manifest missing required field (module_id, version, category, platform, entrypoint)")
	}
	if !semverRegex.MatchString(m.Version) {
		return fmt.Errorf("manifest version %q is not MAJOR.MINOR.PATCH", m.Version)
	}
	id, err := buildtypes.NewModuleID(m.Category, m.Platform)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if m.ModuleID != id.String() {
		return fmt.Errorf("manifest module_id %q does not equal category/platform %q", m.ModuleID, id.String())
	}
	if len(m.Capabilities) == 0 {
		return fmt.Errorf("manifest declares no capabilities")
	}
	seen := map[Capability]bool{}
	for _, c := range m.Capabilities {
		if !knownCapabilities[c] {
			return fmt.Errorf("manifest capability %q not in closed set", c)
		}
		if seen[c] {
			return fmt.Errorf("manifest capability %q declared twice", c)
		}
		seen[c] = true
	}
	return nil
}

// HasCapability reports whether the manifest declares c.
func (m *Manifest) HasCapability(c Capability) bool {
	for _, got := range m.Capabilities {
		if got == c {
			return true
		}
	}
	return false
}

// Module returns the parsed module id.
func (m *Manifest) Module() buildtypes.ModuleID {
	id, _ := buildtypes.NewModuleID(m.Category, m.Platform)
	return id
}
