package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"modforge/internal/buildtypes"
	"modforge/internal/policy"
)

// Purpose selects the routing lane for a request.
type Purpose string

const (
	PurposeCodegen Purpose = "codegen"
	PurposeRepair  Purpose = "repair"
	PurposeCritic  Purpose = "critic"
)

// GenerateRequest frames one call through the gateway.
type GenerateRequest struct {
	Purpose       Purpose
	Prompt        string
	SystemPrompt  string
	SchemaID      string
	ModuleID      buildtypes.ModuleID
	JobID         string
	CorrelationID string

	// EstimatedTokens is the pre-call budget debit hint.
	EstimatedTokens int

	// Bounds from the job's policy profile, enforced on the response.
	MaxChangedFiles int
	MaxBytesPerFile int64
}

// ChangedFile is one generated file in a response.
type ChangedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PolicyDecl is the generator's declared capabilities and credentials.
type PolicyDecl struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Credentials  []string `json:"credentials,omitempty"`
}

// GenerateResponse is the structured generator response contract. The
// embedded self-assessment report is advisory; the sandbox's report is
// authoritative.
type GenerateResponse struct {
	Stage        string          `json:"stage"`
	Module       string          `json:"module"`
	ChangedFiles []ChangedFile   `json:"changed_files"`
	DeletedFiles []string        `json:"deleted_files,omitempty"`
	Assumptions  []string        `json:"assumptions,omitempty"`
	Rationale    string          `json:"rationale"`
	Policy       PolicyDecl      `json:"policy"`
	SelfReport   json.RawMessage `json:"validation_report,omitempty"`

	// Provider records which lane member produced the response.
	Provider string `json:"-"`
}

// ParseResponse decodes the raw provider text into the contract. Any
// unparseable payload (including truncated streams) is a schema violation;
// the gateway never reassembles partial responses.
func ParseResponse(raw string) (*GenerateResponse, error) {
	raw = strings.TrimSpace(raw)
	var resp GenerateResponse
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	return &resp, nil
}

// ValidateResponse enforces the generator response contract. Silent
// acceptance is forbidden: every rule failure is an explicit error.
func ValidateResponse(resp *GenerateResponse, req *GenerateRequest) error {
	if resp.Stage == "" {
		return fmt.Errorf("response missing stage")
	}
	if resp.Module != req.ModuleID.String() {
		return fmt.Errorf("response module %q does not match job module %q", resp.Module, req.ModuleID)
	}
	if req.MaxChangedFiles > 0 && len(resp.ChangedFiles) > req.MaxChangedFiles {
		return fmt.Errorf("response changes %d files, limit is %d", len(resp.ChangedFiles), req.MaxChangedFiles)
	}

	prefix := req.ModuleID.PathPrefix()
	seen := map[string]bool{}
	for _, cf := range resp.ChangedFiles {
		if err := validatePath(cf.Path, prefix); err != nil {
			return err
		}
		if seen[cf.Path] {
			return fmt.Errorf("response changes path %q twice", cf.Path)
		}
		seen[cf.Path] = true
		if strings.Contains(cf.Content, "```") {
			return fmt.Errorf("file %q contains a markdown code fence", cf.Path)
		}
		if req.MaxBytesPerFile > 0 && int64(len(cf.Content)) > req.MaxBytesPerFile {
			return fmt.Errorf("file %q is %d bytes, limit is %d", cf.Path, len(cf.Content), req.MaxBytesPerFile)
		}
	}
	for _, dp := range resp.DeletedFiles {
		if err := validatePath(dp, prefix); err != nil {
			return err
		}
	}
	return nil
}

func validatePath(p, prefix string) error {
	if !strings.HasPrefix(p, prefix) {
		return fmt.Errorf("path %q is outside the module allowlist %q", p, prefix)
	}
	if bad := policy.PathCharForbidden(p); bad != "" {
		return fmt.Errorf("path %q contains forbidden sequence %q", p, bad)
	}
	return nil
}
