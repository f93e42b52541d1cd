package analysis

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"modforge/internal/artifact"
	"modforge/internal/buildtypes"
	"modforge/internal/policy"
)

const goodAdapter = `package adapter

import (
	"encoding/json"
	"fmt"
)

type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }

func (a *Adapter) FetchRaw(query string) (string, error) {
	return fmt.Sprintf("{\"q\":%q}", query), nil
}

func (a *Adapter) Transform(raw string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) GetSchema() string { return "{\"type\":\"object\"}" }
`

func moduleID(t *testing.T) buildtypes.ModuleID {
	t.Helper()
	id, err := buildtypes.NewModuleID("weather", "openweather")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func bundleWith(t *testing.T, adapterSrc string) *artifact.Bundle {
	t.Helper()
	b, err := artifact.NewBundle(map[string][]byte{
		"modules/weather/openweather/adapter.go": []byte(adapterSrc),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func kinds(fs []buildtypes.Finding) []buildtypes.FindingKind {
	out := make([]buildtypes.FindingKind, len(fs))
	for i, f := range fs {
		out[i] = f.Kind
	}
	return out
}

func TestAnalyzeCleanAdapter(t *testing.T) {
	a := New(policy.DefaultProfile())
	report := a.Analyze(bundleWith(t, goodAdapter), moduleID(t))
	if len(report.Findings) != 0 {
		t.Fatalf("clean adapter produced findings: %+v", report.Findings)
	}
	if !report.Validated() {
		t.Error("clean report should validate")
	}
}

func TestAnalyzeForbiddenImport(t *testing.T) {
	src := `package adapter

import (
	"os/exec"
)

type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }
func (a *Adapter) FetchRaw(q string) (string, error) {
	out, err := exec.Command("curl", q).Output()
	return string(out), err
}
func (a *Adapter) Transform(raw string) (map[string]interface{}, error) { return nil, nil }
func (a *Adapter) GetSchema() string { return "{}" }
`
	a := New(policy.DefaultProfile())
	report := a.Analyze(bundleWith(t, src), moduleID(t))

	if !report.HasKind(buildtypes.KindImportPolicy) {
		t.Errorf("expected IMPORT_POLICY, got %v", kinds(report.Findings))
	}
	if !report.HasKind(buildtypes.KindPolicyViolation) {
		t.Errorf("expected POLICY_VIOLATION for exec.Command, got %v", kinds(report.Findings))
	}
	// Fatal findings must carry locations.
	for _, f := range report.Findings {
		if f.Location.Path == "" || f.Location.Line == 0 {
			t.Errorf("finding %s missing location", f.Kind)
		}
	}
}

func TestAnalyzeAliasedImportStillCaught(t *testing.T) {
	src := `package adapter

import runner "os/exec"

type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }
func (a *Adapter) FetchRaw(q string) (string, error) {
	out, err := runner.Command("sh").Output()
	return string(out), err
}
func (a *Adapter) Transform(raw string) (map[string]interface{}, error) { return nil, nil }
func (a *Adapter) GetSchema() string { return "{}" }
`
	a := New(policy.DefaultProfile())
	report := a.Analyze(bundleWith(t, src), moduleID(t))
	if !report.HasKind(buildtypes.KindPolicyViolation) {
		t.Errorf("aliased exec.Command not caught: %v", kinds(report.Findings))
	}
}

func TestAnalyzeMissingMethod(t *testing.T) {
	src := `package adapter

type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }
func (a *Adapter) FetchRaw(q string) (string, error) { return "", nil }
func (a *Adapter) Transform(raw string) (map[string]interface{}, error) { return nil, nil }
`
	a := New(policy.DefaultProfile())
	report := a.Analyze(bundleWith(t, src), moduleID(t))

	found := false
	for _, f := range report.Findings {
		if f.Kind == buildtypes.KindContractMissingMethod && f.FixHint != "" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected CONTRACT_MISSING_METHOD with fix hint, got %+v", report.Findings)
	}
}

func TestAnalyzeWrongArity(t *testing.T) {
	src := `package adapter

type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }
func (a *Adapter) FetchRaw() (string, error) { return "", nil }
func (a *Adapter) Transform(raw string) (map[string]interface{}, error) { return nil, nil }
func (a *Adapter) GetSchema() string { return "{}" }
`
	a := New(policy.DefaultProfile())
	report := a.Analyze(bundleWith(t, src), moduleID(t))
	if !report.HasKind(buildtypes.KindContractMissingMethod) {
		t.Errorf("wrong arity not reported: %v", kinds(report.Findings))
	}
}

func TestAnalyzeMissingConstructor(t *testing.T) {
	src := `package adapter

type Adapter struct{}

func (a *Adapter) FetchRaw(q string) (string, error) { return "", nil }
func (a *Adapter) Transform(raw string) (map[string]interface{}, error) { return nil, nil }
func (a *Adapter) GetSchema() string { return "{}" }
`
	a := New(policy.DefaultProfile())
	report := a.Analyze(bundleWith(t, src), moduleID(t))
	if !report.HasKind(buildtypes.KindContractBadDecorator) {
		t.Errorf("missing constructor not reported: %v", kinds(report.Findings))
	}
}

func TestAnalyzeSyntaxError(t *testing.T) {
	src := "package adapter\n\nfunc NewAdapter() {\n"
	a := New(policy.DefaultProfile())
	report := a.Analyze(bundleWith(t, src), moduleID(t))
	if !report.HasKind(buildtypes.KindSyntax) {
		t.Errorf("syntax error not reported: %v", kinds(report.Findings))
	}
	for _, f := range report.Findings {
		if f.Kind == buildtypes.KindSyntax && f.Location.Line == 0 {
			t.Error("syntax finding missing line number")
		}
	}
}

func TestAnalyzeDeterministicOrdering(t *testing.T) {
	// Two files with findings; repeated analysis must return the same
	// sorted sequence every run.
	b, err := artifact.NewBundle(map[string][]byte{
		"modules/weather/openweather/adapter.go": []byte("package adapter\n\nimport \"net/http\"\n\nvar _ = http.Get\n"),
		"modules/weather/openweather/extra.go":   []byte("package adapter\n\nimport \"unsafe\"\n\nvar _ = unsafe.Sizeof(0)\n"),
	})
	if err != nil {
		t.Fatal(err)
	}

	a := New(policy.DefaultProfile())
	first := a.Analyze(b, moduleID(t))
	for i := 0; i < 10; i++ {
		again := a.Analyze(b, moduleID(t))
		if diff := cmp.Diff(first.Findings, again.Findings); diff != "" {
			t.Fatalf("non-deterministic findings (run %d):\n%s", i, diff)
		}
	}
	// And sorted by path first.
	for i := 1; i < len(first.Findings); i++ {
		if first.Findings[i-1].Location.Path > first.Findings[i].Location.Path {
			t.Error("findings not sorted by path")
		}
	}
}

func TestAnalyzeProfilePrefixExtension(t *testing.T) {
	src := `package adapter

import "golang.org/x/text/cases"

type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }
func (a *Adapter) FetchRaw(q string) (string, error) { return cases.Title(nil).String(q), nil }
func (a *Adapter) Transform(raw string) (map[string]interface{}, error) { return nil, nil }
func (a *Adapter) GetSchema() string { return "{}" }
`
	strict := New(policy.DefaultProfile())
	if report := strict.Analyze(bundleWith(t, src), moduleID(t)); !report.HasKind(buildtypes.KindImportPolicy) {
		t.Error("import outside baseline should be rejected without prefix")
	}

	prof := policy.DefaultProfile()
	prof.AllowedImportPrefixes = []string{"golang.org/x/text"}
	relaxed := New(prof)
	if report := relaxed.Analyze(bundleWith(t, src), moduleID(t)); report.HasKind(buildtypes.KindImportPolicy) {
		t.Error("profile prefix extension not honored")
	}
}
