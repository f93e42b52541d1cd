package sandbox

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"

	"modforge/internal/artifact"
	"modforge/internal/buildtypes"
	"modforge/internal/policy"
)

const goodAdapter = `package adapter

type Adapter struct {
	base string
}

func NewAdapter() *Adapter {
	return &Adapter{base: "https://api.openweathermap.org"}
}

func (a *Adapter) FetchRaw(query string) string {
	return "{\"temp\": 21.5, \"city\": \"" + query + "\"}"
}

func (a *Adapter) Transform(raw string) string {
	return raw
}

func (a *Adapter) GetSchema() string {
	return "{\"type\": \"object\"}"
}
`

const goodTests = `package adapter

import "sandboxtest"

func RunTests(t *sandboxtest.T) {
	t.Run("auth_constructor", func(t *sandboxtest.T) {
		a := NewAdapter()
		t.Check(a != nil, "constructor returned nil")
	})
	t.Run("auth_fetch", func(t *sandboxtest.T) {
		a := NewAdapter()
		raw := a.FetchRaw("berlin")
		t.Check(len(raw) > 0, "empty payload")
	})
}
`

func testModule(t *testing.T) buildtypes.ModuleID {
	t.Helper()
	id, err := buildtypes.ParseModuleID("weather/openweather")
	if err != nil {
		t.Fatalf("ParseModuleID: %v", err)
	}
	return id
}

func mustBundle(t *testing.T, files map[string]string) *artifact.Bundle {
	t.Helper()
	m := make(map[string][]byte, len(files))
	for p, c := range files {
		m[p] = []byte(c)
	}
	b, err := artifact.NewBundle(m)
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	return b
}

func TestRunHappyPath(t *testing.T) {
	// The constructor-hang tests deliberately abandon interpreter goroutines
	// blocked in select{}; ignore those frames so leak checks stay meaningful.
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("github.com/traefik/yaegi/interp.runCfg"))
	module := testModule(t)
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": goodTests,
	})

	r := New(t.TempDir())
	report, state := r.Run(context.Background(), Request{
		Bundle:       bundle,
		Module:       module,
		Profile:      policy.DefaultProfile(),
		Capabilities: []string{"auth"},
		Mode:         ModeFull,
	})

	if state != StateReleased {
		t.Fatalf("state = %s, want RELEASED (findings: %+v)", state, report.Findings)
	}
	if !report.Validated() {
		t.Fatalf("report not validated: %+v", report.Findings)
	}
	if len(report.Suites) != 1 || report.Suites[0].Name != "auth" || !report.Suites[0].Passed || !report.Suites[0].HardGate {
		t.Errorf("suites = %+v, want one passing hard-gate auth suite", report.Suites)
	}
	if report.Usage.WallClock <= 0 {
		t.Errorf("wall clock usage not recorded")
	}
}

func TestRunFailingTest(t *testing.T) {
	module := testModule(t)
	failing := `package adapter

import "sandboxtest"

func RunTests(t *sandboxtest.T) {
	t.Run("auth_fetch", func(t *sandboxtest.T) {
		t.Errorf("expected 200, got 404")
	})
}
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": failing,
	})

	r := New(t.TempDir())
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
	})

	if state != StateReleased {
		t.Fatalf("state = %s, want RELEASED", state)
	}
	if report.Validated() {
		t.Fatal("failing suite must not validate")
	}
	blocking := report.BlockingFindings()
	if len(blocking) != 1 || blocking[0].Kind != buildtypes.KindTestFailure {
		t.Fatalf("findings = %+v, want one TEST_FAILURE", blocking)
	}
	if blocking[0].TestID != "auth_fetch" {
		t.Errorf("TestID = %q, want auth_fetch", blocking[0].TestID)
	}
	if blocking[0].FixHint == "" {
		t.Error("TEST_FAILURE finding carries no fix hint")
	}
}

func TestRunForbiddenImportAbortsBeforeExecution(t *testing.T) {
	// The constructor-hang tests deliberately abandon interpreter goroutines
	// blocked in select{}; ignore those frames so leak checks stay meaningful.
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("github.com/traefik/yaegi/interp.runCfg"))
	module := testModule(t)
	evil := `package adapter

import "os/exec"

type Adapter struct{}

func NewAdapter() *Adapter { return &Adapter{} }

func (a *Adapter) FetchRaw(q string) string {
	out, _ := exec.Command("id").Output()
	return string(out)
}

func (a *Adapter) Transform(raw string) string { return raw }

func (a *Adapter) GetSchema() string { return "{}" }
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      evil,
		module.PathPrefix() + "adapter_test.go": goodTests,
	})

	r := New(t.TempDir())
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
	})

	if state != StateAborted {
		t.Fatalf("state = %s, want ABORTED", state)
	}
	if !report.HasKind(buildtypes.KindImportPolicy) {
		t.Fatalf("findings = %+v, want IMPORT_POLICY", report.Findings)
	}
	if len(report.Suites) != 0 {
		t.Errorf("suites recorded despite aborted run: %+v", report.Suites)
	}
}

func TestRunDeclaredCapabilityWithoutTests(t *testing.T) {
	module := testModule(t)
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": goodTests,
	})

	r := New(t.TempDir())
	report, _ := r.Run(context.Background(), Request{
		Bundle:       bundle,
		Module:       module,
		Profile:      policy.DefaultProfile(),
		Capabilities: []string{"auth", "pagination"},
		Mode:         ModeFull,
	})

	if report.Validated() {
		t.Fatal("uncovered declared capability must fail the hard gate")
	}
	var pagination *buildtypes.SuiteResult
	for i := range report.Suites {
		if report.Suites[i].Name == "pagination" {
			pagination = &report.Suites[i]
		}
	}
	if pagination == nil || pagination.Passed || !pagination.HardGate {
		t.Errorf("pagination suite = %+v, want failed hard gate", pagination)
	}
}

func TestRunMissingTestEntry(t *testing.T) {
	module := testModule(t)
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": "package adapter\n\nfunc helper() int { return 1 }\n",
	})

	r := New(t.TempDir())
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
	})

	if state != StateReleased {
		t.Fatalf("state = %s, want RELEASED", state)
	}
	if !report.HasKind(buildtypes.KindContractMissingMethod) {
		t.Fatalf("findings = %+v, want CONTRACT_MISSING_METHOD", report.Findings)
	}
}

func TestRunVirtualClock(t *testing.T) {
	// The constructor-hang tests deliberately abandon interpreter goroutines
	// blocked in select{}; ignore those frames so leak checks stay meaningful.
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("github.com/traefik/yaegi/interp.runCfg"))
	module := testModule(t)
	clocked := `package adapter

import (
	"sandboxtest"
	"time"
)

func RunTests(t *sandboxtest.T) {
	t.Run("auth_clock", func(t *sandboxtest.T) {
		before := time.Now()
		time.Sleep(time.Hour)
		t.Check(time.Now().Sub(before) == time.Hour, "clock did not advance by exactly one hour")
	})
}
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": clocked,
	})

	r := New(t.TempDir())
	start := time.Now()
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
	})

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("virtual sleep took %v of real time", elapsed)
	}
	if state != StateReleased || !report.Validated() {
		t.Fatalf("state=%s findings=%+v, want validated release", state, report.Findings)
	}
}

func TestRunConstructorHangHitsWallCap(t *testing.T) {
	module := testModule(t)
	stuck := `package adapter

type Adapter struct{}

func NewAdapter() *Adapter {
	select {}
}

func (a *Adapter) FetchRaw(q string) string { return q }

func (a *Adapter) Transform(raw string) string { return raw }

func (a *Adapter) GetSchema() string { return "{}" }
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      stuck,
		module.PathPrefix() + "adapter_test.go": goodTests,
	})

	profile := policy.DefaultProfile()
	profile.WallClockSeconds = 1

	r := New(t.TempDir())
	start := time.Now()
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: profile, Mode: ModeFull,
	})

	if state != StateAborted {
		t.Fatalf("state = %s, want ABORTED", state)
	}
	if !report.HasKind(buildtypes.KindTimeout) {
		t.Fatalf("findings = %+v, want TIMEOUT", report.Findings)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hanging constructor held Run for %v, want return at the cap", elapsed)
	}
}

func TestRunConstructorHangHonorsCancellation(t *testing.T) {
	module := testModule(t)
	stuck := `package adapter

type Adapter struct{}

func NewAdapter() *Adapter {
	select {}
}

func (a *Adapter) FetchRaw(q string) string { return q }

func (a *Adapter) Transform(raw string) string { return raw }

func (a *Adapter) GetSchema() string { return "{}" }
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      stuck,
		module.PathPrefix() + "adapter_test.go": goodTests,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	r := New(t.TempDir())
	start := time.Now()
	report, state := r.Run(ctx, Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
	})

	if state != StateAborted {
		t.Fatalf("state = %s, want ABORTED", state)
	}
	if report.HasKind(buildtypes.KindTimeout) {
		t.Error("cancellation must not be reported as TIMEOUT")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v, want prompt return", elapsed)
	}
}

func TestRunClockCoversDerivedFunctions(t *testing.T) {
	// The constructor-hang tests deliberately abandon interpreter goroutines
	// blocked in select{}; ignore those frames so leak checks stay meaningful.
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("github.com/traefik/yaegi/interp.runCfg"))
	module := testModule(t)
	clocked := `package adapter

import (
	"sandboxtest"
	"time"
)

func RunTests(t *sandboxtest.T) {
	t.Run("auth_elapsed", func(t *sandboxtest.T) {
		before := time.Now()
		time.Sleep(30 * time.Minute)
		t.Check(time.Since(before) == 30*time.Minute, "Since did not track the virtual clock")
		t.Check(time.Until(before.Add(time.Hour)) == 30*time.Minute, "Until did not track the virtual clock")
	})
}
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": clocked,
	})

	r := New(t.TempDir())
	start := time.Now()
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
	})

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("virtual elapsed-time checks took %v of real time", elapsed)
	}
	if state != StateReleased || !report.Validated() {
		t.Fatalf("state=%s findings=%+v, want validated release", state, report.Findings)
	}
}

func TestRunRealTimerSymbolsUnavailable(t *testing.T) {
	module := testModule(t)
	waiting := `package adapter

import (
	"sandboxtest"
	"time"
)

func RunTests(t *sandboxtest.T) {
	t.Run("auth_wait", func(t *sandboxtest.T) {
		<-time.After(time.Hour)
	})
}
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": waiting,
	})

	r := New(t.TempDir())
	start := time.Now()
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
	})

	// The timer symbol is absent from the patched time package, so the file
	// fails to evaluate instead of performing a real wait.
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("time.After performed a real wait: %v elapsed", elapsed)
	}
	if state != StateReleased {
		t.Fatalf("state = %s, want RELEASED", state)
	}
	if report.Validated() {
		t.Fatal("a bundle reaching for real timers must not validate")
	}
	if !report.HasKind(buildtypes.KindRuntime) {
		t.Fatalf("findings = %+v, want RUNTIME evaluation failure", report.Findings)
	}
	if report.HasKind(buildtypes.KindTimeout) {
		t.Error("absent timer symbols must fail evaluation, not burn the wall cap")
	}
}

func TestRunTimeout(t *testing.T) {
	module := testModule(t)
	stuck := `package adapter

import "sandboxtest"

func RunTests(t *sandboxtest.T) {
	t.Run("auth_hangs", func(t *sandboxtest.T) {
		select {}
	})
}
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": stuck,
	})

	profile := policy.DefaultProfile()
	profile.WallClockSeconds = 1

	r := New(t.TempDir())
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: profile, Mode: ModeFull,
	})

	if state != StateAborted {
		t.Fatalf("state = %s, want ABORTED", state)
	}
	if !report.HasKind(buildtypes.KindTimeout) {
		t.Fatalf("findings = %+v, want TIMEOUT", report.Findings)
	}
}

func TestRunCancellation(t *testing.T) {
	module := testModule(t)
	stuck := `package adapter

import "sandboxtest"

func RunTests(t *sandboxtest.T) {
	t.Run("auth_hangs", func(t *sandboxtest.T) {
		select {}
	})
}
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": stuck,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	r := New(t.TempDir())
	start := time.Now()
	report, state := r.Run(ctx, Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
	})

	if state != StateAborted {
		t.Fatalf("state = %s, want ABORTED", state)
	}
	if report.HasKind(buildtypes.KindTimeout) {
		t.Error("cancellation must not be reported as TIMEOUT")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v, want prompt return", elapsed)
	}
}

func TestRunModeContract(t *testing.T) {
	module := testModule(t)
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go": goodAdapter,
	})

	r := New(t.TempDir())
	report, state := r.Run(context.Background(), Request{
		Bundle: bundle, Module: module, Profile: policy.DefaultProfile(), Mode: ModeContract,
	})

	if state != StateReleased || !report.Validated() {
		t.Fatalf("state=%s findings=%+v, want clean contract check", state, report.Findings)
	}
}

func TestRunWorkspaceAlwaysDestroyed(t *testing.T) {
	module := testModule(t)
	workRoot := t.TempDir()

	runs := []map[string]string{
		{
			module.PathPrefix() + "adapter.go":      goodAdapter,
			module.PathPrefix() + "adapter_test.go": goodTests,
		},
		{
			module.PathPrefix() + "adapter.go":      "package adapter\n\nimport \"net/http\"\n\nvar _ = http.Get\n",
			module.PathPrefix() + "adapter_test.go": goodTests,
		},
	}
	r := New(workRoot)
	for _, files := range runs {
		r.Run(context.Background(), Request{
			Bundle: mustBundle(t, files), Module: module, Profile: policy.DefaultProfile(), Mode: ModeFull,
		})
	}

	entries, err := os.ReadDir(workRoot)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspaces left behind: %v", entries)
	}
}

func TestRunChartEmission(t *testing.T) {
	module := testModule(t)
	charting := `package adapter

import "sandboxtest"

func RunTests(t *sandboxtest.T) {
	t.Run("charts_price", func(t *sandboxtest.T) {
		t.EmitChart(sandboxtest.Chart{
			Name:    "price",
			MIME:    "image/svg+xml",
			Data:    []byte("<svg width=\"640\" height=\"480\"></svg>"),
			Series:  []string{"price"},
			Summary: map[string][]float64{"price": {101.5, 102.25}},
		})
	})
}
`
	bundle := mustBundle(t, map[string]string{
		module.PathPrefix() + "adapter.go":      goodAdapter,
		module.PathPrefix() + "adapter_test.go": charting,
	})

	r := New(t.TempDir())
	report, state := r.Run(context.Background(), Request{
		Bundle:       bundle,
		Module:       module,
		Profile:      policy.DefaultProfile(),
		Capabilities: []string{"charts"},
		Mode:         ModeFull,
	})

	if state != StateReleased || !report.Validated() {
		t.Fatalf("state=%s findings=%+v, want validated chart run", state, report.Findings)
	}
}
