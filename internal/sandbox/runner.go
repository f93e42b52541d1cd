// Package sandbox executes a candidate bundle's test suite inside an
// embedded interpreter instead of compiling it. The interpreter only ever
// sees the stdlib subset the policy profile allows plus the injected test
// harness, so a dynamic import of a forbidden package fails at resolution
// time even when it slipped past static analysis.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"modforge/internal/artifact"
	"modforge/internal/buildtypes"
	"modforge/internal/logging"
	"modforge/internal/policy"
	"modforge/internal/sandbox/sandboxtest"
)

// State is the runner lifecycle for one attempt.
type State string

const (
	StateIdle       State = "IDLE"
	StateAcquiring  State = "ACQUIRING"
	StatePrepared   State = "PREPARED"
	StateExecuting  State = "EXECUTING"
	StateCollecting State = "COLLECTING"
	StateReleased   State = "RELEASED"
	StateAborted    State = "ABORTED"
)

// Mode selects how much of the pipeline runs.
type Mode string

const (
	// ModeFull materializes, instantiates the adapter, and runs the test
	// suite.
	ModeFull Mode = "full"
	// ModeContract stops after instantiating the adapter. Used by the
	// verify path, which has no test suite to run.
	ModeContract Mode = "contract"
)

// Adapter entrypoint contract, mirrored from the static analyzer.
const (
	adapterPackage  = "adapter"
	constructorName = "NewAdapter"
	testEntryName   = "RunTests"
)

// maxCapturedOutput bounds how much interpreter stdout/stderr the report
// carries.
const maxCapturedOutput = 64 << 10

// Request is one sandbox run: the bundle under test, the module it claims
// to implement, the policy profile, and the capabilities its manifest
// declares (each becomes a hard-gate suite).
type Request struct {
	Bundle       *artifact.Bundle
	Module       buildtypes.ModuleID
	Profile      policy.Profile
	Capabilities []string
	Mode         Mode
}

// Runner executes bundles in ephemeral workspaces under workRoot. It is
// the single writer for each workspace it creates.
type Runner struct {
	workRoot string
	log      *logging.Logger
}

// New creates a runner rooted at workRoot (empty means the system temp
// dir).
func New(workRoot string) *Runner {
	return &Runner{
		workRoot: workRoot,
		log:      logging.Get(logging.CategorySandbox),
	}
}

// Run executes one attempt and returns its report plus the terminal
// lifecycle state: RELEASED when the run completed (findings or not),
// ABORTED on policy violation, resource violation, or cancellation. The
// ephemeral workspace is destroyed on every exit path.
func (r *Runner) Run(ctx context.Context, req Request) (*buildtypes.ValidationReport, State) {
	report := &buildtypes.ValidationReport{}
	start := time.Now()

	r.log.Debug("acquiring workspace for %s", req.Module)
	workspace, err := os.MkdirTemp(r.workRoot, "attempt-")
	if err != nil {
		report.Findings = append(report.Findings, finding(buildtypes.SeverityFatal, buildtypes.KindRuntime,
			fmt.Sprintf("create workspace: %v", err), ""))
		return r.finish(report, start, StateAborted)
	}
	defer os.RemoveAll(workspace)

	if fs := materialize(workspace, req.Bundle); len(fs) > 0 {
		report.Findings = append(report.Findings, fs...)
		return r.finish(report, start, StateAborted)
	}

	// Defense in depth: the analyzer already vetted imports, but the bundle
	// is re-checked here with the runtime profile before anything executes.
	if fs := recheckImports(req.Bundle, req.Profile); len(fs) > 0 {
		report.Findings = append(report.Findings, fs...)
		r.log.Warn("import re-check rejected bundle for %s", req.Module)
		return r.finish(report, start, StateAborted)
	}

	// The harness clock starts at the epoch and only the profile seed feeds
	// the random stream; generated code never observes the host clock.
	clock := sandboxtest.NewClock(time.Unix(0, 0).UTC())
	harness := sandboxtest.New(clock, req.Profile.RandomSeed)

	var stdout, stderr syncBuffer
	ip := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr, Env: []string{}})
	if err := ip.Use(allowedSymbols(req.Profile, clock)); err != nil {
		report.Findings = append(report.Findings, finding(buildtypes.SeverityFatal, buildtypes.KindRuntime,
			fmt.Sprintf("load interpreter symbols: %v", err), ""))
		return r.finish(report, start, StateAborted)
	}
	if err := ip.Use(harnessSymbols()); err != nil {
		report.Findings = append(report.Findings, finding(buildtypes.SeverityFatal, buildtypes.KindRuntime,
			fmt.Sprintf("load harness symbols: %v", err), ""))
		return r.finish(report, start, StateAborted)
	}
	r.log.Debug("workspace prepared for %s at %s", req.Module, workspace)

	collect := func(state State) (*buildtypes.ValidationReport, State) {
		report.Stdout = truncate(stdout.String())
		report.Stderr = truncate(stderr.String())
		return r.finish(report, start, state)
	}

	wall := time.Duration(req.Profile.WallClockSeconds) * time.Second
	if wall <= 0 {
		wall = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	// Evaluation, instantiation, and the test suite all run inside one
	// guarded goroutine: a package initializer or constructor that never
	// returns is abandoned at the cap exactly like a hanging test.
	r.log.Debug("executing %s", req.Module)
	done := make(chan phaseResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- phaseResult{
					findings: []buildtypes.Finding{finding(buildtypes.SeverityError, buildtypes.KindRuntime,
						fmt.Sprintf("interpreter panicked: %v", rec), "fix the panic in the generated code")},
					state: StateReleased,
				}
			}
		}()
		done <- r.execute(ip, harness, req)
	}()

	select {
	case res := <-done:
		report.Findings = append(report.Findings, res.findings...)
		if res.state != StateReleased {
			return collect(res.state)
		}
		if !res.suiteRan {
			return collect(StateReleased)
		}
	case <-runCtx.Done():
		// The interpreter goroutine cannot be preempted mid-call; it is
		// abandoned and the workspace teardown still runs.
		if ctx.Err() != nil {
			r.log.Warn("run cancelled for %s after %v", req.Module, time.Since(start))
			return collect(StateAborted)
		}
		report.Findings = append(report.Findings, finding(buildtypes.SeverityError, buildtypes.KindTimeout,
			fmt.Sprintf("run exceeded the %v wall-clock cap (elapsed %v)", wall, time.Since(start).Round(time.Millisecond)),
			"finish within the wall-clock cap; use the harness clock instead of real waits"))
		return collect(StateAborted)
	}

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	allocated := int64(memAfter.TotalAlloc - memBefore.TotalAlloc)
	report.Usage.PeakBytes = allocated
	if req.Profile.MemoryBytes > 0 && allocated > req.Profile.MemoryBytes {
		report.Findings = append(report.Findings, finding(buildtypes.SeverityError, buildtypes.KindResourceExhausted,
			fmt.Sprintf("test suite allocated %d bytes, cap is %d", allocated, req.Profile.MemoryBytes),
			"reduce allocations in the adapter and its tests"))
		return collect(StateAborted)
	}

	for _, res := range harness.Results() {
		if res.Passed {
			continue
		}
		report.Findings = append(report.Findings, buildtypes.Finding{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindTestFailure,
			Message:  res.Message,
			TestID:   res.ID,
			FixHint:  fmt.Sprintf("make test %s pass: %s", res.ID, res.Message),
		})
	}
	suites, missing := buildSuites(harness.Results(), req.Capabilities)
	report.Suites = suites
	for _, capName := range missing {
		report.Findings = append(report.Findings, finding(buildtypes.SeverityError, buildtypes.KindTestFailure,
			fmt.Sprintf("capability %q is declared but no test covers it", capName),
			fmt.Sprintf("add tests named %s_* to adapter_test.go", capName)))
	}
	for _, c := range harness.Charts() {
		report.Findings = append(report.Findings, validateChart(c)...)
	}

	return collect(StateReleased)
}

// phaseResult is what the EXECUTING goroutine hands back: findings, the
// state to finish in, and whether the test suite actually ran (which is
// when resource caps and suite results apply).
type phaseResult struct {
	findings []buildtypes.Finding
	state    State
	suiteRan bool
}

// execute evaluates the bundle sources, instantiates the adapter, and runs
// the test suite. It never touches the report directly; everything flows
// back through the result so an abandoned run cannot race the collector.
func (r *Runner) execute(ip *interp.Interpreter, harness *sandboxtest.T, req Request) phaseResult {
	var fs []buildtypes.Finding

	prefix := req.Module.PathPrefix()
	sources := []struct {
		path     string
		missing  buildtypes.FindingKind
		required bool
	}{
		{prefix + "adapter.go", buildtypes.KindContractBadDecorator, true},
		{prefix + "adapter_test.go", buildtypes.KindContractMissingMethod, req.Mode == ModeFull},
	}
	for _, src := range sources {
		if !src.required {
			continue
		}
		entry, ok := req.Bundle.File(src.path)
		if !ok {
			fs = append(fs, finding(buildtypes.SeverityError, src.missing,
				fmt.Sprintf("bundle is missing %s", src.path),
				fmt.Sprintf("generate %s", src.path)))
			return phaseResult{findings: fs, state: StateReleased}
		}
		if _, err := ip.Eval(string(entry.Content)); err != nil {
			f := classifyEvalError(src.path, err)
			fs = append(fs, f)
			if f.Kind == buildtypes.KindImportPolicy {
				return phaseResult{findings: fs, state: StateAborted}
			}
			return phaseResult{findings: fs, state: StateReleased}
		}
	}

	// The constructor is called explicitly: nothing registers itself as a
	// side effect of evaluation.
	if cfs := instantiateAdapter(ip); len(cfs) > 0 {
		return phaseResult{findings: append(fs, cfs...), state: StateReleased}
	}
	if req.Mode == ModeContract {
		return phaseResult{findings: fs, state: StateReleased}
	}

	entryVal, err := ip.Eval(adapterPackage + "." + testEntryName)
	if err != nil {
		fs = append(fs, finding(buildtypes.SeverityError, buildtypes.KindContractMissingMethod,
			"test file does not export "+testEntryName,
			fmt.Sprintf("export func %s(t *sandboxtest.T) from adapter_test.go", testEntryName)))
		return phaseResult{findings: fs, state: StateReleased}
	}
	runTests, ok := entryVal.Interface().(func(*sandboxtest.T))
	if !ok {
		fs = append(fs, finding(buildtypes.SeverityError, buildtypes.KindContractMissingMethod,
			testEntryName+" has the wrong signature",
			fmt.Sprintf("declare func %s(t *sandboxtest.T)", testEntryName)))
		return phaseResult{findings: fs, state: StateReleased}
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				fs = append(fs, finding(buildtypes.SeverityError, buildtypes.KindRuntime,
					fmt.Sprintf("test harness panicked: %v", rec), "fix the panic in the test suite"))
			}
		}()
		runTests(harness)
	}()
	return phaseResult{findings: fs, state: StateReleased, suiteRan: true}
}

// finish stamps usage, sorts findings, and logs the outcome.
func (r *Runner) finish(report *buildtypes.ValidationReport, start time.Time, state State) (*buildtypes.ValidationReport, State) {
	report.Usage.WallClock = time.Since(start)
	buildtypes.SortFindings(report.Findings)
	r.log.Info("run finished state=%s findings=%d suites=%d", state, len(report.Findings), len(report.Suites))
	return report, state
}

func finding(sev buildtypes.Severity, kind buildtypes.FindingKind, msg, hint string) buildtypes.Finding {
	return buildtypes.Finding{Severity: sev, Kind: kind, Message: msg, FixHint: hint}
}

// materialize writes the bundle under the workspace root. The interpreter
// evaluates bundle content directly; the on-disk copy exists so a failed
// run leaves an inspectable tree until teardown, and so filesystem-level
// limits (disk quota on the work root) apply to the attempt.
func materialize(workspace string, b *artifact.Bundle) []buildtypes.Finding {
	for _, entry := range b.Entries() {
		full := filepath.Join(workspace, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return []buildtypes.Finding{finding(buildtypes.SeverityFatal, buildtypes.KindRuntime,
				fmt.Sprintf("materialize %s: %v", entry.Path, err), "")}
		}
		if err := os.WriteFile(full, entry.Content, 0o644); err != nil {
			return []buildtypes.Finding{finding(buildtypes.SeverityFatal, buildtypes.KindRuntime,
				fmt.Sprintf("materialize %s: %v", entry.Path, err), "")}
		}
	}
	return nil
}

// recheckImports re-validates every Go file's imports against the runtime
// profile.
func recheckImports(b *artifact.Bundle, profile policy.Profile) []buildtypes.Finding {
	var findings []buildtypes.Finding
	for _, entry := range b.Entries() {
		if !strings.HasSuffix(entry.Path, ".go") {
			continue
		}
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, entry.Path, entry.Content, parser.ImportsOnly)
		if err != nil {
			// The analyzer already turned parse failures into SYNTAX
			// findings; here an unparseable file just cannot run.
			continue
		}
		for _, imp := range file.Imports {
			path := strings.Trim(imp.Path.Value, `"`)
			if !policy.ImportAllowed(path, profile.AllowedImportPrefixes) {
				pos := fset.Position(imp.Pos())
				findings = append(findings, buildtypes.Finding{
					Severity: buildtypes.SeverityFatal,
					Kind:     buildtypes.KindImportPolicy,
					Message:  fmt.Sprintf("import %q denied by runtime policy", path),
					Location: buildtypes.Location{Path: entry.Path, Line: pos.Line, Col: pos.Column},
					FixHint:  fmt.Sprintf("remove the %q import", path),
				})
			}
		}
	}
	return findings
}

// instantiateAdapter resolves and calls the constructor. Resolution failure
// or a constructor that takes arguments breaks the contract; a panic during
// construction is a runtime finding.
func instantiateAdapter(ip *interp.Interpreter) []buildtypes.Finding {
	v, err := ip.Eval(adapterPackage + "." + constructorName)
	if err != nil {
		return []buildtypes.Finding{finding(buildtypes.SeverityError, buildtypes.KindContractBadDecorator,
			"adapter does not export "+constructorName,
			"add `func NewAdapter() *Adapter` to adapter.go")}
	}
	if v.Kind() != reflect.Func || v.Type().NumIn() != 0 || v.Type().NumOut() < 1 {
		return []buildtypes.Finding{finding(buildtypes.SeverityError, buildtypes.KindContractBadDecorator,
			constructorName+" must take no arguments and return the adapter value",
			"declare `func NewAdapter() *Adapter`")}
	}

	var fs []buildtypes.Finding
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				fs = append(fs, finding(buildtypes.SeverityError, buildtypes.KindRuntime,
					fmt.Sprintf("%s panicked: %v", constructorName, rec),
					"make the constructor total; it must not panic"))
			}
		}()
		v.Call(nil)
	}()
	return fs
}

// classifyEvalError maps interpreter evaluation failures onto the finding
// taxonomy. A failed package resolution is the dynamic import hook firing.
func classifyEvalError(path string, err error) buildtypes.Finding {
	msg := err.Error()
	if strings.Contains(msg, "unable to find source") || strings.Contains(msg, "could not import") {
		return buildtypes.Finding{
			Severity: buildtypes.SeverityFatal,
			Kind:     buildtypes.KindImportPolicy,
			Message:  fmt.Sprintf("dynamic import denied: %s", msg),
			Location: buildtypes.Location{Path: path},
			FixHint:  "only the allowed import set is available inside the sandbox",
		}
	}
	return buildtypes.Finding{
		Severity: buildtypes.SeverityError,
		Kind:     buildtypes.KindRuntime,
		Message:  msg,
		Location: buildtypes.Location{Path: path},
		FixHint:  "fix the evaluation error: " + msg,
	}
}

// allowedSymbols filters the interpreter's stdlib surface down to what the
// profile allows. Packages outside the set are simply absent, so importing
// them fails at resolution time. The time package is rebound to the virtual
// clock: Now/Since/Until read it and Sleep advances it without blocking.
// The channel- and timer-based waits (After, Tick, NewTimer, NewTicker,
// AfterFunc) have no virtual equivalent and are removed entirely — real
// waits and the host clock are both unreachable from generated code.
func allowedSymbols(profile policy.Profile, clock *sandboxtest.Clock) interp.Exports {
	out := interp.Exports{}
	for key, symbols := range stdlib.Symbols {
		path := key
		if i := strings.LastIndex(key, "/"); i >= 0 {
			path = key[:i]
		}
		if policy.ImportAllowed(path, profile.AllowedImportPrefixes) {
			out[key] = symbols
		}
	}
	if timePkg, ok := out["time/time"]; ok {
		patched := make(map[string]reflect.Value, len(timePkg))
		for name, v := range timePkg {
			patched[name] = v
		}
		patched["Now"] = reflect.ValueOf(clock.Now)
		patched["Sleep"] = reflect.ValueOf(clock.Sleep)
		patched["Since"] = reflect.ValueOf(func(t time.Time) time.Duration { return clock.Now().Sub(t) })
		patched["Until"] = reflect.ValueOf(func(t time.Time) time.Duration { return t.Sub(clock.Now()) })
		for _, name := range []string{"After", "Tick", "NewTimer", "NewTicker", "AfterFunc"} {
			delete(patched, name)
		}
		out["time/time"] = patched
	}
	return out
}

// harnessSymbols exposes the injected test harness under the virtual
// import path the generated test file uses.
func harnessSymbols() interp.Exports {
	return interp.Exports{
		policy.HarnessImport + "/" + policy.HarnessImport: {
			"T":     reflect.ValueOf((*sandboxtest.T)(nil)),
			"Clock": reflect.ValueOf((*sandboxtest.Clock)(nil)),
			"Chart": reflect.ValueOf((*sandboxtest.Chart)(nil)),
		},
	}
}

// buildSuites folds test outcomes into capability suites. A test named
// "auth_basic" belongs to the "auth" suite. Declared capabilities become
// hard gates; ones with no covering tests are returned in missing.
func buildSuites(results []sandboxtest.TestResult, capabilities []string) (suites []buildtypes.SuiteResult, missing []string) {
	declared := map[string]bool{}
	for _, c := range capabilities {
		declared[c] = true
	}

	byName := map[string]*buildtypes.SuiteResult{}
	var order []string
	for _, res := range results {
		name := res.ID
		if i := strings.Index(name, "_"); i > 0 {
			name = name[:i]
		}
		s, ok := byName[name]
		if !ok {
			s = &buildtypes.SuiteResult{Name: name, Passed: true, HardGate: declared[name]}
			byName[name] = s
			order = append(order, name)
		}
		if !res.Passed {
			s.Passed = false
		}
	}

	for _, c := range capabilities {
		if _, ok := byName[c]; !ok {
			missing = append(missing, c)
			byName[c] = &buildtypes.SuiteResult{Name: c, Passed: false, HardGate: true}
			order = append(order, c)
		}
	}

	sort.Strings(order)
	for _, name := range order {
		suites = append(suites, *byName[name])
	}
	sort.Strings(missing)
	return suites, missing
}

// syncBuffer guards the interpreter's output streams: a goroutine
// abandoned at the wall-clock cap may still be writing when the report is
// collected.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n[truncated]"
}
