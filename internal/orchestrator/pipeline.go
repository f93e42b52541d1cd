package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modforge/internal/analysis"
	"modforge/internal/artifact"
	"modforge/internal/buildtypes"
	"modforge/internal/gateway"
	"modforge/internal/manifest"
	"modforge/internal/prompt"
	"modforge/internal/sandbox"
	"modforge/internal/store"
)

// maxPlanTries bounds the scaffold/critic cycle when the critic keeps
// rejecting plans.
const maxPlanTries = 3

// generateSchemaID names the response contract version stamped on every
// gateway request.
const generateSchemaID = "modforge/generate/1.0.0"

// pipeline is the per-job stage machine state. One goroutine owns it for
// the job's whole lifetime.
type pipeline struct {
	o        *Orchestrator
	ctx      context.Context
	job      *job
	analyzer *analysis.Analyzer

	bundle   *artifact.Bundle
	manifest *manifest.Manifest
	attempts int
}

// runJob drives one job to a terminal status.
func (o *Orchestrator) runJob(j *job) {
	// The job deadline covers the whole attempt budget, each attempt being
	// bounded by the profile's wall clock inside the sandbox.
	deadline := time.Duration(j.profile.WallClockSeconds) * time.Second * time.Duration(j.maxAttempts+2)
	ctx, cancel := context.WithTimeout(o.baseCtx, deadline)
	defer cancel()

	if state := o.state(j.id); state != nil {
		state.mu.Lock()
		state.status = buildtypes.StatusRunning
		state.cancel = cancel
		state.mu.Unlock()
	}
	if err := o.store.UpdateJob(j.id, buildtypes.StatusRunning, "", 0, ""); err != nil {
		o.log.Error("job %s: persist RUNNING: %v", j.id, err)
	}

	p := &pipeline{o: o, ctx: ctx, job: j, analyzer: analysis.New(j.profile)}
	p.run()
}

func (p *pipeline) run() {
	plan, ok := p.scaffold()
	if !ok {
		return
	}

	p.setStage(buildtypes.StageImplement)
	system, user := prompt.Implement(p.job.module, p.job.intent, plan)
	purpose := gateway.PurposeCodegen

	var lastFingerprint string
	resourceStrike := false

	for attempt := 1; attempt <= p.job.maxAttempts; attempt++ {
		p.attempts = attempt
		p.emitAttempt(EventAttemptStarted, attempt, "")
		if p.ctx.Err() != nil {
			p.finish(buildtypes.StatusAborted, buildtypes.NoteCancelled)
			return
		}

		report, state := p.attemptOnce(purpose, system, user, attempt)
		if report == nil {
			// Gateway failure already finalized the job.
			return
		}

		fp := buildtypes.Fingerprint(report)
		p.recordAttempt(attempt, fp, report)
		p.emitAttempt(EventAttemptFinished, attempt,
			fmt.Sprintf("blocking findings: %d", len(report.BlockingFindings())))

		if state == sandbox.StateAborted && p.ctx.Err() != nil {
			p.finish(buildtypes.StatusAborted, buildtypes.NoteCancelled)
			return
		}

		// Attestation requires a completed sandbox run; a clean report from
		// an aborted or skipped run proves nothing.
		if state == sandbox.StateReleased && report.Validated() {
			p.attest()
			return
		}

		switch classify(report, fp, lastFingerprint, &resourceStrike) {
		case buildtypes.ClassTerminal:
			p.finish(buildtypes.StatusFailed, terminalNote(report))
			return
		case buildtypes.ClassNonProgressing:
			p.finish(buildtypes.StatusFailed, buildtypes.NoteThrashDetected)
			return
		}

		lastFingerprint = fp
		p.setStage(buildtypes.StageRepair)
		system, user = prompt.Repair(p.job.module, p.job.intent, attempt+1, report, p.bundlePaths())
		purpose = gateway.PurposeRepair
		p.setStage(buildtypes.StageImplement)
	}

	p.finish(buildtypes.StatusFailed, buildtypes.NoteRepairExhausted)
}

// scaffold requests the build plan and, when the profile enables the
// critic, gates it on the rubric score. Rejected plans are re-requested
// with the critique attached, up to maxPlanTries.
func (p *pipeline) scaffold() (*gateway.GenerateResponse, bool) {
	p.setStage(buildtypes.StageScaffold)

	var critique string
	for try := 1; try <= maxPlanTries; try++ {
		system, user := prompt.Scaffold(p.job.module, p.job.intent)
		if critique != "" {
			user += "\nA previous plan was rejected: " + critique + "\n"
		}
		plan, err := p.o.gateway.Generate(p.ctx, p.request(gateway.PurposeCodegen, system, user))
		if err != nil {
			p.failGateway(err)
			return nil, false
		}
		if !p.job.profile.CriticEnabled {
			return plan, true
		}

		planJSON, _ := json.Marshal(plan)
		csystem, cuser := prompt.Critic(p.job.module, string(planJSON), critique)
		score, err := p.o.gateway.ScorePlan(p.ctx, csystem, cuser)
		if err != nil {
			p.failGateway(err)
			return nil, false
		}
		if score.Weighted() >= gateway.CriticThreshold {
			return plan, true
		}
		critique = score.Critique
		p.o.log.Info("job %s: plan rejected (score %.2f), re-requesting", p.job.id, score.Weighted())
	}

	p.finish(buildtypes.StatusFailed, buildtypes.NotePlanRejected)
	return nil, false
}

// attemptOnce runs generate + persist + validate for one attempt. A nil
// report means the gateway failed terminally and the job is already
// finalized; a schema-invalid generation instead yields a report whose
// findings feed the next repair prompt.
func (p *pipeline) attemptOnce(purpose gateway.Purpose, system, user string, attempt int) (*buildtypes.ValidationReport, sandbox.State) {
	resp, err := p.o.gateway.Generate(p.ctx, p.request(purpose, system, user))
	if err != nil {
		if gateway.KindOf(err) != gateway.ErrSchemaInvalid {
			p.failGateway(err)
			return nil, ""
		}
		return &buildtypes.ValidationReport{Findings: []buildtypes.Finding{{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindSchemaMismatch,
			Message:  "generator response rejected: " + err.Error(),
			FixHint:  "respond with a single JSON object satisfying the response contract",
		}}}, ""
	}

	next, merr := p.mergeResponse(resp)
	if merr != nil {
		return &buildtypes.ValidationReport{Findings: []buildtypes.Finding{{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindSchemaMismatch,
			Message:  "generated files could not be bundled: " + merr.Error(),
			FixHint:  "emit only valid relative paths under the module prefix",
		}}}, ""
	}
	p.bundle = next

	// Attempt artifacts are persisted before validation so a crashed or
	// aborted run still leaves the bundle inspectable.
	attemptID := fmt.Sprintf("%s-%02d", p.job.id, attempt)
	if _, werr := p.o.artifacts.WriteAttempt(p.job.id, attemptID, p.job.module, buildtypes.StageImplement, next); werr != nil {
		p.o.log.Warn("job %s: persist attempt %d: %v", p.job.id, attempt, werr)
	}

	return p.validate(next)
}

// mergeResponse overlays the generated files onto the current bundle.
func (p *pipeline) mergeResponse(resp *gateway.GenerateResponse) (*artifact.Bundle, error) {
	changed := make(map[string][]byte, len(resp.ChangedFiles))
	for _, cf := range resp.ChangedFiles {
		changed[cf.Path] = []byte(cf.Content)
	}
	if p.bundle == nil {
		return artifact.NewBundle(changed)
	}
	return p.bundle.Merge(changed, resp.DeletedFiles)
}

// validate runs the static analyzer and, when it finds nothing terminal,
// the sandbox. A terminal static finding short-circuits: the bundle never
// executes.
func (p *pipeline) validate(bundle *artifact.Bundle) (*buildtypes.ValidationReport, sandbox.State) {
	p.setStage(buildtypes.StageValidate)

	static := p.analyzer.Analyze(bundle, p.job.module)
	caps, manifestFindings := p.loadManifest(bundle)
	static.Findings = append(static.Findings, manifestFindings...)
	buildtypes.SortFindings(static.Findings)

	if hasTerminal(static) {
		p.o.log.Warn("job %s: terminal static finding, sandbox skipped", p.job.id)
		return static, ""
	}
	if len(manifestFindings) > 0 {
		// Without a valid manifest the capability gates are undefined;
		// the generator must fix the manifest before anything executes.
		return static, ""
	}

	runtime, state := p.o.sandbox.Run(p.ctx, sandbox.Request{
		Bundle:       bundle,
		Module:       p.job.module,
		Profile:      p.job.profile,
		Capabilities: caps,
		Mode:         sandbox.ModeFull,
	})
	return buildtypes.MergeReports(static, runtime), state
}

// loadManifest parses the bundle manifest and returns the declared
// capability names, or findings when it is missing or invalid.
func (p *pipeline) loadManifest(bundle *artifact.Bundle) ([]string, []buildtypes.Finding) {
	path := p.job.module.PathPrefix() + "manifest.json"
	entry, ok := bundle.File(path)
	if !ok {
		return nil, []buildtypes.Finding{{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindSchemaMismatch,
			Message:  "bundle is missing manifest.json",
			Location: buildtypes.Location{Path: path},
			FixHint:  "generate " + path + " declaring module identity and capabilities",
		}}
	}
	m, err := manifest.Parse(entry.Content)
	if err != nil {
		return nil, []buildtypes.Finding{{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindSchemaMismatch,
			Message:  err.Error(),
			Location: buildtypes.Location{Path: path},
			FixHint:  "make the manifest conform to the manifest schema",
		}}
	}
	if m.Module() != p.job.module {
		return nil, []buildtypes.Finding{{
			Severity: buildtypes.SeverityError,
			Kind:     buildtypes.KindSchemaMismatch,
			Message:  fmt.Sprintf("manifest declares module %q, job builds %q", m.ModuleID, p.job.module),
			Location: buildtypes.Location{Path: path},
			FixHint:  "set module_id, category, and platform to the job's module",
		}}
	}
	p.manifest = m
	caps := make([]string, len(m.Capabilities))
	for i, c := range m.Capabilities {
		caps[i] = string(c)
	}
	return caps, nil
}

// attest seals a validated bundle: attestation to disk, record to the
// store, VALIDATED status.
func (p *pipeline) attest() {
	p.setStage(buildtypes.StageAttest)

	att := &artifact.Attestation{
		JobID:            p.job.id,
		ModuleID:         p.job.module.String(),
		Version:          p.manifest.Version,
		BundleDigest:     p.bundle.Digest(),
		ReportRef:        fmt.Sprintf("attempts/%s-%02d", p.job.id, p.attempts),
		ValidatorBuildID: p.o.buildID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := p.o.artifacts.WriteAttestation(att); err != nil {
		p.o.log.Error("job %s: write attestation: %v", p.job.id, err)
		p.finish(buildtypes.StatusFailed, "attestation_write_failed")
		return
	}
	record, _ := json.Marshal(att)
	if err := p.o.store.SaveAttestation(p.job.id, record); err != nil {
		p.o.log.Error("job %s: save attestation record: %v", p.job.id, err)
	}

	p.finish(buildtypes.StatusValidated, "")
}

// request frames a gateway call with the job identity and profile bounds.
func (p *pipeline) request(purpose gateway.Purpose, system, user string) *gateway.GenerateRequest {
	return &gateway.GenerateRequest{
		Purpose:         purpose,
		Prompt:          user,
		SystemPrompt:    system,
		SchemaID:        generateSchemaID,
		ModuleID:        p.job.module,
		JobID:           p.job.id,
		CorrelationID:   p.job.correlation,
		EstimatedTokens: len(system)/4 + len(user)/4 + 2048,
		MaxChangedFiles: p.job.profile.MaxChangedFiles,
		MaxBytesPerFile: p.job.profile.MaxBytesPerFile,
	}
}

// failGateway maps a terminal gateway error onto the job's final status.
func (p *pipeline) failGateway(err error) {
	p.o.log.Warn("job %s: gateway failure: %v", p.job.id, err)
	switch gateway.KindOf(err) {
	case gateway.ErrCancelled:
		p.finish(buildtypes.StatusAborted, buildtypes.NoteCancelled)
	case gateway.ErrBudgetExhausted:
		p.finish(buildtypes.StatusFailed, buildtypes.NoteBudgetExhausted)
	case gateway.ErrProviderAuth:
		p.finish(buildtypes.StatusFailed, buildtypes.NoteProviderAuth)
	default:
		p.finish(buildtypes.StatusFailed, buildtypes.NoteProviderDown)
	}
}

// recordAttempt persists the attempt row; failures are logged, not fatal,
// since the report also lives in the artifact tree.
func (p *pipeline) recordAttempt(attempt int, fingerprint string, report *buildtypes.ValidationReport) {
	digest := ""
	if p.bundle != nil {
		digest = p.bundle.Digest()
	}
	if err := p.o.store.RecordAttempt(store.AttemptRecord{JobID: p.job.id, Attempt: attempt,
		BundleDigest: digest, Fingerprint: fingerprint, Report: report}); err != nil {
		p.o.log.Error("job %s: record attempt %d: %v", p.job.id, attempt, err)
	}
	if state := p.o.state(p.job.id); state != nil {
		state.mu.Lock()
		state.attempts = attempt
		state.bundleDigest = digest
		state.mu.Unlock()
	}
}

func (p *pipeline) bundlePaths() []string {
	if p.bundle == nil {
		return nil
	}
	return p.bundle.Paths()
}

func (p *pipeline) setStage(stage buildtypes.Stage) {
	if state := p.o.state(p.job.id); state != nil {
		state.mu.Lock()
		state.stage = stage
		state.mu.Unlock()
	}
	p.o.emit(Event{Type: EventStageStarted, JobID: p.job.id, CorrelationID: p.job.correlation,
		Stage: stage, Attempt: p.attempts})
}

func (p *pipeline) emitAttempt(eventType string, attempt int, message string) {
	p.o.emit(Event{Type: eventType, JobID: p.job.id, CorrelationID: p.job.correlation,
		Stage: buildtypes.StageValidate, Attempt: attempt, Message: message})
}

func (p *pipeline) finish(status buildtypes.JobStatus, note string) {
	digest := ""
	if p.bundle != nil {
		digest = p.bundle.Digest()
	}
	p.o.finalize(p.job, status, note, p.attempts, digest)
}

// hasTerminal reports whether any finding aborts the repair loop: policy
// violations and fatal-severity findings are never repaired.
func hasTerminal(r *buildtypes.ValidationReport) bool {
	for _, f := range r.Findings {
		if f.Severity == buildtypes.SeverityFatal || f.Kind.Terminal() {
			return true
		}
	}
	return false
}

// classify applies the precedence TERMINAL > NON_PROGRESSING > RETRYABLE.
// Resource exhaustion is retried exactly once; a second strike is terminal.
func classify(r *buildtypes.ValidationReport, fingerprint, lastFingerprint string, resourceStrike *bool) buildtypes.Classification {
	if hasTerminal(r) {
		return buildtypes.ClassTerminal
	}
	exhausted := r.HasKind(buildtypes.KindResourceExhausted)
	if exhausted && *resourceStrike {
		return buildtypes.ClassTerminal
	}
	if lastFingerprint != "" && fingerprint == lastFingerprint {
		return buildtypes.ClassNonProgressing
	}
	if exhausted {
		*resourceStrike = true
	}
	return buildtypes.ClassRetryable
}

// terminalNote picks the status note for a terminal report.
func terminalNote(r *buildtypes.ValidationReport) string {
	if hasTerminal(r) {
		return buildtypes.NotePolicyViolation
	}
	if r.HasKind(buildtypes.KindResourceExhausted) {
		return buildtypes.NoteResourceExhausted
	}
	return buildtypes.NotePolicyViolation
}
