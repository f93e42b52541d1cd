// Package orchestrator owns the BuildJob: intake with idempotency and
// backpressure, the stage machine, the bounded repair loop, and terminal
// state reporting. Each job is mutated by exactly one goroutine; everything
// observable goes through the store, the status view, or the event stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"modforge/internal/artifact"
	"modforge/internal/buildtypes"
	"modforge/internal/gateway"
	"modforge/internal/logging"
	"modforge/internal/policy"
	"modforge/internal/sandbox"
	"modforge/internal/store"
)

// Intake errors surfaced to the API layer.
var (
	ErrInvalidModuleID = errors.New("invalid module id")
	ErrUnknownProfile  = errors.New("unknown policy profile")
	ErrQueueFull       = errors.New("intake queue full")
	ErrClosed          = errors.New("orchestrator is shut down")
)

// Generator is the gateway surface the orchestrator needs. *gateway.Gateway
// satisfies it; tests substitute scripted stubs.
type Generator interface {
	Generate(ctx context.Context, req *gateway.GenerateRequest) (*gateway.GenerateResponse, error)
	ScorePlan(ctx context.Context, systemPrompt, planPrompt string) (*gateway.CriticScore, error)
}

// Validator is the sandbox surface. *sandbox.Runner satisfies it.
type Validator interface {
	Run(ctx context.Context, req sandbox.Request) (*buildtypes.ValidationReport, sandbox.State)
}

// Event is one observability record. Messages are redacted before emission
// and never carry file content or raw provider bodies.
type Event struct {
	Type          string              `json:"type"`
	JobID         string              `json:"job_id"`
	CorrelationID string              `json:"correlation_id"`
	Stage         buildtypes.Stage    `json:"stage,omitempty"`
	Attempt       int                 `json:"attempt,omitempty"`
	Status        buildtypes.JobStatus `json:"status,omitempty"`
	Message       string              `json:"message,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Event types.
const (
	EventJobSubmitted    = "job_submitted"
	EventStageStarted    = "stage_started"
	EventStageFinished   = "stage_finished"
	EventAttemptStarted  = "attempt_started"
	EventAttemptFinished = "attempt_finished"
	EventJobTerminal     = "job_terminal"
)

// SubmitRequest is one intake submission.
type SubmitRequest struct {
	ModuleID       string
	Intent         string
	ProfileName    string
	IdempotencyKey string
	// MaxRepairAttempts overrides the profile bound when positive.
	MaxRepairAttempts int
}

// SubmitResult is the immediate response to a submission.
type SubmitResult struct {
	JobID  string
	Status buildtypes.JobStatus
	// Existing is true when the idempotency key matched a previous job and
	// its state is being returned instead of a new job.
	Existing bool
}

// JobView is the observable state of a job.
type JobView struct {
	JobID        string
	Module       string
	Stage        buildtypes.Stage
	Status       buildtypes.JobStatus
	StatusNote   string
	Attempts     int
	BundleDigest string
}

// Config wires an orchestrator. Store and Artifacts are required.
type Config struct {
	Gateway   Generator
	Sandbox   Validator
	Store     *store.Store
	Artifacts *artifact.Writer
	Profiles  *policy.ProfileSet

	// QueueSize bounds the intake queue (default 16). Submissions beyond
	// it fail with ErrQueueFull instead of buffering.
	QueueSize int
	// Workers bounds concurrent jobs (default 4).
	Workers int
	// ValidatorBuildID stamps attestations with the validator identity.
	ValidatorBuildID string
	// Events receives the observability stream when set. Emission never
	// blocks; a full channel drops the event.
	Events chan<- Event
}

// jobState is the live view of an in-flight job.
type jobState struct {
	mu           sync.Mutex
	module       string
	stage        buildtypes.Stage
	status       buildtypes.JobStatus
	note         string
	attempts     int
	bundleDigest string
	cancel       context.CancelFunc
}

func (s *jobState) view(jobID string) JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return JobView{
		JobID:        jobID,
		Module:       s.module,
		Stage:        s.stage,
		Status:       s.status,
		StatusNote:   s.note,
		Attempts:     s.attempts,
		BundleDigest: s.bundleDigest,
	}
}

// job is one queued unit of work.
type job struct {
	id          string
	module      buildtypes.ModuleID
	intent      string
	profile     policy.Profile
	maxAttempts int
	correlation string
}

// Orchestrator runs build jobs.
type Orchestrator struct {
	gateway   Generator
	sandbox   Validator
	store     *store.Store
	artifacts *artifact.Writer
	profiles  *policy.ProfileSet

	queue     chan *job
	queueSize int
	sem       *semaphore.Weighted
	events    chan<- Event
	buildID   string
	log       *logging.Logger

	mu     sync.Mutex
	live   map[string]*jobState
	closed bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs and starts the orchestrator's dispatch loop.
func New(cfg Config) *Orchestrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ValidatorBuildID == "" {
		cfg.ValidatorBuildID = "modforge-dev"
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		gateway:   cfg.Gateway,
		sandbox:   cfg.Sandbox,
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		profiles:  cfg.Profiles,
		queue:     make(chan *job, cfg.QueueSize),
		queueSize: cfg.QueueSize,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		events:    cfg.Events,
		buildID:   cfg.ValidatorBuildID,
		log:       logging.Get(logging.CategoryOrchestrator),
		live:      map[string]*jobState{},
		baseCtx:   ctx,
		stop:      cancel,
	}
	o.wg.Add(1)
	go o.dispatch()
	return o
}

// Close stops intake and waits for in-flight jobs to finish or abort.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
}

// Submit validates and enqueues a build request. It returns immediately;
// the job runs asynchronously. Duplicate idempotency keys return the
// original job's id and state without creating a second job.
func (o *Orchestrator) Submit(req SubmitRequest) (SubmitResult, error) {
	module, err := buildtypes.ParseModuleID(req.ModuleID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidModuleID, err)
	}

	profileName := req.ProfileName
	if profileName == "" {
		profileName = "default"
	}
	profile, ok := o.profiles.Get(profileName)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: %q", ErrUnknownProfile, profileName)
	}

	maxAttempts := profile.MaxRepairAttempts
	if req.MaxRepairAttempts > 0 {
		maxAttempts = req.MaxRepairAttempts
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return SubmitResult{}, ErrClosed
	}

	if existing, found, err := o.store.FindByIdempotencyKey(req.IdempotencyKey); err != nil {
		return SubmitResult{}, err
	} else if found {
		return SubmitResult{JobID: existing.ID, Status: existing.Status, Existing: true}, nil
	}

	// Backpressure check before any record exists. Submit is the only
	// sender, and holds the lock, so the capacity check cannot race.
	if len(o.queue) >= o.queueSize {
		return SubmitResult{}, ErrQueueFull
	}

	j := &job{
		id:          uuid.NewString(),
		module:      module,
		intent:      req.Intent,
		profile:     profile,
		maxAttempts: maxAttempts,
		correlation: uuid.NewString(),
	}
	if err := o.store.CreateJob(store.JobRecord{
		ID:             j.id,
		Module:         module.String(),
		Intent:         req.Intent,
		Profile:        profileName,
		IdempotencyKey: req.IdempotencyKey,
		Status:         buildtypes.StatusPending,
	}); err != nil {
		return SubmitResult{}, err
	}
	o.live[j.id] = &jobState{module: module.String(), stage: buildtypes.StageInit, status: buildtypes.StatusPending}
	o.queue <- j

	o.emit(Event{Type: EventJobSubmitted, JobID: j.id, CorrelationID: j.correlation,
		Message: fmt.Sprintf("module %s profile %s", module, profileName)})
	o.log.Info("job %s submitted for %s (profile %s)", j.id, module, profileName)
	return SubmitResult{JobID: j.id, Status: buildtypes.StatusPending}, nil
}

// Status returns the observable state of a job, consulting live state
// first and the store for jobs that finished before a restart.
func (o *Orchestrator) Status(jobID string) (JobView, error) {
	o.mu.Lock()
	state, ok := o.live[jobID]
	o.mu.Unlock()
	if ok {
		return state.view(jobID), nil
	}

	rec, err := o.store.GetJob(jobID)
	if err != nil {
		return JobView{}, err
	}
	return JobView{
		JobID:        rec.ID,
		Module:       rec.Module,
		Status:       rec.Status,
		StatusNote:   rec.StatusNote,
		Attempts:     rec.Attempts,
		BundleDigest: rec.BundleDigest,
	}, nil
}

// Cancel aborts a running job. Unknown or finished jobs are a no-op.
func (o *Orchestrator) Cancel(jobID string) {
	o.mu.Lock()
	state, ok := o.live[jobID]
	o.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	cancel := state.cancel
	state.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// dispatch pulls queued jobs and runs each under the worker semaphore.
func (o *Orchestrator) dispatch() {
	defer o.wg.Done()
	for j := range o.queue {
		if err := o.sem.Acquire(o.baseCtx, 1); err != nil {
			// Shutdown: abort queued jobs without running them.
			o.finalize(j, buildtypes.StatusAborted, buildtypes.NoteCancelled, 0, "")
			continue
		}
		o.wg.Add(1)
		go func(j *job) {
			defer o.wg.Done()
			defer o.sem.Release(1)
			o.runJob(j)
		}(j)
	}
}

// emit sends an event without blocking; the message is redacted first.
func (o *Orchestrator) emit(ev Event) {
	if o.events == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	ev.Message = logging.Redact(ev.Message)
	select {
	case o.events <- ev:
	default:
	}
}

// state returns the live state for a job.
func (o *Orchestrator) state(jobID string) *jobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live[jobID]
}

// finalize records a job's terminal state in memory and in the store.
func (o *Orchestrator) finalize(j *job, status buildtypes.JobStatus, note string, attempts int, digest string) {
	if state := o.state(j.id); state != nil {
		state.mu.Lock()
		state.status = status
		state.note = note
		state.attempts = attempts
		state.bundleDigest = digest
		state.cancel = nil
		state.mu.Unlock()
	}
	if err := o.store.UpdateJob(j.id, status, note, attempts, digest); err != nil {
		o.log.Error("job %s: persist terminal state: %v", j.id, err)
	}
	o.emit(Event{Type: EventJobTerminal, JobID: j.id, CorrelationID: j.correlation,
		Status: status, Attempt: attempts, Message: note})
	o.log.Info("job %s terminal: %s %s after %d attempt(s)", j.id, status, note, attempts)
}
