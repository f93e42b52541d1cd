// Package sandboxtest is the test harness injected into the sandbox
// interpreter. Generated test files export RunTests(t *T) and report
// outcomes through it. The harness is the only clock and randomness
// source generated code can observe: Now and Sleep operate on a virtual
// clock, and the random stream is seeded from the policy profile.
package sandboxtest

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Clock is a virtual clock. Now never reads the host clock; Sleep advances
// virtual time without blocking.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock pinned at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the virtual clock by d. It returns immediately.
func (c *Clock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestResult is one named test outcome.
type TestResult struct {
	ID      string
	Passed  bool
	Message string
}

// Chart is an artifact emitted by a test for validation: raw bytes, the
// declared MIME, and the data summary keyed by series name.
type Chart struct {
	Name    string
	MIME    string
	Data    []byte
	Series  []string
	Summary map[string][]float64
}

// failNow is the sentinel Fatalf panics with; Run recovers it.
type failNow struct{}

// T is the harness value passed to RunTests. Tests register through Run;
// assertions go through Check, Errorf, and Fatalf.
type T struct {
	clock *Clock
	rng   *rand.Rand

	mu      sync.Mutex
	failed  bool
	message string
	results []TestResult
	charts  []Chart
}

// New creates the root harness with a virtual clock and a seeded random
// stream.
func New(clock *Clock, seed int64) *T {
	return &T{clock: clock, rng: rand.New(rand.NewSource(seed))}
}

// Run executes one named test. A panic inside fn fails the test without
// taking down the harness; Fatalf stops only the test it was called in.
func (t *T) Run(id string, fn func(*T)) {
	t.mu.Lock()
	sub := &T{clock: t.clock, rng: rand.New(rand.NewSource(t.rng.Int63()))}
	t.mu.Unlock()

	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if _, ok := r.(failNow); ok {
				return
			}
			sub.Errorf("panic: %v", r)
		}()
		fn(sub)
	}()

	sub.mu.Lock()
	result := TestResult{ID: id, Passed: !sub.failed, Message: sub.message}
	charts := sub.charts
	sub.mu.Unlock()

	t.mu.Lock()
	t.results = append(t.results, result)
	t.charts = append(t.charts, charts...)
	t.mu.Unlock()
}

// Errorf marks the current test failed and records the first message.
func (t *T) Errorf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.failed {
		t.message = fmt.Sprintf(format, args...)
	}
	t.failed = true
}

// Fatalf fails the current test and stops it.
func (t *T) Fatalf(format string, args ...interface{}) {
	t.Errorf(format, args...)
	panic(failNow{})
}

// Check fails the test when cond is false.
func (t *T) Check(cond bool, format string, args ...interface{}) {
	if !cond {
		t.Errorf(format, args...)
	}
}

// Failed reports whether the current test has failed.
func (t *T) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Now returns the virtual time.
func (t *T) Now() time.Time {
	return t.clock.Now()
}

// Sleep advances the virtual clock without blocking.
func (t *T) Sleep(d time.Duration) {
	t.clock.Sleep(d)
}

// Int63 draws from the seeded random stream.
func (t *T) Int63() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Int63()
}

// Float64 draws from the seeded random stream.
func (t *T) Float64() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64()
}

// EmitChart records a chart artifact for validation after the run.
func (t *T) EmitChart(c Chart) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.charts = append(t.charts, c)
}

// Results returns a copy of the recorded test outcomes, in execution order.
func (t *T) Results() []TestResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TestResult(nil), t.results...)
}

// Charts returns a copy of the emitted chart artifacts.
func (t *T) Charts() []Chart {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Chart(nil), t.charts...)
}
