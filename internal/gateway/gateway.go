// Package gateway routes generation requests to LLM providers through
// purpose lanes, enforces the response schema and the operational budget,
// and converts provider failures into a typed error taxonomy.
//
// Routing is deterministic: for a given configuration the same failure
// condition always selects the same next provider, so retries across a job
// reproduce and thrash fingerprints stay stable.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"modforge/internal/logging"
)

// BackoffConfig bounds the transient-error retry loop.
type BackoffConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the default retry policy: base 1s, cap 30s, 5 attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}
}

// Gateway is the purpose-routed LLM client.
type Gateway struct {
	lanes   map[Purpose][]Provider
	ledger  *Ledger
	backoff BackoffConfig

	rngMu sync.Mutex
	rng   *rand.Rand

	log *logging.Logger
}

// Config wires a gateway. Lanes hold each purpose's ordered provider
// chain: primary first, then deterministic fallbacks.
type Config struct {
	Lanes   map[Purpose][]Provider
	Ledger  *Ledger
	Backoff BackoffConfig
	// Seed fixes the jitter source; 0 seeds from the clock.
	Seed int64
}

// New constructs the gateway.
func New(cfg Config) *Gateway {
	if cfg.Ledger == nil {
		cfg.Ledger = NewLedger()
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Gateway{
		lanes:   cfg.Lanes,
		ledger:  cfg.Ledger,
		backoff: cfg.Backoff,
		rng:     rand.New(rand.NewSource(seed)),
		log:     logging.Get(logging.CategoryGateway),
	}
}

// Ledger exposes the budget ledger for configuration.
func (g *Gateway) Ledger() *Ledger { return g.ledger }

// Generate runs one request through the purpose lane. It returns the
// parsed, schema-validated response or a typed *Error.
func (g *Gateway) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	lane := g.lanes[req.Purpose]
	if len(lane) == 0 {
		return nil, &Error{Kind: ErrProviderFatal, Err: fmt.Errorf("no providers configured for purpose %s", req.Purpose)}
	}

	var lastErr *Error
	budgetBlocked := 0
	for _, provider := range lane {
		// Budget gate runs before generation so an exhausted account never
		// contacts its provider.
		if err := g.ledger.Check(provider.Name(), provider.Org(), req.EstimatedTokens); err != nil {
			budgetBlocked++
			lastErr = &Error{Kind: ErrBudgetExhausted, Provider: provider.Name(), Err: err}
			continue
		}

		resp, err := g.invokeWithRetry(ctx, provider, req)
		if err == nil {
			return resp, nil
		}
		ge, ok := err.(*Error)
		if !ok {
			ge = &Error{Kind: ErrProviderFatal, Provider: provider.Name(), Err: err}
		}
		if ge.Kind == ErrCancelled {
			return nil, ge
		}
		g.log.Warn("provider %s failed (%s), advancing in lane %s", provider.Name(), ge.Kind, req.Purpose)
		lastErr = ge
	}

	if budgetBlocked == len(lane) {
		return nil, &Error{Kind: ErrBudgetExhausted, Err: fmt.Errorf("all %d providers in lane %s over budget", len(lane), req.Purpose)}
	}
	return nil, lastErr
}

// invokeWithRetry drives one provider: transient failures back off and
// retry up to the bound; auth failures and schema violations abandon the
// provider immediately.
func (g *Gateway) invokeWithRetry(ctx context.Context, provider Provider, req *GenerateRequest) (*GenerateResponse, error) {
	raw, err := g.invokeRaw(ctx, provider, req.SystemPrompt, req.Prompt)
	if err != nil {
		return nil, err
	}

	// Parse failure and schema nonconformance are not transient: reject
	// and advance in the fallback chain. Silent acceptance is forbidden.
	resp, perr := ParseResponse(raw)
	if perr != nil {
		return nil, &Error{Kind: ErrSchemaInvalid, Provider: provider.Name(), Err: perr}
	}
	if verr := ValidateResponse(resp, req); verr != nil {
		return nil, &Error{Kind: ErrSchemaInvalid, Provider: provider.Name(), Err: verr}
	}
	resp.Provider = provider.Name()
	return resp, nil
}

// invokeRaw is the shared per-provider call loop: transient failures back
// off and retry up to the bound, auth failures abandon the provider
// immediately, and every call is debited against the budget ledger.
func (g *Gateway) invokeRaw(ctx context.Context, provider Provider, systemPrompt, userPrompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, g.delay(attempt-1)); err != nil {
				return "", err
			}
		}

		start := time.Now()
		raw, tokens, err := provider.Invoke(ctx, systemPrompt, userPrompt)
		g.ledger.Debit(provider.Name(), provider.Org(), tokens, time.Since(start))
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return "", &Error{Kind: ErrCancelled, Provider: provider.Name(), Err: ctx.Err()}
		}
		pe, ok := err.(*providerError)
		if !ok {
			return "", &Error{Kind: ErrProviderFatal, Provider: provider.Name(), Err: err}
		}
		switch {
		case pe.auth():
			// Never retried on the same provider.
			return "", &Error{Kind: ErrProviderAuth, Provider: provider.Name(), Err: pe}
		case pe.transient():
			lastErr = pe
		default:
			return "", &Error{Kind: ErrProviderFatal, Provider: provider.Name(), Err: pe}
		}
	}
	return "", &Error{Kind: ErrProviderTransient, Provider: provider.Name(),
		Err: fmt.Errorf("retries exhausted after %d attempts: %w", g.backoff.MaxAttempts, lastErr)}
}

// delay computes min(base * 2^attempt, cap) + uniform(0, base).
func (g *Gateway) delay(attempt int) time.Duration {
	d := g.backoff.Base << uint(attempt)
	if d > g.backoff.Cap || d <= 0 {
		d = g.backoff.Cap
	}
	g.rngMu.Lock()
	jitter := time.Duration(g.rng.Int63n(int64(g.backoff.Base) + 1))
	g.rngMu.Unlock()
	return d + jitter
}

// sleep waits for d or until the caller cancels.
func (g *Gateway) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &Error{Kind: ErrCancelled, Err: ctx.Err()}
	}
}

// CriticThreshold is the minimum weighted rubric score a plan must reach.
const CriticThreshold = 0.6

// Rubric weights: completeness 0.3, feasibility 0.3, edge-case handling
// 0.2, efficiency/quality 0.2.
type CriticScore struct {
	Completeness float64 `json:"completeness"`
	Feasibility  float64 `json:"feasibility"`
	EdgeCases    float64 `json:"edge_case_handling"`
	Efficiency   float64 `json:"efficiency"`
	Critique     string  `json:"critique"`
}

// Weighted returns the fixed-weight rubric total.
func (s CriticScore) Weighted() float64 {
	return 0.3*s.Completeness + 0.3*s.Feasibility + 0.2*s.EdgeCases + 0.2*s.Efficiency
}

// ScorePlan asks the critic lane to score a scaffold plan. Critic calls
// go through the same budget gate and retry classification as generation;
// only the payload differs — it is parsed directly and does not use the
// generator contract.
func (g *Gateway) ScorePlan(ctx context.Context, systemPrompt, planPrompt string) (*CriticScore, error) {
	lane := g.lanes[PurposeCritic]
	if len(lane) == 0 {
		return nil, &Error{Kind: ErrProviderFatal, Err: fmt.Errorf("no critic providers configured")}
	}

	estimated := len(systemPrompt)/4 + len(planPrompt)/4
	var lastErr error
	for _, provider := range lane {
		if err := g.ledger.Check(provider.Name(), provider.Org(), estimated); err != nil {
			lastErr = &Error{Kind: ErrBudgetExhausted, Provider: provider.Name(), Err: err}
			continue
		}
		raw, err := g.invokeRaw(ctx, provider, systemPrompt, planPrompt)
		if err != nil {
			if ge, ok := err.(*Error); ok && ge.Kind == ErrCancelled {
				return nil, ge
			}
			g.log.Warn("critic provider %s failed, advancing in lane", provider.Name())
			lastErr = err
			continue
		}
		var score CriticScore
		if err := json.Unmarshal([]byte(raw), &score); err != nil {
			return nil, &Error{Kind: ErrSchemaInvalid, Provider: provider.Name(), Err: err}
		}
		return &score, nil
	}
	return nil, &Error{Kind: ErrProviderFatal, Err: fmt.Errorf("critic lane exhausted: %v", lastErr)}
}
