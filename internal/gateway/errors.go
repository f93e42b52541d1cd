package gateway

import "fmt"

// ErrorKind is the closed taxonomy the gateway reports to the orchestrator.
type ErrorKind string

const (
	ErrBudgetExhausted   ErrorKind = "BUDGET_EXHAUSTED"
	ErrSchemaInvalid     ErrorKind = "SCHEMA_INVALID"
	ErrProviderAuth      ErrorKind = "PROVIDER_AUTH"
	ErrProviderTransient ErrorKind = "PROVIDER_TRANSIENT"
	ErrProviderFatal     ErrorKind = "PROVIDER_FATAL"
	ErrCancelled         ErrorKind = "CANCELLED"
)

// Error is the typed error the gateway returns. Kind drives the
// orchestrator's failure classification; Provider names the lane member
// that produced it.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("gateway %s (provider %s): %v", e.Kind, e.Provider, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the gateway error kind, or PROVIDER_FATAL for foreign
// errors.
func KindOf(err error) ErrorKind {
	if ge, ok := err.(*Error); ok {
		return ge.Kind
	}
	return ErrProviderFatal
}

// providerError classifies a raw provider failure before the gateway wraps
// it. Status carries the HTTP status when one exists.
type providerError struct {
	status int
	err    error
}

func (p *providerError) Error() string { return p.err.Error() }
func (p *providerError) Unwrap() error { return p.err }

// transient reports whether the failure is worth backing off and retrying
// on the same provider: 429, 5xx, or transport-level failures.
func (p *providerError) transient() bool {
	if p.status == 429 {
		return true
	}
	if p.status >= 500 && p.status < 600 {
		return true
	}
	return p.status == 0
}

// auth reports a credential rejection. Never retried on the same provider.
func (p *providerError) auth() bool {
	return p.status == 401 || p.status == 403
}
