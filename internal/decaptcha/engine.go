package decaptcha

import (
	"context"
	"fmt"
)

// Engine recognizes and resolves one family of challenges.
type Engine interface {
	// Name identifies the engine in configuration, logs and metrics.
	Name() string
	// Detect is a pure predicate over the response content.
	Detect(resp *Response) bool
	// Solve runs the full solve pipeline for a detected challenge. It blocks
	// until the pipeline reaches a terminal state and may return the
	// unblocked page content.
	Solve(ctx context.Context, resp *Response, solver Solver) (*Response, error)
}

// Registry is the ordered, immutable list of active engines.
type Registry struct {
	engines []Engine
}

// NewRegistry validates engines and freezes their order.
func NewRegistry(engines ...Engine) (*Registry, error) {
	if len(engines) == 0 {
		return nil, &ConfigurationError{Field: "decaptcha.engines", Msg: "at least one engine is required"}
	}
	seen := make(map[string]struct{}, len(engines))
	for i, e := range engines {
		if e == nil {
			return nil, &ConfigurationError{Field: "decaptcha.engines", Msg: fmt.Sprintf("engine %d is nil", i)}
		}
		if _, dup := seen[e.Name()]; dup {
			return nil, &ConfigurationError{Field: "decaptcha.engines", Msg: fmt.Sprintf("duplicate engine %q", e.Name())}
		}
		seen[e.Name()] = struct{}{}
	}
	return &Registry{engines: append([]Engine(nil), engines...)}, nil
}

// Match returns the first engine that detects a challenge in resp.
func (r *Registry) Match(resp *Response) (Engine, bool) {
	if r == nil {
		return nil, false
	}
	for _, e := range r.engines {
		if e.Detect(resp) {
			return e, true
		}
	}
	return nil, false
}

// Names lists the engines in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.engines))
	for _, e := range r.engines {
		names = append(names, e.Name())
	}
	return names
}
