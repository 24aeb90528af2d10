// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
)

const defaultSourceTimeout = 10 * time.Second

// Retrieve fans out to its data sources concurrently and merges what comes
// back. Each fetch is bounded by the per-source timeout; a source that
// times out, fails, or is skipped by its circuit breaker contributes
// "no data" instead of failing the step. Only when every source fails does
// the step error, and that error is retriable.
type Retrieve struct {
	name    string
	sources []core.DataSource
	timeout time.Duration

	mu       sync.Mutex
	breakers map[string]*sourceBreaker
}

// NewRetrieve builds a retrieve capability over the given sources. A zero
// timeout selects the 10s default.
func NewRetrieve(name string, sources []core.DataSource, timeout time.Duration) *Retrieve {
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	breakers := make(map[string]*sourceBreaker, len(sources))
	for _, src := range sources {
		breakers[src.Name()] = newSourceBreaker()
	}
	return &Retrieve{
		name:     name,
		sources:  sources,
		timeout:  timeout,
		breakers: breakers,
	}
}

func (r *Retrieve) Name() string { return r.name }

// Execute queries every source in parallel. The step's "query" parameter,
// when present, overrides each source's configured query; remaining
// parameters and resolved inputs become fetch parameters keyed by name and
// context type respectively.
func (r *Retrieve) Execute(ctx context.Context, req core.Request, view core.StateView) (*core.Delta, error) {
	if len(r.sources) == 0 {
		return nil, errors.NewInvalidInputError("retrieve capability has no data sources").
			WithContext("capability", r.name)
	}

	query := req.Parameter("query", "")
	params := make(map[string]any, len(req.Parameters)+len(req.Inputs))
	for k, v := range req.Parameters {
		if k == "query" {
			continue
		}
		params[k] = v
	}
	for contextType, entry := range req.Inputs {
		if _, exists := params[contextType]; !exists {
			params[contextType] = entry.Value
		}
	}

	type outcome struct {
		value any
		err   error
	}
	outcomes := make([]outcome, len(r.sources))

	var wg sync.WaitGroup
	for i, src := range r.sources {
		breaker := r.breakerFor(src.Name())
		if !breaker.allow() {
			outcomes[i] = outcome{err: fmt.Errorf("skipped: circuit open")}
			continue
		}

		wg.Add(1)
		go func(i int, src core.DataSource) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			value, err := src.Fetch(fctx, query, params)
			if ctx.Err() == nil {
				// Parent cancellation is not the source's fault.
				breaker.record(err)
			}
			outcomes[i] = outcome{value: value, err: err}
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(err).WithContext("capability", r.name)
	}

	merged := make(map[string]any, len(r.sources))
	var failed []string
	var firstErr error
	succeeded := 0
	for i, src := range r.sources {
		out := outcomes[i]
		if out.err != nil {
			merged[src.Name()] = "no data"
			failed = append(failed, fmt.Sprintf("%s: %v", src.Name(), out.err))
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		merged[src.Name()] = out.value
		succeeded++
	}

	if succeeded == 0 {
		return nil, errors.New(errors.CodeUnavailable, "all data sources failed", firstErr).
			WithContext("capability", r.name).
			WithContext("sources", strings.Join(failed, "; ")).
			WithRecoverable(true)
	}

	var payload any = merged
	if len(r.sources) == 1 {
		payload = merged[r.sources[0].Name()]
	}

	outputType := outputTypeOr(req, "retrieved")
	return core.NewDelta().Add(outputType, req.StepKey, payload, r.name), nil
}

func (r *Retrieve) breakerFor(name string) *sourceBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newSourceBreaker()
		r.breakers[name] = b
	}
	return b
}

var _ core.Capability = (*Retrieve)(nil)
