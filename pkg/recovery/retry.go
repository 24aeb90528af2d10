// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"time"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
)

// DefaultOrdinaryPolicy bounds retries for regular domain capabilities.
func DefaultOrdinaryPolicy() core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts:   3,
		Delay:         500 * time.Millisecond,
		BackoffFactor: 1.5,
	}
}

// DefaultInfrastructurePolicy bounds retries for engine-internal steps.
// Fewer attempts, flat backoff: infrastructure failures should surface fast.
func DefaultInfrastructurePolicy() core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts:   2,
		Delay:         200 * time.Millisecond,
		BackoffFactor: 1.0,
	}
}

// PolicyFor returns the retry policy for a capability: the capability's own
// RetryPolicy() override when it implements one, otherwise the default for
// its kind. A zero-valued override counts as absent so a capability cannot
// accidentally declare an unbounded or attempt-less policy.
func (c *Coordinator) PolicyFor(cap core.Capability, kind core.Kind) core.RetryPolicy {
	if provider, ok := cap.(core.RetryPolicyProvider); ok {
		if policy := provider.RetryPolicy(); policy.MaxAttempts > 0 {
			return policy
		}
	}
	if kind == core.KindInfrastructure {
		return c.infra
	}
	return c.ordinary
}

// Wait sleeps the backoff before redispatch attempt (1-based), aborting
// when the context is cancelled first.
func Wait(ctx context.Context, policy core.RetryPolicy, attempt int) error {
	delay := policy.DelayFor(attempt)
	if delay <= 0 {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelledError(err).WithContext("attempt", attempt)
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.NewCancelledError(ctx.Err()).
			WithContext("attempt", attempt).
			WithContext("max_attempts", policy.MaxAttempts)
	case <-time.After(delay):
		return nil
	}
}
