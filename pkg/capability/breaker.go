// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half-open"
)

// sourceBreaker is a small circuit breaker guarding one data source inside
// retrieve. After failureThreshold consecutive failures the source is
// skipped for the cooldown window; the first fetch after cooldown is a
// half-open probe, and successThreshold probe successes close the circuit
// again.
type sourceBreaker struct {
	mu               sync.Mutex
	state            breakerState
	failures         int
	successes        int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

func newSourceBreaker() *sourceBreaker {
	return &sourceBreaker{
		state:            breakerClosed,
		failureThreshold: 5,
		successThreshold: 2,
		cooldown:         30 * time.Second,
	}
}

// allow reports whether the next fetch may proceed, transitioning an open
// circuit to half-open once the cooldown has passed.
func (b *sourceBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if time.Since(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.failures = 0
		b.successes = 0
	}
	return true
}

// record feeds one fetch outcome back into the breaker.
func (b *sourceBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.lastFailure = time.Now()
		if b.state == breakerHalfOpen {
			// Probe failed, back to open for another cooldown.
			b.state = breakerOpen
			b.failures = 0
			b.successes = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = breakerOpen
			b.failures = 0
			b.successes = 0
		}
		return
	}

	switch b.state {
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = breakerClosed
			b.failures = 0
			b.successes = 0
		}
	case breakerClosed:
		b.failures = 0
	}
}

func (b *sourceBreaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
