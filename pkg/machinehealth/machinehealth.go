// Package machinehealth tracks consecutive build failures per machine
// and computes a disabled-until deadline with exponential backoff and
// jitter, so that flaky workers are backed off by the
// scheduler. It is grounded on the retry-with-jitter algorithm in
// buildbarn-bb-clientd's pkg/blobstore/error_retrying_blob_access.go,
// generalized from a per-call retry loop to a per-machine disable
// window.
package machinehealth

import (
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/random"

	"github.com/thufschmitt/hydra/pkg/storemodel"
)

// MaxConsecutiveFailures bounds ConnectInfo.ConsecutiveFailures.
const MaxConsecutiveFailures = 4

// absorptionWindow is the span within which repeated failures on the
// same machine are folded into a single counted failure, so that
// several parallel steps failing together because the machine itself
// went down only count once.
const absorptionWindow = 30 * time.Second

// jitterCeiling is the exclusive upper bound of the uniform random
// jitter added to every computed backoff.
const jitterCeiling = 30 * time.Second

// Policy applies the exponential backoff algorithm to a machine's ConnectInfo.
// It holds the clock and jitter source as fields so that tests can
// substitute deterministic fakes, following the same shape as
// errorRetryingBlobAccess in the teacher.
type Policy struct {
	Clock                 clock.Clock
	RandomNumberGenerator random.ThreadSafeGenerator
	RetryInterval         time.Duration
	RetryBackoff          float64
}

// NewPolicy constructs a Policy using the system clock and a
// thread-safe fast random source, the production defaults.
func NewPolicy(retryInterval time.Duration, retryBackoff float64) *Policy {
	return &Policy{
		Clock:                 clock.SystemClock,
		RandomNumberGenerator: random.FastThreadSafeGenerator,
		RetryInterval:         retryInterval,
		RetryBackoff:          retryBackoff,
	}
}

// RecordFailure is invoked on exception from the orchestrator.
// It mutates machine's ConnectInfo under its own lock and returns the
// resulting disabled-until deadline.
func (p *Policy) RecordFailure(machine *storemodel.Machine) time.Time {
	now := p.Clock.Now()
	var disabledUntil time.Time

	machine.WithLock(func(ci *storemodel.ConnectInfo) {
		if p.failureCounts(ci, now) {
			if ci.ConsecutiveFailures < MaxConsecutiveFailures {
				ci.ConsecutiveFailures++
			}
			ci.LastFailure = now
		}

		delta := p.backoffInterval(ci.ConsecutiveFailures) + p.jitter()
		ci.DisabledUntil = now.Add(delta)
		disabledUntil = ci.DisabledUntil
	})

	return disabledUntil
}

// RecordSuccess resets the machine's failure streak.
func (p *Policy) RecordSuccess(machine *storemodel.Machine) {
	machine.WithLock(func(ci *storemodel.ConnectInfo) {
		ci.ConsecutiveFailures = 0
	})
}

// failureCounts reports whether a failure at now is distinct enough
// from the last one to be counted, rather than absorbed into it.
func (p *Policy) failureCounts(ci *storemodel.ConnectInfo, now time.Time) bool {
	return ci.ConsecutiveFailures == 0 || ci.LastFailure.Before(now.Add(-absorptionWindow))
}

// backoffInterval computes retryInterval * retryBackoff^(k-1) for a
// failure count k >= 1. RecordFailure always passes a count of at
// least 1, since it increments before calling this; a count of 0 is
// still treated like k=1, so the result is the base interval and
// never uses a negative exponent.
func (p *Policy) backoffInterval(consecutiveFailures int) time.Duration {
	k := consecutiveFailures
	if k < 1 {
		k = 1
	}
	multiplier := 1.0
	for i := 1; i < k; i++ {
		multiplier *= p.RetryBackoff
	}
	return time.Duration(float64(p.RetryInterval) * multiplier)
}

// jitter draws a uniform random duration in [0, jitterCeiling).
func (p *Policy) jitter() time.Duration {
	n := p.RandomNumberGenerator.Int63n(jitterCeiling.Nanoseconds())
	return time.Duration(n)
}
