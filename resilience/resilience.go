/*
 * This file is part of the isolink distribution (https://github.com/mlipscombe/isolink).
 * Copyright (c) 2021-2023 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

// Package resilience runs a unit of work under a named failure policy: a timeout
// around each attempt, a circuit breaker around that, and retries outermost.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var (
	ErrCircuitOpen      = errors.New("circuit open")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

var (
	events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isolink",
		Subsystem: "resilience",
		Name:      "events_total",
		Help:      "Retries, rejections and breaker transitions per operation.",
	}, []string{"operation", "event"})
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "isolink",
		Subsystem: "resilience",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(events, breakerState)
}

// ResilienceError is produced by the decorator itself: the circuit was open or
// the retries ran out. Callers pass it through unchanged.
type ResilienceError struct {
	Operation string
	Err       error
}

func (e *ResilienceError) Error() string {
	return fmt.Sprintf("resilience: %s: %v", e.Operation, e.Err)
}

func (e *ResilienceError) Unwrap() error { return e.Err }

// Executor runs fn under the policy registered for operation. Each attempt gets
// its own context bounded by timeout.
type Executor interface {
	Execute(ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context) error) error
}

type Policy struct {
	MaxRetries       int
	RetryInterval    time.Duration
	MaxInterval      time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       2,
		RetryInterval:    200 * time.Millisecond,
		MaxInterval:      2 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

type PolicySource interface {
	Policy(operation string) Policy
}

// PolicyFunc adapts a function to PolicySource.
type PolicyFunc func(operation string) Policy

func (f PolicyFunc) Policy(operation string) Policy { return f(operation) }

// StaticPolicy applies one policy to every operation.
func StaticPolicy(p Policy) PolicySource {
	return PolicyFunc(func(string) Policy { return p })
}

// Classifier reports whether an error is worth another attempt. Errors it rejects
// are returned at once and do not count against the breaker.
type Classifier func(error) bool

// Breakers is the gobreaker and backoff backed Executor. Breakers are created
// lazily, one per operation name.
type Breakers struct {
	policies  PolicySource
	retryable Classifier

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(policies PolicySource, retryable Classifier) *Breakers {
	if policies == nil {
		policies = StaticPolicy(DefaultPolicy())
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Breakers{
		policies:  policies,
		retryable: retryable,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breakers) breaker(operation string, pol Policy) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[operation]; ok {
		return cb
	}
	threshold := pol.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        operation,
		MaxRequests: pol.HalfOpenRequests,
		Timeout:     pol.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			events.WithLabelValues(name, "state_"+to.String()).Inc()
			breakerState.WithLabelValues(name).Set(float64(to))
			log.WithFields(log.Fields{"operation": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !b.retryable(err)
		},
	})
	b.breakers[operation] = cb
	return cb
}

// State reports the breaker state for operation, closed if it has never run.
func (b *Breakers) State(operation string) gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[operation]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (b *Breakers) Execute(ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context) error) error {
	pol := b.policies.Policy(operation)
	cb := b.breaker(operation, pol)

	attempts := 0
	attempt := func() error {
		attempts++
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, runWithTimeout(ctx, timeout, fn)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			events.WithLabelValues(operation, "rejected").Inc()
			return backoff.Permanent(&ResilienceError{Operation: operation, Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)})
		case ctx.Err() != nil, !b.retryable(err):
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pol.RetryInterval
	bo.MaxInterval = pol.MaxInterval
	bo.MaxElapsedTime = 0
	retries := pol.MaxRetries
	if retries < 0 {
		retries = 0
	}
	notify := func(err error, wait time.Duration) {
		events.WithLabelValues(operation, "retry").Inc()
		log.WithFields(log.Fields{"operation": operation, "attempt": attempts, "wait": wait}).Warnf("retrying: %v", err)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx), notify)
	if err == nil {
		return nil
	}
	var re *ResilienceError
	if errors.As(err, &re) {
		return err
	}
	if retries > 0 && attempts > retries && ctx.Err() == nil && b.retryable(err) {
		events.WithLabelValues(operation, "exhausted").Inc()
		return &ResilienceError{Operation: operation, Err: fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)}
	}
	return err
}

func runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(tctx)
}

// Direct applies only the per-attempt timeout.
type Direct struct{}

func (Direct) Execute(ctx context.Context, _ string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return runWithTimeout(ctx, timeout, fn)
}
