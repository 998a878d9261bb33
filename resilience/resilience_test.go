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

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func onlyTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy() Policy {
	return Policy{
		MaxRetries:       2,
		RetryInterval:    time.Millisecond,
		MaxInterval:      2 * time.Millisecond,
		FailureThreshold: 10,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	}
}

func TestExecuteSucceedsAfterRetry(t *testing.T) {
	b := New(StaticPolicy(fastPolicy()), onlyTransient)
	calls := 0
	err := b.Execute(context.Background(), "op", time.Second, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestExecuteRetriesExhausted(t *testing.T) {
	b := New(StaticPolicy(fastPolicy()), onlyTransient)
	calls := 0
	err := b.Execute(context.Background(), "op", time.Second, func(context.Context) error {
		calls++
		return errTransient
	})
	require.Equal(t, 3, calls)
	var re *ResilienceError
	require.True(t, errors.As(err, &re), "got %v", err)
	require.Equal(t, "op", re.Operation)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, errTransient)
}

func TestExecuteDoesNotRetryPermanent(t *testing.T) {
	b := New(StaticPolicy(fastPolicy()), onlyTransient)
	calls := 0
	err := b.Execute(context.Background(), "op", time.Second, func(context.Context) error {
		calls++
		return errFatal
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, errFatal)
	var re *ResilienceError
	require.False(t, errors.As(err, &re))
}

func TestExecuteTimeoutIsPerAttempt(t *testing.T) {
	b := New(StaticPolicy(fastPolicy()), func(err error) bool {
		return errors.Is(err, context.DeadlineExceeded)
	})
	calls := 0
	err := b.Execute(context.Background(), "op", 10*time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestBreakerOpensPerOperation(t *testing.T) {
	pol := fastPolicy()
	pol.MaxRetries = 0
	pol.FailureThreshold = 2
	b := New(StaticPolicy(pol), onlyTransient)
	ctx := context.Background()
	fail := func(context.Context) error { return errTransient }

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(ctx, "switch.SW1", time.Second, fail), errTransient)
	}
	require.Equal(t, gobreaker.StateOpen, b.State("switch.SW1"))

	called := false
	err := b.Execute(ctx, "switch.SW1", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.False(t, called)
	require.ErrorIs(t, err, ErrCircuitOpen)
	var re *ResilienceError
	require.True(t, errors.As(err, &re))
	require.Equal(t, "switch.SW1", re.Operation)

	// a different operation has its own breaker
	require.NoError(t, b.Execute(ctx, "switch.SW2", time.Second, func(context.Context) error { return nil }))
	require.Equal(t, gobreaker.StateClosed, b.State("switch.SW2"))
}

func TestPermanentErrorsDoNotTrip(t *testing.T) {
	pol := fastPolicy()
	pol.MaxRetries = 0
	pol.FailureThreshold = 1
	b := New(StaticPolicy(pol), onlyTransient)

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), "op", time.Second, func(context.Context) error { return errFatal })
		require.ErrorIs(t, err, errFatal)
	}
	require.Equal(t, gobreaker.StateClosed, b.State("op"))
}

func TestExecuteStopsOnCancel(t *testing.T) {
	pol := fastPolicy()
	pol.MaxRetries = 100
	pol.RetryInterval = 50 * time.Millisecond
	b := New(StaticPolicy(pol), onlyTransient)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.Execute(ctx, "op", time.Second, func(context.Context) error { return errTransient })
	require.Error(t, err)
	var re *ResilienceError
	require.False(t, errors.As(err, &re), "cancellation is not a resilience failure: %v", err)
}

func TestDirect(t *testing.T) {
	err := Direct{}.Execute(context.Background(), "op", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
