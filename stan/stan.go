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

// Package stan issues terminal-scoped system trace audit numbers from a shared
// Redis counter so every gateway instance draws from the same sequence.
package stan

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// Max is the largest trace number; the next value after it is 1.
	Max       = 999999
	keyPrefix = "stan"
)

// nextScript increments and wraps in one atomic step. Values outside 1..Max
// (including a fresh counter that somehow went negative) restart at 1.
var nextScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v > tonumber(ARGV[1]) or v < 1 then
  redis.call('SET', KEYS[1], 1)
  v = 1
end
return v
`)

var generated = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "isolink",
	Subsystem: "stan",
	Name:      "generated_total",
	Help:      "Trace numbers issued, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(generated)
}

// StanGenerationError reports that the shared store could not issue a number.
// There is no in-process fallback: uniqueness only holds against the shared store.
type StanGenerationError struct {
	Key string
	Err error
}

func (e *StanGenerationError) Error() string {
	return fmt.Sprintf("stan: generate for %s: %v", e.Key, e.Err)
}

func (e *StanGenerationError) Unwrap() error { return e.Err }

// Store is the slice of the Redis client the generator needs.
type Store interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Generator issues trace numbers per (merchant, terminal).
type Generator struct {
	rdb Store
}

func NewGenerator(rdb Store) *Generator {
	return &Generator{rdb: rdb}
}

// Key is the counter key for a terminal.
func Key(merchantID, terminalID string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, merchantID, terminalID)
}

// Next returns the next trace number for the terminal formatted as %06d.
func (g *Generator) Next(ctx context.Context, merchantID, terminalID string) (string, error) {
	key := Key(merchantID, terminalID)
	v, err := nextScript.Run(ctx, g.rdb, []string{key}, Max).Int64()
	if err != nil {
		generated.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{"key": key}).Errorf("stan generation failed: %v", err)
		return "", &StanGenerationError{Key: key, Err: err}
	}
	generated.WithLabelValues("ok").Inc()
	return fmt.Sprintf("%06d", v), nil
}

// Initialize seeds the counter so the next issued number is start. It does nothing
// when the counter already exists.
func (g *Generator) Initialize(ctx context.Context, merchantID, terminalID string, start int) (bool, error) {
	key := Key(merchantID, terminalID)
	if start < 1 || start > Max {
		return false, fmt.Errorf("stan: start %d out of range 1..%d", start, Max)
	}
	created, err := g.rdb.SetNX(ctx, key, start-1, 0).Result()
	if err != nil {
		return false, &StanGenerationError{Key: key, Err: err}
	}
	if created {
		log.WithFields(log.Fields{"key": key, "start": start}).Debug("stan counter initialized")
	}
	return created, nil
}
