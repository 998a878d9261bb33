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

// Package correlation matches asynchronously arriving switch replies back to the
// request that is waiting for them.
//
// The pending marker and request context live in Redis so any gateway instance
// serving the read path can resolve a reply. The completion handle a caller waits
// on is process local; a reply resolved on another instance is forwarded to the
// owner through a Relay.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mlipscombe/isolink/iso8583"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPendingTTL = 5 * time.Minute
	DefaultContextTTL = 10 * time.Minute
	DefaultClaimTTL   = 30 * time.Second

	pendingPrefix = "corr:pending:"
	contextPrefix = "corr:context:"
	claimedPrefix = "corr:claimed:"
)

// claimScript removes the pending marker and context and leaves a short lived claim
// marker, all or nothing. Only the caller that deleted the marker gets 1 back.
var claimScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 1 then
  redis.call('DEL', KEYS[2])
  redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

var outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "isolink",
	Subsystem: "correlation",
	Name:      "outcomes_total",
	Help:      "Reply correlation outcomes.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(outcomes)
}

// Key identifies one pending request.
type Key struct {
	MerchantID string
	TerminalID string
	STAN       string
}

func (k Key) String() string {
	return k.MerchantID + ":" + k.TerminalID + ":" + k.STAN
}

// PendingContext is what the registry keeps about an outbound request so a reply can
// be scored against it.
type PendingContext struct {
	MerchantID   string    `json:"merchantId"`
	TerminalID   string    `json:"terminalId"`
	STAN         string    `json:"stan"`
	Amount       string    `json:"amount,omitempty"`
	RRN          string    `json:"rrn,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	InstanceID   string    `json:"instanceId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (pc PendingContext) Key() Key {
	return Key{MerchantID: pc.MerchantID, TerminalID: pc.TerminalID, STAN: pc.STAN}
}

// ContextFromMessage fills the identifying fields of a pending context from an
// outbound request.
func ContextFromMessage(m *iso8583.Message, merchantID, terminalID string) PendingContext {
	return PendingContext{
		MerchantID: merchantID,
		TerminalID: terminalID,
		STAN:       m.STAN(),
		Amount:     m.GetTrimmed(iso8583.FieldAmount),
		RRN:        m.GetTrimmed(iso8583.FieldRRN),
	}
}

// Relay forwards a resolved reply to the instance that owns the waiting caller.
type Relay interface {
	Forward(ctx context.Context, instanceID string, key Key, reply *iso8583.Message) error
}

// Store is the slice of the Redis client the registry needs.
type Store interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Registry records pending requests and resolves replies to them.
type Registry struct {
	rdb        Store
	instanceID string
	pendingTTL time.Duration
	contextTTL time.Duration
	claimTTL   time.Duration
	relay      Relay
	now        func() time.Time

	mu    sync.Mutex
	local map[Key]*Pending
}

type Option func(*Registry)

func WithTTL(pending, context time.Duration) Option {
	return func(r *Registry) {
		r.pendingTTL = pending
		r.contextTTL = context
	}
}

func WithRelay(relay Relay) Option {
	return func(r *Registry) { r.relay = relay }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(rdb Store, instanceID string, opts ...Option) *Registry {
	r := &Registry{
		rdb:        rdb,
		instanceID: instanceID,
		pendingTTL: DefaultPendingTTL,
		contextTTL: DefaultContextTTL,
		claimTTL:   DefaultClaimTTL,
		now:        time.Now,
		local:      make(map[Key]*Pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRelay installs the relay after construction, for wiring that needs the
// registry first.
func (r *Registry) SetRelay(relay Relay) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

func (r *Registry) InstanceID() string { return r.instanceID }

func pendingKey(k Key) string { return pendingPrefix + k.String() }
func contextKey(k Key) string { return contextPrefix + k.String() }
func claimedKey(k Key) string { return claimedPrefix + k.String() }

// RegisterPending stores the pending marker and context with their TTLs and returns
// the handle the caller waits on. At most one unresolved request may exist per key.
func (r *Registry) RegisterPending(ctx context.Context, pc PendingContext) (*Pending, error) {
	if pc.MerchantID == "" || pc.TerminalID == "" || pc.STAN == "" {
		return nil, fmt.Errorf("correlation: merchant, terminal and stan are required")
	}
	pc.InstanceID = r.instanceID
	pc.RegisteredAt = r.now()
	key := pc.Key()
	data, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("correlation: encode context: %w", err)
	}

	created, err := r.rdb.SetNX(ctx, pendingKey(key), r.instanceID, r.pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("correlation: register %s: %w", key, err)
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePending, key)
	}
	if err := r.rdb.Set(ctx, contextKey(key), data, r.contextTTL).Err(); err != nil {
		r.rdb.Del(ctx, pendingKey(key))
		return nil, fmt.Errorf("correlation: store context %s: %w", key, err)
	}

	p := newPending(r, key)
	r.mu.Lock()
	r.local[key] = p
	r.mu.Unlock()
	log.WithFields(log.Fields{"key": key.String(), "amount": pc.Amount, "rrn": pc.RRN}).Debug("pending request registered")
	return p, nil
}

// Correlate resolves reply to the pending request it answers. Every pending request
// across all merchants and terminals that shares the reply's STAN is scored and the
// strictly best one wins; ties and empty candidate sets are a CorrelationError.
func (r *Registry) Correlate(ctx context.Context, reply *iso8583.Message) (bool, error) {
	stan := reply.STAN()
	logger := log.WithFields(log.Fields{"stan": stan, "mti": reply.MTI})
	if stan == "" || strings.ContainsAny(stan, "*?[]\\") {
		outcomes.WithLabelValues("unmatched").Inc()
		return false, &CorrelationError{STAN: stan, Err: ErrNoCandidate}
	}

	pending, err := r.candidates(ctx, stan)
	if err != nil {
		return false, err
	}
	best, err := selectCandidate(reply, pending, r.now())
	if err != nil {
		label := "unmatched"
		if errors.Is(err, ErrAmbiguous) {
			label = "ambiguous"
		}
		outcomes.WithLabelValues(label).Inc()
		logger.WithField("candidates", len(pending)).Warnf("reply not correlated: %v", err)
		return false, &CorrelationError{STAN: stan, Candidates: len(pending), Err: err}
	}

	claimed, err := claimScript.Run(ctx, r.rdb,
		[]string{pendingKey(best.key), contextKey(best.key), claimedKey(best.key)},
		r.instanceID, r.claimTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("correlation: claim %s: %w", best.key, err)
	}
	if claimed != 1 {
		outcomes.WithLabelValues("unmatched").Inc()
		logger.WithField("key", best.key.String()).Warn("reply lost the race for its pending request")
		return false, &CorrelationError{STAN: stan, Candidates: len(pending), Err: ErrAlreadyClaimed}
	}

	logger.WithFields(log.Fields{"key": best.key.String(), "score": best.score}).Debug("reply correlated")
	r.route(ctx, best, reply)
	return true, nil
}

func (r *Registry) route(ctx context.Context, best candidate, reply *iso8583.Message) {
	if r.Deliver(ctx, best.key, reply) {
		outcomes.WithLabelValues("matched").Inc()
		return
	}
	r.mu.Lock()
	relay := r.relay
	r.mu.Unlock()
	owner := best.context.InstanceID
	if owner != "" && owner != r.instanceID && relay != nil {
		if err := relay.Forward(ctx, owner, best.key, reply); err != nil {
			log.WithFields(log.Fields{"key": best.key.String(), "owner": owner}).Errorf("relay failed: %v", err)
			return
		}
		outcomes.WithLabelValues("relayed").Inc()
		return
	}
	log.WithFields(log.Fields{"key": best.key.String(), "owner": owner}).Warn("correlated reply has no waiting caller")
}

// Deliver completes the local handle for key with reply. It returns false when no
// caller in this process is waiting on key.
func (r *Registry) Deliver(ctx context.Context, key Key, reply *iso8583.Message) bool {
	p := r.take(key)
	if p == nil {
		return false
	}
	p.complete(Result{Reply: reply})
	r.rdb.Del(ctx, claimedKey(key))
	return true
}

// Cancel abandons a pending request: the local handle is dropped and the shared
// marker and context are removed.
func (r *Registry) Cancel(ctx context.Context, key Key, cause error) {
	if p := r.take(key); p != nil {
		p.complete(Result{Err: cause})
	}
	r.rdb.Del(ctx, pendingKey(key), contextKey(key))
}

func (r *Registry) take(key Key) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.local[key]
	if !ok {
		return nil
	}
	delete(r.local, key)
	return p
}

// candidates enumerates every live pending request carrying stan.
func (r *Registry) candidates(ctx context.Context, stan string) ([]candidate, error) {
	contexts, err := r.ListPending(ctx, stan)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(contexts))
	for _, pc := range contexts {
		out = append(out, candidate{key: pc.Key(), context: pc})
	}
	return out, nil
}

// ListPending returns the contexts of live pending requests with the given STAN,
// or of all pending requests when stan is empty. A context whose marker has
// expired is not live.
func (r *Registry) ListPending(ctx context.Context, stan string) ([]PendingContext, error) {
	match := contextPrefix + "*"
	if stan != "" {
		match = contextPrefix + "*:" + stan
	}
	var out []PendingContext
	iter := r.rdb.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		ck := iter.Val()
		pk := pendingPrefix + strings.TrimPrefix(ck, contextPrefix)
		live, err := r.rdb.Exists(ctx, pk).Result()
		if err != nil {
			return nil, fmt.Errorf("correlation: check %s: %w", pk, err)
		}
		if live == 0 {
			continue
		}
		data, err := r.rdb.Get(ctx, ck).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("correlation: read %s: %w", ck, err)
		}
		var pc PendingContext
		if err := json.Unmarshal(data, &pc); err != nil {
			log.WithField("key", ck).Warnf("skipping undecodable pending context: %v", err)
			continue
		}
		if stan != "" && pc.STAN != stan {
			continue
		}
		out = append(out, pc)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("correlation: scan %s: %w", match, err)
	}
	return out, nil
}

// SweepExpired completes, with ErrPendingExpired, every local handle whose pending
// marker has disappeared without being claimed, and removes its context.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.local))
	for k := range r.local {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	expired := 0
	for _, k := range keys {
		n, err := r.rdb.Exists(ctx, pendingKey(k), claimedKey(k)).Result()
		if err != nil {
			return expired, fmt.Errorf("correlation: sweep %s: %w", k, err)
		}
		if n > 0 {
			continue
		}
		p := r.take(k)
		if p == nil {
			continue
		}
		r.rdb.Del(ctx, contextKey(k))
		if p.complete(Result{Err: ErrPendingExpired}) {
			expired++
			outcomes.WithLabelValues("expired").Inc()
			log.WithField("key", k.String()).Warn("pending request expired without a reply")
		}
	}
	return expired, nil
}

// LocalPending is the number of callers in this process still waiting.
func (r *Registry) LocalPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.local)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepExpired(ctx); err != nil {
				log.Errorf("pending sweep failed: %v", err)
			}
		}
	}
}
