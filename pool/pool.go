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

// Package pool keeps a bounded set of live switch connections per channel and
// hands them out one exchange at a time.
package pool

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlipscombe/isolink/config"
	"github.com/mlipscombe/isolink/frame"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTotalMax      = 20
	DefaultMinPerChannel = 2
	DefaultMaxIdle       = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	// TotalMax is apportioned across active channels that set no explicit
	// maxConnections, never below MinPerChannel each.
	TotalMax      int
	MinPerChannel int
	MaxIdle       time.Duration
	SweepInterval time.Duration
	Dial          Dialer
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TotalMax <= 0 {
		o.TotalMax = DefaultTotalMax
	}
	if o.MinPerChannel <= 0 {
		o.MinPerChannel = DefaultMinPerChannel
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = DefaultMaxIdle
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Dial == nil {
		o.Dial = (&net.Dialer{}).DialContext
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats is a point in time view of one channel pool.
type Stats struct {
	Channel string
	Size    int
	Idle    int
	InUse   int
	Max     int
	Total   uint64
	Failed  uint64
}

type channelPool struct {
	cfg    config.Channel
	framer *frame.Builder

	mu      sync.Mutex
	idle    []*Conn
	inUse   map[*Conn]struct{}
	size    int
	changed chan struct{}

	total  atomic.Uint64
	failed atomic.Uint64
}

// signal wakes every acquirer waiting on this pool. Callers hold cp.mu.
func (cp *channelPool) signal() {
	close(cp.changed)
	cp.changed = make(chan struct{})
}

// popHealthy takes the oldest healthy idle connection. Stale ones met on the way
// are uncounted and returned for closing outside the lock.
func (cp *channelPool) popHealthy(now time.Time, maxIdle time.Duration) (*Conn, []*Conn) {
	var stale []*Conn
	for len(cp.idle) > 0 {
		c := cp.idle[0]
		cp.idle[0] = nil
		cp.idle = cp.idle[1:]
		if c.healthy(now, maxIdle) {
			return c, stale
		}
		cp.size--
		stale = append(stale, c)
	}
	return nil, stale
}

// Manager owns one lazily created pool per channel id.
type Manager struct {
	channels config.ChannelSource
	opts     Options

	mu    sync.Mutex
	pools map[string]*channelPool

	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(channels config.ChannelSource, opts Options) *Manager {
	return &Manager{
		channels: channels,
		opts:     opts.withDefaults(),
		pools:    make(map[string]*channelPool),
		done:     make(chan struct{}),
	}
}

func (m *Manager) closing() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Manager) pool(channel string) (*channelPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing() {
		return nil, ErrPoolClosed
	}
	if cp, ok := m.pools[channel]; ok {
		return cp, nil
	}
	cfg, err := m.channels.Channel(channel)
	if err != nil {
		return nil, err
	}
	header, err := frame.ParseHeader(cfg.RoutingHeader)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", channel, err)
	}
	cp := &channelPool{
		cfg:     cfg,
		framer:  &frame.Builder{Header: header},
		inUse:   make(map[*Conn]struct{}),
		changed: make(chan struct{}),
	}
	m.pools[channel] = cp
	log.WithFields(log.Fields{"channel": channel, "address": cfg.Address()}).Info("channel pool created")
	return cp, nil
}

func (m *Manager) lookup(channel string) *channelPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[channel]
}

// limit is the channel's explicit maxConnections, or its share of TotalMax.
func (m *Manager) limit(cp *channelPool) int {
	if cp.cfg.MaxConnections > 0 {
		return cp.cfg.MaxConnections
	}
	m.mu.Lock()
	active := len(m.pools)
	m.mu.Unlock()
	share := m.opts.TotalMax / max(active, 1)
	return max(share, m.opts.MinPerChannel)
}

// Acquire hands out a connection for channel: a healthy idle one, else a new one
// while the pool is below its limit, else the first one released within the
// channel's connect timeout. Waiting past that fails with ErrPoolExhausted.
func (m *Manager) Acquire(ctx context.Context, channel string) (*Conn, error) {
	cp, err := m.pool(channel)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	timer := time.NewTimer(cp.cfg.ConnectTimeout)
	defer timer.Stop()

	for {
		if m.closing() {
			return nil, ErrPoolClosed
		}
		limit := m.limit(cp)

		cp.mu.Lock()
		c, stale := cp.popHealthy(m.opts.Now(), m.opts.MaxIdle)
		if len(stale) > 0 {
			cp.signal()
		}
		if c != nil {
			c.transition(eventCheckout)
			cp.inUse[c] = struct{}{}
			cp.mu.Unlock()
			m.discard(stale, "stale")
			acquireWait.WithLabelValues(channel).Observe(time.Since(start).Seconds())
			return c, nil
		}
		if cp.size < limit {
			cp.size++
			cp.mu.Unlock()
			m.discard(stale, "stale")
			c, err := m.dial(ctx, cp)
			if err == nil {
				acquireWait.WithLabelValues(channel).Observe(time.Since(start).Seconds())
			}
			return c, err
		}
		wait := cp.changed
		cp.mu.Unlock()
		m.discard(stale, "stale")

		select {
		case <-wait:
		case <-timer.C:
			log.WithFields(log.Fields{"channel": channel, "limit": limit}).Warn("pool exhausted")
			return nil, fmt.Errorf("%w: channel %s after %s", ErrPoolExhausted, channel, cp.cfg.ConnectTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrPoolClosed
		}
	}
}

// dial opens a connection for a slot already counted in cp.size.
func (m *Manager) dial(ctx context.Context, cp *channelPool) (*Conn, error) {
	channel := cp.cfg.ID
	dctx, cancel := context.WithTimeout(ctx, cp.cfg.ConnectTimeout)
	defer cancel()

	raw, err := m.opts.Dial(dctx, "tcp", cp.cfg.Address())
	if err != nil {
		cp.mu.Lock()
		if cp.size > 0 {
			cp.size--
		}
		cp.signal()
		cp.mu.Unlock()
		connsOpened.WithLabelValues(channel, "error").Inc()
		log.WithFields(log.Fields{"channel": channel, "address": cp.cfg.Address()}).Errorf("connect failed: %v", err)
		return nil, &ConnectionError{Channel: channel, Op: OpDial, Err: err}
	}

	c := newConn(channel, raw, cp.framer, cp.cfg.ReadTimeout, cp.cfg.WriteTimeout, m.opts.Now())
	cp.mu.Lock()
	if m.closing() {
		cp.mu.Unlock()
		c.close()
		return nil, ErrPoolClosed
	}
	c.transition(eventCheckout)
	cp.inUse[c] = struct{}{}
	cp.mu.Unlock()

	connsOpened.WithLabelValues(channel, "ok").Inc()
	log.WithFields(log.Fields{"channel": channel, "local": raw.LocalAddr().String()}).Debug("connection opened")
	return c, nil
}

// Release returns c to its channel pool. A healthy connection goes back on the idle
// queue when there is room; anything else is closed and uncounted. Releasing a
// connection that is not checked out does nothing.
func (m *Manager) Release(c *Conn, healthy bool) {
	cp := m.lookup(c.channel)
	if cp == nil {
		c.close()
		return
	}
	limit := m.limit(cp)

	cp.mu.Lock()
	if _, ok := cp.inUse[c]; !ok {
		cp.mu.Unlock()
		return
	}
	delete(cp.inUse, c)
	if healthy && c.Open() && !m.closing() && len(cp.idle) < limit && cp.size <= limit {
		c.touch(m.opts.Now())
		c.transition(eventPark)
		cp.idle = append(cp.idle, c)
		cp.signal()
		cp.mu.Unlock()
		return
	}
	cp.size--
	cp.signal()
	cp.mu.Unlock()

	reason := "unhealthy"
	if healthy {
		reason = "overflow"
	}
	m.discard([]*Conn{c}, reason)
}

// Discard closes c without returning it. It is Release(c, false).
func (m *Manager) Discard(c *Conn) { m.Release(c, false) }

func (m *Manager) discard(conns []*Conn, reason string) {
	for _, c := range conns {
		if err := c.close(); err != nil {
			log.WithField("channel", c.channel).Debugf("close: %v", err)
		}
		connsClosed.WithLabelValues(c.channel, reason).Inc()
		log.WithFields(log.Fields{"channel": c.channel, "reason": reason}).Debug("connection closed")
	}
}

// RecordResult counts one exchange against channel.
func (m *Manager) RecordResult(channel string, err error) {
	cp := m.lookup(channel)
	if cp == nil {
		return
	}
	cp.total.Add(1)
	result := "ok"
	if err != nil {
		cp.failed.Add(1)
		result = "error"
	}
	requests.WithLabelValues(channel, result).Inc()
}

// Sweep closes idle connections that have exceeded the idle threshold.
func (m *Manager) Sweep() int {
	now := m.opts.Now()
	m.mu.Lock()
	pools := make([]*channelPool, 0, len(m.pools))
	for _, cp := range m.pools {
		pools = append(pools, cp)
	}
	m.mu.Unlock()

	evicted := 0
	for _, cp := range pools {
		cp.mu.Lock()
		keep := cp.idle[:0]
		var stale []*Conn
		for _, c := range cp.idle {
			if c.healthy(now, m.opts.MaxIdle) {
				keep = append(keep, c)
			} else {
				stale = append(stale, c)
			}
		}
		for i := len(keep); i < len(cp.idle); i++ {
			cp.idle[i] = nil
		}
		cp.idle = keep
		if len(stale) > 0 {
			cp.size -= len(stale)
			cp.signal()
		}
		cp.mu.Unlock()

		if len(stale) > 0 {
			log.WithFields(log.Fields{"channel": cp.cfg.ID, "evicted": len(stale)}).Info("evicted idle connections")
		}
		m.discard(stale, "idle")
		evicted += len(stale)
	}
	return evicted
}

// Run sweeps on the configured interval until ctx ends or the manager closes.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Stats returns one snapshot per channel, ordered by channel id.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	pools := make([]*channelPool, 0, len(m.pools))
	for _, cp := range m.pools {
		pools = append(pools, cp)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(pools))
	for _, cp := range pools {
		limit := m.limit(cp)
		cp.mu.Lock()
		s := Stats{
			Channel: cp.cfg.ID,
			Size:    cp.size,
			Idle:    len(cp.idle),
			InUse:   len(cp.inUse),
			Max:     limit,
		}
		cp.mu.Unlock()
		s.Total = cp.total.Load()
		s.Failed = cp.failed.Load()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Close closes every idle and checked out connection and fails pending and future
// acquires with ErrPoolClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		close(m.done)
		pools := make([]*channelPool, 0, len(m.pools))
		for _, cp := range m.pools {
			pools = append(pools, cp)
		}
		m.mu.Unlock()

		for _, cp := range pools {
			cp.mu.Lock()
			conns := append([]*Conn(nil), cp.idle...)
			for c := range cp.inUse {
				conns = append(conns, c)
			}
			cp.idle = nil
			cp.inUse = make(map[*Conn]struct{})
			cp.size = 0
			cp.signal()
			cp.mu.Unlock()
			m.discard(conns, "shutdown")
		}
		log.Info("connection pools closed")
	})
	return nil
}
