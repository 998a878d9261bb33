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

package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/mlipscombe/isolink/frame"
	log "github.com/sirupsen/logrus"
)

// Connection lifecycle states.
const (
	StateCreated   = "created"
	StateConnected = "connected"
	StateIdle      = "idle"
	StateInUse     = "in_use"
	StateClosed    = "closed"
)

const (
	eventConnect  = "connect"
	eventCheckout = "checkout"
	eventPark     = "park"
	eventClose    = "close"
)

func newLifecycle(channel string) *fsm.FSM {
	return fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateCreated}, Dst: StateConnected},
			{Name: eventCheckout, Src: []string{StateConnected, StateIdle}, Dst: StateInUse},
			{Name: eventPark, Src: []string{StateConnected, StateInUse}, Dst: StateIdle},
			{Name: eventClose, Src: []string{StateCreated, StateConnected, StateIdle, StateInUse}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.WithFields(log.Fields{"channel": channel, "from": e.Src, "to": e.Dst}).Trace("connection state")
			},
		},
	)
}

// Conn is one live socket to a channel's switch endpoint. It is held by at most
// one exchange at a time.
type Conn struct {
	channel string
	raw     net.Conn
	framer  *frame.Builder
	state   *fsm.FSM

	readTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	created  time.Time
	lastUsed time.Time
}

func newConn(channel string, raw net.Conn, framer *frame.Builder, readTimeout, writeTimeout time.Duration, now time.Time) *Conn {
	c := &Conn{
		channel:      channel,
		raw:          raw,
		framer:       framer,
		state:        newLifecycle(channel),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		created:      now,
		lastUsed:     now,
	}
	c.transition(eventConnect)
	return c
}

func (c *Conn) Channel() string { return c.channel }
func (c *Conn) State() string   { return c.state.Current() }
func (c *Conn) Open() bool      { return !c.state.Is(StateClosed) }

func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastUsed = now
	c.mu.Unlock()
}

// healthy is open and idle for less than maxIdle.
func (c *Conn) healthy(now time.Time, maxIdle time.Duration) bool {
	return c.Open() && now.Sub(c.LastUsed()) < maxIdle
}

func (c *Conn) transition(event string) bool {
	err := c.state.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return true
	}
	return false
}

func (c *Conn) close() error {
	if !c.transition(eventClose) {
		return nil
	}
	return c.raw.Close()
}

// arm sets the socket deadline to the earlier of ctx's deadline and limit, and
// forces it to now if ctx ends first so a blocked read or write returns.
func (c *Conn) arm(ctx context.Context, limit time.Duration) func() bool {
	deadline := time.Time{}
	if limit > 0 {
		deadline = time.Now().Add(limit)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	c.raw.SetDeadline(deadline)
	return context.AfterFunc(ctx, func() {
		c.raw.SetDeadline(time.Now())
	})
}

func (c *Conn) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	} else if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		// the socket deadline can fire just ahead of the context's own timer
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return &ConnectionError{Channel: c.channel, Op: op, Err: err}
}

// WriteFrame frames body and writes it. Any failure is a ConnectionError and
// leaves the connection unusable.
func (c *Conn) WriteFrame(ctx context.Context, body []byte) error {
	f, err := c.framer.ToFrame(body)
	if err != nil {
		return err
	}
	stop := c.arm(ctx, c.writeTimeout)
	defer stop()
	if _, err := c.raw.Write(f); err != nil {
		return c.fail(ctx, OpWrite, err)
	}
	return nil
}

// ReadFrame reads one whole frame, length and routing header included.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := c.arm(ctx, c.readTimeout)
	defer stop()
	f, err := c.framer.ReadFrame(c.raw)
	if err != nil {
		return nil, c.fail(ctx, OpRead, err)
	}
	return f, nil
}

// Exchange writes one framed body and reads the framed reply body. There is no
// pipelining: one request, one reply.
func (c *Conn) Exchange(ctx context.Context, body []byte) ([]byte, error) {
	if err := c.WriteFrame(ctx, body); err != nil {
		return nil, err
	}
	f, err := c.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	return c.framer.FromFrame(f)
}
