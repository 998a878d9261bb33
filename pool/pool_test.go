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
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mlipscombe/isolink/config"
	"github.com/mlipscombe/isolink/frame"
	"github.com/stretchr/testify/require"
)

// fakeSwitch accepts connections and runs handle on each one.
type fakeSwitch struct {
	ln       net.Listener
	accepted atomic.Int32
	handle   func(net.Conn)
}

func startSwitch(t *testing.T, handle func(net.Conn)) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSwitch{ln: ln, handle: handle}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			go func() {
				defer c.Close()
				if s.handle != nil {
					s.handle(c)
					return
				}
				io.Copy(io.Discard, c)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSwitch) channel(maxConns int) config.Channel {
	addr := s.ln.Addr().(*net.TCPAddr)
	return config.Channel{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		ConnectTimeout: 100 * time.Millisecond,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
		MaxConnections: maxConns,
	}
}

// echoFrames answers every frame with the same frame.
func echoFrames(c net.Conn) {
	b := frame.NewBuilder()
	for {
		f, err := b.ReadFrame(c)
		if err != nil {
			return
		}
		if _, err := c.Write(f); err != nil {
			return
		}
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, channels config.StaticChannels, opts Options) *Manager {
	t.Helper()
	m := NewManager(channels, opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func statsFor(t *testing.T, m *Manager, channel string) Stats {
	t.Helper()
	for _, s := range m.Stats() {
		if s.Channel == channel {
			return s
		}
	}
	t.Fatalf("no stats for %s", channel)
	return Stats{}
}

func TestAcquireBoundedByMax(t *testing.T) {
	sw := startSwitch(t, nil)
	m := newManager(t, config.StaticChannels{"SW1": sw.channel(2)}, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	conns := make([]*Conn, 2)
	errs := make([]error, 2)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = m.Acquire(ctx, "SW1")
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotSame(t, conns[0], conns[1])

	start := time.Now()
	_, err := m.Acquire(ctx, "SW1")
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	s := statsFor(t, m, "SW1")
	require.Equal(t, 2, s.Size)
	require.Equal(t, 2, s.InUse)
	require.Eventually(t, func() bool { return sw.accepted.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestReleasedConnectionIsReused(t *testing.T) {
	sw := startSwitch(t, nil)
	m := newManager(t, config.StaticChannels{"SW1": sw.channel(2)}, Options{})

	c1, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)
	m.Release(c1, true)
	require.Equal(t, StateIdle, c1.State())

	c2, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, StateInUse, c2.State())
	require.Equal(t, 1, statsFor(t, m, "SW1").Size)
}

func TestWaiterReceivesReleasedConnection(t *testing.T) {
	sw := startSwitch(t, nil)
	ch := sw.channel(1)
	ch.ConnectTimeout = time.Second
	m := newManager(t, config.StaticChannels{"SW1": ch}, Options{})

	held, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := m.Acquire(context.Background(), "SW1")
		if err != nil {
			t.Errorf("Acquire: %v", err)
		}
		got <- c
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release(held, true)

	select {
	case c := <-got:
		require.Same(t, held, c)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released connection")
	}
}

func TestUnhealthyReleaseIsNeverReissued(t *testing.T) {
	sw := startSwitch(t, nil)
	m := newManager(t, config.StaticChannels{"SW1": sw.channel(2)}, Options{})
	ctx := context.Background()

	c1, err := m.Acquire(ctx, "SW1")
	require.NoError(t, err)
	c2, err := m.Acquire(ctx, "SW1")
	require.NoError(t, err)
	require.Equal(t, 2, statsFor(t, m, "SW1").Size)

	m.Release(c1, false)
	require.Equal(t, StateClosed, c1.State())
	require.Equal(t, 1, statsFor(t, m, "SW1").Size)

	// releasing twice must not uncount it again
	m.Release(c1, false)
	require.Equal(t, 1, statsFor(t, m, "SW1").Size)

	c3, err := m.Acquire(ctx, "SW1")
	require.NoError(t, err)
	require.NotSame(t, c1, c3)
	require.NotSame(t, c2, c3)
	require.Equal(t, 2, statsFor(t, m, "SW1").Size)
}

func TestSweepEvictsIdle(t *testing.T) {
	sw := startSwitch(t, nil)
	clk := &clock{now: time.Now()}
	m := newManager(t, config.StaticChannels{"SW1": sw.channel(2)}, Options{MaxIdle: time.Minute, Now: clk.Now})

	c1, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)
	c2, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)
	m.Release(c1, true)

	clk.Advance(30 * time.Second)
	require.Zero(t, m.Sweep())

	m.Release(c2, true)
	clk.Advance(45 * time.Second)
	require.Equal(t, 1, m.Sweep())
	require.Equal(t, StateClosed, c1.State())
	require.Equal(t, StateIdle, c2.State())

	s := statsFor(t, m, "SW1")
	require.Equal(t, 1, s.Size)
	require.Equal(t, 1, s.Idle)
}

func TestStaleIdleIsNotHandedOut(t *testing.T) {
	sw := startSwitch(t, nil)
	clk := &clock{now: time.Now()}
	m := newManager(t, config.StaticChannels{"SW1": sw.channel(1)}, Options{MaxIdle: time.Minute, Now: clk.Now})

	c1, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)
	m.Release(c1, true)
	clk.Advance(2 * time.Minute)

	c2, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)
	require.NotSame(t, c1, c2)
	require.Equal(t, StateClosed, c1.State())
	require.Equal(t, 1, statsFor(t, m, "SW1").Size)
}

func TestCloseCancelsWaiters(t *testing.T) {
	sw := startSwitch(t, nil)
	ch := sw.channel(1)
	ch.ConnectTimeout = 5 * time.Second
	m := NewManager(config.StaticChannels{"SW1": ch}, Options{})

	held, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "SW1")
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Close())
	select {
	case err := <-waitErr:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	require.Equal(t, StateClosed, held.State())

	_, err = m.Acquire(context.Background(), "SW1")
	require.ErrorIs(t, err, ErrPoolClosed)
	m.Release(held, true)
}

func TestAcquireHonoursContext(t *testing.T) {
	sw := startSwitch(t, nil)
	ch := sw.channel(1)
	ch.ConnectTimeout = 5 * time.Second
	m := newManager(t, config.StaticChannels{"SW1": ch}, Options{})

	_, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "SW1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApportionedLimit(t *testing.T) {
	sw := startSwitch(t, nil)
	a, b := sw.channel(0), sw.channel(0)
	explicit := sw.channel(7)
	m := newManager(t, config.StaticChannels{"A": a, "B": b, "C": explicit}, Options{TotalMax: 6, MinPerChannel: 1})
	ctx := context.Background()

	c, err := m.Acquire(ctx, "A")
	require.NoError(t, err)
	m.Release(c, true)
	require.Equal(t, 6, statsFor(t, m, "A").Max)

	c, err = m.Acquire(ctx, "B")
	require.NoError(t, err)
	m.Release(c, true)
	c, err = m.Acquire(ctx, "C")
	require.NoError(t, err)
	m.Release(c, true)

	require.Equal(t, 2, statsFor(t, m, "A").Max)
	require.Equal(t, 2, statsFor(t, m, "B").Max)
	require.Equal(t, 7, statsFor(t, m, "C").Max)
}

func TestUnknownChannel(t *testing.T) {
	m := newManager(t, config.StaticChannels{}, Options{})
	_, err := m.Acquire(context.Background(), "NOPE")
	require.ErrorIs(t, err, config.ErrUnknownChannel)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := newManager(t, config.StaticChannels{"SW1": {Host: "127.0.0.1", Port: port, MaxConnections: 1}}, Options{})
	_, err = m.Acquire(context.Background(), "SW1")
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.Equal(t, OpDial, ce.Op)
	require.Equal(t, "SW1", ce.Channel)
	require.Zero(t, statsFor(t, m, "SW1").Size)
}

func TestExchange(t *testing.T) {
	sw := startSwitch(t, echoFrames)
	m := newManager(t, config.StaticChannels{"SW1": sw.channel(1)}, Options{})

	c, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)
	body := []byte("0800 echo body")
	got, err := c.Exchange(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, body, got)
	m.Release(c, true)

	m.RecordResult("SW1", nil)
	m.RecordResult("SW1", errors.New("boom"))
	s := statsFor(t, m, "SW1")
	require.Equal(t, uint64(2), s.Total)
	require.Equal(t, uint64(1), s.Failed)
}

func TestExchangeRoutingHeader(t *testing.T) {
	headers := make(chan []byte, 1)
	sw := startSwitch(t, func(c net.Conn) {
		f, err := frame.NewBuilder().ReadFrame(c)
		if err != nil {
			return
		}
		headers <- append([]byte(nil), f[frame.LengthSize:frame.Overhead]...)
		c.Write(f)
	})
	ch := sw.channel(1)
	ch.RoutingHeader = "6000120034"
	m := newManager(t, config.StaticChannels{"SW1": ch}, Options{})

	c, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)
	_, err = c.Exchange(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x00, 0x12, 0x00, 0x34}, <-headers)
}

func TestExchangeCancelled(t *testing.T) {
	sw := startSwitch(t, nil)
	m := newManager(t, config.StaticChannels{"SW1": sw.channel(1)}, Options{})

	c, err := m.Acquire(context.Background(), "SW1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Exchange(ctx, []byte("no reply"))
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.Equal(t, OpRead, ce.Op)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.Release(c, false)
	require.Zero(t, statsFor(t, m, "SW1").Size)
}

func TestBadRoutingHeader(t *testing.T) {
	m := newManager(t, config.StaticChannels{"SW1": {Host: "127.0.0.1", Port: 1, RoutingHeader: "zz"}}, Options{})
	_, err := m.Acquire(context.Background(), "SW1")
	require.Error(t, err)
	require.Contains(t, err.Error(), strconv.Quote("zz"))
}
