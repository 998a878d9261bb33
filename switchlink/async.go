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

package switchlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mlipscombe/isolink/config"
	"github.com/mlipscombe/isolink/correlation"
	"github.com/mlipscombe/isolink/frame"
	"github.com/mlipscombe/isolink/iso8583"
	"github.com/mlipscombe/isolink/pool"
	"github.com/mlipscombe/isolink/resilience"
	log "github.com/sirupsen/logrus"
)

var errNotConnected = errors.New("link not connected")

// ErrProfileMismatch means a message asked for a codec profile other than the one
// an async link's read loop decodes with.
var ErrProfileMismatch = errors.New("switchlink: async link cannot change codec profile per message")

type AsyncConfig struct {
	Channel  config.Channel
	Codecs   map[iso8583.Profile]*iso8583.Codec
	Profile  iso8583.Profile
	Registry *correlation.Registry
	STANs    STANSource
	Executor resilience.Executor
	Dial     pool.Dialer
	// OnUnmatched sees every reply the registry could not place.
	OnUnmatched func(reply *iso8583.Message, err error)
}

// AsyncLink is one persistent connection to a channel where writes do not wait for
// their reply. A read loop decodes every inbound frame and resolves it through the
// correlation registry; callers block on their pending handle. Every frame in both
// directions uses the codec fixed when the link was built.
type AsyncLink struct {
	channel     config.Channel
	codecs      map[iso8583.Profile]*iso8583.Codec
	codec       *iso8583.Codec
	framer      *frame.Builder
	registry    *correlation.Registry
	stans       STANSource
	exec        resilience.Executor
	dial        pool.Dialer
	onUnmatched func(*iso8583.Message, error)

	writeMu sync.Mutex
	mu      sync.RWMutex
	conn    net.Conn
}

func NewAsyncLink(cfg AsyncConfig) (*AsyncLink, error) {
	if cfg.Registry == nil || len(cfg.Codecs) == 0 {
		return nil, errors.New("switchlink: async link needs a registry and codecs")
	}
	ch := cfg.Channel.WithDefaults()
	header, err := frame.ParseHeader(ch.RoutingHeader)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	if cfg.Profile == "" {
		cfg.Profile = iso8583.ProfileASCII
	}
	codec, err := pickCodec(cfg.Codecs, cfg.Profile, ch, sendOptions{})
	if err != nil {
		return nil, err
	}
	if cfg.Executor == nil {
		cfg.Executor = resilience.Direct{}
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}
	return &AsyncLink{
		channel:     ch,
		codecs:      cfg.Codecs,
		codec:       codec,
		framer:      &frame.Builder{Header: header},
		registry:    cfg.Registry,
		stans:       cfg.STANs,
		exec:        cfg.Executor,
		dial:        cfg.Dial,
		onUnmatched: cfg.OnUnmatched,
	}, nil
}

func (l *AsyncLink) Channel() string { return l.channel.ID }

func (l *AsyncLink) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil
}

func (l *AsyncLink) current() net.Conn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

func (l *AsyncLink) setConn(c net.Conn) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

// Run keeps the link connected until ctx ends, reconnecting with exponential
// backoff whenever the connection drops.
func (l *AsyncLink) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	logger := log.WithFields(log.Fields{"channel": l.channel.ID, "address": l.channel.Address()})

	for {
		dctx, cancel := context.WithTimeout(ctx, l.channel.ConnectTimeout)
		conn, err := l.dial(dctx, "tcp", l.channel.Address())
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			logger.WithField("retry", wait).Warnf("switch link connect failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		l.setConn(conn)
		logger.Info("switch link up")

		err = l.readLoop(ctx, conn)
		l.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			logger.Info("switch link closed")
			return nil
		}
		logger.Warnf("switch link down: %v", err)
	}
}

func (l *AsyncLink) readLoop(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		f, err := l.framer.ReadFrame(conn)
		if err != nil {
			return err
		}
		body, err := l.framer.FromFrame(f)
		if err != nil {
			return err
		}
		msg, err := l.codec.Unpack(body)
		if err != nil {
			// frames are length delimited, so one bad body does not desync the stream
			log.WithField("channel", l.channel.ID).Warnf("dropping undecodable frame: %v", err)
			continue
		}
		l.handle(ctx, msg)
	}
}

func (l *AsyncLink) handle(ctx context.Context, msg *iso8583.Message) {
	logger := log.WithFields(log.Fields{"channel": l.channel.ID, "mti": msg.MTI, "stan": msg.STAN()})
	if msg.MTI == "0800" {
		l.answerNetworkRequest(ctx, msg)
		return
	}
	if _, err := l.registry.Correlate(ctx, msg); err != nil {
		logger.Warnf("unmatched reply: %v", err)
		if l.onUnmatched != nil {
			l.onUnmatched(msg, err)
		}
		return
	}
	logger.Debug("reply correlated")
}

// answerNetworkRequest approves switch-initiated 0800s (echo, sign on).
func (l *AsyncLink) answerNetworkRequest(ctx context.Context, req *iso8583.Message) {
	resp, err := iso8583.NewResponse(req)
	if err != nil {
		log.WithField("channel", l.channel.ID).Warnf("cannot answer network request: %v", err)
		return
	}
	resp.Fields[iso8583.FieldResponseCode] = iso8583.ResponseApproved
	body, err := l.codec.Pack(resp)
	if err == nil {
		err = l.write(ctx, body)
	}
	if err != nil {
		log.WithField("channel", l.channel.ID).Errorf("answering network request: %v", err)
	}
}

func (l *AsyncLink) write(ctx context.Context, body []byte) error {
	conn := l.current()
	if conn == nil {
		return &pool.ConnectionError{Channel: l.channel.ID, Op: pool.OpWrite, Err: errNotConnected}
	}
	f, err := l.framer.ToFrame(body)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline := time.Now().Add(l.channel.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(f); err != nil {
		// a partial write leaves the stream undefined; the read loop reconnects
		conn.Close()
		return &pool.ConnectionError{Channel: l.channel.ID, Op: pool.OpWrite, Err: err}
	}
	return nil
}

// Submit registers msg as pending, writes it, and waits for the read loop to
// correlate its reply. The wait is bounded by the channel timeout; an expired
// pending request completes with correlation.ErrPendingExpired. WithProfile is
// accepted only when it names the link's own profile.
func (l *AsyncLink) Submit(ctx context.Context, msg *iso8583.Message, opts ...SendOption) (*iso8583.Message, error) {
	o := collect(opts)
	if o.profile != "" && l.codecs[o.profile] != l.codec {
		return nil, fmt.Errorf("channel %s: %w: %q", l.channel.ID, ErrProfileMismatch, o.profile)
	}
	if err := assignSTAN(ctx, l.stans, msg, o); err != nil {
		return nil, err
	}
	body, err := l.codec.Pack(msg)
	if err != nil {
		return nil, err
	}
	merchant, terminal := o.identity(msg)
	pc := correlation.ContextFromMessage(msg, merchant, terminal)
	pc.Channel = l.channel.ID
	pending, err := l.registry.RegisterPending(ctx, pc)
	if err != nil {
		return nil, err
	}

	op := OperationName(l.channel.ID, o.operation)
	err = l.exec.Execute(ctx, op, l.channel.WriteTimeout, func(ctx context.Context) error {
		return l.write(ctx, body)
	})
	if err != nil {
		l.registry.Cancel(context.WithoutCancel(ctx), pending.Key(), err)
		return nil, err
	}
	log.WithFields(log.Fields{"channel": l.channel.ID, "stan": msg.STAN(), "mti": msg.MTI}).Debug("submitted")

	wctx, cancel := context.WithTimeout(ctx, l.channel.Timeout)
	defer cancel()
	return pending.Wait(wctx)
}
