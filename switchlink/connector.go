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

// Package switchlink sends ISO8583 messages to the financial switch: over pooled
// request/reply connections, or over a persistent link whose replies are matched
// back to callers through the correlation registry.
package switchlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mlipscombe/isolink/config"
	"github.com/mlipscombe/isolink/correlation"
	"github.com/mlipscombe/isolink/frame"
	"github.com/mlipscombe/isolink/iso8583"
	"github.com/mlipscombe/isolink/pool"
	"github.com/mlipscombe/isolink/resilience"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var exchangeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "isolink",
	Subsystem: "switch",
	Name:      "exchange_seconds",
	Help:      "Round trip of one switch exchange, by channel and result.",
	Buckets:   prometheus.DefBuckets,
}, []string{"channel", "result"})

func init() {
	prometheus.MustRegister(exchangeSeconds)
}

// Pool is the part of pool.Manager the connector uses.
type Pool interface {
	Acquire(ctx context.Context, channel string) (*pool.Conn, error)
	Release(c *pool.Conn, healthy bool)
	RecordResult(channel string, err error)
}

// STANSource issues trace numbers; stan.Generator satisfies it.
type STANSource interface {
	Next(ctx context.Context, merchantID, terminalID string) (string, error)
}

type Config struct {
	Pool     Pool
	Channels config.ChannelSource
	Codecs   map[iso8583.Profile]*iso8583.Codec
	// Profile is used when neither the call nor the channel names one.
	Profile  iso8583.Profile
	STANs    STANSource
	Executor resilience.Executor
	// Registry is needed only by Submit.
	Registry *correlation.Registry
}

// Connector is the synchronous request/reply path.
type Connector struct {
	pool     Pool
	channels config.ChannelSource
	codecs   map[iso8583.Profile]*iso8583.Codec
	profile  iso8583.Profile
	stans    STANSource
	exec     resilience.Executor
	registry *correlation.Registry
}

func New(cfg Config) (*Connector, error) {
	if cfg.Pool == nil || cfg.Channels == nil || len(cfg.Codecs) == 0 {
		return nil, errors.New("switchlink: pool, channels and codecs are required")
	}
	if cfg.Profile == "" {
		cfg.Profile = iso8583.ProfileASCII
	}
	if cfg.Executor == nil {
		cfg.Executor = resilience.Direct{}
	}
	return &Connector{
		pool:     cfg.Pool,
		channels: cfg.Channels,
		codecs:   cfg.Codecs,
		profile:  cfg.Profile,
		stans:    cfg.STANs,
		exec:     cfg.Executor,
		registry: cfg.Registry,
	}, nil
}

func (c *Connector) codec(ch config.Channel, o sendOptions) (*iso8583.Codec, error) {
	return pickCodec(c.codecs, c.profile, ch, o)
}

func pickCodec(codecs map[iso8583.Profile]*iso8583.Codec, fallback iso8583.Profile, ch config.Channel, o sendOptions) (*iso8583.Codec, error) {
	p := o.profile
	if p == "" && ch.Profile != "" {
		var err error
		if p, err = iso8583.ParseProfile(ch.Profile); err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
		}
	}
	if p == "" {
		p = fallback
	}
	codec, ok := codecs[p]
	if !ok {
		return nil, fmt.Errorf("switchlink: no codec for profile %q", p)
	}
	return codec, nil
}

// assignSTAN sets DE11 from the generator when the message has none.
func assignSTAN(ctx context.Context, stans STANSource, msg *iso8583.Message, o sendOptions) error {
	if msg.STAN() != "" {
		return nil
	}
	merchant, terminal := o.identity(msg)
	if merchant == "" || terminal == "" {
		return ErrNoTerminal
	}
	if stans == nil {
		return fmt.Errorf("switchlink: no STAN source for %s/%s", merchant, terminal)
	}
	v, err := stans.Next(ctx, merchant, terminal)
	if err != nil {
		return err
	}
	msg.Fields[iso8583.FieldSTAN] = v
	return nil
}

// prepare assigns the STAN and packs the body once, so every retry resends the
// same bytes under the same trace number.
func (c *Connector) prepare(ctx context.Context, channel string, msg *iso8583.Message, o sendOptions) (config.Channel, *iso8583.Codec, []byte, error) {
	ch, err := c.channels.Channel(channel)
	if err != nil {
		return ch, nil, nil, err
	}
	codec, err := c.codec(ch, o)
	if err != nil {
		return ch, nil, nil, err
	}
	if err := assignSTAN(ctx, c.stans, msg, o); err != nil {
		return ch, nil, nil, err
	}
	body, err := codec.Pack(msg)
	if err != nil {
		return ch, nil, nil, err
	}
	if len(body) > frame.MaxBody {
		return ch, nil, nil, fmt.Errorf("%w: %d", frame.ErrBodySize, len(body))
	}
	return ch, codec, body, nil
}

// Send delivers msg on channel and returns the decoded reply. A missing DE11 is
// filled from the STAN generator before the first attempt. The exchange runs
// under the executor as switch.<channel>[.<operation>].
func (c *Connector) Send(ctx context.Context, channel string, msg *iso8583.Message, opts ...SendOption) (*iso8583.Message, error) {
	o := collect(opts)
	ch, codec, body, err := c.prepare(ctx, channel, msg, o)
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{"channel": channel, "mti": msg.MTI, "stan": msg.STAN()})
	var reply *iso8583.Message
	err = c.exec.Execute(ctx, OperationName(channel, o.operation), ch.Timeout, func(ctx context.Context) error {
		var err error
		reply, err = c.exchange(ctx, channel, codec, body, msg.STAN())
		return err
	})
	if err != nil {
		logger.Errorf("switch exchange failed: %v", err)
		return nil, err
	}
	logger.WithField("reply", reply.MTI).Debug("switch exchange complete")
	return reply, nil
}

// exchange is one attempt: acquire, write, read, unpack, release.
func (c *Connector) exchange(ctx context.Context, channel string, codec *iso8583.Codec, body []byte, stan string) (*iso8583.Message, error) {
	start := time.Now()
	reply, err := c.roundTrip(ctx, channel, codec, body, stan)
	result := "ok"
	if err != nil {
		result = "error"
	}
	exchangeSeconds.WithLabelValues(channel, result).Observe(time.Since(start).Seconds())
	return reply, err
}

func (c *Connector) roundTrip(ctx context.Context, channel string, codec *iso8583.Codec, body []byte, stan string) (*iso8583.Message, error) {
	conn, err := c.pool.Acquire(ctx, channel)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"channel": channel, "stan": stan, "bytes": len(body)}).Trace("TX")

	raw, err := conn.Exchange(ctx, body)
	if err != nil {
		c.pool.Release(conn, false)
		c.pool.RecordResult(channel, err)
		return nil, err
	}
	log.WithFields(log.Fields{"channel": channel, "bytes": len(raw)}).Trace("RX")

	reply, err := codec.Unpack(raw)
	if err == nil && stan != "" && reply.STAN() != stan {
		err = &iso8583.ProtocolError{Field: iso8583.FieldSTAN, Reason: fmt.Sprintf("reply STAN %q does not answer %q", reply.STAN(), stan)}
	}
	if err != nil {
		// the stream may be out of step; do not reuse it
		c.pool.Release(conn, false)
		c.pool.RecordResult(channel, err)
		return nil, err
	}
	c.pool.Release(conn, true)
	c.pool.RecordResult(channel, nil)
	return reply, nil
}

// Submit is the register-then-await pattern over the synchronous path: the request
// is registered as pending before it is sent and the reply is handed to the
// registry, which completes whichever pending request it matches. The caller
// receives its own reply through its completion handle.
func (c *Connector) Submit(ctx context.Context, channel string, msg *iso8583.Message, opts ...SendOption) (*iso8583.Message, error) {
	if c.registry == nil {
		return nil, errors.New("switchlink: Submit needs a correlation registry")
	}
	o := collect(opts)
	ch, err := c.channels.Channel(channel)
	if err != nil {
		return nil, err
	}
	if err := assignSTAN(ctx, c.stans, msg, o); err != nil {
		return nil, err
	}
	merchant, terminal := o.identity(msg)
	pc := correlation.ContextFromMessage(msg, merchant, terminal)
	pc.Channel = channel
	pending, err := c.registry.RegisterPending(ctx, pc)
	if err != nil {
		return nil, err
	}

	reply, err := c.Send(ctx, channel, msg, opts...)
	if err != nil {
		c.registry.Cancel(context.WithoutCancel(ctx), pending.Key(), err)
		return nil, err
	}
	if _, err := c.registry.Correlate(ctx, reply); err != nil {
		log.WithFields(log.Fields{"channel": channel, "stan": reply.STAN()}).Warnf("reply not correlated: %v", err)
	}

	wctx, cancel := context.WithTimeout(ctx, ch.Timeout)
	defer cancel()
	return pending.Wait(wctx)
}
