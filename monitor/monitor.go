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

package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	cmp "github.com/google/go-cmp/cmp"
	"github.com/mlipscombe/isolink/iso8583"
	"github.com/mlipscombe/isolink/pool"
	"github.com/mlipscombe/isolink/switchlink"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	poolConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "isolink",
		Subsystem: "pool",
		Name:      "connections",
		Help:      "Pooled switch connections by channel and state.",
	}, []string{"channel", "state"})
	poolLimit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "isolink",
		Subsystem: "pool",
		Name:      "limit",
		Help:      "Current connection limit per channel.",
	}, []string{"channel"})
	echoUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "isolink",
		Subsystem: "echo",
		Name:      "up",
		Help:      "1 when the last echo test on the channel was approved.",
	}, []string{"channel"})
	echoLatency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "isolink",
		Subsystem: "echo",
		Name:      "latency_seconds",
		Help:      "Round trip of the last successful echo test.",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(poolConnections, poolLimit, echoUp, echoLatency)
}

// StatsSource is satisfied by pool.Manager.
type StatsSource interface {
	Stats() []pool.Stats
}

// Publisher is satisfied by mqtt.Client. It may be nil.
type Publisher interface {
	PublishJSON(topic string, val interface{}) error
}

// EchoSender is satisfied by switchlink.Connector.
type EchoSender interface {
	Send(ctx context.Context, channel string, msg *iso8583.Message, opts ...switchlink.SendOption) (*iso8583.Message, error)
}

type ChannelStatus struct {
	Channel string        `json:"channel"`
	Up      bool          `json:"up"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

func signal(ready chan bool) {
	select {
	case ready <- true:
	default:
	}
}

// StartPoolMonitor samples pool statistics every interval, keeps the gauges
// current and publishes the channels whose statistics changed. The returned
// channel signals after the first sample.
func StartPoolMonitor(ctx context.Context, src StatsSource, publisher Publisher, interval time.Duration) chan bool {
	cache := make(map[string]pool.Stats)
	ready := make(chan bool, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			changeSet := make(map[string]pool.Stats)
			for _, s := range src.Stats() {
				updatePoolGauges(s)
				if !cmp.Equal(cache[s.Channel], s) {
					changeSet[s.Channel] = s
					cache[s.Channel] = s
				}
			}
			if len(changeSet) > 0 && publisher != nil {
				if err := publisher.PublishJSON("pools", changeSet); err != nil {
					log.Errorf("publishing pool stats: %v", err)
				}
			}
			signal(ready)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ready
}

func updatePoolGauges(s pool.Stats) {
	poolConnections.WithLabelValues(s.Channel, "idle").Set(float64(s.Idle))
	poolConnections.WithLabelValues(s.Channel, "in_use").Set(float64(s.InUse))
	poolLimit.WithLabelValues(s.Channel).Set(float64(s.Max))
}

// NetworkMerchant keys the STAN counters of network management messages, one
// counter per channel.
const NetworkMerchant = "netmgmt"

// EchoMonitor sends 0800 echo tests on each channel and remembers the outcome.
type EchoMonitor struct {
	sender    EchoSender
	stans     switchlink.STANSource
	publisher Publisher
	channels  []string
	timeout   time.Duration

	mu     sync.RWMutex
	status map[string]ChannelStatus
}

func NewEchoMonitor(sender EchoSender, stans switchlink.STANSource, publisher Publisher, channels []string, timeout time.Duration) *EchoMonitor {
	return &EchoMonitor{
		sender:    sender,
		stans:     stans,
		publisher: publisher,
		channels:  channels,
		timeout:   timeout,
		status:    make(map[string]ChannelStatus),
	}
}

// echo sends one echo test under a STAN from the shared generator.
func (m *EchoMonitor) echo(ctx context.Context, channel string) (*iso8583.Message, error) {
	trace, err := m.stans.Next(ctx, NetworkMerchant, channel)
	if err != nil {
		return nil, err
	}
	req := iso8583.NewEchoRequest(1)
	req.Fields[iso8583.FieldSTAN] = trace
	return m.sender.Send(ctx, channel, req, switchlink.WithOperation("echo"))
}

// Probe runs one echo test on channel.
func (m *EchoMonitor) Probe(ctx context.Context, channel string) ChannelStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	reply, err := m.echo(ctx, channel)
	status := ChannelStatus{Channel: channel, At: time.Now().UTC()}
	switch {
	case err != nil:
		status.Error = err.Error()
	case !iso8583.IsEchoResponse(reply):
		status.Error = fmt.Sprintf("unexpected echo reply %s", reply.MTI)
	case reply.GetTrimmed(iso8583.FieldResponseCode) != iso8583.ResponseApproved:
		status.Error = fmt.Sprintf("echo declined with %q", reply.GetTrimmed(iso8583.FieldResponseCode))
	default:
		status.Up = true
		status.Latency = time.Since(start)
	}

	if status.Up {
		echoUp.WithLabelValues(channel).Set(1)
		echoLatency.WithLabelValues(channel).Set(status.Latency.Seconds())
	} else {
		echoUp.WithLabelValues(channel).Set(0)
		log.WithField("channel", channel).Warnf("echo test failed: %s", status.Error)
	}

	m.mu.Lock()
	prev, seen := m.status[channel]
	m.status[channel] = status
	m.mu.Unlock()

	if m.publisher != nil && (!seen || prev.Up != status.Up) {
		if err := m.publisher.PublishJSON(fmt.Sprintf("channels/%s/status", channel), status); err != nil {
			log.Errorf("publishing channel status: %v", err)
		}
	}
	return status
}

// Status returns the last outcome for channel.
func (m *EchoMonitor) Status(channel string) (ChannelStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.status[channel]
	return s, ok
}

// Healthz reports an error naming the first channel whose last echo failed.
func (m *EchoMonitor) Healthz() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if s, ok := m.status[ch]; ok && !s.Up {
			return fmt.Errorf("channel %s: %s", ch, s.Error)
		}
	}
	return nil
}

// Start probes every channel each interval until ctx ends. The returned channel
// signals after the first round.
func (m *EchoMonitor) Start(ctx context.Context, interval time.Duration) chan bool {
	ready := make(chan bool, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for _, ch := range m.channels {
				m.Probe(ctx, ch)
			}
			signal(ready)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ready
}
