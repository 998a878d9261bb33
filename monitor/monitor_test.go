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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	healthz "github.com/klyve/go-healthz"
	"github.com/mlipscombe/isolink/iso8583"
	"github.com/mlipscombe/isolink/pool"
	"github.com/mlipscombe/isolink/simulator"
	"github.com/mlipscombe/isolink/stan"
	"github.com/mlipscombe/isolink/switchlink"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

var _ healthz.Checkable = (*EchoMonitor)(nil)

func newTestSTANs(t *testing.T) (*stan.Generator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return stan.NewGenerator(rdb), mr
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	values []interface{}
}

func (p *recordingPublisher) PublishJSON(topic string, val interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.values = append(p.values, val)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

type staticStats struct {
	mu    sync.Mutex
	stats []pool.Stats
}

func (s *staticStats) Stats() []pool.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pool.Stats(nil), s.stats...)
}

func (s *staticStats) set(stats ...pool.Stats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

func waitReady(t *testing.T, ready chan bool) {
	t.Helper()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never became ready")
	}
}

func TestPoolMonitorPublishesChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &staticStats{}
	src.set(pool.Stats{Channel: "visa", Size: 2, Idle: 1, InUse: 1, Max: 10})
	pub := &recordingPublisher{}

	waitReady(t, StartPoolMonitor(ctx, src, pub, 20*time.Millisecond))
	if pub.count() != 1 {
		t.Fatalf("Expected one publish after first sample, got %d", pub.count())
	}
	if got := testutil.ToFloat64(poolConnections.WithLabelValues("visa", "in_use")); got != 1 {
		t.Errorf("in_use gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poolLimit.WithLabelValues("visa")); got != 10 {
		t.Errorf("limit gauge = %v, want 10", got)
	}

	// unchanged stats are not republished
	time.Sleep(100 * time.Millisecond)
	if pub.count() != 1 {
		t.Fatalf("Expected no republish of unchanged stats, got %d publishes", pub.count())
	}

	src.set(pool.Stats{Channel: "visa", Size: 2, Idle: 2, InUse: 0, Max: 10})
	deadline := time.Now().Add(time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pub.count() != 2 {
		t.Fatalf("Expected a publish after stats changed, got %d", pub.count())
	}
	changes := pub.values[1].(map[string]pool.Stats)
	if changes["visa"].Idle != 2 {
		t.Errorf("Expected idle 2 in change set, got %+v", changes["visa"])
	}
}

type fakeSender struct {
	err     error
	respond simulator.Responder
	sent    []*iso8583.Message
}

func (s *fakeSender) Send(_ context.Context, _ string, msg *iso8583.Message, _ ...switchlink.SendOption) (*iso8583.Message, error) {
	s.sent = append(s.sent, msg)
	if s.err != nil {
		return nil, s.err
	}
	return s.respond(msg)
}

func TestEchoProbeApproved(t *testing.T) {
	stans, _ := newTestSTANs(t)
	sender := &fakeSender{respond: simulator.Approve}
	pub := &recordingPublisher{}
	m := NewEchoMonitor(sender, stans, pub, []string{"visa"}, time.Second)

	status := m.Probe(context.Background(), "visa")
	if !status.Up {
		t.Fatalf("Expected channel up, got %+v", status)
	}
	if sender.sent[0].MTI != "0800" {
		t.Errorf("Expected an 0800 echo, sent %s", sender.sent[0].MTI)
	}
	if got := testutil.ToFloat64(echoUp.WithLabelValues("visa")); got != 1 {
		t.Errorf("echo up gauge = %v, want 1", got)
	}
	if err := m.Healthz(); err != nil {
		t.Errorf("Healthz() = %v", err)
	}

	// same state twice publishes once
	m.Probe(context.Background(), "visa")
	if pub.count() != 1 {
		t.Errorf("Expected one status publish, got %d", pub.count())
	}
	if pub.topics[0] != "channels/visa/status" {
		t.Errorf("unexpected topic %s", pub.topics[0])
	}
}

func TestEchoProbeFailure(t *testing.T) {
	stans, _ := newTestSTANs(t)
	sender := &fakeSender{err: errors.New("connection refused")}
	m := NewEchoMonitor(sender, stans, nil, []string{"amex"}, time.Second)

	status := m.Probe(context.Background(), "amex")
	if status.Up {
		t.Fatal("Expected channel down")
	}
	if got := testutil.ToFloat64(echoUp.WithLabelValues("amex")); got != 0 {
		t.Errorf("echo up gauge = %v, want 0", got)
	}
	if err := m.Healthz(); err == nil {
		t.Error("Expected Healthz() to report the failed channel")
	}
	if s, ok := m.Status("amex"); !ok || s.Error != "connection refused" {
		t.Errorf("Status(amex) = %+v, %v", s, ok)
	}
}

func TestEchoProbeDeclined(t *testing.T) {
	stans, _ := newTestSTANs(t)
	sender := &fakeSender{respond: func(req *iso8583.Message) (*iso8583.Message, error) {
		resp, err := iso8583.NewResponse(req)
		if err != nil {
			return nil, err
		}
		resp.Fields[iso8583.FieldResponseCode] = "91"
		return resp, nil
	}}
	m := NewEchoMonitor(sender, stans, nil, []string{"visa"}, time.Second)

	if status := m.Probe(context.Background(), "visa"); status.Up {
		t.Fatal("Expected a declined echo to mark the channel down")
	}
}

func TestEchoMonitorStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stans, _ := newTestSTANs(t)
	sender := &fakeSender{respond: simulator.Approve}
	m := NewEchoMonitor(sender, stans, nil, []string{"visa"}, time.Second)
	waitReady(t, m.Start(ctx, time.Hour))

	if _, ok := m.Status("visa"); !ok {
		t.Fatal("Expected a status after the first round")
	}
}

func TestEchoSTANsComeFromSharedCounter(t *testing.T) {
	stans, mr := newTestSTANs(t)
	mr.Set(stan.Key(NetworkMerchant, "visa"), "999997")
	sender := &fakeSender{respond: simulator.Approve}
	m := NewEchoMonitor(sender, stans, nil, []string{"visa"}, time.Second)

	for i := 0; i < 3; i++ {
		if status := m.Probe(context.Background(), "visa"); !status.Up {
			t.Fatalf("echo %d: expected channel up, got %+v", i, status)
		}
	}
	var got []string
	for _, req := range sender.sent {
		got = append(got, req.STAN())
	}
	want := []string{"999998", "999999", "000001"}
	if len(got) != len(want) {
		t.Fatalf("sent STANs %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent STANs %v, want %v", got, want)
			break
		}
	}
}

func TestEchoSTANUnavailable(t *testing.T) {
	stans, mr := newTestSTANs(t)
	mr.Close()
	sender := &fakeSender{respond: simulator.Approve}
	m := NewEchoMonitor(sender, stans, nil, []string{"visa"}, time.Second)

	if status := m.Probe(context.Background(), "visa"); status.Up {
		t.Fatal("Expected the channel down when no STAN can be issued")
	}
	if len(sender.sent) != 0 {
		t.Errorf("Expected nothing sent without a STAN, sent %d", len(sender.sent))
	}
}
