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

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mlipscombe/isolink/correlation"
	"github.com/mlipscombe/isolink/iso8583"
	log "github.com/sirupsen/logrus"
)

// Broker is the part of Client the relay uses.
type Broker interface {
	Publish(topic string, qos byte, payload []byte) error
	PublishJSON(topic string, val interface{}) error
	Subscribe(topic string, qos byte, callback MessageHandler) error
}

// Deliverer completes a local pending request; correlation.Registry satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, key correlation.Key, reply *iso8583.Message) bool
}

// Envelope is a correlated reply on its way to the instance that owns the caller.
// Field values are bytes so binary fields survive the JSON encoding.
type Envelope struct {
	MerchantID string         `json:"merchantId"`
	TerminalID string         `json:"terminalId"`
	STAN       string         `json:"stan"`
	MTI        string         `json:"mti"`
	Fields     map[int][]byte `json:"fields"`
	From       string         `json:"from"`
}

func NewEnvelope(from string, key correlation.Key, reply *iso8583.Message) Envelope {
	env := Envelope{
		MerchantID: key.MerchantID,
		TerminalID: key.TerminalID,
		STAN:       key.STAN,
		MTI:        reply.MTI,
		Fields:     make(map[int][]byte, len(reply.Fields)),
		From:       from,
	}
	for n, v := range reply.Fields {
		env.Fields[n] = []byte(v)
	}
	return env
}

func (e Envelope) Key() correlation.Key {
	return correlation.Key{MerchantID: e.MerchantID, TerminalID: e.TerminalID, STAN: e.STAN}
}

func (e Envelope) Message() *iso8583.Message {
	m := iso8583.New(e.MTI)
	for n, v := range e.Fields {
		m.Fields[n] = string(v)
	}
	return m
}

// UnmatchedNotice is published for replies no instance could place.
type UnmatchedNotice struct {
	Instance string    `json:"instance"`
	Channel  string    `json:"channel,omitempty"`
	MTI      string    `json:"mti"`
	STAN     string    `json:"stan"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

func RepliesTopic(instanceID string) string {
	return "replies/" + instanceID
}

const UnmatchedTopic = "unmatched"

// ReplyRelay forwards replies correlated on this instance to the instance whose
// caller is waiting, and delivers replies forwarded here to the local registry.
type ReplyRelay struct {
	broker     Broker
	instanceID string
	local      Deliverer
}

func NewReplyRelay(broker Broker, instanceID string, local Deliverer) *ReplyRelay {
	return &ReplyRelay{broker: broker, instanceID: instanceID, local: local}
}

// Forward implements correlation.Relay.
func (r *ReplyRelay) Forward(_ context.Context, instanceID string, key correlation.Key, reply *iso8583.Message) error {
	payload, err := json.Marshal(NewEnvelope(r.instanceID, key, reply))
	if err != nil {
		return fmt.Errorf("relay %s: %w", key, err)
	}
	return r.broker.Publish(RepliesTopic(instanceID), 1, payload)
}

// Start subscribes to this instance's reply topic.
func (r *ReplyRelay) Start() error {
	return r.broker.Subscribe(RepliesTopic(r.instanceID), 1, func(_ *Client, msg Message) {
		r.handle(context.Background(), msg.Payload())
	})
}

func (r *ReplyRelay) handle(ctx context.Context, payload []byte) bool {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warnf("dropping malformed relayed reply: %v", err)
		return false
	}
	logger := log.WithFields(log.Fields{"key": env.Key().String(), "from": env.From})
	if !r.local.Deliver(ctx, env.Key(), env.Message()) {
		logger.Warn("relayed reply has no waiting caller")
		return false
	}
	logger.Debug("relayed reply delivered")
	return true
}

// NotifyUnmatched reports a reply that could not be correlated.
func (r *ReplyRelay) NotifyUnmatched(channel string, reply *iso8583.Message, cause error) {
	notice := UnmatchedNotice{
		Instance: r.instanceID,
		Channel:  channel,
		MTI:      reply.MTI,
		STAN:     reply.STAN(),
		Reason:   cause.Error(),
		At:       time.Now().UTC(),
	}
	if err := r.broker.PublishJSON(UnmatchedTopic, notice); err != nil {
		log.Errorf("publishing unmatched notice: %v", err)
	}
}
