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

package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mlipscombe/isolink/resilience"
	"github.com/spf13/viper"
)

const DefaultRoutingHeader = "6000030000"

var ErrUnknownChannel = errors.New("unknown channel")

// Channel is the connection configuration for one logical switch channel.
type Channel struct {
	ID             string
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// MaxConnections overrides the apportioned pool share when positive.
	MaxConnections int
	RoutingHeader  string
	Profile        string
	// Timeout bounds one whole exchange under the resilience decorator.
	Timeout time.Duration
}

func (c Channel) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ChannelSource resolves channel ids to their configuration.
type ChannelSource interface {
	Channel(id string) (Channel, error)
	ChannelIDs() []string
}

// WithDefaults fills zero durations and the routing header.
func (c Channel) WithDefaults() Channel {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RoutingHeader == "" {
		c.RoutingHeader = DefaultRoutingHeader
	}
	return c
}

// StaticChannels is an in-memory ChannelSource.
type StaticChannels map[string]Channel

func (s StaticChannels) Channel(id string) (Channel, error) {
	c, ok := s[id]
	if !ok {
		return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	c.ID = id
	return c.WithDefaults(), nil
}

func (s StaticChannels) ChannelIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChannelProvider reads channel and resilience policy blocks from a viper
// configuration:
//
//	channels:
//	  SW1: {host: switch.local, port: 7001, maxConnections: 4}
//	resilience:
//	  default: {maxRetries: 2}
//	  switch_SW1: {openTimeout: 30s}
//
// Keys are case-insensitive, so ChannelIDs reports ids lower-cased.
type ChannelProvider struct {
	v *viper.Viper
}

func NewChannelProvider(v *viper.Viper) *ChannelProvider {
	return &ChannelProvider{v: v}
}

// LoadChannels reads a channel file in any format viper understands.
func LoadChannels(path string) (*ChannelProvider, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading channel config %s: %w", path, err)
	}
	p := NewChannelProvider(v)
	for _, id := range p.ChannelIDs() {
		if _, err := p.Channel(id); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *ChannelProvider) Channel(id string) (Channel, error) {
	sub := p.v.Sub("channels." + id)
	if sub == nil {
		return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	c := Channel{
		ID:             id,
		Host:           sub.GetString("host"),
		Port:           sub.GetInt("port"),
		ConnectTimeout: sub.GetDuration("connectTimeout"),
		ReadTimeout:    sub.GetDuration("readTimeout"),
		WriteTimeout:   sub.GetDuration("writeTimeout"),
		MaxConnections: sub.GetInt("maxConnections"),
		RoutingHeader:  sub.GetString("routingHeader"),
		Profile:        sub.GetString("profile"),
		Timeout:        sub.GetDuration("timeout"),
	}
	if c.Host == "" || c.Port <= 0 || c.Port > 65535 {
		return Channel{}, fmt.Errorf("channel %s: host and port are required", id)
	}
	return c.WithDefaults(), nil
}

func (p *ChannelProvider) ChannelIDs() []string {
	raw := p.v.GetStringMap("channels")
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Policy returns the resilience policy for an operation name, layered over
// resilience.default and the built in defaults.
func (p *ChannelProvider) Policy(operation string) resilience.Policy {
	pol := resilience.DefaultPolicy()
	for _, key := range []string{"resilience.default", "resilience." + policyKey(operation)} {
		sub := p.v.Sub(key)
		if sub == nil {
			continue
		}
		if sub.IsSet("maxRetries") {
			pol.MaxRetries = sub.GetInt("maxRetries")
		}
		if sub.IsSet("retryInterval") {
			pol.RetryInterval = sub.GetDuration("retryInterval")
		}
		if sub.IsSet("failureThreshold") {
			pol.FailureThreshold = sub.GetUint32("failureThreshold")
		}
		if sub.IsSet("openTimeout") {
			pol.OpenTimeout = sub.GetDuration("openTimeout")
		}
	}
	return pol
}

// policyKey keeps dotted operation names from being read as nested keys.
func policyKey(operation string) string {
	return strings.ReplaceAll(operation, ".", "_")
}
