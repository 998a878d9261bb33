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
	"errors"
	"fmt"

	"github.com/mlipscombe/isolink/iso8583"
	"github.com/mlipscombe/isolink/pool"
)

// ErrNoTerminal means a trace number was needed but neither the message nor the
// call identified the terminal.
var ErrNoTerminal = errors.New("switchlink: merchant and terminal unknown, cannot assign STAN")

type sendOptions struct {
	profile    iso8583.Profile
	operation  string
	merchantID string
	terminalID string
}

type SendOption func(*sendOptions)

// WithProfile overrides the channel's codec profile for one message.
func WithProfile(p iso8583.Profile) SendOption {
	return func(o *sendOptions) { o.profile = p }
}

// WithOperation appends an operation type to the resilience operation name, so
// switch.SW1.reversal can carry its own policy.
func WithOperation(op string) SendOption {
	return func(o *sendOptions) { o.operation = op }
}

// WithTerminal names the terminal for STAN assignment and correlation when the
// message carries no DE41/DE42.
func WithTerminal(merchantID, terminalID string) SendOption {
	return func(o *sendOptions) {
		o.merchantID = merchantID
		o.terminalID = terminalID
	}
}

func collect(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OperationName is the resilience operation for channel and an optional
// operation type.
func OperationName(channel, operation string) string {
	if operation == "" {
		return "switch." + channel
	}
	return fmt.Sprintf("switch.%s.%s", channel, operation)
}

// identity returns the merchant and terminal ids for msg, preferring explicit
// options over DE42/DE41.
func (o sendOptions) identity(msg *iso8583.Message) (string, string) {
	merchant, terminal := o.merchantID, o.terminalID
	if merchant == "" {
		merchant = msg.GetTrimmed(iso8583.FieldMerchantID)
	}
	if terminal == "" {
		terminal = msg.GetTrimmed(iso8583.FieldTerminalID)
	}
	return merchant, terminal
}

// Retryable is the failure classifier handed to the resilience executor. Only
// connection failures and pool exhaustion are worth another attempt.
func Retryable(err error) bool {
	return pool.IsConnectionError(err) || errors.Is(err, pool.ErrPoolExhausted)
}
