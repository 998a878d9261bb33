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

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mlipscombe/isolink/iso8583"
	"github.com/mlipscombe/isolink/pool"
	"github.com/mlipscombe/isolink/stan"
	"github.com/mlipscombe/isolink/switchlink"
	"github.com/spf13/cobra"
)

// parseFields reads n=value pairs into msg.
func parseFields(msg *iso8583.Message, pairs []string) error {
	for _, pair := range pairs {
		n, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("field %q: want n=value", pair)
		}
		num, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return fmt.Errorf("field %q: %w", pair, err)
		}
		if err := msg.Set(num, value); err != nil {
			return err
		}
	}
	return nil
}

func printMessage(w io.Writer, m *iso8583.Message) {
	fmt.Fprintf(w, "MTI %s\n", m.MTI)
	for _, n := range m.FieldNumbers() {
		v, _ := m.Get(n)
		fmt.Fprintf(w, "  %3d  %q\n", n, v)
	}
}

// connector builds a one-shot synchronous connector. stans may be nil when
// every message carries its own STAN.
func (g *globals) connector(stans switchlink.STANSource) (*switchlink.Connector, *pool.Manager, error) {
	channels, err := g.channels()
	if err != nil {
		return nil, nil, err
	}
	codecs, profile, err := g.codecs()
	if err != nil {
		return nil, nil, err
	}
	manager := pool.NewManager(channels, pool.Options{})
	conn, err := switchlink.New(switchlink.Config{
		Pool:     manager,
		Channels: channels,
		Codecs:   codecs,
		Profile:  profile,
		STANs:    stans,
	})
	if err != nil {
		manager.Close()
		return nil, nil, err
	}
	return conn, manager, nil
}

func echoCmd(g *globals) *cobra.Command {
	var channel string
	var stanValue int
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Send an 0800 echo test on a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, manager, err := g.connector(nil)
			if err != nil {
				return err
			}
			defer manager.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			reply, err := conn.Send(ctx, channel, iso8583.NewEchoRequest(stanValue), switchlink.WithOperation("echo"))
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), reply)
			if !iso8583.IsEchoResponse(reply) || reply.GetTrimmed(iso8583.FieldResponseCode) != iso8583.ResponseApproved {
				return fmt.Errorf("echo on %s not approved", channel)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel id")
	cmd.Flags().IntVar(&stanValue, "stan", 1, "trace number for the echo")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func sendCmd(g *globals) *cobra.Command {
	var (
		channel   string
		mti       string
		fields    []string
		merchant  string
		terminal  string
		operation string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and print the reply",
		Example: `  isolinkctl send -c visa --mti 0200 -f 3=000000 -f 4=000000001000 \
    -f 41=TERM0001 -f 42=MERCHANT0000001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := iso8583.New(mti)
			if err := parseFields(msg, fields); err != nil {
				return err
			}

			var stans switchlink.STANSource
			if !msg.Has(iso8583.FieldSTAN) {
				rdb, err := g.redis()
				if err != nil {
					return err
				}
				defer rdb.Close()
				stans = stan.NewGenerator(rdb)
			}
			conn, manager, err := g.connector(stans)
			if err != nil {
				return err
			}
			defer manager.Close()

			opts := []switchlink.SendOption{switchlink.WithOperation(operation)}
			if merchant != "" || terminal != "" {
				opts = append(opts, switchlink.WithTerminal(merchant, terminal))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			reply, err := conn.Send(ctx, channel, msg, opts...)
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel id")
	cmd.Flags().StringVar(&mti, "mti", "0200", "message type indicator")
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "field as n=value, repeatable")
	cmd.Flags().StringVar(&merchant, "merchant", "", "merchant id when field 42 is absent")
	cmd.Flags().StringVar(&terminal, "terminal", "", "terminal id when field 41 is absent")
	cmd.Flags().StringVar(&operation, "operation", "", "operation name suffix for resilience policies")
	cmd.MarkFlagRequired("channel")
	return cmd
}
