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

	"github.com/mlipscombe/isolink/correlation"
	"github.com/mlipscombe/isolink/stan"
	"github.com/spf13/cobra"
)

func stanCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stan",
		Short: "Inspect and seed per-terminal STAN counters",
	}

	var merchant, terminal string
	cmd.PersistentFlags().StringVarP(&merchant, "merchant", "m", "", "merchant id")
	cmd.PersistentFlags().StringVarP(&terminal, "terminal", "t", "", "terminal id")
	cmd.MarkPersistentFlagRequired("merchant")
	cmd.MarkPersistentFlagRequired("terminal")

	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Issue the next STAN for a terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := g.redis()
			if err != nil {
				return err
			}
			defer rdb.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			v, err := stan.NewGenerator(rdb).Next(ctx, merchant, terminal)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})

	var start int
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Seed a terminal's counter if it does not exist yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := g.redis()
			if err != nil {
				return err
			}
			defer rdb.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			created, err := stan.NewGenerator(rdb).Initialize(ctx, merchant, terminal, start)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s initialized, next STAN %06d\n", stan.Key(merchant, terminal), start)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", stan.Key(merchant, terminal))
			}
			return nil
		},
	}
	initCmd.Flags().IntVar(&start, "start", 1, "first STAN the counter issues")
	cmd.AddCommand(initCmd)

	return cmd
}

func pendingCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect pending switch requests",
	}

	var stanValue string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved requests, optionally for one STAN",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := g.redis()
			if err != nil {
				return err
			}
			defer rdb.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			list, err := correlation.NewRegistry(rdb, "isolinkctl").ListPending(ctx, stanValue)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "no pending requests")
				return nil
			}
			fmt.Fprintf(out, "%-15s %-8s %-6s %-12s %-12s %-10s %s\n", "MERCHANT", "TERMINAL", "STAN", "AMOUNT", "RRN", "CHANNEL", "INSTANCE")
			for _, pc := range list {
				fmt.Fprintf(out, "%-15s %-8s %-6s %-12s %-12s %-10s %s\n", pc.MerchantID, pc.TerminalID, pc.STAN, pc.Amount, pc.RRN, pc.Channel, pc.InstanceID)
			}
			return nil
		},
	}
	listCmd.Flags().StringVarP(&stanValue, "stan", "s", "", "only requests with this STAN")
	cmd.AddCommand(listCmd)

	return cmd
}
