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

// Command isolinkctl talks to switch channels and the gateway's Redis state
// from the command line.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mlipscombe/isolink/config"
	"github.com/mlipscombe/isolink/iso8583"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

type globals struct {
	redisURL     string
	channelsFile string
	profile      string
	logLevel     string
	timeout      time.Duration
}

func (g *globals) redis() (*redis.Client, error) {
	opts, err := redis.ParseURL(g.redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url %q: %w", g.redisURL, err)
	}
	return redis.NewClient(opts), nil
}

func (g *globals) channels() (*config.ChannelProvider, error) {
	return config.LoadChannels(g.channelsFile)
}

func (g *globals) codecs() (map[iso8583.Profile]*iso8583.Codec, iso8583.Profile, error) {
	p, err := iso8583.ParseProfile(g.profile)
	if err != nil {
		return nil, "", err
	}
	codecs, err := iso8583.LoadCodecs(iso8583.EmbeddedResources())
	return codecs, p, err
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "isolinkctl",
		Short:         "Operate isolink switch channels, STAN counters and pending requests",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetOutput(cmd.ErrOrStderr())
			if ll, err := log.ParseLevel(g.logLevel); err == nil {
				log.SetLevel(ll)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.redisURL, "redis", config.LookupEnvOrString("ISOLINK_REDIS", "redis://localhost:6379/0"), "Redis URL")
	flags.StringVar(&g.channelsFile, "channels", config.LookupEnvOrString("ISOLINK_CHANNELS", "channels.yaml"), "channel configuration file")
	flags.StringVar(&g.profile, "profile", config.LookupEnvOrString("ISOLINK_PROFILE", "ascii"), "message profile (ascii or binary)")
	flags.StringVar(&g.logLevel, "log-level", "WARN", "logging level")
	flags.DurationVar(&g.timeout, "timeout", 30*time.Second, "overall command timeout")

	rootCmd.AddCommand(echoCmd(g))
	rootCmd.AddCommand(sendCmd(g))
	rootCmd.AddCommand(stanCmd(g))
	rootCmd.AddCommand(pendingCmd(g))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
