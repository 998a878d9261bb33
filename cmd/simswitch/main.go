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

// Command simswitch is a loopback ISO8583 switch for local development.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mlipscombe/isolink/config"
	"github.com/mlipscombe/isolink/frame"
	"github.com/mlipscombe/isolink/iso8583"
	"github.com/mlipscombe/isolink/simulator"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		listen    = flag.String("listen", "127.0.0.1:7001", "address to listen on")
		profile   = flag.String("profile", "ascii", "message profile (ascii or binary)")
		header    = flag.String("header", config.DefaultRoutingHeader, "routing header as 10 hex characters")
		delay     = flag.Duration("delay", 0, "delay before each reply")
		dropEvery = flag.Int("drop-every", 0, "leave every Nth request unanswered")
		logLevel  = flag.String("log-level", "INFO", "logging level")
	)
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{})
	if ll, err := log.ParseLevel(*logLevel); err == nil {
		log.SetLevel(ll)
	}

	p, err := iso8583.ParseProfile(*profile)
	if err != nil {
		log.Fatal(err)
	}
	codecs, err := iso8583.LoadCodecs(iso8583.EmbeddedResources())
	if err != nil {
		log.Fatal(err)
	}
	h, err := frame.ParseHeader(*header)
	if err != nil {
		log.Fatal(err)
	}

	srv, err := simulator.Listen(*listen, simulator.Options{
		Codec:     codecs[p],
		Header:    h,
		Delay:     *delay,
		DropEvery: *dropEvery,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infof("simulated switch listening on %s (%s profile)", srv.Addr(), p)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Infof("%d requests, %d answered, %d clients", srv.Requests(), srv.Answered(), srv.Connections())
			}
		}
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Fatal(err)
	}
}
