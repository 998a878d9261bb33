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
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	healthz "github.com/klyve/go-healthz"
	"github.com/mlipscombe/isolink/config"
	"github.com/mlipscombe/isolink/correlation"
	"github.com/mlipscombe/isolink/iso8583"
	"github.com/mlipscombe/isolink/monitor"
	"github.com/mlipscombe/isolink/mqtt"
	"github.com/mlipscombe/isolink/pool"
	"github.com/mlipscombe/isolink/resilience"
	"github.com/mlipscombe/isolink/stan"
	"github.com/mlipscombe/isolink/switchlink"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMQTTPrefix = "isolink"
	poolStatsInterval = 15 * time.Second
	echoTimeout       = 10 * time.Second
)

// determineMQTTPrefix extracts the MQTT prefix from the URL path, or falls back to the default
func determineMQTTPrefix(mqttURL *url.URL) string {
	if len(mqttURL.Path) > 1 {
		return strings.TrimSuffix(mqttURL.Path[1:], "/")
	}
	return defaultMQTTPrefix
}

// splitChannels parses a comma separated channel list, dropping blanks.
func splitChannels(list string) []string {
	var out []string
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, strings.ToLower(id))
		}
	}
	return out
}

func dictionaryFS(dir string) fs.FS {
	if dir == "" {
		return iso8583.EmbeddedResources()
	}
	return os.DirFS(dir)
}

type redisCheck struct {
	rdb *redis.Client
}

func (r redisCheck) Healthz() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

func startAdminServer(listenAddress string, providers []healthz.Provider) *http.Server {
	instance := healthz.Instance{
		Logger:    log.New(),
		Detailed:  true,
		Providers: providers,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", instance.Healthz())
	mux.Handle("/liveness", instance.Liveness())
	server := &http.Server{Addr: listenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("Starting metrics server on %s", listenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server error: %v", err)
		}
	}()
	return server
}

func main() {
	cfg := config.Load()
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channels, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		log.Fatal(err)
	}
	profile, err := iso8583.ParseProfile(cfg.Profile)
	if err != nil {
		log.Fatal(err)
	}
	codecs, err := iso8583.LoadCodecs(dictionaryFS(cfg.DictionaryDir))
	if err != nil {
		log.Fatalf("Failed to load field dictionaries: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %s", cfg.RedisURL)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	stans := stan.NewGenerator(rdb)
	registry := correlation.NewRegistry(rdb, cfg.InstanceID)
	log.Infof("Instance %s using %d channels: %s", cfg.InstanceID, len(channels.ChannelIDs()), strings.Join(channels.ChannelIDs(), ", "))

	var publisher monitor.Publisher
	var relay *mqtt.ReplyRelay
	if cfg.MQTTURL != "" {
		mqttURL, err := url.Parse(cfg.MQTTURL)
		if err != nil {
			log.Fatalf("Invalid MQTT URL: %s", cfg.MQTTURL)
		}
		mqttPrefix := determineMQTTPrefix(mqttURL)
		mqttClient, err := mqtt.NewClient(mqttURL, "isolink-"+cfg.InstanceID, mqttPrefix)
		if err != nil {
			log.Fatalf("Failed to create MQTT client: %s", err)
		}
		defer mqttClient.Close()
		log.Infof("Connected to MQTT broker %s (publishing on \"%s\")", mqttURL.Host, mqttPrefix)

		relay = mqtt.NewReplyRelay(mqttClient, cfg.InstanceID, registry)
		if err := relay.Start(); err != nil {
			log.Fatalf("Failed to subscribe to relayed replies: %v", err)
		}
		registry.SetRelay(relay)
		publisher = mqttClient
	}

	manager := pool.NewManager(channels, pool.Options{
		TotalMax:      cfg.PoolTotalMax,
		MinPerChannel: cfg.PoolMinPerChan,
		MaxIdle:       cfg.PoolIdleTimeout,
		SweepInterval: cfg.PoolSweep,
	})
	exec := resilience.New(channels, switchlink.Retryable)

	connector, err := switchlink.New(switchlink.Config{
		Pool:     manager,
		Channels: channels,
		Codecs:   codecs,
		Profile:  profile,
		STANs:    stans,
		Executor: exec,
		Registry: registry,
	})
	if err != nil {
		log.Fatal(err)
	}

	for _, id := range splitChannels(cfg.AsyncChannels) {
		ch, err := channels.Channel(id)
		if err != nil {
			log.Fatal(err)
		}
		channelID := ch.ID
		link, err := switchlink.NewAsyncLink(switchlink.AsyncConfig{
			Channel:  ch,
			Codecs:   codecs,
			Profile:  profile,
			Registry: registry,
			STANs:    stans,
			Executor: exec,
			OnUnmatched: func(reply *iso8583.Message, err error) {
				if relay != nil {
					relay.NotifyUnmatched(channelID, reply, err)
				}
			},
		})
		if err != nil {
			log.Fatal(err)
		}
		go link.Run(ctx)
	}

	go registry.Run(ctx, cfg.CorrelationSweep)
	go manager.Run(ctx)
	monitor.StartPoolMonitor(ctx, manager, publisher, poolStatsInterval)

	providers := []healthz.Provider{{Handle: redisCheck{rdb: rdb}, Name: "redis"}}
	if cfg.EchoInterval > 0 {
		echo := monitor.NewEchoMonitor(connector, stans, publisher, channels.ChannelIDs(), echoTimeout)
		echo.Start(ctx, cfg.EchoInterval)
		providers = append(providers, healthz.Provider{Handle: echo, Name: "switch"})
	}

	var server *http.Server
	if cfg.Bind != "false" {
		server = startAdminServer(cfg.Bind, providers)
	}

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("HTTP server shutdown: %v", err)
		}
	}
	if err := manager.Close(); err != nil {
		log.Errorf("Closing connection pools: %v", err)
	}
}
