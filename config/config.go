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
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Config holds the gateway process configuration
type Config struct {
	LogLevel         string
	LogJSON          bool
	Bind             string
	RedisURL         string
	MQTTURL          string
	ChannelsFile     string
	DictionaryDir    string
	Profile          string
	InstanceID       string
	PoolTotalMax     int
	PoolMinPerChan   int
	PoolIdleTimeout  time.Duration
	PoolSweep        time.Duration
	CorrelationSweep time.Duration
	EchoInterval     time.Duration
	AsyncChannels    string
}

// Load parses command-line flags and environment variables
func Load() *Config {
	cfg, err := LoadArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

// LoadArgs registers the gateway flags on fs and parses args. Every flag falls
// back to its ISOLINK_ environment variable.
func LoadArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.LogLevel, "log-level", LookupEnvOrString("ISOLINK_LOG_LEVEL", "INFO"), "logging level")
	fs.BoolVar(&cfg.LogJSON, "log-json", lookupEnvOrBool("ISOLINK_LOG_JSON", false), "log as JSON")
	fs.StringVar(&cfg.Bind, "bind", LookupEnvOrString("ISOLINK_BIND", "0.0.0.0:2112"), "address to bind for healthz and prometheus metrics endpoints, or \"false\" to disable")
	fs.StringVar(&cfg.RedisURL, "redis", LookupEnvOrString("ISOLINK_REDIS", "redis://localhost:6379/0"), "Redis URL for STAN counters and pending requests")
	fs.StringVar(&cfg.MQTTURL, "mqtt", LookupEnvOrString("ISOLINK_MQTT", ""), "MQTT URI, in the format mqtt[s]://[<user>:<password>]@<host>:<port>[/<prefix>]; empty disables the reply relay")
	fs.StringVar(&cfg.ChannelsFile, "channels", LookupEnvOrString("ISOLINK_CHANNELS", "channels.yaml"), "channel and resilience configuration file")
	fs.StringVar(&cfg.DictionaryDir, "dictionaries", LookupEnvOrString("ISOLINK_DICTIONARIES", ""), "directory overriding the embedded field dictionaries")
	fs.StringVar(&cfg.Profile, "profile", LookupEnvOrString("ISOLINK_PROFILE", "ascii"), "default message profile (ascii or binary)")
	fs.StringVar(&cfg.InstanceID, "instance-id", LookupEnvOrString("ISOLINK_INSTANCE_ID", ""), "instance id for reply routing (default: random)")
	fs.IntVar(&cfg.PoolTotalMax, "pool-max", lookupEnvOrInt("ISOLINK_POOL_MAX", 20), "total switch connections across all channels")
	fs.IntVar(&cfg.PoolMinPerChan, "pool-min-per-channel", lookupEnvOrInt("ISOLINK_POOL_MIN_PER_CHANNEL", 2), "lower bound of each channel's share")
	fs.DurationVar(&cfg.PoolIdleTimeout, "pool-idle-timeout", lookupEnvOrDuration("ISOLINK_POOL_IDLE_TIMEOUT", 5*time.Minute), "idle connections older than this are closed")
	fs.DurationVar(&cfg.PoolSweep, "pool-sweep", lookupEnvOrDuration("ISOLINK_POOL_SWEEP", 5*time.Minute), "idle connection sweep interval")
	fs.DurationVar(&cfg.CorrelationSweep, "correlation-sweep", lookupEnvOrDuration("ISOLINK_CORRELATION_SWEEP", 30*time.Second), "expired pending request sweep interval")
	fs.DurationVar(&cfg.EchoInterval, "echo-interval", lookupEnvOrDuration("ISOLINK_ECHO_INTERVAL", time.Minute), "echo test interval per channel, 0 to disable")
	fs.StringVar(&cfg.AsyncChannels, "async", LookupEnvOrString("ISOLINK_ASYNC", ""), "comma separated channels served over a persistent asynchronous link")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.PoolTotalMax < 1 {
		return nil, fmt.Errorf("pool-max must be positive, got %d", cfg.PoolTotalMax)
	}
	return cfg, nil
}

// SetupLogging configures the logging level
func (cfg *Config) SetupLogging() {
	if cfg.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{})
	}
	ll, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		ll = log.InfoLevel
	}
	log.SetLevel(ll)
}

// LookupEnvOrString returns the environment value of key, or defaultVal when unset.
func LookupEnvOrString(key string, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func lookupEnvOrBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		return false
	}
	return defaultVal
}

func lookupEnvOrInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Warnf("ignoring %s=%q: not an integer", key, val)
	}
	return defaultVal
}

func lookupEnvOrDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		log.Warnf("ignoring %s=%q: not a duration", key, val)
	}
	return defaultVal
}
