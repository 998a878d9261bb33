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
	"os"
	"testing"
	"time"
)

func TestLookupEnvOrString(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultVal   string
		expected     string
		shouldSetEnv bool
	}{
		{
			name:         "returns default when env not set",
			key:          "TEST_KEY_NOT_SET",
			defaultVal:   "default_value",
			expected:     "default_value",
			shouldSetEnv: false,
		},
		{
			name:         "returns env value when set",
			key:          "TEST_KEY_SET",
			envValue:     "env_value",
			defaultVal:   "default_value",
			expected:     "env_value",
			shouldSetEnv: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.shouldSetEnv {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			result := LookupEnvOrString(tt.key, tt.defaultVal)
			if result != tt.expected {
				t.Errorf("LookupEnvOrString() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLookupEnvOrBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultVal   bool
		expected     bool
		shouldSetEnv bool
	}{
		{
			name:         "returns default when env not set",
			key:          "TEST_BOOL_NOT_SET",
			defaultVal:   true,
			expected:     true,
			shouldSetEnv: false,
		},
		{
			name:         "returns true for 'true'",
			key:          "TEST_BOOL_TRUE",
			envValue:     "true",
			defaultVal:   false,
			expected:     true,
			shouldSetEnv: true,
		},
		{
			name:         "returns true for '1'",
			key:          "TEST_BOOL_ONE",
			envValue:     "1",
			defaultVal:   false,
			expected:     true,
			shouldSetEnv: true,
		},
		{
			name:         "returns true for 'yes'",
			key:          "TEST_BOOL_YES",
			envValue:     "yes",
			defaultVal:   false,
			expected:     true,
			shouldSetEnv: true,
		},
		{
			name:         "returns false for 'false'",
			key:          "TEST_BOOL_FALSE",
			envValue:     "false",
			defaultVal:   true,
			expected:     false,
			shouldSetEnv: true,
		},
		{
			name:         "returns false for any other value",
			key:          "TEST_BOOL_OTHER",
			envValue:     "whatever",
			defaultVal:   true,
			expected:     false,
			shouldSetEnv: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.shouldSetEnv {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			result := lookupEnvOrBool(tt.key, tt.defaultVal)
			if result != tt.expected {
				t.Errorf("lookupEnvOrBool() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLookupEnvOrIntAndDuration(t *testing.T) {
	t.Setenv("ISOLINK_TEST_INT", "7")
	t.Setenv("ISOLINK_TEST_BAD_INT", "seven")
	t.Setenv("ISOLINK_TEST_DURATION", "90s")

	if got := lookupEnvOrInt("ISOLINK_TEST_INT", 1); got != 7 {
		t.Errorf("lookupEnvOrInt() = %d, want 7", got)
	}
	if got := lookupEnvOrInt("ISOLINK_TEST_BAD_INT", 1); got != 1 {
		t.Errorf("lookupEnvOrInt() = %d, want the default for a bad value", got)
	}
	if got := lookupEnvOrDuration("ISOLINK_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("lookupEnvOrDuration() = %v, want 90s", got)
	}
	if got := lookupEnvOrDuration("ISOLINK_TEST_UNSET", time.Second); got != time.Second {
		t.Errorf("lookupEnvOrDuration() = %v, want 1s", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := LoadArgs(flag.NewFlagSet("isolink", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("LoadArgs: %v", err)
	}
	if cfg.LogLevel != "INFO" || cfg.Bind != "0.0.0.0:2112" || cfg.Profile != "ascii" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.PoolTotalMax != 20 || cfg.PoolIdleTimeout != 5*time.Minute {
		t.Errorf("unexpected pool defaults: %+v", cfg)
	}
	if cfg.MQTTURL != "" {
		t.Errorf("Expected the relay to be disabled by default, got %q", cfg.MQTTURL)
	}
	if cfg.InstanceID == "" {
		t.Error("Expected a generated instance id")
	}
}

func TestConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("ISOLINK_LOG_LEVEL", "DEBUG")
	t.Setenv("ISOLINK_INSTANCE_ID", "gw-1")
	t.Setenv("ISOLINK_POOL_MAX", "40")
	t.Setenv("ISOLINK_LOG_JSON", "yes")

	cfg, err := LoadArgs(flag.NewFlagSet("isolink", flag.ContinueOnError), []string{"--profile", "binary"})
	if err != nil {
		t.Fatalf("LoadArgs: %v", err)
	}
	if cfg.LogLevel != "DEBUG" || cfg.InstanceID != "gw-1" || cfg.PoolTotalMax != 40 || !cfg.LogJSON {
		t.Errorf("environment not applied: %+v", cfg)
	}
	if cfg.Profile != "binary" {
		t.Errorf("Expected flag to win, got profile %q", cfg.Profile)
	}
}

func TestConfigRejectsEmptyPool(t *testing.T) {
	_, err := LoadArgs(flag.NewFlagSet("isolink", flag.ContinueOnError), []string{"--pool-max", "0"})
	if err == nil {
		t.Fatal("Expected an error for pool-max 0")
	}
}
