// Package config holds the orchestrator's own process configuration: where
// it listens, where session data lives, and how long it waits before
// giving up on a quiet client. It never parses the opaque engine config a
// client uploads with a session — that bytestream passes through untouched.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's process-level configuration, loaded from a
// YAML file and layered under flag overrides by cmd/tankapi.
type Config struct {
	// Network
	ListenAddr string `yaml:"listen_addr"`

	// Filesystem layout
	TestsDir        string `yaml:"tests_dir"`
	LockDir         string `yaml:"lock_dir"`
	ConfigsLocation string `yaml:"configs_location"`

	// Session lifecycle
	DefaultHeartbeatSeconds int  `yaml:"default_heartbeat_seconds"`
	Disposable              bool `yaml:"disposable"`
	IgnoreMachineDefaults   bool `yaml:"ignore_machine_defaults"`

	// Observability
	Debug        bool   `yaml:"debug"`
	LogFile      string `yaml:"log_file"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
}

// Default returns the orchestrator's built-in defaults, used when no config
// file is present and as the base flag overrides are applied on top of.
func Default() Config {
	return Config{
		ListenAddr:              ":8888",
		TestsDir:                "./tests",
		LockDir:                 "./lock",
		ConfigsLocation:         "./configs",
		DefaultHeartbeatSeconds: 600,
		Disposable:              false,
		IgnoreMachineDefaults:   false,
		Debug:                   false,
		LogFile:                 "",
		OTLPEndpoint:            "localhost:4317",
		Environment:             "development",
	}
}

// Load reads a YAML config file at path into a copy of Default(), so any
// field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Heartbeat returns DefaultHeartbeatSeconds as a time.Duration.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.DefaultHeartbeatSeconds) * time.Second
}
