// Package config loads a named connection profile from a YAML file, mirroring
// the site-config pattern of tinyrange-cc's cmd/ccapp/site_config.go: a
// small, optional override file consulted at startup rather than a full
// flag/env configuration layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile holds the subset of Builder options worth parking in a file so an
// operator can tune them without touching a command line or recompiling.
type Profile struct {
	Latency         time.Duration `yaml:"-"`
	MaxPacketSize   int32         `yaml:"max_packet_size"`
	MaxFlowWindow   int32         `yaml:"max_flow_window"`
	PeerIdleTimeout time.Duration `yaml:"-"`

	LatencyMs         int64 `yaml:"latency_ms"`
	PeerIdleTimeoutMs int64 `yaml:"peer_idle_timeout_ms"`
}

// Load reads and parses a profile file. A missing file is not an error: it
// returns a zero Profile, which ApplyProfile then leaves every Builder
// default untouched.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if p.LatencyMs > 0 {
		p.Latency = time.Duration(p.LatencyMs) * time.Millisecond
	}
	if p.PeerIdleTimeoutMs > 0 {
		p.PeerIdleTimeout = time.Duration(p.PeerIdleTimeoutMs) * time.Millisecond
	}
	return p, nil
}
