package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClusterProfile is a deployment-specific tuning profile for a whole
// cluster: every node in a cluster should load the same profile, since the
// consensus threshold and tick interval must agree across members.
type ClusterProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Consensus ConsensusConfig `yaml:"consensus" json:"consensus"`
	Correlate CorrelateConfig `yaml:"correlate" json:"correlate"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
}

// ConsensusConfig holds ledger quorum tuning.
type ConsensusConfig struct {
	Threshold      float64       `yaml:"threshold" json:"threshold"`
	PendingTTL     time.Duration `yaml:"pending_ttl,omitempty" json:"pending_ttl,omitempty"`
	RebroadcastRPS float64       `yaml:"rebroadcast_rps,omitempty" json:"rebroadcast_rps,omitempty"`
}

// CorrelateConfig holds correlation engine tuning.
type CorrelateConfig struct {
	Window          time.Duration `yaml:"window" json:"window"`
	MinConfidence   float64       `yaml:"min_confidence" json:"min_confidence"`
	MaxCorrelations int           `yaml:"max_correlations" json:"max_correlations"`
}

// SyncConfig holds state synchronizer tuning.
type SyncConfig struct {
	Interval     time.Duration `yaml:"interval" json:"interval"`
	HistoryLimit int           `yaml:"history_limit" json:"history_limit"`
	StatsWindow  time.Duration `yaml:"stats_window" json:"stats_window"`
}

// TransportConfig selects and namespaces the gossip transport.
type TransportConfig struct {
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// LoadProfile loads a cluster profile YAML by name. It searches the
// profiles directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*ClusterProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile ClusterProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	return &profile, nil
}

// Validate checks profile invariants.
func (p *ClusterProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("missing name")
	}
	if p.Consensus.Threshold <= 0 || p.Consensus.Threshold > 1 {
		return fmt.Errorf("consensus threshold %v out of (0,1]", p.Consensus.Threshold)
	}
	if p.Sync.Interval < 0 || p.Correlate.Window < 0 {
		return fmt.Errorf("negative durations")
	}
	if p.Correlate.MinConfidence < 0 || p.Correlate.MinConfidence > 1 {
		return fmt.Errorf("min confidence %v out of [0,1]", p.Correlate.MinConfidence)
	}
	return nil
}
