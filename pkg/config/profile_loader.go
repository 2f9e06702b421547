package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is an optional YAML overlay tuning the protocol windows
// and budgets for one deployment. Zero values leave the defaults untouched.
type DeploymentProfile struct {
	Name string `yaml:"name"`

	ConfirmTTLMinutes         int `yaml:"confirm_ttl_minutes"`
	ReservationStaleMinutes   int `yaml:"reservation_stale_minutes"`
	LegacyTTLMinutes          int `yaml:"legacy_ttl_minutes"`
	DedupeTTLHours            int `yaml:"dedupe_ttl_hours"`
	ReservationRetentionHours int `yaml:"reservation_retention_hours"`
	ApprovalRetentionDays     int `yaml:"approval_retention_days"`

	DryRunPerMinute  int `yaml:"dry_run_per_minute"`
	ConfirmPerMinute int `yaml:"confirm_per_minute"`
	ExecutePerMinute int `yaml:"execute_per_minute"`
}

// LoadProfile reads and parses a deployment profile.
func LoadProfile(path string) (*DeploymentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}
	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &profile, nil
}

// Apply overlays the profile's non-zero values onto the config.
func (p *DeploymentProfile) Apply(cfg *Config) {
	if p.ConfirmTTLMinutes > 0 {
		cfg.ConfirmTTL = time.Duration(p.ConfirmTTLMinutes) * time.Minute
	}
	if p.ReservationStaleMinutes > 0 {
		cfg.ReservationStaleAfter = time.Duration(p.ReservationStaleMinutes) * time.Minute
	}
	if p.LegacyTTLMinutes > 0 {
		cfg.LegacyProposalTTL = time.Duration(p.LegacyTTLMinutes) * time.Minute
	}
	if p.DedupeTTLHours > 0 {
		cfg.DedupeTTL = time.Duration(p.DedupeTTLHours) * time.Hour
	}
	if p.ReservationRetentionHours > 0 {
		cfg.ReservationRetention = time.Duration(p.ReservationRetentionHours) * time.Hour
	}
	if p.ApprovalRetentionDays > 0 {
		cfg.ApprovalRetention = time.Duration(p.ApprovalRetentionDays) * 24 * time.Hour
	}
	if p.DryRunPerMinute > 0 {
		cfg.DryRunPerMinute = p.DryRunPerMinute
	}
	if p.ConfirmPerMinute > 0 {
		cfg.ConfirmPerMinute = p.ConfirmPerMinute
	}
	if p.ExecutePerMinute > 0 {
		cfg.ExecutePerMinute = p.ExecutePerMinute
	}
}
