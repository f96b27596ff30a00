package rebalance

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy selects how the Planner orders source disks and their units.
type Strategy string

const (
	StrategySize          Strategy = "size"
	StrategyLowSpaceFirst Strategy = "low_space_first"
)

// Profile selects the external tool's flag set and integrity guarantees.
type Profile string

const (
	ProfileFast      Profile = "fast"
	ProfileBalanced  Profile = "balanced"
	ProfileIntegrity Profile = "integrity"
)

// AutoTarget is the sentinel value for CoreConfig.TargetPercent that
// requests auto-balance mode (spec.md §4.3).
const AutoTarget = -1.0

// DefaultReserveBytes is the fixed safety-reserve floor applied per
// destination disk (spec.md §4.3: "the documented 1-GiB floor").
const DefaultReserveBytes int64 = 1 << 30

// CoreConfig is the single explicit settings record every component reads
// from; no component reaches into a process-wide global (spec.md §9).
type CoreConfig struct {
	TargetPercent    float64       `yaml:"target_percent"`
	HeadroomPercent  float64       `yaml:"headroom_percent"`
	Strategy         Strategy      `yaml:"strategy"`
	Profile          Profile       `yaml:"profile"`
	UnitDepth        int           `yaml:"unit_depth"`
	MinUnitSize      int64         `yaml:"min_unit_size"`
	IncludeDisks     []string      `yaml:"include_disks,omitempty"`
	ExcludeDisks     []string      `yaml:"exclude_disks,omitempty"`
	IncludeShares    []string      `yaml:"include_shares,omitempty"`
	ExcludeShares    []string      `yaml:"exclude_shares,omitempty"`
	ExcludeGlobs     []string      `yaml:"exclude_globs,omitempty"`
	RsyncExtra       string        `yaml:"rsync_extra,omitempty"`
	StateDir         string        `yaml:"state_dir"`
	MountPrefix      string        `yaml:"mount_prefix"`
	DiskNamePattern  string        `yaml:"disk_name_pattern"`
	ReserveBytes     int64         `yaml:"reserve_bytes"`
	PerMoveTimeout   time.Duration `yaml:"per_move_timeout"`
	RecordRetention  time.Duration `yaml:"record_retention"`
	RsyncPath        string        `yaml:"rsync_path,omitempty"`

	// Extra preserves unknown YAML keys so a config file written by a newer
	// tool version round-trips safely through an older one.
	Extra map[string]yaml.Node `yaml:"-"`
}

// DefaultConfig returns a CoreConfig with the documented defaults applied
// (spec.md §6.1: headroom 5, reserve the 1-GiB floor).
func DefaultConfig() CoreConfig {
	return CoreConfig{
		TargetPercent:   AutoTarget,
		HeadroomPercent: 5,
		Strategy:        StrategySize,
		Profile:         ProfileBalanced,
		UnitDepth:       1,
		MountPrefix:     "/mnt",
		DiskNamePattern: "disk*",
		StateDir:        "/var/lib/rebalance",
		ReserveBytes:    DefaultReserveBytes,
		PerMoveTimeout:  6 * time.Hour,
		RecordRetention: 24 * time.Hour,
		RsyncPath:       "rsync",
	}
}

// LoadConfig reads a YAML config file into a CoreConfig seeded with
// DefaultConfig, preserving any keys it does not recognize.
func LoadConfig(path string) (CoreConfig, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return CoreConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return CoreConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return CoreConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.Extra = unknownFields(&doc, knownConfigKeys)
	return cfg, nil
}

// Save writes cfg back out as YAML, re-emitting any preserved unknown keys.
func (c CoreConfig) Save(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if len(c.Extra) > 0 {
		extra := map[string]yaml.Node{}
		for k, v := range c.Extra {
			extra[k] = v
		}
		extraBytes, err := yaml.Marshal(extra)
		if err != nil {
			return fmt.Errorf("encode preserved config keys: %w", err)
		}
		out = append(out, extraBytes...)
	}
	return os.WriteFile(path, out, 0o644)
}

var knownConfigKeys = map[string]bool{
	"target_percent": true, "headroom_percent": true, "strategy": true,
	"profile": true, "unit_depth": true, "min_unit_size": true,
	"include_disks": true, "exclude_disks": true, "include_shares": true,
	"exclude_shares": true, "exclude_globs": true, "rsync_extra": true,
	"state_dir": true, "mount_prefix": true, "disk_name_pattern": true,
	"reserve_bytes": true, "per_move_timeout": true, "record_retention": true,
	"rsync_path": true,
}

// unknownFields walks a mapping-node YAML document and returns any top-level
// keys not present in known, so they can be preserved across a load/save
// round trip without the decoder needing to understand them.
func unknownFields(doc *yaml.Node, known map[string]bool) map[string]yaml.Node {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil
	}

	extra := map[string]yaml.Node{}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		if !known[key] {
			extra[key] = *mapping.Content[i+1]
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// Validate raises PlanningError for contradictory options (spec.md §7).
func (c CoreConfig) Validate() error {
	if c.UnitDepth < 0 {
		return &PlanningError{Reason: "unit_depth must be >= 0"}
	}
	if c.Strategy != StrategySize && c.Strategy != StrategyLowSpaceFirst {
		return &PlanningError{Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
	if c.Profile != ProfileFast && c.Profile != ProfileBalanced && c.Profile != ProfileIntegrity {
		return &PlanningError{Reason: fmt.Sprintf("unknown profile %q", c.Profile)}
	}
	if c.TargetPercent != AutoTarget && (c.TargetPercent < 0 || c.TargetPercent > 100) {
		return &PlanningError{Reason: "target_percent must be -1 (auto) or within [0,100]"}
	}
	if len(c.IncludeDisks) > 0 && len(c.ExcludeDisks) > 0 {
		if setIntersect(c.IncludeDisks, c.ExcludeDisks) {
			return &PlanningError{Reason: "include_disks and exclude_disks overlap"}
		}
	}
	if len(c.IncludeShares) > 0 && len(c.ExcludeShares) > 0 {
		if setIntersect(c.IncludeShares, c.ExcludeShares) {
			return &PlanningError{Reason: "include_shares and exclude_shares overlap"}
		}
	}
	return nil
}

func setIntersect(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}
