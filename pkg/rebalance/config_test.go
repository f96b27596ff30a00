package rebalance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig_LoadSaveRoundTripPreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := "target_percent: 75\nheadroom_percent: 5\nstrategy: size\nprofile: fast\nunit_depth: 1\nmin_unit_size: 0\nstate_dir: /var/lib/rebalance\nmount_prefix: /mnt\ndisk_name_pattern: disk*\nreserve_bytes: 1073741824\nper_move_timeout: 6h\nrecord_retention: 24h\nfuture_knob: yes\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 75.0, cfg.TargetPercent)
	require.Contains(t, cfg.Extra, "future_knob")

	outPath := filepath.Join(dir, "out.yaml")
	require.NoError(t, cfg.Save(outPath))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "future_knob")
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnitDepth = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.TargetPercent = 150
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.IncludeDisks = []string{"disk1"}
	cfg.ExcludeDisks = []string{"disk1"}
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}
