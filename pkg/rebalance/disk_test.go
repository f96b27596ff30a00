package rebalance

import (
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func fakeUsage(sizes map[string]*disk.UsageStat) usageStatter {
	return func(path string) (*disk.UsageStat, error) {
		if u, ok := sizes[path]; ok {
			return u, nil
		}
		return nil, &DiscoveryError{Reason: "no usage for " + path}
	}
}

func TestDiskScanner_ScanFiltersByPattern(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/mnt/disk1", 0o755))
	require.NoError(t, fs.MkdirAll("/mnt/disk2", 0o755))
	require.NoError(t, fs.MkdirAll("/mnt/other", 0o755))

	scanner := &DiskScanner{
		Fs:              fs,
		MountPrefix:     "/mnt",
		DiskNamePattern: "disk*",
		usage: fakeUsage(map[string]*disk.UsageStat{
			"/mnt/disk1": {Total: 1000, Used: 500, Free: 500},
			"/mnt/disk2": {Total: 2000, Used: 200, Free: 1800},
		}),
	}

	disks, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, disks, 2)
	require.Equal(t, "disk1", disks[0].Name)
	require.Equal(t, int64(500), disks[0].UsedBytes)
	require.InDelta(t, 50.0, disks[0].FillPercent(), 0.01)
}

func TestDiskScanner_ScanFailsWhenRequiredDiskMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/mnt/disk1", 0o755))

	scanner := &DiskScanner{
		Fs: fs, MountPrefix: "/mnt", DiskNamePattern: "disk*",
		IncludeDisks: []string{"disk1", "disk9"},
		usage:        fakeUsage(map[string]*disk.UsageStat{"/mnt/disk1": {Total: 1000, Used: 100, Free: 900}}),
	}

	_, err := scanner.Scan()
	require.Error(t, err)
	var discoveryErr *DiscoveryError
	require.ErrorAs(t, err, &discoveryErr)
	require.Contains(t, discoveryErr.Missing, "disk9")
}

func TestDiskScanner_ScanFailsWhenNoDisksFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/mnt", 0o755))

	scanner := &DiskScanner{Fs: fs, MountPrefix: "/mnt", DiskNamePattern: "disk*", usage: fakeUsage(nil)}
	_, err := scanner.Scan()
	require.Error(t, err)
}
