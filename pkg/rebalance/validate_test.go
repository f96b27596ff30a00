package rebalance

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestValidator_PreCheckRejectsInsufficientFreeSpace(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mnt/disk1/share/unit/file", []byte("data"), 0o644))

	v := &Validator{Fs: fs, MountPrefix: "/mnt"}
	disks := map[string]Disk{"disk2": {Name: "disk2", FreeBytes: 5}}
	m := Move{SrcDisk: "disk1", DestDisk: "disk2", SizeBytes: 100}

	err := v.PreCheck(m, disks, "/mnt/disk1/share/unit", "/mnt/disk2/share/unit")
	require.Error(t, err)
	var preErr *PreValidationError
	require.ErrorAs(t, err, &preErr)
}

func TestValidator_PreCheckRejectsSameDisk(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mnt/disk1/share/unit/file", []byte("data"), 0o644))

	v := &Validator{Fs: fs, MountPrefix: "/mnt"}
	disks := map[string]Disk{"disk1": {Name: "disk1", FreeBytes: 1 << 30}}
	m := Move{SrcDisk: "disk1", DestDisk: "disk1", SizeBytes: 1}

	err := v.PreCheck(m, disks, "/mnt/disk1/share/unit", "/mnt/disk1/share/unit")
	require.Error(t, err)
}

func TestValidator_PostCheckRejectsRemainingSourceFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mnt/disk2/share/unit/file", []byte("data"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/mnt/disk1/share/unit/leftover", []byte("x"), 0o644))

	v := &Validator{Fs: fs, MountPrefix: "/mnt"}
	m := Move{SrcDisk: "disk1", DestDisk: "disk2", SizeBytes: 4}

	err := v.PostCheck(m, "/mnt/disk2/share/unit", "/mnt/disk1/share/unit", ProfileBalanced, true, false)
	require.Error(t, err)
}

func TestValidator_PostCheckPassesWhenSourceFullyRemoved(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mnt/disk2/share/unit/file", []byte("data"), 0o644))

	v := &Validator{Fs: fs, MountPrefix: "/mnt"}
	m := Move{SrcDisk: "disk1", DestDisk: "disk2", SizeBytes: 4}

	err := v.PostCheck(m, "/mnt/disk2/share/unit", "/mnt/disk1/share/unit", ProfileBalanced, true, false)
	require.NoError(t, err)
}

func TestValidator_TreeChecksumStableAcrossIdenticalContent(t *testing.T) {
	fsA := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsA, "/root/file1", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fsA, "/root/nested/file2", []byte("world"), 0o644))

	fsB := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsB, "/other/file1", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fsB, "/other/nested/file2", []byte("world"), 0o644))

	va := &Validator{Fs: fsA}
	vb := &Validator{Fs: fsB}

	sumA, err := va.TreeChecksum("/root")
	require.NoError(t, err)
	sumB, err := vb.TreeChecksum("/other")
	require.NoError(t, err)
	require.Equal(t, sumA, sumB)

	require.NoError(t, afero.WriteFile(fsB, "/other/file1", []byte("HELLO"), 0o644))
	sumC, err := vb.TreeChecksum("/other")
	require.NoError(t, err)
	require.NotEqual(t, sumA, sumC)
}
