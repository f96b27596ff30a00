package rebalance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskTable_ApplyUpdatesBothSides(t *testing.T) {
	table := NewDiskTable([]Disk{
		{Name: "A", SizeBytes: 1000, UsedBytes: 900, FreeBytes: 100},
		{Name: "B", SizeBytes: 1000, UsedBytes: 100, FreeBytes: 900},
	})

	table.Apply(Move{SrcDisk: "A", DestDisk: "B", SizeBytes: 200})

	a, ok := table.Get("A")
	require.True(t, ok)
	require.Equal(t, int64(700), a.UsedBytes)
	require.Equal(t, int64(300), a.FreeBytes)

	b, ok := table.Get("B")
	require.True(t, ok)
	require.Equal(t, int64(300), b.UsedBytes)
	require.Equal(t, int64(700), b.FreeBytes)
}

func TestDiskTable_SnapshotIsACopy(t *testing.T) {
	table := NewDiskTable([]Disk{{Name: "A", SizeBytes: 1000, UsedBytes: 500}})
	snap := table.Snapshot()
	snap[0].UsedBytes = 0

	a, _ := table.Get("A")
	require.Equal(t, int64(500), a.UsedBytes, "mutating a snapshot must not affect the table")
}

func TestClassifyErr_NonTransferErrorIsNotRecoverable(t *testing.T) {
	v := classifyErr(&PreValidationError{Reason: "boom"})
	require.False(t, v.Recoverable)
}

func TestClassifyErr_TransferErrorDelegatesToClassify(t *testing.T) {
	v := classifyErr(&TransferError{ExitCode: rsyncExitVanishedSource})
	require.True(t, v.Recoverable)
	require.Equal(t, CategoryTransient, v.Category)
}

func TestRetryPolicyConstants(t *testing.T) {
	require.Equal(t, 3, retryMaxTries)
	require.LessOrEqual(t, retryBaseDelay.Seconds(), retryMaxDelay.Seconds())
}
