package rebalance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// scriptedInvoker replays a fixed sequence of Run outcomes, one per call,
// so engine tests can exercise retry and resume logic without spawning a
// real rsync subprocess (see TransferInvoker).
type scriptedInvoker struct {
	mu    sync.Mutex
	steps []func() (Result, error)
	calls int
}

func (s *scriptedInvoker) Run(_ context.Context, _ []string, _ func(TransferProgress)) (Result, error) {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()
	if n >= len(s.steps) {
		n = len(s.steps) - 1
	}
	return s.steps[n]()
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// simulateAtomicMove mimics what a real rsync --remove-source-files
// invocation would do to the filesystem on success: copy the source's bytes
// to the destination and remove the source.
func simulateAtomicMove(fs afero.Fs, srcPath, destPath string) (Result, error) {
	data, err := afero.ReadFile(fs, srcPath)
	if err != nil {
		return Result{ExitCode: 23, Stderr: "source vanished"}, nil
	}
	if err := fs.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Result{}, err
	}
	if err := afero.WriteFile(fs, destPath, data, 0o644); err != nil {
		return Result{}, err
	}
	if err := fs.Remove(srcPath); err != nil {
		return Result{}, err
	}
	return Result{ExitCode: 0}, nil
}

// fakeRsyncOnPath points PATH at a throwaway directory containing a no-op
// "rsync" script, so Validator.PreCheck's exec.LookPath succeeds without a
// real rsync binary on the test machine.
func fakeRsyncOnPath(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "rsync")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newScenarioEngine(t *testing.T, fs afero.Fs, disks []Disk, invoker TransferInvoker) *Engine {
	t.Helper()
	fakeRsyncOnPath(t)

	require.NoError(t, fs.MkdirAll("/state/transfers", 0o755))
	table := NewDiskTable(disks)
	return &Engine{
		Config:    CoreConfig{Profile: ProfileBalanced, MountPrefix: "/mnt"},
		Table:     table,
		Tracker:   &Tracker{Fs: fs, Dir: "/state/transfers"},
		Validator: &Validator{Fs: fs, MountPrefix: "/mnt"},
		Invoker:   invoker,
		Metrics:   NewMetrics(nil),
	}
}

// TestEngine_RetryableFailureSucceedsOnSecondAttempt covers scenario S5
// (spec.md §8): a recoverable transfer failure is retried and the move
// ultimately completes, having spawned the external tool twice.
func TestEngine_RetryableFailureSucceedsOnSecondAttempt(t *testing.T) {
	fs := afero.NewMemMapFs()
	const srcPath = "/mnt/disk1/movies/unit1"
	const destPath = "/mnt/disk2/movies/unit1"
	require.NoError(t, afero.WriteFile(fs, srcPath, []byte("movie bytes"), 0o644))

	disks := []Disk{
		{Name: "disk1", Mount: "/mnt/disk1", SizeBytes: 1000, UsedBytes: 900, FreeBytes: 100},
		{Name: "disk2", Mount: "/mnt/disk2", SizeBytes: 1000, UsedBytes: 0, FreeBytes: 1000},
	}

	invoker := &scriptedInvoker{steps: []func() (Result, error){
		func() (Result, error) { return Result{ExitCode: rsyncExitVanishedSource, Stderr: "vanished"}, nil },
		func() (Result, error) { return simulateAtomicMove(fs, srcPath, destPath) },
	}}
	e := newScenarioEngine(t, fs, disks, invoker)

	m := Move{
		Unit:      AllocationUnit{Share: "movies", RelPath: "unit1", SourceDisk: "disk1", SizeBytes: 11},
		SrcDisk:   "disk1",
		DestDisk:  "disk2",
		SizeBytes: 11,
	}

	outcome := e.executeWithRetry(context.Background(), m, nil)

	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, 2, outcome.Attempt)
	require.Equal(t, 2, invoker.callCount())

	destDisk, ok := e.Table.Get("disk2")
	require.True(t, ok)
	require.Equal(t, int64(11), destDisk.UsedBytes)
}

// TestEngine_RunPlanResumesOrphanedMoveOnStartup covers scenario S6 (spec.md
// §8, §4.8 points 1-3): a TransferRecord left behind by a crashed run, whose
// destination partially exists with no owning process, is detected as an
// orphan and rerun to completion before any planned move is dispatched, and
// the stale record is cleared afterward.
func TestEngine_RunPlanResumesOrphanedMoveOnStartup(t *testing.T) {
	fs := afero.NewMemMapFs()
	const srcPath = "/mnt/disk1/movies/unit1"
	const destPath = "/mnt/disk2/movies/unit1"
	require.NoError(t, afero.WriteFile(fs, srcPath, []byte("movie bytes"), 0o644))
	// Simulate a partial transfer left by a previous crash: bytes already
	// landed at the destination, but the source was never removed.
	require.NoError(t, afero.WriteFile(fs, destPath, []byte("movie byt"), 0o644))

	disks := []Disk{
		{Name: "disk1", Mount: "/mnt/disk1", SizeBytes: 1000, UsedBytes: 900, FreeBytes: 100},
		{Name: "disk2", Mount: "/mnt/disk2", SizeBytes: 1000, UsedBytes: 0, FreeBytes: 1000},
	}

	invoker := &scriptedInvoker{steps: []func() (Result, error){
		func() (Result, error) { return simulateAtomicMove(fs, srcPath, destPath) },
	}}
	e := newScenarioEngine(t, fs, disks, invoker)

	crashedRec := TransferRecord{
		OperationID: "crashed-op",
		SrcPath:     srcPath,
		DestPath:    destPath,
		SrcDisk:     "disk1",
		DestDisk:    "disk2",
		SizeBytes:   11,
		Status:      StatusStarted,
	}
	require.NoError(t, e.Tracker.Write(crashedRec))

	outcomes, err := e.RunPlan(context.Background(), Plan{}, nil, nil)

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, StatusCompleted, outcomes[0].Status)
	require.Equal(t, 1, invoker.callCount())

	remaining, err := e.Tracker.LoadAll()
	require.NoError(t, err)
	require.Empty(t, remaining, "both the stale crash record and the new completed record should be gone")
}

// TestEngine_PerMoveTimeoutClassifiedTransient covers spec.md §5
// "Timeouts": expiry of the per-move timeout is classified transient and
// recoverable. The one-retry limit is checked by the test below.
func TestEngine_PerMoveTimeoutClassifiedTransient(t *testing.T) {
	verdict := classifyErr(context.DeadlineExceeded)
	require.True(t, verdict.Recoverable)
	require.Equal(t, CategoryTransient, verdict.Category)
}

// TestEngine_RepeatedTimeoutStopsAfterExactlyOneRetry backs the same
// requirement at the executeWithRetry level: a move that keeps timing out
// is retried once, then fails, even though retryMaxTries allows up to 3
// attempts for ordinary transient rsync failures.
func TestEngine_RepeatedTimeoutStopsAfterExactlyOneRetry(t *testing.T) {
	fs := afero.NewMemMapFs()
	const srcPath = "/mnt/disk1/movies/unit1"
	require.NoError(t, afero.WriteFile(fs, srcPath, []byte("movie bytes"), 0o644))

	disks := []Disk{
		{Name: "disk1", Mount: "/mnt/disk1", SizeBytes: 1000, UsedBytes: 900, FreeBytes: 100},
		{Name: "disk2", Mount: "/mnt/disk2", SizeBytes: 1000, UsedBytes: 0, FreeBytes: 1000},
	}

	invoker := &scriptedInvoker{steps: []func() (Result, error){
		func() (Result, error) { return Result{}, context.DeadlineExceeded },
		func() (Result, error) { return Result{}, context.DeadlineExceeded },
	}}
	e := newScenarioEngine(t, fs, disks, invoker)

	m := Move{
		Unit:      AllocationUnit{Share: "movies", RelPath: "unit1", SourceDisk: "disk1", SizeBytes: 11},
		SrcDisk:   "disk1",
		DestDisk:  "disk2",
		SizeBytes: 11,
	}

	outcome := e.executeWithRetry(context.Background(), m, nil)

	require.Equal(t, StatusFailed, outcome.Status)
	require.Equal(t, 2, outcome.Attempt)
	require.Equal(t, 2, invoker.callCount())
}
