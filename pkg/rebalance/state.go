package rebalance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// TransferStatus is the lifecycle state of a TransferRecord (spec.md §3).
type TransferStatus string

const (
	StatusStarted   TransferStatus = "started"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
	StatusAborted   TransferStatus = "aborted"
)

// TransferRecord is one persisted journal entry describing an in-flight or
// recently completed Move (spec.md §3, §4.8).
type TransferRecord struct {
	OperationID string         `json:"operation_id"`
	SrcPath     string         `json:"src_path"`
	DestPath    string         `json:"dest_path"`
	SrcDisk     string         `json:"src_disk"`
	DestDisk    string         `json:"dest_disk"`
	SizeBytes   int64          `json:"size_bytes"`
	Timestamp   time.Time      `json:"timestamp"`
	Status      TransferStatus `json:"status"`
}

// Tracker is the persistent append-only-per-record journal described in
// spec.md §4.8 and §6.3. Each write is atomic: write-temp-then-rename.
type Tracker struct {
	Fs  afero.Fs
	Dir string // <state_dir>/transfers
}

// NewTracker builds a Tracker rooted at <stateDir>/transfers on the real OS
// filesystem, creating the directory if needed.
func NewTracker(stateDir string) (*Tracker, error) {
	fs := afero.NewOsFs()
	dir := filepath.Join(stateDir, "transfers")
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, &StateError{Op: "init", Path: dir, Reason: err}
	}
	return &Tracker{Fs: fs, Dir: dir}, nil
}

func (t *Tracker) recordPath(operationID string) string {
	return filepath.Join(t.Dir, operationID+".rec")
}

// NewOperationID generates a fresh operation id for a Move about to start.
func NewOperationID() string {
	return uuid.NewString()
}

// Write atomically persists rec, overwriting any previous record with the
// same OperationID (spec.md §4.8: "no move is considered started until its
// started record is flushed").
func (t *Tracker) Write(rec TransferRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &StateError{Op: "encode", Path: rec.OperationID, Reason: err}
	}

	final := t.recordPath(rec.OperationID)
	tmp := final + ".tmp"
	if err := afero.WriteFile(t.Fs, tmp, data, 0o644); err != nil {
		return &StateError{Op: "write-temp", Path: tmp, Reason: err}
	}
	if err := t.Fs.Rename(tmp, final); err != nil {
		return &StateError{Op: "rename", Path: final, Reason: err}
	}
	return nil
}

// Remove deletes a record, typically after successful post-validation or
// during retention compaction (spec.md §3, §4.8).
func (t *Tracker) Remove(operationID string) error {
	err := t.Fs.Remove(t.recordPath(operationID))
	if err != nil && !os.IsNotExist(err) {
		return &StateError{Op: "remove", Path: operationID, Reason: err}
	}
	return nil
}

// LoadAll reads every persisted record, sorted by OperationID for
// determinism.
func (t *Tracker) LoadAll() ([]TransferRecord, error) {
	entries, err := afero.ReadDir(t.Fs, t.Dir)
	if err != nil {
		return nil, &StateError{Op: "list", Path: t.Dir, Reason: err}
	}

	var records []TransferRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".rec" {
			continue
		}
		data, err := afero.ReadFile(t.Fs, filepath.Join(t.Dir, e.Name()))
		if err != nil {
			return nil, &StateError{Op: "read", Path: e.Name(), Reason: err}
		}
		var rec TransferRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, &StateError{Op: "decode", Path: e.Name(), Reason: err}
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].OperationID < records[j].OperationID })
	return records, nil
}

// PendingRecords returns every record whose status is not Completed
// (spec.md §4.8 point 1).
func (t *Tracker) PendingRecords() ([]TransferRecord, error) {
	all, err := t.LoadAll()
	if err != nil {
		return nil, err
	}
	var pending []TransferRecord
	for _, r := range all {
		if r.Status != StatusCompleted {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// IsOrphan reports whether a pending record's destination partly exists on
// disk with no owning process — the recovery input on startup (spec.md §3,
// §4.8 point 2). liveOperations is the set of operation ids this process
// itself currently owns (always empty right after a fresh start).
func (t *Tracker) IsOrphan(rec TransferRecord, liveOperations map[string]bool) bool {
	if liveOperations[rec.OperationID] {
		return false
	}
	exists, err := afero.Exists(t.Fs, rec.DestPath)
	return err == nil && exists
}

// Purge removes completed records older than retention, run once at engine
// startup before orphan scanning (spec.md §4.8 point 4).
func (t *Tracker) Purge(retention time.Duration, now time.Time) error {
	all, err := t.LoadAll()
	if err != nil {
		return err
	}
	for _, r := range all {
		if r.Status == StatusCompleted && now.Sub(r.Timestamp) > retention {
			if err := t.Remove(r.OperationID); err != nil {
				return err
			}
		}
	}
	return nil
}
