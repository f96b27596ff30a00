package rebalance

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// workingBufferFactor is the 10% working buffer beyond the raw unit size
// that a destination must have free before a move may start (spec.md §4.5).
const workingBufferFactor = 1.10

// Validator performs pre- and post-transfer checks (C6, spec.md §4.5).
type Validator struct {
	Fs          afero.Fs
	MountPrefix string
	RsyncPath   string
}

// PreCheck verifies a move may start: spec.md §4.5 "Pre-transfer checks".
func (v *Validator) PreCheck(m Move, disks map[string]Disk, srcPath, destPath string) error {
	info, err := v.Fs.Stat(srcPath)
	if err != nil {
		return &PreValidationError{Move: m, Reason: fmt.Sprintf("source does not exist: %v", err)}
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return &PreValidationError{Move: m, Reason: "source is neither a directory nor a regular file"}
	}

	if err := v.Fs.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return &PreValidationError{Move: m, Reason: fmt.Sprintf("destination parent cannot be created: %v", err)}
	}

	dest, ok := disks[m.DestDisk]
	if !ok {
		return &PreValidationError{Move: m, Reason: fmt.Sprintf("unknown destination disk %q", m.DestDisk)}
	}
	required := int64(float64(m.SizeBytes) * workingBufferFactor)
	if dest.FreeBytes < required {
		return &PreValidationError{Move: m, Reason: fmt.Sprintf("destination disk %s has %d bytes free, need %d (unit size + 10%% buffer)", m.DestDisk, dest.FreeBytes, required)}
	}

	if !underPrefix(srcPath, v.MountPrefix) || !underPrefix(destPath, v.MountPrefix) {
		return &PreValidationError{Move: m, Reason: "source and destination must both lie under the configured mount prefix"}
	}
	if m.SrcDisk == m.DestDisk {
		return &PreValidationError{Move: m, Reason: "source and destination disks must differ"}
	}

	bin := v.RsyncPath
	if bin == "" {
		bin = "rsync"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return &PreValidationError{Move: m, Reason: "rsync executable not resolvable"}
	}

	return nil
}

// PostCheck verifies atomic-move semantics held after a move (spec.md §4.5
// "Post-transfer checks").
func (v *Validator) PostCheck(m Move, destPath, srcPath string, profile Profile, integrityOK bool, checkSizeEquality bool) error {
	info, err := v.Fs.Stat(destPath)
	if err != nil {
		return &PostValidationError{Move: m, Reason: fmt.Sprintf("destination missing after transfer: %v", err)}
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return &PostValidationError{Move: m, Reason: "destination is neither a directory nor a regular file"}
	}

	if remaining, err := hasRemainingFiles(v.Fs, srcPath); err != nil {
		return &PostValidationError{Move: m, Reason: fmt.Sprintf("cannot verify source removal: %v", err)}
	} else if remaining {
		return &PostValidationError{Move: m, Reason: "source still has files after an atomic move"}
	}

	if profile == ProfileIntegrity && !integrityOK {
		return &PostValidationError{Move: m, Reason: "integrity profile's checksum pass did not succeed"}
	}

	if checkSizeEquality {
		size, err := dirSize(v.Fs, destPath)
		if err != nil {
			return &PostValidationError{Move: m, Reason: fmt.Sprintf("cannot compute destination size: %v", err)}
		}
		if size != m.SizeBytes {
			return &PostValidationError{Move: m, Reason: fmt.Sprintf("destination size %d does not match planned size %d", size, m.SizeBytes)}
		}
	}

	return nil
}

// TreeChecksum hashes every regular file under root, in sorted relative-path
// order, into a single digest. It backs the integrity profile's own
// verification pass, independent of the external tool's --checksum flag
// (spec.md §4.5: "the tool's own checksum pass must have succeeded").
func (v *Validator) TreeChecksum(root string) (string, error) {
	var paths []string
	err := afero.Walk(v.Fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := blake3.New()
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", err
		}
		io.WriteString(h, rel)
		h.Write([]byte{0})

		f, err := v.Fs.Open(p)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func underPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

func hasRemainingFiles(fs afero.Fs, root string) (bool, error) {
	exists, err := afero.Exists(fs, root)
	if err != nil || !exists {
		return false, err
	}
	found := false
	err = afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			found = true
		}
		return nil
	})
	return found, err
}

func dirSize(fs afero.Fs, root string) (int64, error) {
	var total int64
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
