package rebalance

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// AllocationUnit is the smallest filesystem subtree treated as indivisible
// during redistribution (spec.md §3). Its identity is (Share, RelPath);
// RelPath has exactly UnitDepth components below the share root, or is ""
// when UnitDepth == 0 (the whole share on that disk is one unit).
type AllocationUnit struct {
	Share      string
	RelPath    string
	SourceDisk string
	SizeBytes  int64
}

// Path returns the unit's absolute location: mount/share/relPath.
func (u AllocationUnit) Path(mount string) string {
	if u.RelPath == "" {
		return filepath.Join(mount, u.Share)
	}
	return filepath.Join(mount, u.Share, u.RelPath)
}

func (u AllocationUnit) String() string {
	if u.RelPath == "" {
		return fmt.Sprintf("%s/%s@%s", u.Share, "", u.SourceDisk)
	}
	return fmt.Sprintf("%s/%s@%s", u.Share, u.RelPath, u.SourceDisk)
}

// sameIdentity reports whether two units refer to the same (share, relPath)
// pair, ignoring SourceDisk and SizeBytes.
func (u AllocationUnit) sameIdentity(o AllocationUnit) bool {
	return u.Share == o.Share && u.RelPath == o.RelPath
}

// UnitBuilder walks each disk's shares to a bounded depth and sizes the
// resulting allocation units (C2, spec.md §4.2).
type UnitBuilder struct {
	Fs            afero.Fs
	UnitDepth     int
	MinUnitSize   int64
	IncludeShares []string
	ExcludeShares []string
	ExcludeGlobs  []string
}

// NewUnitBuilder builds a UnitBuilder from a CoreConfig using the real OS
// filesystem.
func NewUnitBuilder(cfg CoreConfig) *UnitBuilder {
	return &UnitBuilder{
		Fs:            afero.NewOsFs(),
		UnitDepth:     cfg.UnitDepth,
		MinUnitSize:   cfg.MinUnitSize,
		IncludeShares: cfg.IncludeShares,
		ExcludeShares: cfg.ExcludeShares,
		ExcludeGlobs:  cfg.ExcludeGlobs,
	}
}

// Build walks every disk's shares and emits AllocationUnits, sorted by
// (disk, share, relative_path) for reproducibility (spec.md §4.2).
func (b *UnitBuilder) Build(disks []Disk) ([]AllocationUnit, error) {
	include := toSet(b.IncludeShares)
	exclude := toSet(b.ExcludeShares)

	var units []AllocationUnit
	for _, d := range disks {
		shareNames, err := shares(b.Fs, d.Mount)
		if err != nil {
			return nil, &DiscoveryError{Reason: fmt.Sprintf("cannot list shares on disk %s: %v", d.Name, err)}
		}

		for _, share := range shareNames {
			if len(include) > 0 && !include[share] {
				continue
			}
			if exclude[share] {
				continue
			}

			candidates, err := b.candidateRoots(d, share)
			if err != nil {
				return nil, &DiscoveryError{Reason: fmt.Sprintf("cannot walk share %s on disk %s: %v", share, d.Name, err)}
			}

			for _, relPath := range candidates {
				if !relPathValid(relPath) {
					logSink.Warn().Str("disk", d.Name).Str("share", share).Str("path", relPath).
						Msg("skipping unit: relative path escapes the share root")
					continue
				}
				if b.excluded(share, relPath) {
					continue
				}
				size, err := b.sizeOf(filepath.Join(d.Mount, share, relPath))
				if err != nil {
					logSink.Warn().Err(err).Str("disk", d.Name).Str("share", share).Str("path", relPath).
						Msg("skipping unit: size computation failed")
					continue
				}
				if size < b.MinUnitSize {
					continue
				}
				units = append(units, AllocationUnit{
					Share:      share,
					RelPath:    relPath,
					SourceDisk: d.Name,
					SizeBytes:  size,
				})
			}
		}
	}

	sort.Slice(units, func(i, j int) bool {
		a, c := units[i], units[j]
		if a.SourceDisk != c.SourceDisk {
			return a.SourceDisk < c.SourceDisk
		}
		if a.Share != c.Share {
			return a.Share < c.Share
		}
		return a.RelPath < c.RelPath
	})
	return units, nil
}

// candidateRoots returns the relative paths (below the share root) of every
// candidate unit at exactly UnitDepth components, or [""] when UnitDepth==0.
func (b *UnitBuilder) candidateRoots(d Disk, share string) ([]string, error) {
	if b.UnitDepth == 0 {
		return []string{""}, nil
	}

	shareRoot := filepath.Join(d.Mount, share)
	var roots []string
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		entries, err := afero.ReadDir(b.Fs, dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			full := filepath.Join(dir, e.Name())
			if depth == b.UnitDepth {
				rel, err := filepath.Rel(shareRoot, full)
				if err != nil {
					return err
				}
				roots = append(roots, rel)
				continue
			}
			if err := walk(full, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(shareRoot, 1); err != nil {
		return nil, err
	}
	return roots, nil
}

// excluded reports whether share/relPath matches any configured exclude
// glob. Globs are matched against the "share/relative_path" string
// (spec.md §4.2).
func (b *UnitBuilder) excluded(share, relPath string) bool {
	candidate := share
	if relPath != "" {
		candidate = share + "/" + relPath
	}
	for _, pattern := range b.ExcludeGlobs {
		if ok, _ := doublestar.Match(pattern, candidate); ok {
			return true
		}
	}
	return false
}

// sizeOf recursively sums the sizes of all regular files under root.
// Symlinks are not followed and their target bytes are not counted; broken
// symlinks are logged and ignored (spec.md §4.2).
func (b *UnitBuilder) sizeOf(root string) (int64, error) {
	var total int64
	err := afero.Walk(b.Fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				logSink.Debug().Str("path", path).Msg("skipping vanished or broken entry")
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if _, statErr := b.Fs.Stat(path); statErr != nil {
				logSink.Debug().Str("path", path).Msg("ignoring broken symlink")
			}
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// relPathValid reports whether a relative path is safe: it never contains
// ".." and never escapes the share (spec.md §3 invariant).
func relPathValid(relPath string) bool {
	if relPath == "" {
		return true
	}
	clean := filepath.ToSlash(filepath.Clean(relPath))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return false
	}
	return true
}
