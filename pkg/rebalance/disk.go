package rebalance

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
)

// Disk is a snapshot of one data disk's identity and capacity, taken once at
// discovery time (spec.md §3). It is never written back to the filesystem;
// the Transfer Engine mutates UsedBytes only in memory during planning and
// execution.
type Disk struct {
	Name      string
	Mount     string
	SizeBytes int64
	UsedBytes int64
	FreeBytes int64
}

// FillPercent returns used/size as a percentage, or 0 for a zero-size disk.
func (d Disk) FillPercent() float64 {
	if d.SizeBytes == 0 {
		return 0
	}
	return 100 * float64(d.UsedBytes) / float64(d.SizeBytes)
}

func (d Disk) String() string {
	return fmt.Sprintf("%s(%s, %.1f%% full)", d.Name, d.Mount, d.FillPercent())
}

// usageStatter abstracts disk.Usage for tests.
type usageStatter func(path string) (*disk.UsageStat, error)

// DiskScanner enumerates data disks under a mount prefix (C1, spec.md §4.1).
type DiskScanner struct {
	Fs              afero.Fs
	MountPrefix     string
	DiskNamePattern string
	IncludeDisks    []string
	ExcludeDisks    []string

	usage usageStatter
}

// NewDiskScanner builds a DiskScanner from a CoreConfig using the real OS
// filesystem and gopsutil for usage statistics.
func NewDiskScanner(cfg CoreConfig) *DiskScanner {
	return &DiskScanner{
		Fs:              afero.NewOsFs(),
		MountPrefix:     cfg.MountPrefix,
		DiskNamePattern: cfg.DiskNamePattern,
		IncludeDisks:    cfg.IncludeDisks,
		ExcludeDisks:    cfg.ExcludeDisks,
		usage:           disk.Usage,
	}
}

// Scan enumerates subdirectories of MountPrefix matching DiskNamePattern,
// applies the include/exclude lists, and returns one Disk per survivor
// (spec.md §4.1). The result is sorted by Name for determinism.
func (s *DiskScanner) Scan() ([]Disk, error) {
	if s.usage == nil {
		s.usage = disk.Usage
	}

	entries, err := afero.ReadDir(s.Fs, s.MountPrefix)
	if err != nil {
		return nil, &DiscoveryError{Reason: fmt.Sprintf("cannot list mount prefix %s: %v", s.MountPrefix, err)}
	}

	include := toSet(s.IncludeDisks)
	exclude := toSet(s.ExcludeDisks)

	var disks []Disk
	seen := map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		matched, err := filepath.Match(s.DiskNamePattern, name)
		if err != nil {
			return nil, &DiscoveryError{Reason: fmt.Sprintf("bad disk-name pattern %q: %v", s.DiskNamePattern, err)}
		}
		if !matched {
			continue
		}
		if len(include) > 0 && !include[name] {
			continue
		}
		if exclude[name] {
			continue
		}

		mount := filepath.Join(s.MountPrefix, name)
		usage, err := s.usage(mount)
		if err != nil {
			logSink.Warn().Err(err).Str("disk", name).Msg("skipping disk: cannot stat filesystem")
			continue
		}

		disks = append(disks, Disk{
			Name:      name,
			Mount:     mount,
			SizeBytes: int64(usage.Total),
			UsedBytes: int64(usage.Used),
			FreeBytes: int64(usage.Free),
		})
		seen[name] = true
	}

	if missing := missingFrom(s.IncludeDisks, seen); len(missing) > 0 {
		return nil, &DiscoveryError{Reason: "listed disk(s) not found", Missing: missing}
	}
	if len(disks) == 0 {
		return nil, &DiscoveryError{Reason: fmt.Sprintf("no data disks found under %s matching %q", s.MountPrefix, s.DiskNamePattern)}
	}

	sort.Slice(disks, func(i, j int) bool { return disks[i].Name < disks[j].Name })
	return disks, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, v := range items {
		set[v] = true
	}
	return set
}

func missingFrom(required []string, present map[string]bool) []string {
	var missing []string
	for _, r := range required {
		if !present[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// shares lists the top-level share directory names under a disk's mount.
func shares(fs afero.Fs, mount string) ([]string, error) {
	entries, err := afero.ReadDir(fs, mount)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
