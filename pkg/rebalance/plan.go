package rebalance

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Move describes a single planned or executed relocation of one
// AllocationUnit from one disk to another (spec.md §3).
type Move struct {
	Unit      AllocationUnit
	SrcDisk   string
	DestDisk  string
	SizeBytes int64
}

func (m Move) String() string {
	return fmt.Sprintf("%s: %s -> %s (%d bytes)", m.Unit, m.SrcDisk, m.DestDisk, m.SizeBytes)
}

// Plan is an ordered sequence of Moves plus a snapshot of disks at plan
// time (spec.md §3).
type Plan struct {
	CreatedAt   time.Time
	Disks       []Disk
	Moves       []Move
	Options     CoreConfig
	Diagnostics []string

	// Extra preserves plan-file top-level fields this version of the tool
	// does not recognize, so LoadPlan -> SavePlan round-trips them
	// (spec.md §6.2: "unknown fields must be preserved on re-serialize").
	Extra map[string]json.RawMessage
}

// Diagnostics the Planner can report (spec.md §4.3).
const (
	diagBalanced    = "balanced"
	diagUnderServed = "under-served"
	diagNoFit       = "no-fit"
)

// capacities holds the computed per-disk cap alongside live working figures
// used while the Planner reserves capacity against each move it adds.
type capacities struct {
	cap  map[string]int64
	used map[string]int64
	size map[string]int64
}

// PlanMoves computes a capacity-constrained redistribution plan (C3, spec.md
// §4.3). It performs no I/O: disks and units must already be discovered.
func PlanMoves(disks []Disk, units []AllocationUnit, cfg CoreConfig) (Plan, error) {
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}

	caps := computeCaps(disks, cfg)

	sources, destinations := classify(disks, caps, cfg)
	if len(sources) == 0 {
		return Plan{Disks: disks, Options: cfg, Diagnostics: []string{diagBalanced}}, nil
	}

	byDisk := groupUnitsByDisk(units)
	orderSources(sources, cfg.Strategy)

	var moves []Move
	var diagnostics []string

	for _, src := range sources {
		candidates := append([]AllocationUnit(nil), byDisk[src.Name]...)
		orderUnits(candidates, cfg.Strategy)

		shed := int64(0)
		needed := src.UsedBytes - caps.cap[src.Name]

		for _, unit := range candidates {
			if shed >= needed {
				break
			}
			dest := pickDestination(destinations, caps, unit.SizeBytes, src.Name)
			if dest == "" {
				diagnostics = append(diagnostics, fmt.Sprintf("%s: %s", diagNoFit, unit))
				continue
			}

			moves = append(moves, Move{Unit: unit, SrcDisk: src.Name, DestDisk: dest, SizeBytes: unit.SizeBytes})
			caps.used[src.Name] -= unit.SizeBytes
			caps.used[dest] += unit.SizeBytes
			shed += unit.SizeBytes
		}

		if shed < needed {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: %s still needs to shed %d bytes", diagUnderServed, src.Name, needed-shed))
		}
	}

	if len(moves) == 0 && len(diagnostics) == 0 {
		diagnostics = []string{diagBalanced}
	}

	return Plan{
		Disks:       disks,
		Moves:       moves,
		Options:     cfg,
		Diagnostics: diagnostics,
	}, nil
}

// computeCaps derives per-disk caps for the explicit or auto-balance target
// (spec.md §4.3).
func computeCaps(disks []Disk, cfg CoreConfig) capacities {
	c := capacities{cap: map[string]int64{}, used: map[string]int64{}, size: map[string]int64{}}

	var totalUsed, totalSize int64
	for _, d := range disks {
		totalUsed += d.UsedBytes
		totalSize += d.SizeBytes
		c.used[d.Name] = d.UsedBytes
		c.size[d.Name] = d.SizeBytes
	}

	for _, d := range disks {
		var cap int64
		if cfg.TargetPercent != AutoTarget {
			cap = int64(float64(d.SizeBytes) * cfg.TargetPercent / 100)
		} else {
			var uniform float64
			if totalSize > 0 {
				uniform = float64(totalUsed) / float64(totalSize)
			}
			cap = int64(float64(d.SizeBytes) * (uniform + cfg.HeadroomPercent/100))
			if cap > d.SizeBytes-cfg.ReserveBytes {
				cap = d.SizeBytes - cfg.ReserveBytes
			}
			if cap < 0 {
				cap = 0
			}
		}
		c.cap[d.Name] = cap
	}
	return c
}

// classify splits disks into sources (over cap) and destinations (under
// cap - reserve), per spec.md §4.3.
func classify(disks []Disk, caps capacities, cfg CoreConfig) (sources, destinations []Disk) {
	for _, d := range disks {
		cap := caps.cap[d.Name]
		if d.UsedBytes > cap {
			sources = append(sources, d)
		}
		if d.UsedBytes < cap-cfg.ReserveBytes {
			destinations = append(destinations, d)
		}
	}
	return sources, destinations
}

func groupUnitsByDisk(units []AllocationUnit) map[string][]AllocationUnit {
	byDisk := map[string][]AllocationUnit{}
	for _, u := range units {
		byDisk[u.SourceDisk] = append(byDisk[u.SourceDisk], u)
	}
	return byDisk
}

// orderSources sorts source disks per the configured strategy: ascending
// free bytes for low_space_first, otherwise disk-name order (the per-unit
// ordering does the heavy lifting for the "size" strategy).
func orderSources(sources []Disk, strategy Strategy) {
	sort.Slice(sources, func(i, j int) bool {
		if strategy == StrategyLowSpaceFirst {
			if sources[i].FreeBytes != sources[j].FreeBytes {
				return sources[i].FreeBytes < sources[j].FreeBytes
			}
		}
		return sources[i].Name < sources[j].Name
	})
}

// orderUnits sorts candidate units descending by size, tie-broken by
// (share, relative_path) ascending for reproducibility (spec.md §4.3).
func orderUnits(units []AllocationUnit, _ Strategy) {
	sort.Slice(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.SizeBytes != b.SizeBytes {
			return a.SizeBytes > b.SizeBytes
		}
		if a.Share != b.Share {
			return a.Share < b.Share
		}
		return a.RelPath < b.RelPath
	})
}

// pickDestination scans destinations in descending remaining-capacity order
// and returns the first one that can hold sizeBytes, excluding exclude
// (spec.md §4.3 first-fit greedy placement). Ties break on disk name
// ascending.
func pickDestination(destinations []Disk, caps capacities, sizeBytes int64, exclude string) string {
	type candidate struct {
		name      string
		remaining int64
	}
	var ranked []candidate
	for _, d := range destinations {
		if d.Name == exclude {
			continue
		}
		remaining := caps.cap[d.Name] - caps.used[d.Name]
		ranked = append(ranked, candidate{name: d.Name, remaining: remaining})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].remaining != ranked[j].remaining {
			return ranked[i].remaining > ranked[j].remaining
		}
		return ranked[i].name < ranked[j].name
	})

	for _, c := range ranked {
		if c.remaining >= sizeBytes {
			return c.name
		}
	}
	return ""
}
