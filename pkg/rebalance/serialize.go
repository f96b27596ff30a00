package rebalance

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// planSchemaVersion is bumped whenever the on-disk plan form changes in a
// way that affects readers that don't tolerate unknown fields (spec.md §6.2).
const planSchemaVersion = 1

// planFileDisk is the §6.2 disks[] element.
type planFileDisk struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Used int64  `json:"used"`
}

// planFileMove is the §6.2 moves[] element.
type planFileMove struct {
	Share    string `json:"share"`
	RelPath  string `json:"rel_path"`
	SrcDisk  string `json:"src_disk"`
	DestDisk string `json:"dest_disk"`
	Size     int64  `json:"size"`
}

// planFileOptions is the §6.2 options object.
type planFileOptions struct {
	TargetPercent   float64  `json:"target_percent"`
	HeadroomPercent float64  `json:"headroom_percent"`
	Strategy        Strategy `json:"strategy"`
	Profile         Profile  `json:"profile"`
}

// planFile is the stable on-disk form documented in spec.md §6.2.
type planFile struct {
	SchemaVersion int             `json:"schema_version"`
	CreatedAt     string          `json:"created_at"`
	Disks         []planFileDisk  `json:"disks"`
	Moves         []planFileMove  `json:"moves"`
	Options       planFileOptions `json:"options"`
}

var planFileKnownKeys = map[string]bool{
	"schema_version": true, "created_at": true, "disks": true, "moves": true, "options": true,
}

// SavePlan serializes p to path in the documented on-disk form (C10, spec.md
// §4.9, §6.2). Fields loaded into p.Extra via LoadPlan are re-emitted
// alongside the known fields.
func SavePlan(p Plan, path string) error {
	pf := planFile{
		SchemaVersion: planSchemaVersion,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
		Options: planFileOptions{
			TargetPercent:   p.Options.TargetPercent,
			HeadroomPercent: p.Options.HeadroomPercent,
			Strategy:        p.Options.Strategy,
			Profile:         p.Options.Profile,
		},
	}
	for _, d := range p.Disks {
		pf.Disks = append(pf.Disks, planFileDisk{Name: d.Name, Size: d.SizeBytes, Used: d.UsedBytes})
	}
	for _, m := range p.Moves {
		pf.Moves = append(pf.Moves, planFileMove{
			Share: m.Unit.Share, RelPath: m.Unit.RelPath,
			SrcDisk: m.SrcDisk, DestDisk: m.DestDisk, Size: m.SizeBytes,
		})
	}

	merged, err := mergeExtra(pf, p.Extra)
	if err != nil {
		return fmt.Errorf("serialize plan: %w", err)
	}
	return os.WriteFile(path, merged, 0o644)
}

// LoadPlan deserializes a plan file, preserving unknown top-level fields in
// the returned Plan's Extra map so a subsequent SavePlan round-trips them
// (spec.md §6.2: "forward compatibility").
func LoadPlan(path string) (Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan %s: %w", path, err)
	}

	var pf planFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return Plan{}, fmt.Errorf("parse plan %s: %w", path, err)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Plan{}, fmt.Errorf("parse plan %s: %w", path, err)
	}
	extra := map[string]json.RawMessage{}
	for k, v := range generic {
		if !planFileKnownKeys[k] {
			extra[k] = v
		}
	}

	createdAt, _ := time.Parse(time.RFC3339, pf.CreatedAt)

	plan := Plan{
		CreatedAt: createdAt,
		Options: CoreConfig{
			TargetPercent:   pf.Options.TargetPercent,
			HeadroomPercent: pf.Options.HeadroomPercent,
			Strategy:        pf.Options.Strategy,
			Profile:         pf.Options.Profile,
		},
		Extra: extra,
	}
	for _, d := range pf.Disks {
		plan.Disks = append(plan.Disks, Disk{Name: d.Name, SizeBytes: d.Size, UsedBytes: d.Used})
	}
	for _, m := range pf.Moves {
		plan.Moves = append(plan.Moves, Move{
			Unit:      AllocationUnit{Share: m.Share, RelPath: m.RelPath, SourceDisk: m.SrcDisk, SizeBytes: m.Size},
			SrcDisk:   m.SrcDisk,
			DestDisk:  m.DestDisk,
			SizeBytes: m.Size,
		})
	}
	return plan, nil
}

// mergeExtra JSON-encodes pf and splices in any preserved unknown top-level
// fields.
func mergeExtra(pf planFile, extra map[string]json.RawMessage) ([]byte, error) {
	encoded, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return encoded, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.MarshalIndent(merged, "", "  ")
}
