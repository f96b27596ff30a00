package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kallaxio/rebalance/pkg/rebalance"
)

// Options mirrors the command-line surface documented for the tool
// (spec.md §6.1's minimum contract, plus the config-file path and the
// mount, disk-pattern, state-directory and tool-path settings).
type Options struct {
	ConfigPath string

	TargetPercent     float64
	HeadroomPercent   float64
	Execute           bool
	IncludeDisks      []string
	ExcludeDisks      []string
	IncludeShares     []string
	ExcludeShares     []string
	ExcludeGlobs      []string
	UnitDepth         int
	MinUnitSize       string
	SavePlanPath      string
	LoadPlanPath      string
	RsyncMode         string
	RsyncExtra        string
	PrioritizeLowSpace bool

	MountPrefix     string
	DiskNamePattern string
	StateDir        string
	RsyncPath       string
}

// UI abstracts output so Run stays testable without touching stdout.
type UI interface {
	Println(a ...any)
	Printf(format string, a ...any)
}

type stdUI struct {
	out io.Writer
}

// NewStdUI returns a UI backed by stdout.
func NewStdUI() UI {
	return &stdUI{out: os.Stdout}
}

func (u *stdUI) Println(a ...any)               { fmt.Fprintln(u.out, a...) }
func (u *stdUI) Printf(format string, a ...any) { fmt.Fprintf(u.out, format, a...) }

// ExitError carries one of the tool's documented exit codes (spec.md §6.1)
// alongside the underlying error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// Run is the main entrypoint for the CLI.
func Run(args []string) error {
	return run(args, NewStdUI())
}

// run is the internal implementation that allows injecting a custom UI for
// tests.
func run(args []string, ui UI) error {
	opts, err := parseFlags(args)
	if err != nil {
		return exitErr(2, err)
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		return exitErr(2, err)
	}

	var plan rebalance.Plan
	if opts.LoadPlanPath != "" {
		plan, err = rebalance.LoadPlan(opts.LoadPlanPath)
		if err != nil {
			return exitErr(1, err)
		}
	} else {
		scanner := rebalance.NewDiskScanner(cfg)
		disks, err := scanner.Scan()
		if err != nil {
			return exitErr(3, err)
		}

		builder := rebalance.NewUnitBuilder(cfg)
		units, err := builder.Build(disks)
		if err != nil {
			return exitErr(3, err)
		}

		plan, err = rebalance.PlanMoves(disks, units, cfg)
		if err != nil {
			return exitErr(2, err)
		}
	}

	printPlan(ui, plan)

	if opts.SavePlanPath != "" {
		if err := rebalance.SavePlan(plan, opts.SavePlanPath); err != nil {
			return exitErr(1, err)
		}
	}

	if !opts.Execute {
		return nil
	}
	if len(plan.Moves) == 0 {
		return nil
	}

	tracker, err := rebalance.NewTracker(cfg.StateDir)
	if err != nil {
		return exitErr(1, err)
	}
	if err := tracker.Purge(cfg.RecordRetention, time.Now()); err != nil {
		return exitErr(1, err)
	}

	table := rebalance.NewDiskTable(plan.Disks)
	metrics := rebalance.NewMetrics(nil)
	engine := rebalance.NewEngine(cfg, table, tracker, metrics)

	outcomes, err := engine.RunPlan(context.Background(), plan, func(p rebalance.EngineProgress) {
		ui.Printf("progress: %d/%d moves, %s moved, elapsed %s\n",
			p.CompletedCount+p.FailedCount, p.TotalMoves, humanize.Bytes(uint64(p.BytesMoved)), p.Elapsed)
	}, nil)
	if err != nil {
		return exitErr(1, err)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Status != rebalance.StatusCompleted {
			failed++
			ui.Printf("FAILED: %s: %v\n", o.Move, o.Err)
		}
	}
	if failed > 0 {
		return exitErr(4, fmt.Errorf("%d of %d moves failed", failed, len(outcomes)))
	}

	return nil
}

func printPlan(ui UI, plan rebalance.Plan) {
	if len(plan.Moves) == 0 {
		ui.Printf("plan: no moves needed (%s)\n", strings.Join(plan.Diagnostics, "; "))
		return
	}
	ui.Printf("plan: %d moves\n", len(plan.Moves))
	for _, m := range plan.Moves {
		ui.Printf("  %s: %s -> %s (%s)\n", m.Unit, m.SrcDisk, m.DestDisk, humanize.Bytes(uint64(m.SizeBytes)))
	}
	for _, d := range plan.Diagnostics {
		ui.Printf("diagnostic: %s\n", d)
	}
}

// buildConfig loads an optional config file and overlays flag values onto
// it (flags win), then validates the result.
func buildConfig(opts Options) (rebalance.CoreConfig, error) {
	cfg := rebalance.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := rebalance.LoadConfig(opts.ConfigPath)
		if err != nil {
			return rebalance.CoreConfig{}, err
		}
		cfg = loaded
	}

	cfg.TargetPercent = opts.TargetPercent
	cfg.HeadroomPercent = opts.HeadroomPercent
	if len(opts.IncludeDisks) > 0 {
		cfg.IncludeDisks = opts.IncludeDisks
	}
	if len(opts.ExcludeDisks) > 0 {
		cfg.ExcludeDisks = opts.ExcludeDisks
	}
	if len(opts.IncludeShares) > 0 {
		cfg.IncludeShares = opts.IncludeShares
	}
	if len(opts.ExcludeShares) > 0 {
		cfg.ExcludeShares = opts.ExcludeShares
	}
	if len(opts.ExcludeGlobs) > 0 {
		cfg.ExcludeGlobs = opts.ExcludeGlobs
	}
	cfg.UnitDepth = opts.UnitDepth
	if opts.MinUnitSize != "" {
		size, err := humanize.ParseBytes(opts.MinUnitSize)
		if err != nil {
			return rebalance.CoreConfig{}, fmt.Errorf("invalid --min-unit-size %q: %w", opts.MinUnitSize, err)
		}
		cfg.MinUnitSize = int64(size)
	}
	if opts.RsyncMode != "" {
		cfg.Profile = rebalance.Profile(opts.RsyncMode)
	}
	if opts.RsyncExtra != "" {
		cfg.RsyncExtra = opts.RsyncExtra
	}
	if opts.PrioritizeLowSpace {
		cfg.Strategy = rebalance.StrategyLowSpaceFirst
	}
	if opts.MountPrefix != "" {
		cfg.MountPrefix = opts.MountPrefix
	}
	if opts.DiskNamePattern != "" {
		cfg.DiskNamePattern = opts.DiskNamePattern
	}
	if opts.StateDir != "" {
		cfg.StateDir = opts.StateDir
	}
	if opts.RsyncPath != "" {
		cfg.RsyncPath = opts.RsyncPath
	}

	if err := cfg.Validate(); err != nil {
		return rebalance.CoreConfig{}, err
	}
	return cfg, nil
}

// parseFlags parses command-line flags into Options (spec.md §6.1).
func parseFlags(args []string) (Options, error) {
	fs := flag.NewFlagSet("rebalance", flag.ContinueOnError)
	opts := Options{
		TargetPercent:   rebalance.AutoTarget,
		HeadroomPercent: 5,
	}
	var includeDisks, excludeDisks, includeShares, excludeShares, excludeGlobs string

	fs.StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file, overlaid by flags")
	fs.Float64Var(&opts.TargetPercent, "target-percent", rebalance.AutoTarget, "explicit per-disk fill target, or -1 for auto-balance")
	fs.Float64Var(&opts.HeadroomPercent, "headroom-percent", 5, "headroom above the uniform average, used in auto-balance mode")
	fs.BoolVar(&opts.Execute, "execute", false, "perform the planned moves; absent means dry run")
	fs.StringVar(&includeDisks, "include-disks", "", "comma-separated disk names to restrict discovery to")
	fs.StringVar(&excludeDisks, "exclude-disks", "", "comma-separated disk names to exclude from discovery")
	fs.StringVar(&includeShares, "include-shares", "", "comma-separated share names to restrict unit building to")
	fs.StringVar(&excludeShares, "exclude-shares", "", "comma-separated share names to exclude from unit building")
	fs.StringVar(&excludeGlobs, "exclude-globs", "", "comma-separated glob patterns excluded from unit building")
	fs.IntVar(&opts.UnitDepth, "unit-depth", 1, "directory depth below each share root that defines an allocation unit")
	fs.StringVar(&opts.MinUnitSize, "min-unit-size", "", "minimum unit size to consider moving, e.g. 500MiB")
	fs.StringVar(&opts.SavePlanPath, "save-plan", "", "write the computed plan to this path")
	fs.StringVar(&opts.LoadPlanPath, "load-plan", "", "load a previously saved plan instead of computing one")
	fs.StringVar(&opts.RsyncMode, "rsync-mode", "", "performance profile: fast, balanced, or integrity")
	fs.StringVar(&opts.RsyncExtra, "rsync-extra", "", "extra flags appended verbatim to every invocation")
	fs.BoolVar(&opts.PrioritizeLowSpace, "prioritize-low-space", false, "shed from the disk with the least free space first")
	fs.StringVar(&opts.MountPrefix, "mount-prefix", "", "directory under which data disks are mounted")
	fs.StringVar(&opts.DiskNamePattern, "disk-name-pattern", "", "glob pattern matching data disk directory names")
	fs.StringVar(&opts.StateDir, "state-dir", "", "directory holding the transfer journal")
	fs.StringVar(&opts.RsyncPath, "rsync-path", "", "path to the external copy tool")

	if err := fs.Parse(args[1:]); err != nil {
		return Options{}, err
	}

	opts.IncludeDisks = splitCSV(includeDisks)
	opts.ExcludeDisks = splitCSV(excludeDisks)
	opts.IncludeShares = splitCSV(includeShares)
	opts.ExcludeShares = splitCSV(excludeShares)
	opts.ExcludeGlobs = splitCSV(excludeGlobs)

	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("unexpected positional argument %q", fs.Arg(0))
	}

	return opts, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
