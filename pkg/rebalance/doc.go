// Package rebalance contains the core domain logic for redistributing data
// across the independent disks of a JBOD-style array: discovering disks and
// allocation units, planning capacity-constrained moves, and executing those
// moves atomically via an external copy-and-delete tool while surviving
// interruption.
//
// It is used by the CLI layer (main.go, via pkg/cli) but is self-contained
// and can be embedded in other tooling that needs programmatic disk
// rebalancing.
package rebalance
