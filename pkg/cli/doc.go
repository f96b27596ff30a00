// Package cli provides the command-line interface for rebalance, invoked
// from the repository's root-level main.go.
//
// The CLI parses flags into a rebalance.CoreConfig, runs discovery,
// planning, and (with --execute) the transfer engine, and reports one of
// the exit codes documented for the tool. Use Run as the entry point when
// embedding the CLI in other tools.
//
// Example usage:
//
//	if err := cli.Run(os.Args); err != nil {
//	    log.Fatalf("rebalance: %v", err)
//	}
package cli
