// Command rebalance redistributes data across a JBOD array of independently
// mounted disks, keeping each one under a configured or auto-computed fill
// target. It parses CLI arguments and delegates to pkg/cli.Run.
package main

import (
	"errors"
	"log"
	"os"

	"github.com/kallaxio/rebalance/pkg/cli"
)

func main() {
	err := cli.Run(os.Args)
	if err == nil {
		return
	}

	log.Printf("rebalance: %v", err)

	code := 1
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	os.Exit(code)
}
