// Command lifeflow compiles, runs and serves entity lifecycle workflows.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lifeflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
