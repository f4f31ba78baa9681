// Command rawlake ingests raw files by content hash and transforms them into
// typed tables using a recipe catalog.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/rawlake/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	var exitErr *cli.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// Flag and argument errors; everything else was already reported.
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
