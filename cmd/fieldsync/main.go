// Command fieldsync runs the offline sync daemon and its maintenance
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fieldsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fieldsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
