// Command apsync runs the cloud file tree sync client.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/apsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
