package main

import (
	"context"
	"fmt"
	"os"

	"github.com/agentworkforce/ledgersync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ledgersync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
