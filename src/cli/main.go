package main

import (
	"os"

	"github.com/sofmeright/switchyard/src/cli/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute()))
}
