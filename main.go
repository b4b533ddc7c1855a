package main

import (
	"os"

	"github.com/SPINLab/mrgcn/cmd"
)

func main() {
	os.Exit(cmd.ExitCode(cmd.Execute()))
}
