// cmd/kerneld is the command-line interface to kerncore, a process, memory and syscall core for a
// self-hosted 32-bit x86 target.
package main

import (
	"context"
	"os"

	"github.com/smoynes/kerncore/internal/climon"
	"github.com/smoynes/kerncore/internal/climon/cmd"
)

var commands = []climon.Command{
	cmd.Run(),
	cmd.PS(),
}

// Entry point.
func main() {
	result :=
		climon.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
