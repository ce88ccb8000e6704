package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"

	"github.com/nerdalize/snapvault/cmd/snapvault/command"
)

var (
	name    = "snapvault"
	version = "0.0.0"
)

func main() {
	c := cli.NewCLI(name, version)
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"init":    command.NewInit,
		"backup":  command.NewBackup,
		"restore": command.NewRestore,
		"verify":  command.NewVerify,
	}

	status, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", name, err)
	}

	os.Exit(status)
}
