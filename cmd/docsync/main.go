package main

import (
	"fmt"
	"os"

	"github.com/mwantia/docsync/cmd/docsync/cli"
	"github.com/mwantia/docsync/cmd/docsync/cli/client"
	"github.com/mwantia/docsync/cmd/docsync/cli/server"
)

var (
	version = "0.0.1-dev"
	commit  = "main"
)

func main() {
	root := cli.NewRootCommand(cli.VersionInfo{
		Version: version,
		Commit:  commit,
	})

	root.AddCommand(cli.NewVersionCommand())

	root.AddCommand(server.NewAgentCommand())
	root.AddCommand(server.NewConfigCommand())

	root.AddCommand(client.NewSyncCommand())
	root.AddCommand(client.NewListCommand())
	root.AddCommand(client.NewCatCommand())
	root.AddCommand(client.NewPutCommand())
	root.AddCommand(client.NewRunsCommand())

	if err := root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
