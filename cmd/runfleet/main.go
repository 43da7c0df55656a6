package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen   string
	BasePath string
}

// GhostFlags holds flags for the ghosts command.
type GhostFlags struct {
	Purge bool
}

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}
	root := &cobra.Command{
		Use:           "runfleet",
		Short:         "Manage a fleet of self-hosted runner processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "runfleet.toml", "path to config file")

	root.AddCommand(
		newScaleCmd(gf),
		newApplyCmd(gf),
		newStatusCmd(gf),
		newStopCmd(gf),
		newRemoveCmd(gf),
		newGhostsCmd(gf),
		newServeCmd(gf),
	)
	return root
}
