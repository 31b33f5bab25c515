/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	cli "github.com/johanix/adns/adns/cli"
)

func init() {
	// From ../adns/cli/ping.go:
	rootCmd.AddCommand(cli.PingCmd)

	// From ../adns/cli/commands.go:
	rootCmd.AddCommand(cli.StopCmd, cli.StatusCmd, cli.StatsCmd)
	rootCmd.AddCommand(cli.VerbosityCmd, cli.LogReopenCmd)

	// From ../adns/cli/config_cmds.go:
	rootCmd.AddCommand(cli.ConfigCmd)

	// From ../adns/cli/zone_cmds.go:
	rootCmd.AddCommand(cli.ZoneCmd)
}
