// Package cmd wires the CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dcrp",
	Short: "DCRP - Docker Container Reverse Proxy controller",
	Long: `DCRP watches containers across one or more Docker hosts and keeps a
Caddy reverse proxy's routes in sync with them. Containers declare their
routes with labels; static and manual routes are supported alongside.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dcrp.toml)")
}
