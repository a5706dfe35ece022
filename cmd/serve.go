package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dcrp/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the controller",
	Long:  `Start the discovery agents, route reconciler, and management API.`,
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	if err := app.RunServe(context.Background(), cfgFile, BuildVersion); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
