/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/logging"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trackserver",
	Short: "GPS track collection server",
	Long: `trackserver receives location fixes from mobile tracker apps
(TrackMe, OsmAnd, SendLocation, OwnTracks, MapMyTracks, uLogger) and
serves the stored tracks to a management API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := config.LoadConfig()
		logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
