/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/server"
)

const shutdownGrace = 15 * time.Second

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the trackserver HTTP server",
	Long: `Starts the trackserver HTTP server. Usage:

	trackserver server
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.LoadConfig()

		srv, err := server.New(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
			os.Exit(1)
		}

		errc := make(chan error, 1)
		go func() { errc <- srv.Start() }()

		select {
		case err := <-errc:
			if err != nil {
				fmt.Fprintf(os.Stderr, "server error: %v\n", err)
				os.Exit(1)
			}
		case <-cmd.Context().Done():
			logging.Info().Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logging.Error().Err(err).Msg("shutdown")
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
