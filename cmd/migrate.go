/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/db"
	"github.com/trackserver/trackserver/internal/db/migrations"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all up migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := db.Open(cmd.Context(), config.LoadConfig())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer conn.Close()

		if err := migrations.MigrateUp(conn); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := db.Open(cmd.Context(), config.LoadConfig())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer conn.Close()

		version, dirty, err := migrations.Version(conn)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", version, dirty)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateVersionCmd)
}
