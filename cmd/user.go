/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/db"
	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage tracker accounts",
}

var (
	userPassword     string
	userDisplayName  string
	userEmail        string
	userCapabilities []string
)

var userAddCmd = &cobra.Command{
	Use:   "add <login>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := db.Open(cmd.Context(), config.LoadConfig())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer conn.Close()

		user := types.User{Login: args[0], DisplayName: userDisplayName, Email: userEmail}
		for _, c := range userCapabilities {
			user.Capabilities = append(user.Capabilities, types.Capability(strings.TrimSpace(c)))
		}
		created, err := services.NewUserService(store.NewUserRepository(conn)).Create(cmd.Context(), user, userPassword)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", created.Login, created.ID)
		return nil
	},
}

var appPasswordPermissions []string

var userAppPasswordCmd = &cobra.Command{
	Use:   "app-password <login> [secret]",
	Short: "Add an app password for tracker apps",
	Long: `Adds an app password to an account. Without a secret one is generated
and printed once.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		perms, err := types.ParsePermissions(appPasswordPermissions)
		if err != nil {
			return err
		}
		conn, err := db.Open(cmd.Context(), config.LoadConfig())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer conn.Close()

		user, err := lookupUser(cmd, conn, args[0])
		if err != nil {
			return err
		}
		secret := ""
		if len(args) == 2 {
			secret = args[1]
		}
		settings := services.NewSettingsService(store.NewMetaRepository(conn), localtime.SystemClock{})
		added, err := settings.AddAppPassword(cmd.Context(), user.ID, secret, perms)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "app password %s: %s (%s)\n", added.ID, added.Secret, strings.Join(added.Permissions.Strings(), ","))
		return nil
	},
}

func lookupUser(cmd *cobra.Command, conn *sql.DB, login string) (types.User, error) {
	user, err := store.NewUserRepository(conn).GetByLogin(cmd.Context(), login)
	if err != nil {
		return types.User{}, fmt.Errorf("user %s: %w", login, err)
	}
	return user, nil
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userAppPasswordCmd)

	userAddCmd.Flags().StringVar(&userPassword, "password", "", "account password")
	userAddCmd.Flags().StringVar(&userDisplayName, "name", "", "display name")
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "email address, used for OwnTracks avatars")
	userAddCmd.Flags().StringSliceVar(&userCapabilities, "capability", nil, "capabilities (use_tracker, publish_others, admin)")

	userAppPasswordCmd.Flags().StringSliceVar(&appPasswordPermissions, "permission", []string{"read", "write", "delete"}, "permissions granted to the app password")
}
