package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/warehouse/pkg/account"
	"github.com/ethpandaops/warehouse/pkg/credential"
	"github.com/ethpandaops/warehouse/pkg/warehouse"
)

var createAdmin bool

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a user with a generated password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(func(ctx context.Context, accounts *account.Service) error {
			password, err := credential.GeneratePassword()
			if err != nil {
				return err
			}

			if _, err := accounts.Create(ctx, args[0], password, createAdmin); err != nil {
				return err
			}

			fmt.Printf("Created user %q with password: %s\n", args[0], password)

			return nil
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(func(ctx context.Context, accounts *account.Service) error {
			deleted, err := accounts.Delete(ctx, args[0])
			if err != nil {
				return err
			}

			if !deleted {
				return fmt.Errorf("%w: %s", account.ErrUserNotFound, args[0])
			}

			fmt.Printf("Deleted user %q\n", args[0])

			return nil
		})
	},
}

var userResetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Reset the password of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(func(ctx context.Context, accounts *account.Service) error {
			password, err := accounts.Reset(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("New password of user %q: %s\n", args[0], password)

			return nil
		})
	},
}

func init() {
	userCreateCmd.Flags().BoolVar(&createAdmin, "admin", false, "grant administrator rights")

	userCmd.AddCommand(userCreateCmd, userDeleteCmd, userResetCmd)
	rootCmd.AddCommand(userCmd)
}

// withAccounts opens the configured store for the duration of fn.
func withAccounts(fn func(ctx context.Context, accounts *account.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := warehouse.NewStore(ctx, log, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	return fn(ctx, account.NewService(log, st))
}
