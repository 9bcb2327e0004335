package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/router-for-me/o1relay/internal/app"
	"github.com/router-for-me/o1relay/internal/config"
	"github.com/router-for-me/o1relay/internal/ledger"
	"github.com/router-for-me/o1relay/internal/store"
	"github.com/spf13/cobra"
)

func newUserCmd(appCfg *config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage relay users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newUserCreateCmd(appCfg),
		newUserListCmd(appCfg),
		newUserToggleCmd(appCfg),
		newUserResetCmd(appCfg),
		newUserAddLimitCmd(appCfg),
	)
	return cmd
}

// withUsers loads the config, opens the store and runs fn against it.
func withUsers(appCfg *config.AppConfig, fn func(cfg config.Config, users *store.Users) error) error {
	cfg, err := app.LoadConfig(*appCfg)
	if err != nil {
		return err
	}
	users, closeUsers, err := app.OpenUsers(cfg)
	if err != nil {
		return err
	}
	defer closeUsers()
	return fn(cfg, users)
}

func notFound(err error, token string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user with token %s not found", token)
	}
	return err
}

func newUserCreateCmd(appCfg *config.AppConfig) *cobra.Command {
	var limit float64

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a user and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(appCfg, func(_ config.Config, users *store.Users) error {
				user, err := users.Create(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "Created user:")
				fmt.Fprintf(out, "Name: %s\n", user.Name)
				fmt.Fprintf(out, "Token: %s\n", user.Token)
				fmt.Fprintf(out, "Usage limit: $%.2f\n", user.UsageLimit)
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&limit, "limit", 0, "Usage limit in USD (0 uses limits.default-usage-limit)")

	return cmd
}

func newUserListCmd(appCfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users and their usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(appCfg, func(cfg config.Config, users *store.Users) error {
				return listUsers(cmd.Context(), cmd.OutOrStdout(), users, cfg.Policy(), time.Now().UTC())
			})
		},
	}
}

func listUsers(ctx context.Context, out io.Writer, users *store.Users, policy ledger.Policy, now time.Time) error {
	rows, err := users.List(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No users found in the database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTOKEN\tTOTAL COST\tLIMIT\tREMAINING\tREQUESTS\tSTATUS\tLAST USED")
	for i := range rows {
		user := &rows[i]
		state := user.State()
		lastUsed := "Never"
		if user.LastUsedAt != nil {
			lastUsed = user.LastUsedAt.UTC().Format("2006-01-02 15:04")
		}
		status := "Active"
		if !user.IsActive {
			status = "Inactive"
		}
		fmt.Fprintf(w, "%s\t%s\t$%.2f\t$%.2f\t$%.2f\t%d/%d\t%s\t%s\n",
			user.Name,
			user.Token,
			user.TotalCost,
			user.UsageLimit,
			state.Remaining(),
			state.EffectiveDailyCount(now),
			policy.Ceiling(),
			status,
			lastUsed,
		)
	}
	return w.Flush()
}

func newUserToggleCmd(appCfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle TOKEN",
		Short: "Activate or deactivate a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			return withUsers(appCfg, func(_ config.Config, users *store.Users) error {
				user, err := users.Toggle(cmd.Context(), token)
				if err != nil {
					return notFound(err, token)
				}
				status := "deactivated"
				if user.IsActive {
					status = "activated"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User %s (%s) has been %s\n", user.Name, user.Token, status)
				return nil
			})
		},
	}
}

func newUserResetCmd(appCfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reset TOKEN",
		Short: "Reset a user's daily request counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			return withUsers(appCfg, func(_ config.Config, users *store.Users) error {
				user, err := users.ResetCounters(cmd.Context(), token)
				if err != nil {
					return notFound(err, token)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Request limits reset for user %s (%s)\n", user.Name, user.Token)
				return nil
			})
		},
	}
}

func newUserAddLimitCmd(appCfg *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "add-limit TOKEN AMOUNT",
		Short: "Raise a user's usage limit by AMOUNT USD",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			amount, errParse := strconv.ParseFloat(strings.TrimSpace(args[1]), 64)
			if errParse != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], errParse)
			}
			return withUsers(appCfg, func(_ config.Config, users *store.Users) error {
				user, previous, err := users.AddLimit(cmd.Context(), token, amount)
				if err != nil {
					return notFound(err, token)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Usage limit for user %s (%s) increased by $%.2f\n", user.Name, user.Token, amount)
				fmt.Fprintf(out, "Old limit: $%.2f\n", previous)
				fmt.Fprintf(out, "New limit: $%.2f\n", user.UsageLimit)
				fmt.Fprintf(out, "Current cost: $%.2f\n", user.TotalCost)
				fmt.Fprintf(out, "Remaining budget: $%.2f\n", user.State().Remaining())
				return nil
			})
		},
	}
}
