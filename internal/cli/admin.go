package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/router-for-me/o1relay/internal/security"
	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin console helpers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newAdminHashPasswordCmd())
	return cmd
}

// newAdminHashPasswordCmd prints the bcrypt hash for admin.password-hash.
// The password is read from stdin so it never lands in shell history.
func newAdminHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash an admin password read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, errRead := io.ReadAll(cmd.InOrStdin())
			if errRead != nil {
				return fmt.Errorf("read password: %w", errRead)
			}
			password := strings.TrimSuffix(strings.TrimSuffix(string(raw), "\n"), "\r")
			if password == "" {
				return errors.New("password is empty")
			}
			hash, errHash := security.HashPassword(password)
			if errHash != nil {
				return errHash
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
