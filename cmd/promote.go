package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rewear/models"
	"rewear/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var demote bool

var promoteCmd = &cobra.Command{
	Use:   "promote <email>",
	Short: "Grant a user the admin role",
	Long: `Grant a user the admin role, or take it away with --demote.

Tokens carry the role, so the user has to sign in again for the change
to take effect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		role := models.RoleAdmin
		if demote {
			role = models.RoleUser
		}
		user, err := setRole(ctx, st, args[0], role)
		if err != nil {
			return err
		}

		logger.Info("Role updated", zap.String("userId", user.ID.Hex()), zap.String("role", user.Role))
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", user.Email, user.Role)
		return nil
	},
}

func init() {
	promoteCmd.Flags().BoolVar(&demote, "demote", false, "Revoke the admin role instead")
}

func setRole(ctx context.Context, st store.Store, email, role string) (*models.User, error) {
	user, err := st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no user with email %s", email)
	}
	if err != nil {
		return nil, err
	}
	if user.IsAdmin() == (role == models.RoleAdmin) {
		return user, nil
	}
	return st.UpdateUser(ctx, user.ID, models.UserUpdate{Role: &role})
}
